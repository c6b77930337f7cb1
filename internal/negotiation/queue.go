package negotiation

import "sync"

// eventQueue is an unbounded FIFO so that callbacks never block on the
// goroutine that handles them.
type eventQueue struct {
	mu     sync.Mutex
	items  []func()
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(f func()) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an event is queued or done is closed.
func (q *eventQueue) pop(done <-chan struct{}) (func(), bool) {
	for {
		select {
		case <-done:
			return nil, false
		default:
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-done:
			return nil, false
		}
	}
}
