package loopback

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport"
)

var ErrInjected = errors.New("loopback: injected channel failure")

type eventKind int

const (
	evAnnounce eventKind = iota
	evOpen
	evMessage
	evError
	evClose
)

type event struct {
	kind eventKind
	msg  webrtc.DataChannelMessage
	from *DataChannel
	err  error
}

// queue is an unbounded FIFO drained by a single goroutine.
type queue struct {
	mu     sync.Mutex
	items  []event
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(e event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() event {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return e
		}
		q.mu.Unlock()
		<-q.notify
	}
}

// DataChannel is one end of an in-process channel. Every callback runs on
// the endpoint's own delivery goroutine, in the order events were queued.
type DataChannel struct {
	label string
	net   *Network
	owner *PeerConnection
	inbox *queue

	mu           sync.Mutex
	state        webrtc.DataChannelState
	closing      bool
	peer         *DataChannel
	buffered     uint64
	lowThreshold uint64

	onOpen    func()
	onClose   func()
	onError   func(error)
	onMessage func(webrtc.DataChannelMessage)
	onLow     func()

	handlerSet  chan struct{}
	handlerOnce sync.Once
}

func newDataChannel(n *Network, owner *PeerConnection, label string) *DataChannel {
	dc := &DataChannel{
		label:      label,
		net:        n,
		owner:      owner,
		inbox:      newQueue(),
		state:      webrtc.DataChannelStateConnecting,
		handlerSet: make(chan struct{}),
	}
	go dc.pump()
	return dc
}

func (dc *DataChannel) pump() {
	for {
		e := dc.inbox.pop()
		switch e.kind {
		case evAnnounce:
			dc.owner.announce(dc)
		case evOpen:
			dc.mu.Lock()
			h := dc.onOpen
			closing := dc.closing
			dc.mu.Unlock()
			if h != nil && !closing {
				h()
			}
		case evMessage:
			dc.net.gate()
			<-dc.handlerSet
			dc.mu.Lock()
			h := dc.onMessage
			dc.mu.Unlock()
			h(e.msg)
			e.from.drain(uint64(len(e.msg.Data)))
		case evError:
			dc.mu.Lock()
			h := dc.onError
			dc.mu.Unlock()
			if h != nil {
				h(e.err)
			}
		case evClose:
			dc.mu.Lock()
			dc.state = webrtc.DataChannelStateClosed
			h := dc.onClose
			dc.mu.Unlock()
			if h != nil {
				h()
			}
			return
		}
	}
}

func (dc *DataChannel) Label() string { return dc.label }

func (dc *DataChannel) ReadyState() webrtc.DataChannelState {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.state
}

func (dc *DataChannel) Send(data []byte) error {
	return dc.send(webrtc.DataChannelMessage{Data: append([]byte(nil), data...)})
}

func (dc *DataChannel) SendText(s string) error {
	return dc.send(webrtc.DataChannelMessage{IsString: true, Data: []byte(s)})
}

func (dc *DataChannel) send(msg webrtc.DataChannelMessage) error {
	dc.mu.Lock()
	if dc.closing || dc.state != webrtc.DataChannelStateOpen {
		dc.mu.Unlock()
		return io.ErrClosedPipe
	}
	peer := dc.peer
	dc.mu.Unlock()

	if !dc.net.admit() {
		dc.fail(ErrInjected)
		return ErrInjected
	}

	dc.mu.Lock()
	dc.buffered += uint64(len(msg.Data))
	dc.mu.Unlock()

	peer.inbox.push(event{kind: evMessage, msg: msg, from: dc})
	return nil
}

func (dc *DataChannel) drain(n uint64) {
	dc.mu.Lock()
	before := dc.buffered
	if n > dc.buffered {
		n = dc.buffered
	}
	dc.buffered -= n
	after := dc.buffered
	th := dc.lowThreshold
	h := dc.onLow
	dc.mu.Unlock()

	if h != nil && before > th && after <= th {
		h()
	}
}

func (dc *DataChannel) BufferedAmount() uint64 {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.buffered
}

func (dc *DataChannel) SetBufferedAmountLowThreshold(th uint64) {
	dc.mu.Lock()
	dc.lowThreshold = th
	dc.mu.Unlock()
}

func (dc *DataChannel) OnBufferedAmountLow(f func()) {
	dc.mu.Lock()
	dc.onLow = f
	dc.mu.Unlock()
}

func (dc *DataChannel) OnOpen(f func()) {
	dc.mu.Lock()
	dc.onOpen = f
	dc.mu.Unlock()
}

func (dc *DataChannel) OnClose(f func()) {
	dc.mu.Lock()
	dc.onClose = f
	dc.mu.Unlock()
}

func (dc *DataChannel) OnError(f func(err error)) {
	dc.mu.Lock()
	dc.onError = f
	dc.mu.Unlock()
}

func (dc *DataChannel) OnMessage(f func(msg webrtc.DataChannelMessage)) {
	dc.mu.Lock()
	dc.onMessage = f
	dc.mu.Unlock()
	dc.handlerOnce.Do(func() { close(dc.handlerSet) })
}

// Close closes both ends. Messages already queued are delivered first.
func (dc *DataChannel) Close() error {
	dc.mu.Lock()
	if dc.closing {
		dc.mu.Unlock()
		return nil
	}
	dc.closing = true
	dc.state = webrtc.DataChannelStateClosing
	peer := dc.peer
	dc.mu.Unlock()

	dc.inbox.push(event{kind: evClose})
	if peer != nil {
		peer.shutdown(nil)
	}
	return nil
}

// fail errors both ends, after whatever is already in flight.
func (dc *DataChannel) fail(err error) {
	dc.mu.Lock()
	peer := dc.peer
	dc.mu.Unlock()

	dc.shutdown(err)
	if peer != nil {
		peer.shutdown(err)
	}
}

func (dc *DataChannel) shutdown(err error) {
	dc.mu.Lock()
	if dc.closing {
		dc.mu.Unlock()
		return
	}
	dc.closing = true
	dc.state = webrtc.DataChannelStateClosing
	dc.mu.Unlock()

	if err != nil {
		dc.inbox.push(event{kind: evError, err: err})
	}
	dc.inbox.push(event{kind: evClose})
}

var _ transport.DataChannel = (*DataChannel)(nil)
