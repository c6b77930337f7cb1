package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type wsConn struct {
	conn  *websocket.Conn
	log   *logrus.Entry
	limit int
	wake  chan struct{}
	done  chan struct{}

	// pending holds deliveries not yet written. The head stays queued
	// until its write succeeds, so Close hands back everything unsent.
	mu      sync.Mutex
	pending [][]byte
	closed  bool

	// id is owned by readPump.
	id string
}

func newWSConn(ws *websocket.Conn, limit int, log *logrus.Entry) *wsConn {
	return &wsConn{
		conn:  ws,
		log:   log,
		limit: limit,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Deliver queues one message, failing with ErrBackpressure once limit
// messages are waiting.
func (c *wsConn) Deliver(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if len(c.pending) >= c.limit {
		return ErrBackpressure
	}
	c.pending = append(c.pending, data)
	c.notify()
	return nil
}

// Flush queues a whole mailbox at once, regardless of limit.
func (c *wsConn) Flush(batch [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.pending = append(c.pending, batch...)
	c.notify()
	return nil
}

func (c *wsConn) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close shuts the socket and returns the deliveries that were never written.
func (c *wsConn) Close() [][]byte {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsent := c.pending
	c.pending = nil
	close(c.done)
	c.mu.Unlock()

	_ = c.conn.Close()
	return unsent
}

func (c *wsConn) head() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.pending) == 0 {
		return nil, false
	}
	return c.pending[0], true
}

func (c *wsConn) pop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.pending) == 0 {
		return
	}
	c.pending[0] = nil
	c.pending = c.pending[1:]
}

// writePump writes pending deliveries in order. A failed write closes only
// the socket; readPump then leaves the registry, which takes back the
// unsent deliveries.
func (c *wsConn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			data, ok := c.head()
			if !ok {
				break
			}
			if err := c.write(data); err != nil {
				c.log.WithError(err).Debug("Write failed")
				_ = c.conn.Close()
				return
			}
			c.pop()
		}
	}
}

func (c *wsConn) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) readPump(ctx context.Context, reg *Registry) {
	defer func() {
		if c.id != "" {
			reg.Leave(c.id, c)
		}
		_ = c.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("Read failed")
			}
			return
		}
		c.handle(reg, data)
	}
}

func (c *wsConn) handle(reg *Registry, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.WithError(err).Debug("Dropping malformed message")
		return
	}

	switch msg.Type {
	case TypeJoin:
		if msg.ID == "" {
			c.log.Debug("Dropping join without id")
			return
		}
		if c.id != "" && c.id != msg.ID {
			reg.Forget(c.id, c)
		}
		c.id = msg.ID
		c.log = c.log.WithField("peer", msg.ID)
		reg.Join(msg.ID, c)
	case TypeSignal:
		if c.id == "" {
			c.log.Debug("Dropping signal sent before join")
			return
		}
		if msg.To == "" {
			c.log.Debug("Dropping signal without recipient")
			return
		}
		reg.Signal(c.id, msg.To, msg.Data)
	default:
		c.log.WithField("type", msg.Type).Warn("Unknown message type")
	}
}
