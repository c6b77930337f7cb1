// Package signaling is the client side of the relay: one logical channel to
// one known peer, carrying ICE candidates and session descriptions.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peerdrop/internal/logger"
	"github.com/rudransh-shrivastava/peerdrop/internal/relay"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnavailable = errors.New("signaling relay unavailable")
	ErrClosed      = errors.New("signaling channel closed")
)

type Options struct {
	URL    string
	MyID   string
	PeerID string
	Logger *logrus.Logger
}

// payload is the data field of a signal. Exactly one of the two is set.
type payload struct {
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
}

type Channel struct {
	myID   string
	peerID string
	polite bool
	ws     *websocket.Conn
	log    *logrus.Entry

	writeMu sync.Mutex

	mu            sync.Mutex
	connected     bool
	closed        bool
	onCandidate   func(webrtc.ICECandidateInit)
	onDescription func(webrtc.SessionDescription)

	done chan struct{}
}

func Dial(ctx context.Context, opts Options) (*Channel, error) {
	if opts.MyID == "" || opts.PeerID == "" {
		return nil, errors.New("both peer identifiers are required")
	}
	if opts.MyID == opts.PeerID {
		return nil, fmt.Errorf("peer identifiers must differ: %q", opts.MyID)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c := &Channel{
		myID:      opts.MyID,
		peerID:    opts.PeerID,
		polite:    Polite(opts.MyID, opts.PeerID),
		ws:        ws,
		log:       opts.Logger.WithFields(logrus.Fields{"component": "signaling", "peer": opts.PeerID}),
		connected: true,
		done:      make(chan struct{}),
	}
	go c.readLoop()

	c.log.WithField("url", opts.URL).Debug("Connected to relay")
	return c, nil
}

// Polite reports whether myID yields on glare against peerID.
func Polite(myID, peerID string) bool {
	return myID < peerID
}

func (c *Channel) Polite() bool { return c.polite }

func (c *Channel) AnnounceReady() error {
	return c.write(relay.Message{Type: relay.TypeJoin, ID: c.myID})
}

// OnRelayConnected runs f if the relay connection is up. Dial only returns
// connected channels, so f is dropped only after the connection was lost.
func (c *Channel) OnRelayConnected(f func()) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		c.log.Warn("Relay connection is down, not starting negotiation")
		return
	}
	f()
}

func (c *Channel) SendCandidate(candidate webrtc.ICECandidateInit) error {
	return c.signal(payload{Candidate: &candidate})
}

func (c *Channel) SendDescription(desc webrtc.SessionDescription) error {
	return c.signal(payload{SDP: &desc})
}

func (c *Channel) OnCandidate(f func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = f
	c.mu.Unlock()
}

func (c *Channel) OnDescription(f func(webrtc.SessionDescription)) {
	c.mu.Lock()
	c.onDescription = f
	c.mu.Unlock()
}

func (c *Channel) signal(p payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.write(relay.Message{Type: relay.TypeSignal, To: c.peerID, Data: data})
}

func (c *Channel) write(msg relay.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Channel) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.connected = false
			c.mu.Unlock()
			if !closed {
				c.log.WithError(err).Warn("Relay connection lost")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	var d relay.Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		c.log.WithError(err).Debug("Dropping malformed delivery")
		return
	}
	if d.From != c.peerID {
		c.log.WithField("from", d.From).Debug("Dropping signal from unexpected peer")
		return
	}

	var p payload
	if err := json.Unmarshal(d.Data, &p); err != nil {
		c.log.WithError(err).Debug("Dropping malformed signal")
		return
	}

	c.mu.Lock()
	onCandidate, onDescription := c.onCandidate, c.onDescription
	c.mu.Unlock()

	switch {
	case p.Candidate != nil:
		if onCandidate != nil {
			onCandidate(*p.Candidate)
		}
	case p.SDP != nil:
		if onDescription != nil {
			onDescription(*p.SDP)
		}
	default:
		c.log.Debug("Dropping empty signal")
	}
}

// Done is closed once the relay connection is gone.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

var _ transport.Signaler = (*Channel)(nil)
