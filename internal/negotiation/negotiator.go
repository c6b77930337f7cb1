// Package negotiation establishes the data channel between two peers with
// perfect negotiation: fixed polite/impolite roles, buffered early
// candidates and glare resolution.
package negotiation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peerdrop/internal/logger"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("negotiation closed")

type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Options struct {
	// InboundBuffer bounds the queue of received data channel messages.
	InboundBuffer int
	Logger        *logrus.Logger
}

// Negotiator drives one peer connection to an open data channel. Every
// connection and signaling callback becomes an event handled in arrival
// order by a single goroutine; the fields below the events queue belong to
// that goroutine.
type Negotiator struct {
	pc     transport.PeerConnection
	sig    transport.Signaler
	polite bool
	buffer int
	log    *logrus.Entry

	events *eventQueue
	ready  chan struct{}
	done   chan struct{}

	startOnce sync.Once
	readyOnce sync.Once
	closeOnce sync.Once

	state   atomic.Int32
	ignored atomic.Int64

	mu   sync.Mutex
	link *transport.Link

	makingOffer bool
	early       []webrtc.ICECandidateInit
}

func New(pc transport.PeerConnection, sig transport.Signaler, opts Options) *Negotiator {
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}
	n := &Negotiator{
		pc:     pc,
		sig:    sig,
		polite: sig.Polite(),
		buffer: opts.InboundBuffer,
		log:    opts.Logger.WithFields(logrus.Fields{"component": "negotiation", "polite": sig.Polite()}),
		events: newEventQueue(),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	n.state.Store(int32(StateIdle))
	return n
}

// Start registers the callbacks and begins negotiating once the relay is
// connected. It is a no-op after the first call.
func (n *Negotiator) Start() {
	n.startOnce.Do(func() {
		n.pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
			if err := n.sig.SendCandidate(c); err != nil {
				n.log.WithError(err).Debug("Failed to forward local candidate")
			}
		})
		n.pc.OnNegotiationNeeded(func() { n.post(n.makeOffer) })
		n.pc.OnDataChannel(func(dc transport.DataChannel) {
			link := transport.Bind(dc, n.buffer)
			n.post(func() { n.adopt(link) })
		})
		n.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			n.log.WithField("state", s.String()).Debug("Peer connection state changed")
			if s == webrtc.PeerConnectionStateFailed {
				go n.Close()
			}
		})
		n.sig.OnCandidate(func(c webrtc.ICECandidateInit) {
			n.post(func() { n.handleCandidate(c) })
		})
		n.sig.OnDescription(func(d webrtc.SessionDescription) {
			n.post(func() { n.handleDescription(d) })
		})

		go n.run()
		n.sig.OnRelayConnected(func() { n.post(n.establish) })
	})
}

func (n *Negotiator) post(f func()) {
	select {
	case <-n.done:
		return
	default:
	}
	n.events.push(f)
}

func (n *Negotiator) run() {
	for {
		f, ok := n.events.pop(n.done)
		if !ok {
			return
		}
		f()
	}
}

func (n *Negotiator) establish() {
	n.setState(StateNegotiating)

	if err := n.sig.AnnounceReady(); err != nil {
		n.log.WithError(err).Warn("Failed to announce readiness")
		return
	}

	if n.polite {
		n.log.Debug("Waiting for the peer to open the data channel")
		return
	}

	dc, err := n.pc.CreateDataChannel()
	if err != nil {
		n.log.WithError(err).Error("Failed to create data channel")
		return
	}
	n.adopt(transport.Bind(dc, n.buffer))
}

// adopt makes link the session's channel unless one is already bound.
func (n *Negotiator) adopt(link *transport.Link) {
	n.mu.Lock()
	if n.link != nil {
		n.mu.Unlock()
		n.log.WithField("label", link.Channel().Label()).Debug("Ignoring second data channel")
		return
	}
	n.link = link
	n.mu.Unlock()

	go n.watch(link)
}

func (n *Negotiator) watch(link *transport.Link) {
	select {
	case <-link.Opened():
		n.setState(StateConnected)
		n.readyOnce.Do(func() { close(n.ready) })
		n.log.Info("Data channel open")
	case <-link.Closed():
	case <-n.done:
		return
	}

	select {
	case <-link.Closed():
		n.log.WithError(link.Err()).Info("Data channel closed")
		n.Close()
	case <-n.done:
	}
}

func (n *Negotiator) makeOffer() {
	n.makingOffer = true
	defer func() { n.makingOffer = false }()

	offer, err := n.pc.CreateOffer()
	if err != nil {
		n.log.WithError(err).Warn("Failed to create offer")
		return
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		n.log.WithError(err).Warn("Failed to set local offer")
		return
	}
	if err := n.sig.SendDescription(offer); err != nil {
		n.log.WithError(err).Warn("Failed to send offer")
		return
	}
	n.log.Debug("Sent offer")
}

func (n *Negotiator) handleDescription(desc webrtc.SessionDescription) {
	isOffer := desc.Type == webrtc.SDPTypeOffer
	st := n.pc.SignalingState()

	// A polite peer may take an offer over its own pending one by rolling
	// back; the impolite peer keeps its own.
	readyForOffer := !n.makingOffer &&
		(st == webrtc.SignalingStateStable || (st == webrtc.SignalingStateHaveLocalOffer && n.polite))
	if isOffer && !readyForOffer && !n.polite {
		n.ignored.Add(1)
		n.log.WithField("signaling_state", st.String()).Debug("Ignoring colliding offer")
		return
	}

	if isOffer && st == webrtc.SignalingStateHaveLocalOffer {
		if err := n.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			n.log.WithError(err).Warn("Failed to roll back local offer")
			return
		}
		n.log.Debug("Rolled back local offer")
	}

	if err := n.pc.SetRemoteDescription(desc); err != nil {
		n.log.WithError(err).WithField("type", desc.Type.String()).Warn("Failed to set remote description")
		return
	}

	for _, c := range n.early {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.log.WithError(err).Debug("Failed to add buffered candidate")
		}
	}
	n.early = nil

	if !isOffer {
		return
	}

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		n.log.WithError(err).Warn("Failed to create answer")
		return
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		n.log.WithError(err).Warn("Failed to set local answer")
		return
	}
	if err := n.sig.SendDescription(answer); err != nil {
		n.log.WithError(err).Warn("Failed to send answer")
		return
	}
	n.log.Debug("Sent answer")
}

func (n *Negotiator) handleCandidate(c webrtc.ICECandidateInit) {
	if n.pc.RemoteDescription() == nil {
		n.early = append(n.early, c)
		return
	}
	if err := n.pc.AddICECandidate(c); err != nil {
		n.log.WithError(err).Debug("Failed to add candidate")
	}
}

// Renegotiate sends a fresh offer.
func (n *Negotiator) Renegotiate() {
	n.post(n.makeOffer)
}

// Ready waits for the data channel to open.
func (n *Negotiator) Ready(ctx context.Context) (*transport.Link, error) {
	select {
	case <-n.ready:
		return n.Link(), nil
	default:
	}

	select {
	case <-n.ready:
		return n.Link(), nil
	case <-n.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Negotiator) Link() *transport.Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.link
}

func (n *Negotiator) State() State { return State(n.state.Load()) }

func (n *Negotiator) setState(s State) {
	for {
		cur := n.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if n.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// IgnoredOffers counts remote offers dropped by glare resolution.
func (n *Negotiator) IgnoredOffers() int64 { return n.ignored.Load() }

func (n *Negotiator) Done() <-chan struct{} { return n.done }

// Close releases the channel, the peer connection and the signaling
// channel. It is safe to call more than once.
func (n *Negotiator) Close() {
	n.closeOnce.Do(func() {
		n.state.Store(int32(StateClosed))
		close(n.done)

		if link := n.Link(); link != nil {
			_ = link.Close()
		}
		if err := n.pc.Close(); err != nil {
			n.log.WithError(err).Debug("Failed to close peer connection")
		}
		if err := n.sig.Close(); err != nil {
			n.log.WithError(err).Debug("Failed to close signaling channel")
		}
		n.log.Debug("Negotiation closed")
	})
}
