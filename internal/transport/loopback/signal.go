package loopback

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport"
)

var ErrSignalerClosed = errors.New("loopback: signaler closed")

type signal struct {
	candidate   *webrtc.ICECandidateInit
	description *webrtc.SessionDescription
}

// Signaler is an in-memory signaling channel. Like a relay mailbox it holds
// messages until the receiving side has announced itself, and it delivers
// them in send order on its own goroutine.
type Signaler struct {
	id   string
	peer *Signaler

	mu      sync.Mutex
	cond    *sync.Cond
	pending []signal
	joined  bool
	held    bool
	closed  bool
	sent    []webrtc.SessionDescription

	onCandidate   func(webrtc.ICECandidateInit)
	onDescription func(webrtc.SessionDescription)
}

func NewSignalPair(aID, bID string) (*Signaler, *Signaler) {
	a := &Signaler{id: aID}
	b := &Signaler{id: bID}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer, b.peer = b, a
	go a.run()
	go b.run()
	return a, b
}

func (s *Signaler) run() {
	for {
		s.mu.Lock()
		for !s.closed && (len(s.pending) == 0 || !s.joined || s.held) {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		m := s.pending[0]
		s.pending = s.pending[1:]
		onCandidate, onDescription := s.onCandidate, s.onDescription
		s.mu.Unlock()

		switch {
		case m.candidate != nil && onCandidate != nil:
			onCandidate(*m.candidate)
		case m.description != nil && onDescription != nil:
			onDescription(*m.description)
		}
	}
}

func (s *Signaler) enqueue(m signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, m)
	s.cond.Broadcast()
}

func (s *Signaler) AnnounceReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSignalerClosed
	}
	s.joined = true
	s.cond.Broadcast()
	return nil
}

func (s *Signaler) OnRelayConnected(f func()) { f() }

func (s *Signaler) SendCandidate(candidate webrtc.ICECandidateInit) error {
	if s.isClosed() {
		return ErrSignalerClosed
	}
	s.peer.enqueue(signal{candidate: &candidate})
	return nil
}

func (s *Signaler) SendDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSignalerClosed
	}
	s.sent = append(s.sent, desc)
	s.mu.Unlock()

	s.peer.enqueue(signal{description: &desc})
	return nil
}

func (s *Signaler) OnCandidate(f func(webrtc.ICECandidateInit)) {
	s.mu.Lock()
	s.onCandidate = f
	s.mu.Unlock()
}

func (s *Signaler) OnDescription(f func(webrtc.SessionDescription)) {
	s.mu.Lock()
	s.onDescription = f
	s.mu.Unlock()
}

func (s *Signaler) Polite() bool { return s.id < s.peer.id }

// Hold stops delivery to this side until Release.
func (s *Signaler) Hold() {
	s.mu.Lock()
	s.held = true
	s.mu.Unlock()
}

func (s *Signaler) Release() {
	s.mu.Lock()
	s.held = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Sent returns the descriptions this side has sent, in order.
func (s *Signaler) Sent() []webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), s.sent...)
}

func (s *Signaler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Signaler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

var _ transport.Signaler = (*Signaler)(nil)
