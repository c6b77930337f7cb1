package node

import (
	"context"
	"sync"

	"github.com/rudransh-shrivastava/peerdrop/internal/negotiation"
	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
	"github.com/rudransh-shrivastava/peerdrop/internal/transfer"
	"github.com/sirupsen/logrus"
)

// Session is one connection to one peer. Once connected it serves the
// peer's requests automatically and can run one download of its own.
type Session struct {
	node      *Node
	neg       *negotiation.Negotiator
	log       *logrus.Entry
	connected chan struct{}

	mu         sync.Mutex
	transfer   *transfer.Session
	onProgress func(received, expected int64)
}

func newSession(n *Node, neg *negotiation.Negotiator, log *logrus.Entry) *Session {
	return &Session{
		node:      n,
		neg:       neg,
		log:       log,
		connected: make(chan struct{}),
	}
}

func (s *Session) run() {
	link, err := s.neg.Ready(context.Background())
	if err != nil {
		s.log.WithError(err).Info("Session ended before connecting")
		return
	}

	ts := transfer.NewSession(link, s.node.store, s.node.transfer)

	s.mu.Lock()
	s.transfer = ts
	if s.onProgress != nil {
		ts.OnProgress(s.onProgress)
	}
	s.mu.Unlock()

	close(s.connected)
	s.log.Info("Connected to peer")
}

// Connected is closed once the data channel is open.
func (s *Session) Connected() <-chan struct{} { return s.connected }

// WaitConnected blocks until the data channel is open, the session ends or
// ctx is done.
func (s *Session) WaitConnected(ctx context.Context) error {
	select {
	case <-s.connected:
		return nil
	default:
	}

	select {
	case <-s.connected:
		return nil
	case <-s.neg.Done():
		return negotiation.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnProgress registers f for download progress.
func (s *Session) OnProgress(f func(received, expected int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onProgress = f
	if s.transfer != nil {
		s.transfer.OnProgress(f)
	}
}

// RequestFile pulls d from the peer. Before the channel is open cb reports
// that there is no connection.
func (s *Session) RequestFile(d protocol.FileDescriptor, startByte int64, cb transfer.Callback) error {
	s.mu.Lock()
	ts := s.transfer
	s.mu.Unlock()

	if ts == nil {
		if err := d.Validate(); err != nil {
			return err
		}
		cb(transfer.Result{Err: transfer.ErrNoConnection})
		return nil
	}
	return ts.RequestFile(d, startByte, cb)
}

func (s *Session) State() negotiation.State { return s.neg.State() }

func (s *Session) Done() <-chan struct{} { return s.neg.Done() }

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.neg.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session. A download in flight reports its failure first.
func (s *Session) Close() {
	s.neg.Close()
}
