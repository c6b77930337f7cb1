// Package node is the caller-facing API: store files, check for local
// copies and open sessions with peers to pull files from them.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rudransh-shrivastava/peerdrop/internal/logger"
	"github.com/rudransh-shrivastava/peerdrop/internal/negotiation"
	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
	"github.com/rudransh-shrivastava/peerdrop/internal/store"
	"github.com/rudransh-shrivastava/peerdrop/internal/transfer"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Store           *store.Store
	Signaling       Signaling
	PeerConnections transport.Factory
	Transfer        transfer.Options
	// InboundBuffer bounds queued data channel messages per session.
	InboundBuffer int
	Logger        *logrus.Logger
}

type Node struct {
	store     *store.Store
	signaling Signaling
	pcs       transport.Factory
	transfer  transfer.Options
	inbound   int
	logger    *logrus.Logger
	log       *logrus.Entry
}

func New(opts Options) (*Node, error) {
	if opts.Store == nil {
		return nil, errors.New("node needs a store")
	}
	if opts.Signaling == nil {
		return nil, errors.New("node needs a signaling channel factory")
	}
	if opts.PeerConnections == nil {
		return nil, errors.New("node needs a peer connection factory")
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	if opts.Transfer.Logger == nil {
		opts.Transfer.Logger = log
	}

	return &Node{
		store:     opts.Store,
		signaling: opts.Signaling,
		pcs:       opts.PeerConnections,
		transfer:  opts.Transfer,
		inbound:   opts.InboundBuffer,
		logger:    log,
		log:       log.WithField("component", "node"),
	}, nil
}

func (n *Node) Store() *store.Store { return n.store }

// StoreFile adds the bytes of r to the local store.
func (n *Node) StoreFile(ctx context.Context, r io.Reader, name string) (protocol.FileDescriptor, error) {
	return n.store.Put(ctx, r, name)
}

// StoreFilePath adds the file at path to the local store under its base name.
func (n *Node) StoreFilePath(ctx context.Context, path string) (protocol.FileDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return protocol.FileDescriptor{}, err
	}
	defer func() { _ = f.Close() }()

	return n.StoreFile(ctx, f, filepath.Base(path))
}

// HaveFile reports whether a verified copy of d is stored locally.
func (n *Node) HaveFile(ctx context.Context, d protocol.FileDescriptor) (bool, error) {
	return n.store.Verify(ctx, d)
}

// Connect opens a session with peerID. Negotiation continues in the
// background; use WaitConnected before requesting files.
func (n *Node) Connect(ctx context.Context, myID, peerID string) (*Session, error) {
	sig, err := n.signaling.Signaler(ctx, myID, peerID)
	if err != nil {
		return nil, err
	}

	pc, err := n.pcs.NewPeerConnection()
	if err != nil {
		_ = sig.Close()
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	neg := negotiation.New(pc, sig, negotiation.Options{
		InboundBuffer: n.inbound,
		Logger:        n.logger,
	})
	s := newSession(n, neg, n.log.WithFields(logrus.Fields{"me": myID, "peer": peerID}))
	neg.Start()
	go s.run()

	s.log.Info("Connecting to peer")
	return s, nil
}
