package node

import (
	"context"

	"github.com/rudransh-shrivastava/peerdrop/internal/signaling"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport"
	"github.com/sirupsen/logrus"
)

// Signaling opens the signaling channel for one pair of peers.
type Signaling interface {
	Signaler(ctx context.Context, myID, peerID string) (transport.Signaler, error)
}

type SignalingFunc func(ctx context.Context, myID, peerID string) (transport.Signaler, error)

func (f SignalingFunc) Signaler(ctx context.Context, myID, peerID string) (transport.Signaler, error) {
	return f(ctx, myID, peerID)
}

// RelaySignaling dials the websocket relay at URL.
type RelaySignaling struct {
	URL    string
	Logger *logrus.Logger
}

func (r RelaySignaling) Signaler(ctx context.Context, myID, peerID string) (transport.Signaler, error) {
	return signaling.Dial(ctx, signaling.Options{
		URL:    r.URL,
		MyID:   myID,
		PeerID: peerID,
		Logger: r.Logger,
	})
}
