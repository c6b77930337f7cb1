package webrtc

import (
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport"
	"github.com/sirupsen/logrus"
)

type connection struct {
	pc  *webrtc.PeerConnection
	log *logrus.Entry
}

func newConnection(pc *webrtc.PeerConnection, log *logrus.Entry) *connection {
	return &connection{pc: pc, log: log}
}

func (c *connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *connection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *connection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *connection) CreateDataChannel() (transport.DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(protocol.DataChannelLabel, DataChannelConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	return dc, nil
}

func (c *connection) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if cand == nil {
			return
		}
		f(cand.ToJSON())
	})
}

func (c *connection) OnNegotiationNeeded(f func()) {
	c.pc.OnNegotiationNeeded(f)
}

func (c *connection) OnDataChannel(f func(transport.DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(dc)
	})
}

func (c *connection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.WithField("state", s.String()).Debug("Peer connection state changed")
		f(s)
	})
}

func (c *connection) Close() error {
	return c.pc.Close()
}

var _ transport.PeerConnection = (*connection)(nil)
