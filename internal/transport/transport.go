// Package transport describes what the negotiation and transfer layers need
// from a peer connection, a data channel and a signaling channel.
package transport

import (
	"github.com/pion/webrtc/v3"
)

// PeerConnection is the ICE/SDP-capable connection between two peers.
// *webrtc.PeerConnection satisfies it through the webrtc subpackage.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// CreateDataChannel opens the transfer channel. The first call on a fresh
	// connection triggers the negotiation-needed handler.
	CreateDataChannel() (DataChannel, error)

	OnICECandidate(f func(webrtc.ICECandidateInit))
	OnNegotiationNeeded(f func())
	OnDataChannel(f func(DataChannel))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))

	Close() error
}

// DataChannel matches the method set of *webrtc.DataChannel that transfers use.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	SendText(s string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	OnOpen(f func())
	OnClose(f func())
	OnError(f func(err error))
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

// Signaler carries candidates and session descriptions to one known peer.
type Signaler interface {
	AnnounceReady() error
	OnRelayConnected(f func())
	SendCandidate(candidate webrtc.ICECandidateInit) error
	SendDescription(desc webrtc.SessionDescription) error
	OnCandidate(f func(webrtc.ICECandidateInit))
	OnDescription(f func(webrtc.SessionDescription))
	Polite() bool
	Close() error
}

type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}

var _ DataChannel = (*webrtc.DataChannel)(nil)
