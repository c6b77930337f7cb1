// Package loopback links peer connections inside one process. It models the
// signaling state machine, ICE candidate timing and data channel buffering
// closely enough to drive negotiation and transfers without a network.
package loopback

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport"
)

var (
	ErrClosed              = errors.New("loopback: peer connection closed")
	ErrInvalidState        = errors.New("loopback: invalid signaling state")
	ErrNoRemoteDescription = errors.New("loopback: remote description not set")
	ErrUnknownCandidate    = errors.New("loopback: candidate does not belong to the remote peer")
)

const candidatesPerConnection = 2

type Network struct {
	mu     sync.Mutex
	conns  map[string]*PeerConnection
	nextID int
	sent   int64
	failAt int64
	hold   chan struct{}
}

func NewNetwork() *Network {
	return &Network{conns: make(map[string]*PeerConnection)}
}

func (n *Network) NewPeerConnection() (transport.PeerConnection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	pc := &PeerConnection{
		net:   n,
		id:    fmt.Sprintf("pc%d", n.nextID),
		state: webrtc.SignalingStateStable,
	}
	n.conns[pc.id] = pc
	return pc, nil
}

// Sent is the number of data channel messages accepted so far.
func (n *Network) Sent() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

// FailAfter lets count more messages through; the next send errors its
// channel on both ends.
func (n *Network) FailAfter(count int64) {
	n.mu.Lock()
	n.failAt = n.sent + count
	n.mu.Unlock()
}

// Hold stops message delivery, so senders' buffered amounts only grow.
func (n *Network) Hold() {
	n.mu.Lock()
	if n.hold == nil {
		n.hold = make(chan struct{})
	}
	n.mu.Unlock()
}

func (n *Network) Release() {
	n.mu.Lock()
	if n.hold != nil {
		close(n.hold)
		n.hold = nil
	}
	n.mu.Unlock()
}

func (n *Network) gate() {
	n.mu.Lock()
	ch := n.hold
	n.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (n *Network) admit() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failAt > 0 && n.sent >= n.failAt {
		n.failAt = 0
		return false
	}
	n.sent++
	return true
}

// maybeConnect pairs pc with its remote once both sides are stable and hold
// each other's descriptions.
func (n *Network) maybeConnect(pc *PeerConnection) {
	other := n.link(pc)
	if other == nil {
		return
	}
	pc.notifyState(webrtc.PeerConnectionStateConnected)
	other.notifyState(webrtc.PeerConnectionStateConnected)
}

func (n *Network) link(pc *PeerConnection) *PeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()

	pc.mu.Lock()
	ready := pc.readyLocked()
	remoteID := pc.remoteID
	pc.mu.Unlock()
	if !ready {
		return nil
	}

	other := n.conns[remoteID]
	if other == nil {
		return nil
	}
	other.mu.Lock()
	ready = other.readyLocked() && other.remoteID == pc.id
	other.mu.Unlock()
	if !ready {
		return nil
	}

	pc.mu.Lock()
	pc.connected = true
	mine := append([]*DataChannel(nil), pc.channels...)
	pc.mu.Unlock()

	other.mu.Lock()
	other.connected = true
	theirs := append([]*DataChannel(nil), other.channels...)
	other.mu.Unlock()

	for _, dc := range mine {
		pair(dc, other)
	}
	for _, dc := range theirs {
		pair(dc, pc)
	}
	return other
}

// pair creates the remote end of local on remote and opens both. Both
// endpoint locks are held until every open event is queued, so no message
// can overtake them.
func pair(local *DataChannel, remote *PeerConnection) {
	r := newDataChannel(local.net, remote, local.label)

	remote.mu.Lock()
	remote.received = append(remote.received, r)
	remote.mu.Unlock()

	local.mu.Lock()
	r.mu.Lock()

	r.peer = local
	r.state = webrtc.DataChannelStateOpen
	local.peer = r
	if !local.closing {
		local.state = webrtc.DataChannelStateOpen
	}

	r.inbox.push(event{kind: evAnnounce})
	r.inbox.push(event{kind: evOpen})
	local.inbox.push(event{kind: evOpen})

	r.mu.Unlock()
	local.mu.Unlock()
}

type PeerConnection struct {
	net *Network
	id  string

	mu        sync.Mutex
	state     webrtc.SignalingState
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	remoteID  string
	seq       int
	gathered  bool
	connected bool
	closed    bool
	channels  []*DataChannel
	received  []*DataChannel
	applied   []webrtc.ICECandidateInit

	onCandidate         func(webrtc.ICECandidateInit)
	onNegotiationNeeded func()
	onDataChannel       func(transport.DataChannel)
	onState             func(webrtc.PeerConnectionState)
}

func (pc *PeerConnection) ID() string { return pc.id }

func (pc *PeerConnection) readyLocked() bool {
	return !pc.closed && !pc.connected &&
		pc.state == webrtc.SignalingStateStable &&
		pc.local != nil && pc.remote != nil
}

func (pc *PeerConnection) describe(t webrtc.SDPType) webrtc.SessionDescription {
	pc.seq++
	return webrtc.SessionDescription{
		Type: t,
		SDP:  fmt.Sprintf("loopback %s %d %s", pc.id, pc.seq, t),
	}
}

func (pc *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	return pc.describe(webrtc.SDPTypeOffer), nil
}

func (pc *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if pc.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer in %s", ErrInvalidState, pc.state)
	}
	return pc.describe(webrtc.SDPTypeAnswer), nil
}

func (pc *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return ErrClosed
	}

	var stable bool
	switch desc.Type {
	case webrtc.SDPTypeRollback:
		if pc.state != webrtc.SignalingStateHaveLocalOffer {
			pc.mu.Unlock()
			return fmt.Errorf("%w: rollback in %s", ErrInvalidState, pc.state)
		}
		pc.local = nil
		pc.state = webrtc.SignalingStateStable
	case webrtc.SDPTypeOffer:
		if pc.state != webrtc.SignalingStateStable && pc.state != webrtc.SignalingStateHaveLocalOffer {
			pc.mu.Unlock()
			return fmt.Errorf("%w: local offer in %s", ErrInvalidState, pc.state)
		}
		pc.local = &desc
		pc.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if pc.state != webrtc.SignalingStateHaveRemoteOffer {
			pc.mu.Unlock()
			return fmt.Errorf("%w: local answer in %s", ErrInvalidState, pc.state)
		}
		pc.local = &desc
		pc.state = webrtc.SignalingStateStable
		stable = true
	default:
		pc.mu.Unlock()
		return fmt.Errorf("%w: unsupported local %s", ErrInvalidState, desc.Type)
	}

	gather := !pc.gathered && desc.Type != webrtc.SDPTypeRollback
	if gather {
		pc.gathered = true
	}
	pc.mu.Unlock()

	if gather {
		go pc.gather()
	}
	if stable {
		pc.net.maybeConnect(pc)
	}
	return nil
}

func (pc *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	remoteID, err := parseID(desc.SDP)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return ErrClosed
	}

	var stable bool
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if pc.state != webrtc.SignalingStateStable {
			pc.mu.Unlock()
			return fmt.Errorf("%w: remote offer in %s", ErrInvalidState, pc.state)
		}
		pc.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if pc.state != webrtc.SignalingStateHaveLocalOffer {
			pc.mu.Unlock()
			return fmt.Errorf("%w: remote answer in %s", ErrInvalidState, pc.state)
		}
		pc.state = webrtc.SignalingStateStable
		stable = true
	default:
		pc.mu.Unlock()
		return fmt.Errorf("%w: unsupported remote %s", ErrInvalidState, desc.Type)
	}
	pc.remote = &desc
	pc.remoteID = remoteID
	pc.mu.Unlock()

	if stable {
		pc.net.maybeConnect(pc)
	}
	return nil
}

func parseID(sdp string) (string, error) {
	fields := strings.Fields(sdp)
	if len(fields) < 2 || fields[0] != "loopback" {
		return "", fmt.Errorf("%w: not a loopback description", ErrInvalidState)
	}
	return fields[1], nil
}

func (pc *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remote
}

func (pc *PeerConnection) SignalingState() webrtc.SignalingState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

func (pc *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return ErrClosed
	}
	if pc.remote == nil {
		return ErrNoRemoteDescription
	}
	fields := strings.Fields(candidate.Candidate)
	if len(fields) < 2 || fields[1] != pc.remoteID {
		return fmt.Errorf("%w: %q", ErrUnknownCandidate, candidate.Candidate)
	}
	pc.applied = append(pc.applied, candidate)
	return nil
}

// Applied returns the remote candidates accepted so far, in order.
func (pc *PeerConnection) Applied() []webrtc.ICECandidateInit {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), pc.applied...)
}

func (pc *PeerConnection) gather() {
	for i := 1; i <= candidatesPerConnection; i++ {
		pc.mu.Lock()
		h := pc.onCandidate
		closed := pc.closed
		pc.mu.Unlock()
		if h == nil || closed {
			return
		}
		h(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:loopback %s %d", pc.id, i)})
	}
}

func (pc *PeerConnection) CreateDataChannel() (transport.DataChannel, error) {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil, ErrClosed
	}
	dc := newDataChannel(pc.net, pc, protocol.DataChannelLabel)
	pc.channels = append(pc.channels, dc)
	first := len(pc.channels) == 1
	connected := pc.connected
	remoteID := pc.remoteID
	h := pc.onNegotiationNeeded
	pc.mu.Unlock()

	if connected {
		pc.net.mu.Lock()
		other := pc.net.conns[remoteID]
		pc.net.mu.Unlock()
		if other != nil {
			pair(dc, other)
		}
		return dc, nil
	}
	if first && h != nil {
		go h()
	}
	return dc, nil
}

func (pc *PeerConnection) announce(dc *DataChannel) {
	pc.mu.Lock()
	h := pc.onDataChannel
	pc.mu.Unlock()
	if h != nil {
		h(dc)
	}
}

func (pc *PeerConnection) notifyState(s webrtc.PeerConnectionState) {
	pc.mu.Lock()
	h := pc.onState
	pc.mu.Unlock()
	if h != nil {
		h(s)
	}
}

func (pc *PeerConnection) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	pc.mu.Lock()
	pc.onCandidate = f
	pc.mu.Unlock()
}

func (pc *PeerConnection) OnNegotiationNeeded(f func()) {
	pc.mu.Lock()
	pc.onNegotiationNeeded = f
	pc.mu.Unlock()
}

func (pc *PeerConnection) OnDataChannel(f func(transport.DataChannel)) {
	pc.mu.Lock()
	pc.onDataChannel = f
	pc.mu.Unlock()
}

func (pc *PeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	pc.mu.Lock()
	pc.onState = f
	pc.mu.Unlock()
}

func (pc *PeerConnection) Close() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	chans := append(append([]*DataChannel(nil), pc.channels...), pc.received...)
	pc.mu.Unlock()

	for _, dc := range chans {
		_ = dc.Close()
	}

	pc.net.mu.Lock()
	delete(pc.net.conns, pc.id)
	pc.net.mu.Unlock()

	pc.notifyState(webrtc.PeerConnectionStateClosed)
	return nil
}

var (
	_ transport.PeerConnection = (*PeerConnection)(nil)
	_ transport.Factory        = (*Network)(nil)
)
