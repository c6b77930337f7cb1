// Package webrtc implements the transport boundary with pion/webrtc.
package webrtc

import (
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peerdrop/internal/logger"
	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport"
	"github.com/sirupsen/logrus"
)

var defaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

type Options struct {
	STUNServers []string
	Logger      *logrus.Logger
}

type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *logrus.Entry
}

func New(opts Options) *Factory {
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}
	if len(opts.STUNServers) == 0 {
		opts.STUNServers = defaultSTUNServers
	}

	se := webrtc.SettingEngine{LoggerFactory: logger.NewPionFactory(opts.Logger)}

	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		config: STUNConfig(opts.STUNServers),
		log:    opts.Logger.WithField("component", "webrtc"),
	}
}

func STUNConfig(servers []string) webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: servers},
		},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

func DataChannelConfig() *webrtc.DataChannelInit {
	protocolName := protocol.DataChannelProtocol
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:  &ordered,
		Protocol: &protocolName,
	}
}

func (f *Factory) NewPeerConnection() (transport.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newConnection(pc, f.log), nil
}

var _ transport.Factory = (*Factory)(nil)
