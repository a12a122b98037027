// Package webrtcengine is the concrete capability.WebRTCFactory
// implementation over github.com/pion/webrtc/v2, the library the core
// never imports directly (spec.md §1 "consumed only through a narrow
// capability interface").
//
// Grounded on client/lib/webrtc.go's preparePeerConnection: a
// webrtc.SettingEngine with trickle ICE enabled, wrapped in a
// webrtc.API, constructing one PeerConnection per negotiation.
package webrtcengine

import (
	"fmt"
	"log"

	"github.com/pion/webrtc/v2"

	"github.com/p2pnode/node/capability"
)

// Factory constructs pion-backed PeerConnections.
type Factory struct {
	logger *log.Logger
}

// New constructs a Factory. logger may be nil; candidate-transport summary
// logging is then skipped.
func New(logger *log.Logger) *Factory { return &Factory{logger: logger} }

// NewPeerConnection implements capability.WebRTCFactory.
func (f *Factory) NewPeerConnection(config capability.RTCConfiguration) (capability.PeerConnection, error) {
	settings := webrtc.SettingEngine{}
	settings.SetTrickle(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	pc, err := api.NewPeerConnection(toWebRTCConfig(config))
	if err != nil {
		return nil, fmt.Errorf("webrtcengine: creating peer connection: %w", err)
	}
	return &peerConnection{pc: pc, logger: f.logger}, nil
}

func toWebRTCConfig(c capability.RTCConfiguration) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Password != "" {
			server.Credential = s.Password
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}

	cfg := webrtc.Configuration{
		ICEServers:           servers,
		ICECandidatePoolSize: uint8(c.ICECandidatePoolSize),
	}

	switch c.ICETransportPolicy {
	case "relay":
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	default:
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyAll
	}
	switch c.BundlePolicy {
	case "max-compat":
		cfg.BundlePolicy = webrtc.BundlePolicyMaxCompat
	case "max-bundle":
		cfg.BundlePolicy = webrtc.BundlePolicyMaxBundle
	default:
		cfg.BundlePolicy = webrtc.BundlePolicyBalanced
	}
	switch c.RTCPMuxPolicy {
	case "negotiate":
		cfg.RTCPMuxPolicy = webrtc.RTCPMuxPolicyNegotiate
	default:
		cfg.RTCPMuxPolicy = webrtc.RTCPMuxPolicyRequire
	}
	return cfg
}
