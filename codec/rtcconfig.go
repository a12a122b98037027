package codec

import (
	"encoding/json"
	"fmt"

	"github.com/p2pnode/node/capability"
)

// ICE transport policy, bundle policy, and RTCP mux policy enums
// (spec.md §4.D). An unknown value does not fail the whole message:
// DecodeAuthenticated leaves that field at its zero value and decodes the
// rest. Unknown values are not logged.
const (
	ICETransportPolicyAll    = "all"
	ICETransportPolicyRelay  = "relay"
	ICETransportPolicyNoHost = "nohost"
	ICETransportPolicyNone   = "none"

	BundlePolicyBalanced   = "balanced"
	BundlePolicyMaxCompat  = "max-compat"
	BundlePolicyMaxBundle  = "max-bundle"

	RTCPMuxPolicyRequire   = "require"
	RTCPMuxPolicyNegotiate = "negotiate"
)

func validICETransportPolicy(s string) bool {
	switch s {
	case "", ICETransportPolicyAll, ICETransportPolicyRelay, ICETransportPolicyNoHost, ICETransportPolicyNone:
		return true
	}
	return false
}

func validBundlePolicy(s string) bool {
	switch s {
	case "", BundlePolicyBalanced, BundlePolicyMaxCompat, BundlePolicyMaxBundle:
		return true
	}
	return false
}

func validRTCPMuxPolicy(s string) bool {
	switch s {
	case "", RTCPMuxPolicyRequire, RTCPMuxPolicyNegotiate:
		return true
	}
	return false
}

type parsableICEServer struct {
	URLs     []string `json:"urls"`
	Username *string  `json:"username"`
	Password *string  `json:"password"`
}

type parsableRTCConfiguration struct {
	ICEServers           []parsableICEServer `json:"iceServers"`
	ICETransportPolicy   *string             `json:"iceTransportPolicy"`
	BundlePolicy         *string             `json:"bundlePolicy"`
	RTCPMuxPolicy        *string             `json:"rtcpMuxPolicy"`
	ICECandidatePoolSize *int                `json:"iceCandidatePoolSize"`
}

type parsableAuthenticated struct {
	RTCConfiguration *parsableRTCConfiguration `json:"rtcConfiguration"`
}

// DecodeAuthenticated validates and converts the AUTHENTICATED payload
// into an RTCConfiguration (spec.md §6). This is the one message whose
// failure to check propagates as a BrokerSession error
// (ERROR_PARSING_RTC_CONFIGURATION, spec.md §4.E) rather than being merely
// logged and discarded — the session cannot proceed without it.
func DecodeAuthenticated(data []byte) (capability.RTCConfiguration, error) {
	var p parsableAuthenticated
	if err := json.Unmarshal(data, &p); err != nil {
		return capability.RTCConfiguration{}, err
	}
	if p.RTCConfiguration == nil {
		return capability.RTCConfiguration{}, fmt.Errorf("codec: missing rtcConfiguration")
	}
	r := p.RTCConfiguration

	if r.ICETransportPolicy != nil && !validICETransportPolicy(*r.ICETransportPolicy) {
		r.ICETransportPolicy = nil
	}
	if r.BundlePolicy != nil && !validBundlePolicy(*r.BundlePolicy) {
		r.BundlePolicy = nil
	}
	if r.RTCPMuxPolicy != nil && !validRTCPMuxPolicy(*r.RTCPMuxPolicy) {
		r.RTCPMuxPolicy = nil
	}

	checked := capability.RTCConfiguration{}
	for _, s := range r.ICEServers {
		server := capability.ICEServer{URLs: s.URLs}
		if s.Username != nil {
			server.Username = *s.Username
		}
		if s.Password != nil {
			server.Password = *s.Password
		}
		checked.ICEServers = append(checked.ICEServers, server)
	}
	if r.ICETransportPolicy != nil {
		checked.ICETransportPolicy = *r.ICETransportPolicy
	}
	if r.BundlePolicy != nil {
		checked.BundlePolicy = *r.BundlePolicy
	}
	if r.RTCPMuxPolicy != nil {
		checked.RTCPMuxPolicy = *r.RTCPMuxPolicy
	}
	if r.ICECandidatePoolSize != nil {
		checked.ICECandidatePoolSize = *r.ICECandidatePoolSize
	}
	return checked, nil
}

// EncodeRTCConfiguration is the server-side counterpart of
// DecodeAuthenticated: it produces the "rtcConfiguration" object a Hub
// embeds in the AUTHENTICATED frame it sends each node (spec.md §6).
func EncodeRTCConfiguration(cfg capability.RTCConfiguration) ([]byte, error) {
	servers := make([]parsableICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		username, password := s.Username, s.Password
		servers = append(servers, parsableICEServer{
			URLs:     s.URLs,
			Username: &username,
			Password: &password,
		})
	}
	return json.Marshal(struct {
		ICEServers           []parsableICEServer `json:"iceServers"`
		ICETransportPolicy   string              `json:"iceTransportPolicy,omitempty"`
		BundlePolicy         string              `json:"bundlePolicy,omitempty"`
		RTCPMuxPolicy        string              `json:"rtcpMuxPolicy,omitempty"`
		ICECandidatePoolSize int                 `json:"iceCandidatePoolSize,omitempty"`
	}{
		ICEServers:           servers,
		ICETransportPolicy:   cfg.ICETransportPolicy,
		BundlePolicy:         cfg.BundlePolicy,
		RTCPMuxPolicy:        cfg.RTCPMuxPolicy,
		ICECandidatePoolSize: cfg.ICECandidatePoolSize,
	})
}
