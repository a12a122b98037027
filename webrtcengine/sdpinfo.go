package webrtcengine

import "github.com/pion/sdp/v2"

// candidateTransportCounts grounds client/lib/webrtc.go's summarizeSDP:
// a debug-only breakdown of the transport protocols present in a local
// SDP body, logged once per offer/answer rather than per-field exported
// as spec.md names nothing that consumes this beyond diagnostics.
func candidateTransportCounts(sdpText string) (udp, tcp, other int, err error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(sdpText)); err != nil {
		return 0, 0, 0, err
	}
	for _, m := range desc.MediaDescriptions {
		for _, a := range m.Attributes {
			candidate, err := a.ToICECandidate()
			if err != nil {
				continue
			}
			switch candidate.Protocol {
			case "udp":
				udp++
			case "tcp":
				tcp++
			default:
				other++
			}
		}
	}
	return udp, tcp, other, nil
}
