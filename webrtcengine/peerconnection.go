package webrtcengine

import (
	"context"
	"fmt"
	"log"

	"github.com/pion/webrtc/v2"

	"github.com/p2pnode/node/capability"
)

// peerConnection adapts a *webrtc.PeerConnection to capability.PeerConnection.
type peerConnection struct {
	pc     *webrtc.PeerConnection
	logger *log.Logger
}

func (p *peerConnection) logSDPSummary(label, sdpText string) {
	if p.logger == nil {
		return
	}
	udp, tcp, other, err := candidateTransportCounts(sdpText)
	if err != nil {
		return
	}
	p.logger.Printf("webrtcengine: %s candidates udp=%d tcp=%d other=%d", label, udp, tcp, other)
}

func (p *peerConnection) CreateOffer(ctx context.Context) (capability.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return capability.SessionDescription{}, fmt.Errorf("webrtcengine: create offer: %w", err)
	}
	p.logSDPSummary("offer", offer.SDP)
	return capability.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *peerConnection) CreateAnswer(ctx context.Context) (capability.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return capability.SessionDescription{}, fmt.Errorf("webrtcengine: create answer: %w", err)
	}
	p.logSDPSummary("answer", answer.SDP)
	return capability.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *peerConnection) SetLocalDescription(desc capability.SessionDescription) error {
	return p.pc.SetLocalDescription(toWebRTCDesc(desc))
}

func (p *peerConnection) SetRemoteDescription(desc capability.SessionDescription) error {
	return p.pc.SetRemoteDescription(toWebRTCDesc(desc))
}

func (p *peerConnection) AddICECandidate(c capability.ICECandidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.SDP}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := c.SDPMLineIndex
	init.SDPMLineIndex = &idx
	return p.pc.AddICECandidate(init)
}

func (p *peerConnection) CreateDataChannel(label string) (capability.DataChannel, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("webrtcengine: create data channel: %w", err)
	}
	return &dataChannel{dc: dc}, nil
}

// OnICECandidate relays pion's trickled candidates, including the
// end-of-gathering nil sentinel (spec.md §6 "candidate gathering
// complete"), straight through to the core's trampoline.
func (p *peerConnection) OnICECandidate(fn func(c *capability.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init, err := c.ToJSON()
		if err != nil {
			return
		}
		cand := capability.ICECandidate{SDP: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(&cand)
	})
}

func (p *peerConnection) OnDataChannel(fn func(dc capability.DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&dataChannel{dc: dc})
	})
}

// OnConnectionStateChange is grounded on ICEConnectionState rather than
// pion v2's (nonexistent) PeerConnectionState callback; the mapping below
// collapses Checking into Connecting and Completed into Connected, which
// is all the core's state machine distinguishes (spec.md §4.F).
func (p *peerConnection) OnConnectionStateChange(fn func(s capability.PeerConnectionState)) {
	p.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		fn(toConnState(s))
	})
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

func toWebRTCDesc(desc capability.SessionDescription) webrtc.SessionDescription {
	var t webrtc.SDPType
	switch desc.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	case "pranswer":
		t = webrtc.SDPTypePranswer
	case "rollback":
		t = webrtc.SDPTypeRollback
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}
}

func toConnState(s webrtc.ICEConnectionState) capability.PeerConnectionState {
	switch s {
	case webrtc.ICEConnectionStateNew:
		return capability.PeerConnNew
	case webrtc.ICEConnectionStateChecking:
		return capability.PeerConnConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return capability.PeerConnConnected
	case webrtc.ICEConnectionStateDisconnected:
		return capability.PeerConnDisconnected
	case webrtc.ICEConnectionStateFailed:
		return capability.PeerConnFailed
	case webrtc.ICEConnectionStateClosed:
		return capability.PeerConnClosed
	default:
		return capability.PeerConnNew
	}
}
