package peer

import (
	"context"

	"github.com/p2pnode/node/capability"
	"github.com/p2pnode/node/codec"
	"github.com/p2pnode/node/store"
)

// AllowIncoming installs policy and starts accepting CONNECTION_ATTEMPTs
// (spec.md §6 allowIncomingConnections).
func (m *Manager) AllowIncoming(policy store.IncomingPolicy) {
	policy.Allowed = true
	m.st.SetPolicy(policy)
}

// DisallowIncoming stops accepting new CONNECTION_ATTEMPTs; records
// already established are untouched (spec.md §6 disallowIncomingConnections).
func (m *Manager) DisallowIncoming() {
	m.st.SetPolicy(store.IncomingPolicy{Allowed: false})
}

// RouteMessage implements the non-Broker-specific half of broker.Router:
// every wire message type the Session itself doesn't own (spec.md §4.F,
// §4.H). SOCKET_MSG_EXCHANGE is not handled here — the node coordinator
// routes that to relay.Registry directly.
func (m *Manager) RouteMessage(msgType string, raw []byte) {
	switch codec.MessageType(msgType) {
	case codec.TypeConnectionAttempt:
		m.handleConnectionAttempt(raw)
	case codec.TypeConnectionAcceptance:
		m.handleConnectionAcceptance(raw)
	case codec.TypeConnectionRefusal:
		m.handleConnectionRefusal(raw)
	case codec.TypeIncomingConnectionsDisabled:
		m.handleIncomingConnectionsDisabled(raw)
	case codec.TypeICEInitiatorToResponder:
		m.handleICE(raw, store.Responder)
	case codec.TypeICEResponderToInitiator:
		m.handleICE(raw, store.Initiator)
	}
}

// handleConnectionAttempt implements the Responder side (spec.md §4.F
// "Responder" steps 1-3). Step 1's accept predicate runs on the Executor;
// the decision is posted back to the Event Loop via continueAccept.
func (m *Manager) handleConnectionAttempt(raw []byte) {
	msg, err := codec.DecodeConnectionAttempt(raw)
	if err != nil {
		m.logger.Printf("peer: discarding malformed CONNECTION_ATTEMPT: %v", err)
		return
	}
	remoteID := msg.From
	if m.st.HasAnyRecord(remoteID) || m.st.ConnectionAttempts[remoteID] != nil {
		m.logger.Printf("peer: discarding duplicate CONNECTION_ATTEMPT from %s", remoteID)
		return
	}

	policy := m.st.SnapshotPolicy()
	if !policy.Allowed {
		m.emitEnvelopeOnly(codec.TypeIncomingConnectionsDisabled, remoteID, msg.SessionID)
		return
	}

	// A placeholder record buffers any ICE candidates that race ahead of
	// the accept decision (spec.md §4.F "buffer remote ICE candidates
	// received before setRemoteDescription completed (rare but possible
	// via race with the CONNECTION_ATTEMPT event)").
	m.st.ConnectionAttempts[remoteID] = &store.PeerRecord{
		RemoteNodeID: remoteID,
		Role:         store.Responder,
		SessionID:    msg.SessionID,
		State:        store.PeerCreated,
	}

	onNew := policy.OnNew
	accept := policy.Accept
	m.st.Capabilities.Executor.Submit(func() {
		if onNew != nil {
			func() {
				defer func() { recover() }()
				onNew(remoteID)
			}()
		}
		accepted := true
		if accept != nil {
			func() {
				defer func() { recover() }()
				accepted = accept(remoteID, msg.PlatformFrom, msg.VersionFrom)
			}()
		}
		m.loop.Post(func() { m.continueConnectionAttempt(remoteID, msg, policy, accepted) })
	})
}

func (m *Manager) continueConnectionAttempt(remoteID string, msg codec.SessionDescMsg, policy store.IncomingPolicy, accepted bool) {
	placeholder := m.st.ConnectionAttempts[remoteID]
	if placeholder == nil {
		return // cancelled or superseded while the predicate was running
	}
	delete(m.st.ConnectionAttempts, remoteID)

	if !accepted {
		m.emitEnvelopeOnly(codec.TypeConnectionRefusal, remoteID, msg.SessionID)
		return
	}
	if m.st.HasAnyRecord(remoteID) {
		m.emitEnvelopeOnly(codec.TypeConnectionRefusal, remoteID, msg.SessionID)
		return
	}

	rec := &store.PeerRecord{
		RemoteNodeID: remoteID,
		Role:         store.Responder,
		SessionID:    msg.SessionID,
		State:        store.PeerAwaitingLocalDescription,
		Callbacks:    policy.Callbacks,
		ICEBuffer:    placeholder.ICEBuffer,
	}
	m.st.Responders[remoteID] = rec

	pc, err := m.st.Capabilities.WebRTCFactory.NewPeerConnection(*m.st.Broker.RTCConfig)
	if err != nil {
		m.failAndRemove(rec, store.FailureConnectionNegotiationError)
		return
	}
	rec.PeerConn = pc
	m.armHandshakeCallbacks(rec)

	rec.Timer = m.st.Capabilities.Timers.AfterFunc(m.settings.ConnectTimeout, func() {
		m.loop.Post(func() { m.onConnectTimeout(remoteID, store.Responder) })
	})

	ctx := context.Background()
	remoteDesc := capability.SessionDescription{Type: string(msg.SessionDescription.Type), SDP: msg.SessionDescription.SDP}
	if err := pc.SetRemoteDescription(remoteDesc); err != nil {
		m.failAndRemove(rec, store.FailureConnectionNegotiationError)
		return
	}
	for _, c := range rec.ICEBuffer {
		if err := pc.AddICECandidate(c); err != nil {
			m.logger.Printf("peer: replaying buffered ICE candidate for %s: %v", remoteID, err)
		}
	}
	rec.ICEBuffer = nil

	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		m.failAndRemove(rec, store.FailureConnectionNegotiationError)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		m.failAndRemove(rec, store.FailureConnectionNegotiationError)
		return
	}

	payload, err := codec.EncodeSessionDescMsg(codec.Envelope{
		PlatformFrom: m.st.Identity.Platform,
		VersionFrom:  m.st.Identity.Version,
		From:         m.st.Identity.NodeID,
		To:           remoteID,
		SessionID:    rec.SessionID,
	}, codec.SessionDescription{Type: codec.SDPAnswer, SDP: answer.SDP})
	if err != nil {
		m.failAndRemove(rec, store.FailureConnectionNegotiationError)
		return
	}
	rec.State = store.PeerIceExchange
	if m.st.Broker.Socket != nil {
		m.st.Broker.Socket.Emit(ctx, string(codec.TypeConnectionAcceptance), payload)
	}
}

// handleConnectionAcceptance implements the Initiator side of spec.md
// §4.F step 5. A duplicate acceptance for an already-connected record is
// ignored (spec.md §8 "Boundary behaviors").
func (m *Manager) handleConnectionAcceptance(raw []byte) {
	msg, err := codec.DecodeConnectionAcceptance(raw)
	if err != nil {
		m.logger.Printf("peer: discarding malformed CONNECTION_ACCEPTANCE: %v", err)
		return
	}
	rec := m.st.Initiators[msg.From]
	if rec == nil || rec.SessionID != msg.SessionID {
		return // sessionId mismatch or no such record: drop silently (spec.md §4.F)
	}
	if rec.State != store.PeerAwaitingRemoteDescription {
		return
	}

	remoteDesc := capability.SessionDescription{Type: string(msg.SessionDescription.Type), SDP: msg.SessionDescription.SDP}
	if err := rec.PeerConn.SetRemoteDescription(remoteDesc); err != nil {
		m.failAndRemove(rec, store.FailureConnectionNegotiationError)
		return
	}
	rec.State = store.PeerIceExchange
	for _, c := range rec.ICEBuffer {
		if err := rec.PeerConn.AddICECandidate(c); err != nil {
			m.logger.Printf("peer: replaying buffered ICE candidate for %s: %v", rec.RemoteNodeID, err)
		}
	}
	rec.ICEBuffer = nil
}

// handleConnectionRefusal and handleIncomingConnectionsDisabled both
// carry only the envelope (spec.md §6) and fail the matching Initiator
// record.
func (m *Manager) handleConnectionRefusal(raw []byte) {
	m.failInitiatorFromEnvelope(raw, store.FailureConnectionRefusedByRemoteNode)
}

func (m *Manager) handleIncomingConnectionsDisabled(raw []byte) {
	m.failInitiatorFromEnvelope(raw, store.FailureConnectionsNotAllowedOnRemoteNode)
}

func (m *Manager) failInitiatorFromEnvelope(raw []byte, reason store.FailureReason) {
	env, err := codec.DecodeEnvelopeOnly(raw)
	if err != nil {
		m.logger.Printf("peer: discarding malformed envelope message: %v", err)
		return
	}
	rec := m.st.Initiators[env.From]
	if rec == nil || rec.SessionID != env.SessionID {
		return
	}
	m.failAndRemove(rec, reason)
}

// handleICE implements the symmetric ICE exchange of spec.md §4.F step 6
// for the side identified by forRole: candidates are buffered if the
// remote description hasn't been applied yet, including into a
// not-yet-promoted ConnectionAttempts placeholder.
func (m *Manager) handleICE(raw []byte, forRole store.Role) {
	msg, err := codec.DecodeICEMsg(raw)
	if err != nil {
		m.logger.Printf("peer: discarding malformed ICE message: %v", err)
		return
	}

	cand := capability.ICECandidate(msg.Candidate)

	if rec := m.st.PeerByRole(forRole)[msg.From]; rec != nil {
		if rec.SessionID != msg.SessionID {
			return
		}
		if rec.PeerConn == nil || rec.State == store.PeerAwaitingRemoteDescription || rec.State == store.PeerAwaitingLocalDescription {
			rec.ICEBuffer = append(rec.ICEBuffer, cand)
			return
		}
		if err := rec.PeerConn.AddICECandidate(cand); err != nil {
			m.logger.Printf("peer: adding ICE candidate from %s: %v", msg.From, err)
		}
		return
	}

	if placeholder := m.st.ConnectionAttempts[msg.From]; placeholder != nil && placeholder.SessionID == msg.SessionID {
		placeholder.ICEBuffer = append(placeholder.ICEBuffer, cand)
	}
}

func (m *Manager) emitEnvelopeOnly(msgType codec.MessageType, remoteID, sessionID string) {
	if m.st.Broker.Socket == nil {
		return
	}
	payload, err := codec.EncodeEnvelopeOnly(codec.Envelope{
		PlatformFrom: m.st.Identity.Platform,
		VersionFrom:  m.st.Identity.Version,
		From:         m.st.Identity.NodeID,
		To:           remoteID,
		SessionID:    sessionID,
	})
	if err != nil {
		m.logger.Printf("peer: encoding %s: %v", msgType, err)
		return
	}
	m.st.Broker.Socket.Emit(context.Background(), string(msgType), payload)
}
