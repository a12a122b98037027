// Package peer implements the Peer Connection State Machine (spec.md
// §4.F): the Initiator and Responder sides of one WebRTC negotiation,
// sharing the ~70% common behavior spec.md §9 calls out ("model as a
// single state-machine struct parameterized by role").
//
// Grounded on client/lib/webrtc.go's WebRTCPeer: preparePeerConnection,
// establishDataChannel, exchangeSDP, and its ICE-callback trampolines are
// the shape this package generalizes from one hardcoded Snowflake
// negotiation to either role against an arbitrary remote node, entirely
// through the capability.WebRTCFactory/PeerConnection/DataChannel
// interfaces rather than pion/webrtc directly.
package peer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/p2pnode/node/awaitguard"
	"github.com/p2pnode/node/capability"
	"github.com/p2pnode/node/chunk"
	"github.com/p2pnode/node/codec"
	"github.com/p2pnode/node/eventloop"
	"github.com/p2pnode/node/store"
)

// Manager drives every PeerRecord in st.Initiators and st.Responders. It
// is constructed once per node and handed to the node coordinator, which
// implements broker.Router and forwards the relevant message types and
// lifecycle calls here.
//
// guards holds the in-flight Await Guard for each Initiator connect
// attempt, keyed by remoteNodeId — message handlers triggered later by
// RouteMessage (CONNECTION_ACCEPTANCE, CONNECTION_REFUSAL, ...) need to
// step it down but aren't in the call chain that created it.
type Manager struct {
	st       *store.Store
	loop     *eventloop.Loop
	settings Settings
	logger   *log.Logger

	guards map[string]*awaitguard.Guard[ConnectResult]
}

// New constructs a Manager bound to st and loop.
func New(st *store.Store, loop *eventloop.Loop, settings Settings, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{st: st, loop: loop, settings: settings, logger: logger, guards: make(map[string]*awaitguard.Guard[ConnectResult])}
}

// ConnectResult is the synchronous result of a connect attempt (spec.md
// §6 "connectToNode ... Future<Result<Peer, NodeError>>"; the sync
// entrypoint here resolves that future itself).
type ConnectResult struct {
	Reason store.FailureReason // FailureNone on success
}

// ConnectToNode implements the Initiator side of connectSync (spec.md
// §4.F "Initiator"). It blocks the caller on a fresh Await Guard until
// the data channel opens, the record fails, or timeout elapses.
func (m *Manager) ConnectToNode(remoteID string, callbacks store.PeerCallbacks, timeout time.Duration) store.FailureReason {
	if timeout <= 0 {
		timeout = m.settings.ConnectTimeout
	}
	guard := awaitguard.New[ConnectResult]()

	m.loop.Post(func() {
		m.beginInitiate(remoteID, callbacks, timeout, guard)
	})

	result, outcome := guard.AwaitWithTimeout(timeout + 2*time.Second)
	if outcome == awaitguard.TimedOut {
		return store.FailureConnectionTimeout
	}
	return result.Reason
}

// ConnectToMultipleNodes fans ConnectToNode out over ids and waits for
// all of them (spec.md §6 "connectToMultipleNodes ... sync or async").
func (m *Manager) ConnectToMultipleNodes(ids []string, callbacks store.PeerCallbacks, timeout time.Duration) map[string]store.FailureReason {
	type pair struct {
		id     string
		reason store.FailureReason
	}
	out := make(chan pair, len(ids))
	for _, id := range ids {
		id := id
		go func() { out <- pair{id, m.ConnectToNode(id, callbacks, timeout)} }()
	}
	results := make(map[string]store.FailureReason, len(ids))
	for range ids {
		p := <-out
		results[p.id] = p.reason
	}
	return results
}

// beginInitiate runs on the Event Loop (spec.md §4.F Initiator steps 1-4).
func (m *Manager) beginInitiate(remoteID string, callbacks store.PeerCallbacks, timeout time.Duration, guard *awaitguard.Guard[ConnectResult]) {
	if remoteID == m.st.Identity.NodeID {
		guard.StepDown(ConnectResult{Reason: store.FailureTriedToConnectToSelf})
		return
	}
	if m.st.HasAnyRecord(remoteID) {
		guard.StepDown(ConnectResult{Reason: store.FailureAlreadyConnectedToRemoteNode})
		return
	}
	if !m.st.Broker.IsAuthenticatedAtomic() {
		guard.StepDown(ConnectResult{Reason: store.FailureLocalNodeNotConnectedToBroker})
		return
	}

	sessionID := m.st.Capabilities.UUID.New()
	rec := &store.PeerRecord{
		RemoteNodeID: remoteID,
		Role:         store.Initiator,
		SessionID:    sessionID,
		State:        store.PeerCreated,
		Callbacks:    callbacks,
	}
	m.st.Initiators[remoteID] = rec
	m.guards[remoteID] = guard

	pc, err := m.st.Capabilities.WebRTCFactory.NewPeerConnection(*m.st.Broker.RTCConfig)
	if err != nil {
		m.failAndRemove(rec, store.FailureConnectionNegotiationError)
		return
	}
	rec.PeerConn = pc
	m.armHandshakeCallbacks(rec)

	dc, err := pc.CreateDataChannel(rec.RemoteNodeID)
	if err != nil {
		m.failAndRemove(rec, store.FailureConnectionNegotiationError)
		return
	}
	rec.DataChannel = dc
	m.armDataChannel(rec)

	rec.State = store.PeerAwaitingLocalDescription
	rec.Timer = m.st.Capabilities.Timers.AfterFunc(timeout, func() {
		m.loop.Post(func() { m.onConnectTimeout(remoteID, store.Initiator) })
	})

	ctx := context.Background()
	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		m.failAndRemove(rec, store.FailureConnectionNegotiationError)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		m.failAndRemove(rec, store.FailureConnectionNegotiationError)
		return
	}

	payload, err := codec.EncodeSessionDescMsg(codec.Envelope{
		PlatformFrom: m.st.Identity.Platform,
		VersionFrom:  m.st.Identity.Version,
		From:         m.st.Identity.NodeID,
		To:           remoteID,
		SessionID:    sessionID,
	}, codec.SessionDescription{Type: codec.SDPOffer, SDP: offer.SDP})
	if err != nil {
		m.failAndRemove(rec, store.FailureConnectionNegotiationError)
		return
	}

	rec.State = store.PeerAwaitingRemoteDescription
	ack, err := m.st.Broker.Socket.Emit(ctx, string(codec.TypeConnectionAttempt), payload)
	if err != nil {
		m.failAndRemove(rec, store.FailureRemoteNodeNotConnectedToBroker)
		return
	}
	switch codec.Ack(ack) {
	case codec.AckOK:
		// Awaiting CONNECTION_ACCEPTANCE.
	case codec.AckNotConnected:
		m.failAndRemove(rec, store.FailureRemoteNodeNotConnectedToBroker)
	case codec.AckUnauthorized:
		m.failAndRemove(rec, store.FailureConnectionRefusedByRemoteNode)
	default:
		m.failAndRemove(rec, store.FailureConnectionNegotiationError)
	}
}

// armHandshakeCallbacks wires PeerConnection callbacks to trampolines
// that only post events (spec.md §5, §9).
func (m *Manager) armHandshakeCallbacks(rec *store.PeerRecord) {
	remoteID, role := rec.RemoteNodeID, rec.Role
	pc := rec.PeerConn

	pc.OnICECandidate(func(c *capability.ICECandidate) {
		if c == nil {
			return // gathering complete; trickled candidates already sent
		}
		cand := *c
		m.loop.Post(func() { m.onLocalICECandidate(remoteID, role, cand) })
	})
	pc.OnConnectionStateChange(func(s capability.PeerConnectionState) {
		m.loop.Post(func() { m.onPeerConnectionStateChange(remoteID, role, s) })
	})
	if role == store.Responder {
		pc.OnDataChannel(func(dc capability.DataChannel) {
			m.loop.Post(func() { m.onRemoteDataChannel(remoteID, dc) })
		})
	}
}

func (m *Manager) onPeerConnectionStateChange(remoteID string, role store.Role, s capability.PeerConnectionState) {
	rec := m.record(remoteID, role)
	if rec == nil || rec.IsTerminal() {
		return
	}
	if (s == capability.PeerConnFailed || s == capability.PeerConnClosed) && rec.State != store.PeerConnected {
		m.failAndRemove(rec, store.FailureConnectionNegotiationError)
	}
}

func (m *Manager) onLocalICECandidate(remoteID string, role store.Role, c capability.ICECandidate) {
	rec := m.record(remoteID, role)
	if rec == nil || rec.IsTerminal() {
		return
	}
	msgType := codec.TypeICEInitiatorToResponder
	if role == store.Responder {
		msgType = codec.TypeICEResponderToInitiator
	}
	payload, err := codec.EncodeICEMsg(codec.Envelope{
		PlatformFrom: m.st.Identity.Platform,
		VersionFrom:  m.st.Identity.Version,
		From:         m.st.Identity.NodeID,
		To:           remoteID,
		SessionID:    rec.SessionID,
	}, codec.ICECandidate{SDP: c.SDP, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex, ServerURL: c.ServerURL})
	if err != nil {
		m.logger.Printf("peer: encoding ICE candidate for %s: %v", remoteID, err)
		return
	}
	rec.LocalCandidatesOutbox = append(rec.LocalCandidatesOutbox, c)
	if m.st.Broker.Socket == nil {
		return
	}
	if _, err := m.st.Broker.Socket.Emit(context.Background(), string(msgType), payload); err != nil {
		m.logger.Printf("peer: emitting ICE candidate for %s: %v", remoteID, err)
	}
}

// armDataChannel wires DataChannel callbacks (spec.md §4.F step 7,
// §4.G for inbound message reassembly).
func (m *Manager) armDataChannel(rec *store.PeerRecord) {
	remoteID, role := rec.RemoteNodeID, rec.Role
	dc := rec.DataChannel

	dc.OnOpen(func() {
		m.loop.Post(func() { m.onDataChannelOpen(remoteID, role) })
	})
	dc.OnClose(func() {
		m.loop.Post(func() { m.onDataChannelClose(remoteID, role) })
	})
	dc.OnMessage(func(data []byte) {
		frame := append([]byte(nil), data...)
		m.loop.Post(func() { m.onDataChannelMessage(remoteID, role, frame) })
	})
}

func (m *Manager) onRemoteDataChannel(remoteID string, dc capability.DataChannel) {
	rec := m.record(remoteID, store.Responder)
	if rec == nil || rec.IsTerminal() || rec.DataChannel != nil {
		return
	}
	rec.DataChannel = dc
	rec.State = store.PeerDataChannelOpening
	m.armDataChannel(rec)
}

func (m *Manager) onDataChannelOpen(remoteID string, role store.Role) {
	rec := m.record(remoteID, role)
	if rec == nil || rec.IsTerminal() {
		return
	}
	if rec.Timer != nil {
		rec.Timer.Stop()
		rec.Timer = nil
	}
	rec.State = store.PeerConnected
	rec.ReassemblyState = chunk.NewReassembler(m.settings.ReassemblerCap)

	if rec.Callbacks.OnConnected != nil {
		m.st.Capabilities.Executor.Submit(rec.Callbacks.OnConnected)
	}
	if role == store.Initiator {
		m.stepDownGuard(remoteID, ConnectResult{Reason: store.FailureNone})
	}
}

func (m *Manager) onDataChannelClose(remoteID string, role store.Role) {
	rec := m.record(remoteID, role)
	if rec == nil {
		return
	}
	m.removeRecord(rec)
	if rec.Callbacks.OnDisconnected != nil {
		m.st.Capabilities.Executor.Submit(rec.Callbacks.OnDisconnected)
	}
}

func (m *Manager) onDataChannelMessage(remoteID string, role store.Role, data []byte) {
	rec := m.record(remoteID, role)
	if rec == nil || rec.ReassemblyState == nil {
		return
	}
	w, err := chunk.Decode(data)
	if err != nil {
		m.logger.Printf("peer: discarding malformed chunk from %s: %v", remoteID, err)
		return
	}
	reassembler, ok := rec.ReassemblyState.(*chunk.Reassembler)
	if !ok {
		return
	}
	payload, channel, complete, err := reassembler.Add(w)
	if err != nil {
		m.logger.Printf("peer: discarding inconsistent chunk from %s: %v", remoteID, err)
		return
	}
	if !complete {
		return
	}
	cb := rec.Callbacks.OnMessage
	if cb == nil {
		return
	}
	m.st.Capabilities.Executor.Submit(func() {
		defer func() { recover() }()
		cb(channel, payload)
	})
}

func (m *Manager) onConnectTimeout(remoteID string, role store.Role) {
	rec := m.record(remoteID, role)
	if rec == nil || rec.IsTerminal() || rec.State == store.PeerConnected {
		return
	}
	m.failAndRemove(rec, store.FailureConnectionTimeout)
}

// failAndRemove records reason in rec.FailureReason, closes the record's
// resources (leaving it Closed), drops the record, and fires
// onConnectionFailed (spec.md §4.F step 8, §8 invariant 6).
func (m *Manager) failAndRemove(rec *store.PeerRecord, reason store.FailureReason) {
	if rec.IsTerminal() {
		return
	}
	rec.FailureReason = reason
	m.closeRecordResources(rec)
	m.removeRecord(rec)

	if rec.Callbacks.OnFailed != nil {
		m.st.Capabilities.Executor.Submit(func() { rec.Callbacks.OnFailed(reason) })
	}
	if rec.Role == store.Initiator {
		m.stepDownGuard(rec.RemoteNodeID, ConnectResult{Reason: reason})
	}
}

func (m *Manager) stepDownGuard(remoteID string, result ConnectResult) {
	guard, ok := m.guards[remoteID]
	if !ok {
		return
	}
	delete(m.guards, remoteID)
	guard.StepDown(result)
}

// closeRecordResources implements spec.md §4.F "Closing a peer connection
// MUST close its data channel first; dropping a record MUST close the
// peer connection" and §5 "Timers must be cancelled before their owning
// record is dropped."
func (m *Manager) closeRecordResources(rec *store.PeerRecord) {
	if rec.Timer != nil {
		rec.Timer.Stop()
		rec.Timer = nil
	}
	if rec.DataChannel != nil {
		rec.DataChannel.Close()
	}
	if rec.PeerConn != nil {
		rec.PeerConn.Close()
	}
	if rec.ReassemblyState != nil {
		rec.ReassemblyState.Close()
	}
	rec.State = store.PeerClosed
}

func (m *Manager) removeRecord(rec *store.PeerRecord) {
	if rec.Role == store.Initiator {
		delete(m.st.Initiators, rec.RemoteNodeID)
	} else {
		delete(m.st.Responders, rec.RemoteNodeID)
	}
	delete(m.st.ConnectionAttempts, rec.RemoteNodeID)
}

func (m *Manager) record(remoteID string, role store.Role) *store.PeerRecord {
	return m.st.PeerByRole(role)[remoteID]
}

// CloseAllPeers implements the broker.Router contract: every PeerRecord,
// Initiator and Responder alike, is forcibly closed in the same event
// tick (spec.md §4.E, §5 "Shutdown order").
func (m *Manager) CloseAllPeers(reason store.FailureReason) {
	for _, rec := range m.st.Initiators {
		m.failAndRemove(rec, reason)
	}
	for _, rec := range m.st.Responders {
		m.failAndRemove(rec, reason)
	}
}

// Send implements the data-channel half of send(remoteId, channel, bytes)
// (spec.md §4.G, §6). It looks up a Connected record under either role.
func (m *Manager) Send(remoteID, channel string, data []byte) error {
	guard := awaitguard.New[error]()
	m.loop.Post(func() {
		rec := m.st.Initiators[remoteID]
		if rec == nil || rec.State != store.PeerConnected {
			rec = m.st.Responders[remoteID]
		}
		if rec == nil || rec.State != store.PeerConnected {
			guard.StepDown(ErrNoConnectedPeer)
			return
		}
		msgID := m.st.Capabilities.UUID.New()
		chunks, err := chunk.Split(channel, msgID, data)
		if err != nil {
			guard.StepDown(err)
			return
		}
		for _, w := range chunks {
			frame, err := chunk.Encode(w)
			if err != nil {
				guard.StepDown(err)
				return
			}
			if err := rec.DataChannel.Send(frame); err != nil {
				guard.StepDown(err)
				return
			}
		}
		guard.StepDown(nil)
	})
	result, outcome := guard.AwaitWithTimeout(5 * time.Second)
	if outcome == awaitguard.TimedOut {
		return fmt.Errorf("peer: send timed out")
	}
	return result
}

// ErrNoConnectedPeer is returned by Send when no Connected record exists
// for the given remote node, under either role.
var ErrNoConnectedPeer = fmt.Errorf("peer: no connected record for remote node")
