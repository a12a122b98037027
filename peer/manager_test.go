package peer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/p2pnode/node/capability"
	"github.com/p2pnode/node/eventloop"
	"github.com/p2pnode/node/store"
	. "github.com/smartystreets/goconvey/convey"
)

// --- fakes shared by both halves of a simulated two-node negotiation ---

type fakeUUID struct{ n int }

func (f *fakeUUID) New() string { f.n++; return fmt.Sprintf("uuid-%d", f.n) }

type fakeTimerFactory struct{}

func (fakeTimerFactory) AfterFunc(d time.Duration, fn func()) capability.Timer { return &fakeTimer{} }

type fakeTimer struct{}

func (*fakeTimer) Stop() {}

type inlineExecutor struct{}

func (inlineExecutor) Submit(fn func()) { fn() }

// fakeDataChannel is a loopback pipe: Send on one side is delivered,
// synchronously, to the peer fakeDataChannel's OnMessage handler.
type fakeDataChannel struct {
	peer      *fakeDataChannel
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
	closed    bool
}

func (dc *fakeDataChannel) Send(data []byte) error {
	if dc.peer != nil && dc.peer.onMessage != nil {
		dc.peer.onMessage(data)
	}
	return nil
}
func (dc *fakeDataChannel) Close() error {
	dc.closed = true
	return nil
}
func (dc *fakeDataChannel) OnOpen(fn func())          { dc.onOpen = fn }
func (dc *fakeDataChannel) OnClose(fn func())         { dc.onClose = fn }
func (dc *fakeDataChannel) OnMessage(fn func([]byte)) { dc.onMessage = fn }

// fakePeerConn is a minimal loopback WebRTC stand-in: SDP bodies are
// opaque tokens, SetRemoteDescription on one side immediately "completes"
// negotiation for test purposes, and CreateDataChannel/OnDataChannel are
// wired directly to a paired fakeDataChannel rather than simulating ICE.
type fakePeerConn struct {
	label              string
	onStateChange      func(capability.PeerConnectionState)
	onDataChannel      func(capability.DataChannel)
	dataChannel        *fakeDataChannel
	closed             bool
}

func (p *fakePeerConn) CreateOffer(ctx context.Context) (capability.SessionDescription, error) {
	return capability.SessionDescription{Type: "offer", SDP: "offer-from-" + p.label}, nil
}
func (p *fakePeerConn) CreateAnswer(ctx context.Context) (capability.SessionDescription, error) {
	return capability.SessionDescription{Type: "answer", SDP: "answer-from-" + p.label}, nil
}
func (p *fakePeerConn) SetLocalDescription(desc capability.SessionDescription) error  { return nil }
func (p *fakePeerConn) SetRemoteDescription(desc capability.SessionDescription) error { return nil }
func (p *fakePeerConn) AddICECandidate(c capability.ICECandidate) error               { return nil }
func (p *fakePeerConn) CreateDataChannel(label string) (capability.DataChannel, error) {
	dc := &fakeDataChannel{}
	p.dataChannel = dc
	return dc, nil
}
func (p *fakePeerConn) OnICECandidate(fn func(c *capability.ICECandidate))              {}
func (p *fakePeerConn) OnDataChannel(fn func(dc capability.DataChannel))                { p.onDataChannel = fn }
func (p *fakePeerConn) OnConnectionStateChange(fn func(s capability.PeerConnectionState)) { p.onStateChange = fn }
func (p *fakePeerConn) Close() error                                                    { p.closed = true; return nil }

type fakeWebRTCFactory struct {
	label   string
	created []*fakePeerConn
}

func (f *fakeWebRTCFactory) NewPeerConnection(config capability.RTCConfiguration) (capability.PeerConnection, error) {
	pc := &fakePeerConn{label: f.label}
	f.created = append(f.created, pc)
	return pc, nil
}

// fakeBrokerSocket records every emitted message and always acks OK; test
// bodies reach in and hand-deliver the relevant emitted payload to the
// peer-under-test's Manager via RouteMessage, simulating the Broker relay.
type fakeBrokerSocket struct {
	emitted []capability.SocketMessage
}

func (s *fakeBrokerSocket) Connect(ctx context.Context, address string, query map[string]string) error {
	return nil
}
func (s *fakeBrokerSocket) Events() <-chan capability.SocketEvent { return nil }
func (s *fakeBrokerSocket) Emit(ctx context.Context, msgType string, payload []byte) (string, error) {
	s.emitted = append(s.emitted, capability.SocketMessage{Type: msgType, Payload: payload})
	return "OK", nil
}
func (s *fakeBrokerSocket) Close() error { return nil }

func (s *fakeBrokerSocket) last() capability.SocketMessage {
	return s.emitted[len(s.emitted)-1]
}

func newTestManager(t *testing.T, nodeID, label string, webrtc *fakeWebRTCFactory, sock *fakeBrokerSocket) (*Manager, *store.Store) {
	st := store.New(store.LocalIdentity{NodeID: nodeID, Platform: "go", Version: "1.0"}, store.Capabilities{
		WebRTCFactory: webrtc,
		UUID:          &fakeUUID{},
		Timers:        fakeTimerFactory{},
		Executor:      inlineExecutor{},
	})
	st.Broker.Socket = sock
	st.Broker.State = store.BrokerAuthenticated
	st.Broker.PublishAuthenticated()
	st.Broker.RTCConfig = &capability.RTCConfiguration{}

	loop := eventloop.New(nil, 64)
	loop.Start()
	t.Cleanup(loop.Stop)

	return New(st, loop, DefaultSettings(), nil), st
}

// TestTwoPartyHandshake drives the full Initiator/Responder negotiation
// against each other's Manager with a loopback data channel pair, mirroring
// spec.md §8 end-to-end scenario 1.
func TestTwoPartyHandshake(t *testing.T) {
	Convey("Two nodes negotiate and exchange a chat message", t, func() {
		aliceFactory := &fakeWebRTCFactory{label: "alice"}
		bobFactory := &fakeWebRTCFactory{label: "bob"}
		aliceSock := &fakeBrokerSocket{}
		bobSock := &fakeBrokerSocket{}

		alice, aliceSt := newTestManager(t, "alice", "alice", aliceFactory, aliceSock)
		bob, bobSt := newTestManager(t, "bob", "bob", bobFactory, bobSock)

		bob.AllowIncoming(store.IncomingPolicy{
			Accept: func(remoteNodeID, platformFrom, versionFrom string) bool { return true },
		})

		var bobGotChannel, bobGotMsg string
		var aliceConnected, bobConnected bool
		aliceDone := make(chan store.FailureReason, 1)

		go func() {
			aliceDone <- alice.ConnectToNode("bob", store.PeerCallbacks{
				OnConnected: func() { aliceConnected = true },
			}, 2*time.Second)
		}()

		// alice emitted CONNECTION_ATTEMPT; deliver it to bob's router.
		waitFor(t, func() bool { return len(aliceSock.emitted) >= 1 })
		bob.RouteMessage(aliceSock.last().Type, aliceSock.last().Payload)

		// bob emitted CONNECTION_ACCEPTANCE; deliver it to alice.
		waitFor(t, func() bool { return len(bobSock.emitted) >= 1 })
		alice.RouteMessage(bobSock.last().Type, bobSock.last().Payload)

		// Wire the loopback data channels together once both sides exist.
		// alice's transport was created via pc.CreateDataChannel; bob's is
		// a fresh endpoint handed to the Responder via OnDataChannel, the
		// way a real remote-initiated channel would arrive.
		aliceTransport := aliceFactory.created[0]
		bobChannel := &fakeDataChannel{}
		aliceTransport.dataChannel.peer = bobChannel
		bobChannel.peer = aliceTransport.dataChannel

		bobTransport := bobFactory.created[0]
		bobTransport.onDataChannel(bobChannel)
		waitFor(t, func() bool { return bobSt.Responders["alice"] != nil && bobSt.Responders["alice"].DataChannel != nil })
		bobSt.Responders["alice"].Callbacks.OnConnected = func() { bobConnected = true }
		bobSt.Responders["alice"].Callbacks.OnMessage = func(channel string, data []byte) {
			bobGotChannel, bobGotMsg = channel, string(data)
		}

		aliceTransport.dataChannel.onOpen()
		bobChannel.onOpen()

		So(<-aliceDone, ShouldEqual, store.FailureNone)
		waitFor(t, func() bool { return aliceConnected && bobConnected })
		So(aliceSt.Initiators["bob"].State, ShouldEqual, store.PeerConnected)
		So(bobSt.Responders["alice"].State, ShouldEqual, store.PeerConnected)

		err := alice.Send("bob", "chat", []byte("hi"))
		So(err, ShouldBeNil)
		waitFor(t, func() bool { return bobGotMsg != "" })
		So(bobGotChannel, ShouldEqual, "chat")
		So(bobGotMsg, ShouldEqual, "hi")
	})
}

func TestConnectToNodeValidation(t *testing.T) {
	Convey("ConnectToNode boundary behaviors", t, func() {
		factory := &fakeWebRTCFactory{label: "alice"}
		sock := &fakeBrokerSocket{}
		alice, _ := newTestManager(t, "alice", "alice", factory, sock)

		Convey("self-connect is rejected", func() {
			reason := alice.ConnectToNode("alice", store.PeerCallbacks{}, time.Second)
			So(reason, ShouldEqual, store.FailureTriedToConnectToSelf)
		})

		Convey("not connected to broker is rejected", func() {
			alice2, st2 := newTestManager(t, "alice2", "alice2", factory, sock)
			st2.Broker.State = store.BrokerIdle
			st2.Broker.PublishAuthenticated()
			reason := alice2.ConnectToNode("bob", store.PeerCallbacks{}, time.Second)
			So(reason, ShouldEqual, store.FailureLocalNodeNotConnectedToBroker)
		})
	})
}

func TestCloseAllPeers(t *testing.T) {
	Convey("CloseAllPeers fails every record with the given reason", t, func() {
		factory := &fakeWebRTCFactory{label: "alice"}
		sock := &fakeBrokerSocket{}
		alice, st := newTestManager(t, "alice", "alice", factory, sock)

		var failReason store.FailureReason
		done := make(chan struct{})
		go func() {
			alice.ConnectToNode("bob", store.PeerCallbacks{
				OnFailed: func(reason store.FailureReason) { failReason = reason; close(done) },
			}, 2*time.Second)
		}()
		waitFor(t, func() bool { return len(st.Initiators) == 1 })

		alice.CloseAllPeers(store.FailureLocalNodeNotConnectedToBroker)
		<-done
		So(failReason, ShouldEqual, store.FailureLocalNodeNotConnectedToBroker)
		So(len(st.Initiators), ShouldEqual, 0)
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
