package broker

import (
	"context"
	"testing"
	"time"

	"github.com/p2pnode/node/capability"
	"github.com/p2pnode/node/codec"
	"github.com/p2pnode/node/eventloop"
	"github.com/p2pnode/node/store"
	. "github.com/smartystreets/goconvey/convey"
)

// --- fakes, grounded on client/lib/lib_test.go's FakeDialer/FakePeers style ---

type fakeTimer struct{ stopped bool }

func (f *fakeTimer) Stop() { f.stopped = true }

type fakeTimerFactory struct{}

func (fakeTimerFactory) AfterFunc(d time.Duration, fn func()) capability.Timer {
	// Tests drive timeouts explicitly; never actually fire.
	return &fakeTimer{}
}

type inlineExecutor struct{}

func (inlineExecutor) Submit(fn func()) { fn() }

type noSleeper struct{}

func (noSleeper) Sleep(ctx context.Context, d time.Duration) {}

type fakeSocket struct {
	events  chan capability.SocketEvent
	acks    map[string]string
	emitted []capability.SocketMessage
	closed  bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan capability.SocketEvent, 16), acks: map[string]string{}}
}

func (f *fakeSocket) Connect(ctx context.Context, address string, query map[string]string) error {
	return nil
}
func (f *fakeSocket) Events() <-chan capability.SocketEvent { return f.events }
func (f *fakeSocket) Emit(ctx context.Context, msgType string, payload []byte) (string, error) {
	f.emitted = append(f.emitted, capability.SocketMessage{Type: msgType, Payload: payload})
	if ack, ok := f.acks[msgType]; ok {
		return ack, nil
	}
	return string(codec.AckOK), nil
}
func (f *fakeSocket) Close() error { f.closed = true; close(f.events); return nil }

type fakeSocketFactory struct{ sockets []*fakeSocket }

func (f *fakeSocketFactory) NewSocket() capability.Socket {
	s := newFakeSocket()
	f.sockets = append(f.sockets, s)
	return s
}

func authenticatedPayload() []byte {
	return []byte(`{"rtcConfiguration":{"iceServers":[{"urls":["stun:stun.example.com"]}]}}`)
}

type fakeRouter struct {
	routed        []string
	authenticated bool
	closedReason  store.FailureReason
	closedCalled  bool
	onClose       func()
}

func (r *fakeRouter) RouteMessage(msgType string, raw []byte) { r.routed = append(r.routed, msgType) }
func (r *fakeRouter) OnBrokerAuthenticated()                  { r.authenticated = true }
func (r *fakeRouter) CloseAllPeers(reason store.FailureReason) {
	if r.onClose != nil {
		r.onClose()
	}
	r.closedCalled = true
	r.closedReason = reason
}

func newTestSession(t *testing.T) (*Session, *store.Store, *fakeSocketFactory, *eventloop.Loop) {
	factory := &fakeSocketFactory{}
	st := store.New(store.LocalIdentity{NodeID: "alice", Platform: "go", Version: "1.0"}, store.Capabilities{
		SocketFactory: factory,
		Timers:        fakeTimerFactory{},
		Executor:      inlineExecutor{},
		Sleeper:       noSleeper{},
	})
	loop := eventloop.New(nil, 64)
	loop.Start()
	t.Cleanup(loop.Stop)

	settings := DefaultSettings()
	settings.AuthTimeout = time.Second
	s := New(st, loop, settings, nil)
	return s, st, factory, loop
}

func TestBrokerSessionConnect(t *testing.T) {
	Convey("Broker Session connect", t, func() {
		Convey("reaches Authenticated on a valid AUTHENTICATED message", func() {
			s, st, factory, _ := newTestSession(t)
			router := &fakeRouter{}
			s.SetRouter(router)

			resultCh := make(chan store.BrokerError, 1)
			go func() {
				resultCh <- s.Connect(store.BrokerEndpoint{Address: "ws://broker.example"}, st.Identity, LifecycleCallbacks{}, time.Second)
			}()

			waitForSocket(t, factory)
			factory.sockets[0].events <- capability.SocketEvent{
				Kind:    capability.SocketMessageReceived,
				Message: capability.SocketMessage{Type: string(codec.TypeAuthenticated), Payload: authenticatedPayload()},
			}

			select {
			case err := <-resultCh:
				So(err, ShouldEqual, store.BrokerErrNone)
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for Connect to complete")
			}
			So(st.Broker.State, ShouldEqual, store.BrokerAuthenticated)
			So(st.Broker.RTCConfig, ShouldNotBeNil)
			So(router.authenticated, ShouldBeTrue)
			So(s.IsAuthenticated(), ShouldBeTrue)
		})

		Convey("fails with ErrorParsingRtcConfiguration on a malformed AUTHENTICATED message", func() {
			s, st, factory, _ := newTestSession(t)
			resultCh := make(chan store.BrokerError, 1)
			go func() {
				resultCh <- s.Connect(store.BrokerEndpoint{Address: "ws://broker.example"}, st.Identity, LifecycleCallbacks{}, time.Second)
			}()

			waitForSocket(t, factory)
			factory.sockets[0].events <- capability.SocketEvent{
				Kind:    capability.SocketMessageReceived,
				Message: capability.SocketMessage{Type: string(codec.TypeAuthenticated), Payload: []byte(`{}`)},
			}

			select {
			case err := <-resultCh:
				So(err, ShouldEqual, store.BrokerErrParsingRTCConfiguration)
			case <-time.After(2 * time.Second):
				t.Fatal("timed out")
			}
		})

		Convey("fails with SocketError on a transport-level connect_error", func() {
			s, st, factory, _ := newTestSession(t)
			resultCh := make(chan store.BrokerError, 1)
			go func() {
				resultCh <- s.Connect(store.BrokerEndpoint{Address: "ws://broker.example"}, st.Identity, LifecycleCallbacks{}, time.Second)
			}()

			waitForSocket(t, factory)
			factory.sockets[0].events <- capability.SocketEvent{Kind: capability.SocketError}

			select {
			case err := <-resultCh:
				So(err, ShouldEqual, store.BrokerErrSocket)
			case <-time.After(2 * time.Second):
				t.Fatal("timed out")
			}
		})

		Convey("fails with BrokerErrUnauthorized on a BROKER_CLOSE{Unauthorized}", func() {
			s, st, factory, _ := newTestSession(t)
			resultCh := make(chan store.BrokerError, 1)
			go func() {
				resultCh <- s.Connect(store.BrokerEndpoint{Address: "ws://broker.example"}, st.Identity, LifecycleCallbacks{}, time.Second)
			}()

			waitForSocket(t, factory)
			factory.sockets[0].events <- capability.SocketEvent{
				Kind:        capability.SocketDisconnected,
				CloseReason: capability.SocketCloseUnauthorized,
			}

			select {
			case err := <-resultCh:
				So(err, ShouldEqual, store.BrokerErrUnauthorized)
			case <-time.After(2 * time.Second):
				t.Fatal("timed out")
			}
		})

		Convey("fails with BrokerErrClientWithSameIDAlreadyConnected on a BROKER_CLOSE{ClientWithSameIdAlreadyConnected}", func() {
			s, st, factory, _ := newTestSession(t)
			resultCh := make(chan store.BrokerError, 1)
			go func() {
				resultCh <- s.Connect(store.BrokerEndpoint{Address: "ws://broker.example"}, st.Identity, LifecycleCallbacks{}, time.Second)
			}()

			waitForSocket(t, factory)
			factory.sockets[0].events <- capability.SocketEvent{
				Kind:        capability.SocketDisconnected,
				CloseReason: capability.SocketCloseDuplicateID,
			}

			select {
			case err := <-resultCh:
				So(err, ShouldEqual, store.BrokerErrClientWithSameIDAlreadyConnected)
			case <-time.After(2 * time.Second):
				t.Fatal("timed out")
			}
		})

		Convey("rejects a second connect while already connecting", func() {
			s, st, factory, _ := newTestSession(t)
			go s.Connect(store.BrokerEndpoint{Address: "ws://broker.example"}, st.Identity, LifecycleCallbacks{}, time.Second)
			waitForSocket(t, factory)

			err := s.Connect(store.BrokerEndpoint{Address: "ws://broker.example"}, st.Identity, LifecycleCallbacks{}, time.Second)
			So(err, ShouldEqual, store.BrokerErrLocalClientAlreadyConnected)
		})
	})
}

func TestBrokerSessionDisconnect(t *testing.T) {
	Convey("Disconnect closes all peers before closing the socket", t, func() {
		s, st, factory, _ := newTestSession(t)
		router := &fakeRouter{}
		s.SetRouter(router)

		resultCh := make(chan store.BrokerError, 1)
		go func() {
			resultCh <- s.Connect(store.BrokerEndpoint{Address: "ws://broker.example"}, st.Identity, LifecycleCallbacks{}, time.Second)
		}()
		waitForSocket(t, factory)
		factory.sockets[0].events <- capability.SocketEvent{
			Kind:    capability.SocketMessageReceived,
			Message: capability.SocketMessage{Type: string(codec.TypeAuthenticated), Payload: authenticatedPayload()},
		}
		<-resultCh

		socketClosedBeforePeers := true
		router.onClose = func() { socketClosedBeforePeers = factory.sockets[0].closed }
		s.Disconnect()
		So(router.closedCalled, ShouldBeTrue)
		So(socketClosedBeforePeers, ShouldBeFalse)
		So(router.closedReason, ShouldEqual, store.FailureConnectionAttemptClosedByUserForcefully)
		So(st.Broker.State, ShouldEqual, store.BrokerDisconnected)
		So(factory.sockets[0].closed, ShouldBeTrue)
	})
}

func TestBrokerSessionReconnect(t *testing.T) {
	Convey("unsolicited disconnect while authenticated triggers reconnect", t, func() {
		s, st, factory, _ := newTestSession(t)
		router := &fakeRouter{}
		s.SetRouter(router)

		resultCh := make(chan store.BrokerError, 1)
		go func() {
			resultCh <- s.Connect(store.BrokerEndpoint{Address: "ws://broker.example"}, st.Identity, LifecycleCallbacks{}, time.Second)
		}()
		waitForSocket(t, factory)
		factory.sockets[0].events <- capability.SocketEvent{
			Kind:    capability.SocketMessageReceived,
			Message: capability.SocketMessage{Type: string(codec.TypeAuthenticated), Payload: authenticatedPayload()},
		}
		<-resultCh

		factory.sockets[0].events <- capability.SocketEvent{Kind: capability.SocketDisconnected}

		waitFor(t, func() bool { return router.closedCalled }, time.Second)
		So(router.closedReason, ShouldEqual, store.FailureLocalNodeNotConnectedToBroker)

		waitFor(t, func() bool { return len(factory.sockets) >= 2 }, time.Second)
		So(st.Broker.ReconnectAttempts, ShouldEqual, 1)
	})
}

func waitForSocket(t *testing.T, f *fakeSocketFactory) {
	t.Helper()
	waitFor(t, func() bool { return len(f.sockets) >= 1 }, time.Second)
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
