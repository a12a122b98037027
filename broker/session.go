// Package broker implements the Broker Session state machine (spec.md
// §4.E): connecting to, authenticating with, and disconnecting from the
// Broker, including reconnect backoff.
//
// Grounded on broker/broker.go's BrokerContext/Broker() request lifecycle,
// re-targeted from the teacher's HTTP long-polling transport onto the
// typed-message/ack WebSocket transport spec.md §6 requires (that
// transport is capability.Socket, concretely implemented by wsbroker/).
package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/p2pnode/node/awaitguard"
	"github.com/p2pnode/node/capability"
	"github.com/p2pnode/node/codec"
	"github.com/p2pnode/node/eventloop"
	"github.com/p2pnode/node/store"
)

// Router is implemented by the node-level coordinator so broker/ never
// needs to import peer/ or relay/ directly (avoids an import cycle and
// keeps the Broker Session scoped to connectivity, per spec.md §4.E).
type Router interface {
	// RouteMessage is called on the Event Loop for every Broker message
	// type the session itself doesn't own (everything except
	// AUTHENTICATED and the ARE_NODES_CONNECTED_TO_BROKER response).
	RouteMessage(msgType string, raw []byte)
	// OnBrokerAuthenticated is called on the Event Loop the moment the
	// session reaches Authenticated.
	OnBrokerAuthenticated()
	// CloseAllPeers is called on the Event Loop immediately before the
	// session leaves Authenticated, either via user-initiated disconnect
	// or unsolicited socket loss (spec.md §4.E "All peer records are
	// forcibly closed in a single event tick").
	CloseAllPeers(reason store.FailureReason)
}

// LifecycleCallbacks mirror spec.md §6's connectToBroker
// lifecycleCallbacks parameter.
type LifecycleCallbacks struct {
	OnBrokerReconnecting func(attempt uint32)
	OnBrokerDisconnected func()
}

// Session drives store.BrokerSession's state transitions. Every method
// that mutates state does so by posting to the Event Loop; Connect and
// Disconnect block the caller on an awaitguard.Guard, per spec.md §4.B.
type Session struct {
	st       *store.Store
	loop     *eventloop.Loop
	settings Settings
	logger   *log.Logger
	router   Router
	lifecycle LifecycleCallbacks

	endpoint store.BrokerEndpoint

	pumpCancel context.CancelFunc
}

// New constructs a Session bound to st and loop. The Router is supplied
// separately because the node coordinator is constructed after the
// Session in the usual wiring order; call SetRouter before Connect.
func New(st *store.Store, loop *eventloop.Loop, settings Settings, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{st: st, loop: loop, settings: settings, logger: logger}
}

func (s *Session) SetRouter(r Router) { s.router = r }

type ConnectResult struct {
	Err store.BrokerError
}

// Connect implements connectToBroker (spec.md §6): synchronous, blocking
// on a fresh Await Guard until AUTHENTICATED or failure/timeout.
func (s *Session) Connect(endpoint store.BrokerEndpoint, identity store.LocalIdentity, lifecycle LifecycleCallbacks, authTimeout time.Duration) store.BrokerError {
	if authTimeout <= 0 {
		authTimeout = s.settings.AuthTimeout
	}
	s.lifecycle = lifecycle
	s.endpoint = endpoint
	s.st.Identity = identity

	guard := awaitguard.New[ConnectResult]()

	s.loop.Post(func() {
		if s.st.Broker.State != store.BrokerIdle && s.st.Broker.State != store.BrokerDisconnected {
			guard.StepDown(ConnectResult{Err: store.BrokerErrLocalClientAlreadyConnected})
			return
		}
		s.beginConnecting(guard, authTimeout)
	})

	result, outcome := guard.AwaitWithTimeout(authTimeout + 2*time.Second)
	if outcome == awaitguard.TimedOut {
		return store.BrokerErrUnknown
	}
	return result.Err
}

// beginConnecting runs on the Event Loop. It creates the socket, starts
// the pump goroutine that translates transport callbacks into posted
// events, and arms the auth timeout timer.
func (s *Session) beginConnecting(guard *awaitguard.Guard[ConnectResult], authTimeout time.Duration) {
	s.st.Broker.State = store.BrokerConnecting
	s.st.Broker.PublishAuthenticated()

	sock := s.st.Capabilities.SocketFactory.NewSocket()
	s.st.SetBrokerSocket(sock)

	query := map[string]string{
		"id":      s.st.Identity.NodeID,
		"version": s.st.Identity.Version,
		"runtime": s.st.Identity.Platform,
	}
	if s.endpoint.AuthData != "" {
		query["data"] = s.endpoint.AuthData
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.pumpCancel = cancel

	timer := s.st.Capabilities.Timers.AfterFunc(authTimeout, func() {
		s.loop.Post(func() { s.onAuthTimeout(guard) })
	})

	go s.pumpEvents(ctx, sock, guard, timer)

	if err := sock.Connect(ctx, s.endpoint.Address, query); err != nil {
		s.loop.Post(func() {
			timer.Stop()
			s.failConnect(guard, store.BrokerErrSocket)
		})
	}
}

func (s *Session) pumpEvents(ctx context.Context, sock capability.Socket, guard *awaitguard.Guard[ConnectResult], timer capability.Timer) {
	for {
		select {
		case ev, ok := <-sock.Events():
			if !ok {
				return
			}
			s.loop.Post(func() { s.handleSocketEvent(ev, guard, timer) })
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handleSocketEvent(ev capability.SocketEvent, guard *awaitguard.Guard[ConnectResult], timer capability.Timer) {
	switch ev.Kind {
	case capability.SocketConnected:
		// Nothing to do yet; authentication is signaled by the
		// AUTHENTICATED message, not the transport-level connect.
	case capability.SocketDisconnected:
		timer.Stop()
		s.onTransportDisconnected(guard, ev.CloseReason)
	case capability.SocketError:
		timer.Stop()
		if s.st.Broker.State == store.BrokerConnecting {
			s.failConnect(guard, store.BrokerErrSocket)
		} else {
			s.onTransportDisconnected(guard, capability.SocketCloseUnspecified)
		}
	case capability.SocketMessageReceived:
		s.handleMessage(ev.Message, guard, timer)
	}
}

func (s *Session) handleMessage(msg capability.SocketMessage, guard *awaitguard.Guard[ConnectResult], timer capability.Timer) {
	switch codec.MessageType(msg.Type) {
	case codec.TypeAuthenticated:
		s.onAuthenticated(msg.Payload, guard, timer)
	default:
		if s.router != nil {
			s.router.RouteMessage(msg.Type, msg.Payload)
		}
	}
}

func (s *Session) onAuthenticated(payload []byte, guard *awaitguard.Guard[ConnectResult], timer capability.Timer) {
	if s.st.Broker.State != store.BrokerConnecting {
		return // already authenticated or past it; ignore stray message
	}
	cfg, err := codec.DecodeAuthenticated(payload)
	if err != nil {
		s.logger.Printf("broker: discarding unparsable AUTHENTICATED: %v", err)
		timer.Stop()
		s.failConnect(guard, store.BrokerErrParsingRTCConfiguration)
		return
	}
	timer.Stop()
	s.st.Broker.RTCConfig = &cfg
	s.st.Broker.State = store.BrokerAuthenticated
	s.st.Broker.ReconnectAttempts = 0
	s.st.Broker.LastError = store.BrokerErrNone
	s.st.Broker.PublishAuthenticated()

	if s.router != nil {
		s.router.OnBrokerAuthenticated()
	}
	guard.StepDown(ConnectResult{Err: store.BrokerErrNone})
}

func (s *Session) onAuthTimeout(guard *awaitguard.Guard[ConnectResult]) {
	if s.st.Broker.State != store.BrokerConnecting {
		return
	}
	s.failConnect(guard, store.BrokerErrUnknown)
}

// brokerErrorForCloseReason maps the Hub's BROKER_CLOSE reason onto the
// matching BrokerError taxonomy member (spec.md §7). A disconnect with no
// stated reason is an ordinary transport/socket loss.
func brokerErrorForCloseReason(reason capability.SocketCloseReason) store.BrokerError {
	switch reason {
	case capability.SocketCloseUnauthorized:
		return store.BrokerErrUnauthorized
	case capability.SocketCloseDuplicateID:
		return store.BrokerErrClientWithSameIDAlreadyConnected
	default:
		return store.BrokerErrSocket
	}
}

func (s *Session) failConnect(guard *awaitguard.Guard[ConnectResult], reason store.BrokerError) {
	s.st.Broker.State = store.BrokerDisconnected
	s.st.Broker.LastError = reason
	s.st.Broker.PublishAuthenticated()
	if s.pumpCancel != nil {
		s.pumpCancel()
	}
	guard.StepDown(ConnectResult{Err: reason})
}

// onTransportDisconnected handles an unsolicited transport-level
// disconnect (spec.md §4.E "Authenticated → Connecting on unsolicited
// transport disconnect while reconnection is enabled"), or a Broker-
// initiated close while still Connecting (reason carries which).
func (s *Session) onTransportDisconnected(guard *awaitguard.Guard[ConnectResult], reason capability.SocketCloseReason) {
	wasAuthenticated := s.st.Broker.State == store.BrokerAuthenticated
	if s.pumpCancel != nil {
		s.pumpCancel()
	}

	if !wasAuthenticated {
		// Lost the socket before ever authenticating: fail the pending
		// connect, using the Hub's stated reason when it gave one.
		s.failConnect(guard, brokerErrorForCloseReason(reason))
		return
	}

	if s.router != nil {
		s.router.CloseAllPeers(store.FailureLocalNodeNotConnectedToBroker)
	}

	if !s.settings.ReconnectEnabled || s.st.Broker.ReconnectAttempts >= s.settings.MaxReconnectAttempts {
		s.st.Broker.State = store.BrokerDisconnected
		s.st.Broker.PublishAuthenticated()
		if s.lifecycle.OnBrokerDisconnected != nil {
			s.st.Capabilities.Executor.Submit(s.lifecycle.OnBrokerDisconnected)
		}
		return
	}

	s.st.Broker.State = store.BrokerConnecting
	s.st.Broker.PublishAuthenticated()
	s.st.Broker.ReconnectAttempts++
	attempt := s.st.Broker.ReconnectAttempts
	if s.lifecycle.OnBrokerReconnecting != nil {
		s.st.Capabilities.Executor.Submit(func() { s.lifecycle.OnBrokerReconnecting(attempt) })
	}

	delay := s.settings.BackoffDelay(attempt)
	go func() {
		s.st.Capabilities.Sleeper.Sleep(context.Background(), delay)
		s.loop.Post(func() {
			if s.st.Broker.State != store.BrokerConnecting {
				return // disconnect() raced us; abandon the reconnect
			}
			reconnectGuard := awaitguard.New[ConnectResult]()
			s.beginConnecting(reconnectGuard, s.settings.AuthTimeout)
		})
	}()
}

// Disconnect implements disconnectFromBroker (spec.md §6, §4.E). All peer
// records are closed in the same event tick before the socket is torn
// down (spec.md §5 "Shutdown order").
func (s *Session) Disconnect() {
	guard := awaitguard.New[struct{}]()
	s.loop.Post(func() {
		if s.st.Broker.State != store.BrokerAuthenticated && s.st.Broker.State != store.BrokerConnecting {
			guard.StepDown(struct{}{})
			return
		}
		s.st.Broker.State = store.BrokerDisconnecting
		s.st.Broker.PublishAuthenticated()
		if s.router != nil {
			s.router.CloseAllPeers(store.FailureConnectionAttemptClosedByUserForcefully)
		}
		if s.pumpCancel != nil {
			s.pumpCancel()
		}
		if s.st.Broker.Socket != nil {
			s.st.Broker.Socket.Close()
		}
		s.st.Broker.State = store.BrokerDisconnected
		s.st.Broker.PublishAuthenticated()
		guard.StepDown(struct{}{})
	})
	guard.AwaitWithTimeout(5 * time.Second)
}

// IsAuthenticated implements isLocalNodeConnectedToBroker (spec.md §6):
// safe to call from any goroutine without touching the Event Loop.
func (s *Session) IsAuthenticated() bool {
	return s.st.Broker.IsAuthenticatedAtomic()
}

// AreNodesConnected implements areNodesConnectedToBroker (spec.md §4.E,
// §6).
func (s *Session) AreNodesConnected(ctx context.Context, ids []string) (map[string]bool, error) {
	if !s.IsAuthenticated() {
		return nil, RemoteStatusCheckErrNotConnectedToBroker
	}
	payload, err := codec.EncodeAreNodesConnectedQuery(ids)
	if err != nil {
		return nil, fmt.Errorf("broker: encoding query: %w", err)
	}
	sock := s.st.SnapshotBrokerSocket()
	if sock == nil {
		return nil, RemoteStatusCheckErrNotConnectedToBroker
	}
	ack, err := sock.Emit(ctx, string(codec.TypeAreNodesConnectedToBroker), payload)
	if err != nil {
		return nil, RemoteStatusCheckErrUnknown
	}
	statuses, err := codec.DecodeAreNodesConnectedResponse([]byte(ack))
	if err != nil {
		return nil, RemoteStatusCheckErrUnknown
	}
	result := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		result[st.ID] = st.Connected
	}
	return result, nil
}

// RemoteStatusCheckError is the closed taxonomy of spec.md §7.
type RemoteStatusCheckError int

const (
	RemoteStatusCheckErrNone RemoteStatusCheckError = iota
	RemoteStatusCheckErrNotConnectedToBroker
	RemoteStatusCheckErrUnknown
)

func (e RemoteStatusCheckError) Error() string {
	switch e {
	case RemoteStatusCheckErrNotConnectedToBroker:
		return "NotConnectedToBroker"
	case RemoteStatusCheckErrUnknown:
		return "UnknownError"
	default:
		return ""
	}
}
