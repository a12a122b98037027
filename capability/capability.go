// Package capability declares the narrow, injected interfaces the core
// depends on instead of talking to any concrete transport, WebRTC engine,
// or platform primitive directly. Production code wires webrtcengine and
// wsbroker behind these; tests wire fakes.
package capability

import (
	"context"
	"time"
)

// UUIDGenerator produces fresh opaque identifiers, used for sessionId and
// msgId. The default implementation returns RFC4122 UUIDs.
type UUIDGenerator interface {
	New() string
}

// Clock reports the current time. Injected so tests can control it.
type Clock interface {
	Now() time.Time
}

// Sleeper suspends the calling goroutine. Injected so reconnect backoff is
// testable without real delays.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration)
}

// Timer is a cancellable, one-shot alarm. Used for per-peer connection
// attempt timeouts and the Broker auth timeout.
type Timer interface {
	// Stop cancels the timer. Safe to call more than once and after the
	// timer has already fired.
	Stop()
}

// TimerFactory schedules a Timer that invokes fn after d elapses unless
// stopped first.
type TimerFactory interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Executor runs user-facing callbacks off the Event Loop goroutine, per
// spec.md §5 "User callback dispatch". Implementations MUST preserve
// per-peer FIFO order of submitted work.
type Executor interface {
	// Submit queues fn for asynchronous execution. Panics raised by fn are
	// recovered and logged; they never propagate.
	Submit(fn func())
}

// Synchronizer is the primitive used when a reader on a foreign thread
// needs a consistent snapshot of Event-Loop-owned state (spec.md §4.C
// "Access discipline").
type Synchronizer interface {
	Lock()
	Unlock()
}

// SocketMessage is one inbound or outbound frame on the Broker socket
// transport: a JSON type tag plus its raw payload.
type SocketMessage struct {
	Type    string
	Payload []byte
}

// SocketEvent is posted by a Socket implementation whenever the underlying
// transport connects, disconnects, errors, or receives a message. Exactly
// one of its fields is meaningful per Kind.
type SocketEventKind int

const (
	SocketConnected SocketEventKind = iota
	SocketDisconnected
	SocketError
	SocketMessageReceived
)

// SocketCloseReason distinguishes a Broker-initiated close from an
// ordinary transport-level disconnect, so the Broker Session can map it
// onto the matching BrokerError (spec.md §7) instead of the generic
// SocketError/SOCKET_ERROR catch-all.
type SocketCloseReason int

const (
	SocketCloseUnspecified SocketCloseReason = iota
	SocketCloseUnauthorized
	SocketCloseDuplicateID
)

type SocketEvent struct {
	Kind    SocketEventKind
	Err     error
	Message SocketMessage
	// CloseReason is meaningful only when Kind == SocketDisconnected and
	// the Broker closed the connection itself rather than the transport
	// dropping unsolicited.
	CloseReason SocketCloseReason
}

// Socket is the capability-level view of the Broker's bidirectional typed
// message channel (spec.md §1, §6). Implementations must never mutate
// caller state directly from a transport goroutine; they communicate only
// through the channel returned by Events.
type Socket interface {
	// Connect dials the endpoint, sending the handshake query parameters
	// (spec.md §6 "Socket handshake parameters").
	Connect(ctx context.Context, address string, query map[string]string) error
	// Events returns the channel on which connect/disconnect/error/message
	// events are posted. Closed once the socket is permanently done.
	Events() <-chan SocketEvent
	// Emit sends a typed message and blocks for the ack string the Broker
	// sends back, or returns ctx.Err() on cancellation.
	Emit(ctx context.Context, msgType string, payload []byte) (ack string, err error)
	// Close tears down the transport. Idempotent.
	Close() error
}

// SocketFactory constructs a fresh Socket per Broker connection attempt.
type SocketFactory interface {
	NewSocket() Socket
}

// ICECandidate mirrors the wire shape of a trickled ICE candidate
// (spec.md §6).
type ICECandidate struct {
	SDP           string
	SDPMid        string
	SDPMLineIndex uint16
	ServerURL     string
}

// SessionDescription mirrors the wire shape of an SDP offer/answer
// (spec.md §6).
type SessionDescription struct {
	Type string // "offer" | "answer" | "pranswer" | "rollback"
	SDP  string
}

// PeerConnectionState enumerates the subset of WebRTC peer connection
// states the core reacts to.
type PeerConnectionState int

const (
	PeerConnNew PeerConnectionState = iota
	PeerConnConnecting
	PeerConnConnected
	PeerConnDisconnected
	PeerConnFailed
	PeerConnClosed
)

// DataChannelState enumerates the subset of data channel states the core
// reacts to.
type DataChannelState int

const (
	DataChannelConnecting DataChannelState = iota
	DataChannelOpen
	DataChannelClosing
	DataChannelClosed
)

// DataChannel is the capability-level view of a WebRTC data channel.
type DataChannel interface {
	Send(data []byte) error
	Close() error
	// OnOpen/OnClose/OnMessage register trampolines. Implementations MUST
	// only post events from these callbacks, never mutate caller state
	// directly (spec.md §5, §9 "Cooperative single-threaded mutation").
	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func(data []byte))
}

// PeerConnection is the capability-level view of a WebRTC peer connection.
// Exactly one DataChannel is ever created per connection (spec.md §3).
type PeerConnection interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(c ICECandidate) error
	CreateDataChannel(label string) (DataChannel, error)

	OnICECandidate(fn func(c *ICECandidate)) // nil candidate == gathering complete
	OnDataChannel(fn func(dc DataChannel))
	OnConnectionStateChange(fn func(s PeerConnectionState))

	Close() error
}

// RTCConfiguration mirrors the wire shape delivered in AUTHENTICATED
// (spec.md §3, §6). IceCandidatePoolSize is received and threaded through
// but never read back (spec.md §9 open question: informational only).
type RTCConfiguration struct {
	ICEServers           []ICEServer
	ICETransportPolicy   string
	BundlePolicy         string
	RTCPMuxPolicy        string
	ICECandidatePoolSize int
}

type ICEServer struct {
	URLs     []string
	Username string
	Password string
}

// WebRTCFactory constructs a fresh PeerConnection for one negotiation.
type WebRTCFactory interface {
	NewPeerConnection(config RTCConfiguration) (PeerConnection, error)
}
