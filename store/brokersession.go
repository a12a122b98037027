package store

import (
	"sync/atomic"

	"github.com/p2pnode/node/capability"
)

// BrokerSessionState enumerates the Broker Session lifecycle (spec.md §3,
// §4.E).
type BrokerSessionState int

const (
	BrokerIdle BrokerSessionState = iota
	BrokerConnecting
	BrokerAuthenticated
	BrokerDisconnecting
	BrokerDisconnected
)

func (s BrokerSessionState) String() string {
	switch s {
	case BrokerIdle:
		return "Idle"
	case BrokerConnecting:
		return "Connecting"
	case BrokerAuthenticated:
		return "Authenticated"
	case BrokerDisconnecting:
		return "Disconnecting"
	case BrokerDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// BrokerError is the closed taxonomy of spec.md §7.
type BrokerError int

const (
	BrokerErrNone BrokerError = iota
	BrokerErrLocalClientAlreadyConnected
	BrokerErrUnknown
	BrokerErrSocket
	BrokerErrClientWithSameIDAlreadyConnected
	BrokerErrUnauthorized
	BrokerErrParsingRTCConfiguration
	BrokerErrUnsupportedArchitecture
)

func (e BrokerError) String() string {
	switch e {
	case BrokerErrNone:
		return ""
	case BrokerErrLocalClientAlreadyConnected:
		return "LocalClientAlreadyConnected"
	case BrokerErrUnknown:
		return "UnknownError"
	case BrokerErrSocket:
		return "SocketError"
	case BrokerErrClientWithSameIDAlreadyConnected:
		return "ClientWithSameIdAlreadyConnected"
	case BrokerErrUnauthorized:
		return "Unauthorized"
	case BrokerErrParsingRTCConfiguration:
		return "ErrorParsingRtcConfiguration"
	case BrokerErrUnsupportedArchitecture:
		return "UnsupportedArchitecture"
	default:
		return "UnknownError"
	}
}

func (e BrokerError) Error() string { return e.String() }

// BrokerSession is the data owned by the Broker Session state machine
// (spec.md §3). Every field is mutated only inside an Event Loop handler;
// IsAuthenticated is published atomically so foreign threads (the public
// isLocalNodeConnectedToBroker() API) can read it without crossing into
// the loop.
type BrokerSession struct {
	State             BrokerSessionState
	LastError         BrokerError
	ReconnectAttempts uint32
	RTCConfig         *capability.RTCConfiguration // valid only once State == Authenticated
	Socket            capability.Socket

	authenticated int32 // atomic bool mirror of State == Authenticated
}

// PublishAuthenticated updates the atomic mirror read by
// IsAuthenticatedAtomic. Call this whenever State transitions.
func (b *BrokerSession) PublishAuthenticated() {
	v := int32(0)
	if b.State == BrokerAuthenticated {
		v = 1
	}
	atomic.StoreInt32(&b.authenticated, v)
}

// IsAuthenticatedAtomic is safe to call from any goroutine without holding
// the Event Loop (spec.md §4.A "readers that cross threads ... must read
// only atomically-published booleans").
func (b *BrokerSession) IsAuthenticatedAtomic() bool {
	return atomic.LoadInt32(&b.authenticated) == 1
}
