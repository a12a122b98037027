package store

import (
	"github.com/p2pnode/node/capability"
)

// Role distinguishes the two sides of a single negotiation (spec.md §3).
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "Initiator"
	}
	return "Responder"
}

// PeerState enumerates a PeerRecord's lifecycle (spec.md §3).
type PeerState int

const (
	PeerCreated PeerState = iota
	PeerAwaitingLocalDescription
	PeerAwaitingRemoteDescription
	PeerIceExchange
	PeerDataChannelOpening
	PeerConnected
	PeerClosing
	PeerClosed
	PeerFailed
)

func (s PeerState) String() string {
	switch s {
	case PeerCreated:
		return "Created"
	case PeerAwaitingLocalDescription:
		return "AwaitingLocalDescription"
	case PeerAwaitingRemoteDescription:
		return "AwaitingRemoteDescription"
	case PeerIceExchange:
		return "IceExchange"
	case PeerDataChannelOpening:
		return "DataChannelOpening"
	case PeerConnected:
		return "Connected"
	case PeerClosing:
		return "Closing"
	case PeerClosed:
		return "Closed"
	case PeerFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// FailureReason is the closed P2PConnectionFailedReason taxonomy
// (spec.md §7).
type FailureReason int

const (
	FailureNone FailureReason = iota
	FailureLocalNodeNotConnectedToBroker
	FailureTriedToConnectToSelf
	FailureAlreadyConnectedToRemoteNode
	FailureConnectionAttemptClosedByUserForcefully
	FailureConnectionTimeout
	FailureRemoteNodeNotConnectedToBroker
	FailureConnectionNegotiationError
	FailureConnectionRefusedByRemoteNode
	FailureConnectionsNotAllowedOnRemoteNode
)

func (f FailureReason) String() string {
	switch f {
	case FailureNone:
		return ""
	case FailureLocalNodeNotConnectedToBroker:
		return "LOCAL_NODE_NOT_CONNECTED_TO_BROKER"
	case FailureTriedToConnectToSelf:
		return "TRIED_TO_CONNECT_TO_SELF"
	case FailureAlreadyConnectedToRemoteNode:
		return "ALREADY_CONNECTED_TO_REMOTE_NODE"
	case FailureConnectionAttemptClosedByUserForcefully:
		return "CONNECTION_ATTEMPT_CLOSED_BY_USER_FORCEFULLY"
	case FailureConnectionTimeout:
		return "CONNECTION_TIMEOUT"
	case FailureRemoteNodeNotConnectedToBroker:
		return "REMOTE_NODE_NOT_CONNECTED_TO_BROKER"
	case FailureConnectionNegotiationError:
		return "CONNECTION_NEGOTIATION_ERROR"
	case FailureConnectionRefusedByRemoteNode:
		return "CONNECTION_REFUSED_BY_REMOTE_NODE"
	case FailureConnectionsNotAllowedOnRemoteNode:
		return "CONNECTIONS_NOT_ALLOWED_ON_REMOTE_NODE"
	default:
		return "UNKNOWN"
	}
}

// PeerCallbacks are the application callbacks a peer record dispatches
// through the injected Executor, never on the Event Loop (spec.md §5).
type PeerCallbacks struct {
	OnConnected    func()
	OnFailed       func(reason FailureReason)
	OnDisconnected func()
	OnMessage      func(channel string, data []byte)
}

// PeerRecord is keyed by remoteNodeId within its role's container
// (spec.md §3, invariant 1). Every field is mutated only on the Event
// Loop (spec.md §5).
type PeerRecord struct {
	RemoteNodeID string
	Role         Role
	SessionID    string
	State        PeerState

	PeerConn    capability.PeerConnection
	DataChannel capability.DataChannel

	ICEBuffer             []capability.ICECandidate // remote candidates buffered before remote description applied
	LocalCandidatesOutbox []capability.ICECandidate // pending Broker ack

	Timer capability.Timer

	Callbacks PeerCallbacks

	FailureReason FailureReason

	// ReassemblyState is opaque to store/ — chunk/ owns its shape but the
	// record exclusively owns the instance so that closing the record
	// drops it (spec.md §4.G "On peer disconnect, all reassembly state for
	// that peer is dropped").
	ReassemblyState interface{ Close() }
}

// IsTerminal reports whether the record is Closed. A failing record is
// closed by the peer package's failAndRemove and is never left in Failed.
func (p *PeerRecord) IsTerminal() bool {
	return p.State == PeerClosed
}
