// Package store implements the Shared Store (spec.md §4.C): the
// process-wide registry of injected capabilities, the active Broker
// session, the peer containers, and incoming-connection policy. Grounded
// on broker/broker.go's BrokerContext — a single struct built once and
// threaded through every handler — generalized from one HTTP broker's
// bookkeeping to a node's full local state.
//
// Access discipline: writes happen inside Event Loop handlers, except
// SetPolicy, which callers run on their own goroutine. IncomingPolicy and
// Broker.Socket are read and written under the Store's mutex; other reads
// from outside the Event Loop go through an atomic field.
package store

import (
	"sync"

	"github.com/p2pnode/node/capability"
)

// Capabilities bundles the eight injected capability interfaces
// (spec.md §9).
type Capabilities struct {
	SocketFactory capability.SocketFactory
	WebRTCFactory capability.WebRTCFactory
	UUID          capability.UUIDGenerator
	Clock         capability.Clock
	Timers        capability.TimerFactory
	Sleeper       capability.Sleeper
	Executor      capability.Executor
	Sync          capability.Synchronizer
}

// IncomingPolicy configures whether and how inbound CONNECTION_ATTEMPTs
// are accepted (spec.md §4.C, §6 allowIncomingConnections).
type IncomingPolicy struct {
	Allowed bool
	// Accept is consulted synchronously off the Event Loop via Executor,
	// with the result posted back (spec.md §4.F Responder step 1).
	Accept       func(remoteNodeID, platformFrom, versionFrom string) bool
	OnNew        func(remoteNodeID string)
	OnDisconnect func(remoteNodeID string)
	// Callbacks are applied to every accepted Responder record (spec.md
	// §6 "allowIncomingConnections(policy, perNodeCallbacks)").
	Callbacks PeerCallbacks
}

// Store holds one node's state. node.New creates it and it lives as long
// as the Node: it is not created by connectToBroker and is not torn down
// on disconnect.
type Store struct {
	Capabilities Capabilities
	Identity     LocalIdentity

	mu sync.Mutex // guards IncomingPolicy and Broker.Socket: SetPolicy,
	// SnapshotPolicy, SetBrokerSocket and SnapshotBrokerSocket take it,
	// including when they run on the Event Loop. The other fields below
	// are accessed without it.

	Broker *BrokerSession

	Initiators         map[string]*PeerRecord
	Responders         map[string]*PeerRecord
	ConnectionAttempts map[string]*PeerRecord // in-flight Responder candidates awaiting accept-predicate result

	IncomingPolicy IncomingPolicy
}

// New constructs an empty Store for a node identified by identity.
func New(identity LocalIdentity, caps Capabilities) *Store {
	return &Store{
		Capabilities:       caps,
		Identity:           identity,
		Broker:             &BrokerSession{State: BrokerIdle},
		Initiators:         make(map[string]*PeerRecord),
		Responders:         make(map[string]*PeerRecord),
		ConnectionAttempts: make(map[string]*PeerRecord),
	}
}

// PeerByRole returns the container for role, for callers that already
// know which side they're operating on.
func (s *Store) PeerByRole(role Role) map[string]*PeerRecord {
	if role == Initiator {
		return s.Initiators
	}
	return s.Responders
}

// HasAnyRecord implements invariant 1: at most one Initiator and one
// Responder record per remote node at any time.
func (s *Store) HasAnyRecord(remoteNodeID string) bool {
	if _, ok := s.Initiators[remoteNodeID]; ok {
		return true
	}
	if _, ok := s.Responders[remoteNodeID]; ok {
		return true
	}
	return false
}

// SnapshotPolicy takes a consistent read of IncomingPolicy (used by the
// peer package's CONNECTION_ATTEMPT handler on the Event Loop, since
// SetPolicy may run concurrently on a caller's goroutine).
func (s *Store) SnapshotPolicy() IncomingPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.IncomingPolicy
}

// SetPolicy updates IncomingPolicy. peer.Manager's AllowIncoming and
// DisallowIncoming call it directly on the caller's goroutine; the mutex
// makes the update visible to SnapshotPolicy on the Event Loop.
func (s *Store) SetPolicy(p IncomingPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IncomingPolicy = p
}

// SetBrokerSocket is called from the Event Loop whenever a fresh socket is
// created for a (re)connect attempt. Unlike most BrokerSession fields,
// Broker.Socket is also read synchronously from caller goroutines (by
// SendSocketMsg and AreNodesConnectedToBroker, which do not round-trip
// through the Event Loop), so both the write here and the read in
// SnapshotBrokerSocket take mu (spec.md §5 "reads from other threads use
// ... a mutex").
func (s *Store) SetBrokerSocket(sock capability.Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Broker.Socket = sock
}

// SnapshotBrokerSocket takes a consistent read of the current Broker
// socket from a foreign thread. May be nil if no connect attempt has ever
// been made.
func (s *Store) SnapshotBrokerSocket() capability.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Broker.Socket
}
