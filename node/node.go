// Package node is the core coordinator: it wires the Event Loop, Shared
// Store, Broker Session, Peer Connection State Machine, Data-Channel
// Framing, and Direct Message Relay together and exposes the single
// public surface named by spec.md §6.
//
// Grounded on client/snowflake.go's top-level wiring (one struct built in
// main, holding the Broker channel, the peer heap, and the SOCKS handler
// loop) generalized from one hardcoded pluggable-transport client into a
// library entrypoint with no assumptions about what sits on either side of
// a connection.
package node

import (
	"context"
	"log"
	"time"

	"github.com/p2pnode/node/broker"
	"github.com/p2pnode/node/codec"
	"github.com/p2pnode/node/eventloop"
	"github.com/p2pnode/node/peer"
	"github.com/p2pnode/node/relay"
	"github.com/p2pnode/node/store"
)

// Node is the library's single entrypoint type. One Node per local
// identity; spec.md §9's "Global mutable state" singleton lives inside it
// as *store.Store rather than as a package-level variable, so a process
// embedding this library can run more than one node if it chooses to.
type Node struct {
	st     *store.Store
	loop   *eventloop.Loop
	broker *broker.Session
	peers  *peer.Manager
	relay  *relay.Registry
	logger *log.Logger
}

// New constructs a Node. The Event Loop is started immediately; nothing
// touches the network until ConnectToBroker is called.
func New(identity store.LocalIdentity, caps store.Capabilities, brokerSettings broker.Settings, peerSettings peer.Settings, logger *log.Logger) (*Node, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	st := store.New(identity, caps)
	loop := eventloop.New(logger, 256)
	loop.Start()

	n := &Node{
		st:     st,
		loop:   loop,
		broker: broker.New(st, loop, brokerSettings, logger),
		peers:  peer.New(st, loop, peerSettings, logger),
		relay:  relay.NewRegistry(),
		logger: logger,
	}
	n.broker.SetRouter(n)
	return n, nil
}

// RouteMessage implements broker.Router. SOCKET_MSG_EXCHANGE is relay/'s
// concern; every other non-AUTHENTICATED message type belongs to the Peer
// Connection State Machine (spec.md §4.F, §4.H).
func (n *Node) RouteMessage(msgType string, raw []byte) {
	if codec.MessageType(msgType) == codec.TypeSocketMsgExchange {
		msg, err := codec.DecodeSocketMsgExchange(raw)
		if err != nil {
			n.logger.Printf("node: discarding malformed SOCKET_MSG_EXCHANGE: %v", err)
			return
		}
		n.relay.Dispatch(n.st.Capabilities.Executor, msg)
		return
	}
	n.peers.RouteMessage(msgType, raw)
}

// OnBrokerAuthenticated implements broker.Router. Nothing in spec.md needs
// a hook here today; it exists so a future node-level "reset per-session
// state" concern has somewhere to live without touching broker/.
func (n *Node) OnBrokerAuthenticated() {}

// CloseAllPeers implements broker.Router by delegating to the Peer
// Connection State Machine (spec.md §4.E "All peer records are forcibly
// closed in a single event tick").
func (n *Node) CloseAllPeers(reason store.FailureReason) {
	n.peers.CloseAllPeers(reason)
}

// ConnectToBroker implements connectToBroker (spec.md §6).
func (n *Node) ConnectToBroker(endpoint store.BrokerEndpoint, lifecycle broker.LifecycleCallbacks, authTimeout time.Duration) store.BrokerError {
	return n.broker.Connect(endpoint, n.st.Identity, lifecycle, authTimeout)
}

// DisconnectFromBroker implements disconnectFromBroker (spec.md §6).
func (n *Node) DisconnectFromBroker() {
	n.broker.Disconnect()
}

// IsLocalNodeConnectedToBroker implements isLocalNodeConnectedToBroker
// (spec.md §6). Safe to call from any goroutine.
func (n *Node) IsLocalNodeConnectedToBroker() bool {
	return n.broker.IsAuthenticated()
}

// AllowIncomingConnections implements allowIncomingConnections (spec.md
// §6).
func (n *Node) AllowIncomingConnections(policy store.IncomingPolicy) {
	n.peers.AllowIncoming(policy)
}

// DisallowIncomingConnections implements disallowIncomingConnections
// (spec.md §6).
func (n *Node) DisallowIncomingConnections() {
	n.peers.DisallowIncoming()
}

// ConnectToNode implements connectToNode (spec.md §6). The Future<...>
// named by the language-neutral surface is this call itself: Go callers
// either block on the return value or wrap the call in their own
// goroutine, matching how client/lib's WebRTCPeer.Connect is used from
// client/snowflake.go.
func (n *Node) ConnectToNode(remoteID string, callbacks store.PeerCallbacks, timeout time.Duration) store.FailureReason {
	return n.peers.ConnectToNode(remoteID, callbacks, timeout)
}

// ConnectToMultipleNodes implements connectToMultipleNodes (spec.md §6).
func (n *Node) ConnectToMultipleNodes(ids []string, callbacks store.PeerCallbacks, timeout time.Duration) map[string]store.FailureReason {
	return n.peers.ConnectToMultipleNodes(ids, callbacks, timeout)
}

// Send implements send(remoteId, channel, bytes) (spec.md §6, §4.G).
func (n *Node) Send(remoteID, channel string, data []byte) error {
	return n.peers.Send(remoteID, channel, data)
}

// SendSocketMsg implements sendSocketMsg (spec.md §6, §4.H).
func (n *Node) SendSocketMsg(ctx context.Context, remoteID, channel, content string) error {
	return relay.Send(ctx, n.st.SnapshotBrokerSocket(), n.st.Identity.NodeID, remoteID, channel, content)
}

// RegisterSocketChannel installs cb for channel (spec.md §4.H relay
// registry; the spec's "perNodeCallbacks" idea applied to the socket
// relay rather than to a specific peer).
func (n *Node) RegisterSocketChannel(channel string, cb relay.MessageCallback) {
	n.relay.Register(channel, cb)
}

// UnregisterSocketChannel removes any callback for channel.
func (n *Node) UnregisterSocketChannel(channel string) {
	n.relay.Unregister(channel)
}

// AreNodesConnectedToBroker implements areNodesConnectedToBroker (spec.md
// §4.E, §6).
func (n *Node) AreNodesConnectedToBroker(ctx context.Context, ids []string) (map[string]bool, error) {
	return n.broker.AreNodesConnected(ctx, ids)
}

// Shutdown tears the Node down: all peer records are closed, the Broker
// socket is closed, then the Event Loop itself is stopped (spec.md §5
// "Shutdown order").
func (n *Node) Shutdown() {
	n.broker.Disconnect()
	n.loop.Stop()
}
