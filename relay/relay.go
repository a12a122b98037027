// Package relay implements the Direct Message Relay socket fallback
// (spec.md §4.H): arbitrary channel-addressed messages relayed through the
// Broker when no direct WebRTC connection exists.
//
// Grounded on common/messages/proxy.go's request/response pair pattern
// (EncodePollRequest/DecodePollResponse), generalized from a single
// poll/answer exchange to a channel-keyed callback registry.
package relay

import (
	"context"
	"fmt"

	"github.com/p2pnode/node/capability"
	"github.com/p2pnode/node/codec"
)

// SendSocketError is the closed taxonomy of spec.md §7.
type SendSocketError int

const (
	SendSocketErrNone SendSocketError = iota
	SendSocketErrNotConnectedToBroker
	SendSocketErrTriedToSendMsgToSelf
	SendSocketErrRemoteNodeNotConnectedToBroker
	SendSocketErrUnknown
	SendSocketErrUnauthorizedToContactRemoteNode
	SendSocketErrEmptyID
	SendSocketErrEmptyChannel
	SendSocketErrDisabled
)

func (e SendSocketError) String() string {
	switch e {
	case SendSocketErrNone:
		return ""
	case SendSocketErrNotConnectedToBroker:
		return "NotConnectedToBroker"
	case SendSocketErrTriedToSendMsgToSelf:
		return "TriedToSendMsgToSelf"
	case SendSocketErrRemoteNodeNotConnectedToBroker:
		return "RemoteNodeNotConnectedToBroker"
	case SendSocketErrUnknown:
		return "UnknownError"
	case SendSocketErrUnauthorizedToContactRemoteNode:
		return "UnauthorizedToContactRemoteNode"
	case SendSocketErrEmptyID:
		return "EmptyId"
	case SendSocketErrEmptyChannel:
		return "EmptyChannel"
	case SendSocketErrDisabled:
		return "Disabled"
	default:
		return "UnknownError"
	}
}

func (e SendSocketError) Error() string { return e.String() }

// MessageCallback receives (fromNodeID, content) for every inbound
// SOCKET_MSG_EXCHANGE on a registered channel.
type MessageCallback func(from string, msg string)

// Registry maps channel -> callback (spec.md §4.C, §4.H). It is owned by
// the Store and mutated only on the Event Loop; Dispatch is also only
// ever called from the Event Loop, which then hands the actual invocation
// to the Executor (spec.md §5 "User callback dispatch").
type Registry struct {
	callbacks map[string]MessageCallback
}

// NewRegistry constructs an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: make(map[string]MessageCallback)}
}

// Register installs cb for channel, replacing any previous registration.
func (r *Registry) Register(channel string, cb MessageCallback) {
	r.callbacks[channel] = cb
}

// Unregister removes any callback for channel.
func (r *Registry) Unregister(channel string) {
	delete(r.callbacks, channel)
}

// Dispatch runs the callback registered for msg.Channel on executor.
// Unknown channels are ignored (spec.md §4.H "unknown channels are
// ignored").
func (r *Registry) Dispatch(executor capability.Executor, msg codec.SocketMsgExchange) {
	cb, ok := r.callbacks[msg.Channel]
	if !ok {
		return
	}
	executor.Submit(func() {
		// spec.md §7: exceptions thrown by user callbacks are caught and
		// silently dropped at the executor boundary.
		defer func() { recover() }()
		cb(msg.From, msg.Content)
	})
}

// Send emits a SOCKET_MSG_EXCHANGE and maps the Broker's ack to the
// SendSocketError taxonomy (spec.md §4.H "Outbound emits fail-fast on the
// taxonomy below").
func Send(ctx context.Context, sock capability.Socket, localID, remoteID, channel, content string) error {
	if remoteID == "" {
		return SendSocketErrEmptyID
	}
	if channel == "" {
		return SendSocketErrEmptyChannel
	}
	if remoteID == localID {
		return SendSocketErrTriedToSendMsgToSelf
	}
	if sock == nil {
		return SendSocketErrNotConnectedToBroker
	}

	payload, err := codec.EncodeSocketMsgExchange(codec.SocketMsgExchange{
		From: localID, To: remoteID, Channel: channel, Content: content,
	})
	if err != nil {
		return fmt.Errorf("relay: encoding message: %w", err)
	}

	ack, err := sock.Emit(ctx, string(codec.TypeSocketMsgExchange), payload)
	if err != nil {
		return SendSocketErrUnknown
	}
	switch codec.Ack(ack) {
	case codec.AckOK:
		return nil
	case codec.AckNotConnected:
		return SendSocketErrRemoteNodeNotConnectedToBroker
	case codec.AckUnauthorized:
		return SendSocketErrUnauthorizedToContactRemoteNode
	case codec.AckDisabled:
		return SendSocketErrDisabled
	default:
		return SendSocketErrUnknown
	}
}
