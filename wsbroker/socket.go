// Package wsbroker is the concrete capability.Socket and
// capability.SocketFactory implementation over github.com/gorilla/websocket,
// plus the server-side Hub that backs cmd/broker.
//
// The read-pump/write-pump shape is grounded on the E-Goat signaling
// server's Client (room-based chat relay), adapted to carry a typed
// "type" discriminator and a per-emit reqId/ack correlation instead of
// raw broadcast blobs, since spec.md §6 requires Emit to block for an
// ack string rather than fire-and-forget.
package wsbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p2pnode/node/capability"
	"github.com/p2pnode/node/codec"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16

	ackMessageType = "ACK"
)

// frameHeader peeks the discriminator fields of an inbound frame before
// deciding whether it is a pushed message or an ack reply.
type frameHeader struct {
	Type  string `json:"type"`
	ReqID string `json:"reqId,omitempty"`
}

type ackFrame struct {
	ReqID string `json:"reqId"`
	Ack   string `json:"ack"`
}

// Socket is the node-side capability.Socket. It dials the Broker, runs a
// read pump translating frames into capability.SocketEvents and a write
// pump draining outbound frames and periodic pings, and correlates each
// Emit with the ACK frame the Broker sends back by reqId.
type Socket struct {
	conn *websocket.Conn

	events chan capability.SocketEvent
	send   chan []byte

	mu      sync.Mutex
	pending map[string]chan string
	seq     uint64

	closeOnce sync.Once
	closed    chan struct{}

	// closeReason is set by readPump, read only by its own deferred
	// teardown call, so it needs no synchronization of its own.
	closeReason capability.SocketCloseReason
}

// NewSocket constructs an unconnected Socket.
func NewSocket() *Socket {
	return &Socket{
		events:  make(chan capability.SocketEvent, 64),
		send:    make(chan []byte, 64),
		pending: make(map[string]chan string),
		closed:  make(chan struct{}),
	}
}

// Connect implements capability.Socket.
func (s *Socket) Connect(ctx context.Context, address string, query map[string]string) error {
	u, err := url.Parse(address)
	if err != nil {
		return fmt.Errorf("wsbroker: parsing address: %w", err)
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("wsbroker: dial: %w", err)
	}
	s.conn = conn

	go s.writePump()
	go s.readPump()

	s.events <- capability.SocketEvent{Kind: capability.SocketConnected}
	return nil
}

func (s *Socket) readPump() {
	defer s.teardown()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.events <- capability.SocketEvent{Kind: capability.SocketError, Err: err}
			return
		}

		var hdr frameHeader
		if err := json.Unmarshal(raw, &hdr); err != nil {
			continue
		}

		if hdr.Type == ackMessageType {
			var a ackFrame
			if err := json.Unmarshal(raw, &a); err == nil {
				s.resolveAck(a.ReqID, a.Ack)
			}
			continue
		}

		if hdr.Type == string(codec.TypeBrokerClose) {
			if reason, err := codec.DecodeBrokerClose(raw); err == nil {
				s.closeReason = closeReasonFromCodec(reason)
			}
			return
		}

		s.events <- capability.SocketEvent{
			Kind:    capability.SocketMessageReceived,
			Message: capability.SocketMessage{Type: hdr.Type, Payload: raw},
		}
	}
}

func (s *Socket) resolveAck(reqID, ack string) {
	s.mu.Lock()
	ch, ok := s.pending[reqID]
	if ok {
		delete(s.pending, reqID)
	}
	s.mu.Unlock()
	if ok {
		ch <- ack
	}
}

func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Emit implements capability.Socket. payload's fields are merged with a
// "type" and "reqId" discriminator into one outbound frame; Emit blocks
// until the matching ACK frame arrives or ctx is done.
func (s *Socket) Emit(ctx context.Context, msgType string, payload []byte) (string, error) {
	fields := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return "", fmt.Errorf("wsbroker: payload is not a JSON object: %w", err)
		}
	}

	s.mu.Lock()
	s.seq++
	reqID := fmt.Sprintf("%d", s.seq)
	ackCh := make(chan string, 1)
	s.pending[reqID] = ackCh
	s.mu.Unlock()

	fields["type"] = mustRawString(msgType)
	fields["reqId"] = mustRawString(reqID)

	frame, err := json.Marshal(fields)
	if err != nil {
		s.discardPending(reqID)
		return "", fmt.Errorf("wsbroker: encoding frame: %w", err)
	}

	select {
	case s.send <- frame:
	case <-s.closed:
		s.discardPending(reqID)
		return "", fmt.Errorf("wsbroker: socket closed")
	case <-ctx.Done():
		s.discardPending(reqID)
		return "", ctx.Err()
	}

	select {
	case ack := <-ackCh:
		return ack, nil
	case <-ctx.Done():
		s.discardPending(reqID)
		return "", ctx.Err()
	case <-s.closed:
		return "", fmt.Errorf("wsbroker: socket closed")
	}
}

func (s *Socket) discardPending(reqID string) {
	s.mu.Lock()
	delete(s.pending, reqID)
	s.mu.Unlock()
}

// Events implements capability.Socket.
func (s *Socket) Events() <-chan capability.SocketEvent { return s.events }

// Close implements capability.Socket. Idempotent.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			s.conn.Close()
		}
	})
	return nil
}

func (s *Socket) teardown() {
	s.events <- capability.SocketEvent{Kind: capability.SocketDisconnected, CloseReason: s.closeReason}
	close(s.events)
}

func closeReasonFromCodec(r codec.BrokerCloseReason) capability.SocketCloseReason {
	switch r {
	case codec.BrokerCloseUnauthorized:
		return capability.SocketCloseUnauthorized
	case codec.BrokerCloseDuplicateID:
		return capability.SocketCloseDuplicateID
	default:
		return capability.SocketCloseUnspecified
	}
}

func mustRawString(s string) json.RawMessage {
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return b
}

// Factory constructs a fresh Socket per Broker connection attempt,
// implementing capability.SocketFactory.
type Factory struct{}

// NewFactory constructs a Factory.
func NewFactory() *Factory { return &Factory{} }

// NewSocket implements capability.SocketFactory.
func (*Factory) NewSocket() capability.Socket { return NewSocket() }
