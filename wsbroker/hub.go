package wsbroker

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p2pnode/node/codec"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hubClient is a registered node connection, grounded on the E-Goat
// signaling server's Client: a conn plus a buffered outbound channel
// drained by its own writePump goroutine.
type hubClient struct {
	hub    *Hub
	conn   *websocket.Conn
	nodeID string
	send   chan []byte

	// registered carries Run()'s accept/reject decision for this client's
	// register attempt back to ServeHTTP.
	registered chan bool
}

// AuthChecker validates the optional authData a node presents via the
// "data" handshake query parameter (spec.md §6). Returning false causes
// the connection to be closed with a BROKER_CLOSE{Unauthorized} frame
// instead of being registered.
type AuthChecker func(nodeID, authData string) bool

// Observer receives Hub lifecycle and routing events. cmd/broker
// implements it with Prometheus gauges/counters; wsbroker itself stays
// free of any metrics library dependency. All methods must return
// quickly and never block.
type Observer interface {
	OnNodeRegistered(nodeID string)
	OnNodeUnregistered(nodeID string)
	OnRelay(msgType, ack string)
}

type noopObserver struct{}

func (noopObserver) OnNodeRegistered(string)   {}
func (noopObserver) OnNodeUnregistered(string) {}
func (noopObserver) OnRelay(string, string)    {}

// Hub is the server side of the Broker socket transport (cmd/broker):
// it authenticates one node per connection, then routes CONNECTION_*,
// ICE exchange, SOCKET_MSG_EXCHANGE, and ARE_NODES_CONNECTED_TO_BROKER
// frames between registered nodes by the "to" field, instead of the
// E-Goat reference's room-based fan-out broadcast.
type Hub struct {
	rtcConfig   json.RawMessage
	logger      *log.Logger
	observer    Observer
	authChecker AuthChecker

	mu      sync.RWMutex
	clients map[string]*hubClient

	register   chan *hubClient
	unregister chan *hubClient
}

// NewHub constructs a Hub that announces rtcConfig to every node as it
// authenticates (the AUTHENTICATED payload, spec.md §6). observer may be
// nil.
func NewHub(rtcConfig json.RawMessage, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		rtcConfig:  rtcConfig,
		logger:     logger,
		observer:   noopObserver{},
		clients:    make(map[string]*hubClient),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
	}
}

// SetObserver installs the metrics observer. Call before Run.
func (h *Hub) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	h.observer = o
}

// SetAuthChecker installs credential validation for the "data" handshake
// parameter. Call before serving connections; nil (the default) accepts
// every node regardless of authData.
func (h *Hub) SetAuthChecker(fn AuthChecker) {
	h.authChecker = fn
}

// Run drives the register/unregister loop. Blocks; run it in its own
// goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if _, exists := h.clients[c.nodeID]; exists {
				h.mu.Unlock()
				c.registered <- false
				continue
			}
			h.clients[c.nodeID] = c
			h.mu.Unlock()
			c.registered <- true
			h.observer.OnNodeRegistered(c.nodeID)

		case c := <-h.unregister:
			h.mu.Lock()
			unregistered := false
			if cur, ok := h.clients[c.nodeID]; ok && cur == c {
				delete(h.clients, c.nodeID)
				close(c.send)
				unregistered = true
			}
			h.mu.Unlock()
			if unregistered {
				h.observer.OnNodeUnregistered(c.nodeID)
			}
		}
	}
}

// ServeHTTP upgrades the connection, checks credentials if an AuthChecker
// is installed, registers the node under its "id" query parameter unless
// another connection already holds that ID, announces RTC config, and
// runs the pump pair. A rejected connection gets a BROKER_CLOSE frame
// naming the reason before the socket is closed, so the node-side Broker
// Session can map it onto the matching BrokerError (spec.md §7) instead
// of treating it as an ordinary transport-level SOCKET_ERROR.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("id")
	if nodeID == "" {
		http.Error(w, "id parameter is required", http.StatusBadRequest)
		return
	}
	authData := r.URL.Query().Get("data")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("wsbroker: upgrade error: %v", err)
		return
	}

	if h.authChecker != nil && !h.authChecker(nodeID, authData) {
		h.closeWithReason(conn, codec.BrokerCloseUnauthorized)
		return
	}

	c := &hubClient{hub: h, conn: conn, nodeID: nodeID, send: make(chan []byte, 256), registered: make(chan bool, 1)}
	h.register <- c
	if !<-c.registered {
		h.closeWithReason(conn, codec.BrokerCloseDuplicateID)
		return
	}

	authenticated := map[string]json.RawMessage{
		"type":            mustRawString(string(codec.TypeAuthenticated)),
		"rtcConfiguration": h.rtcConfig,
	}
	frame, err := json.Marshal(authenticated)
	if err == nil {
		select {
		case c.send <- frame:
		default:
		}
	}

	go c.writePump()
	c.readPump()
}

// closeWithReason sends a BROKER_CLOSE frame naming reason, then closes
// conn. Used only for connections refused before registration, so there
// is no hubClient/send channel/pump pair to tear down.
func (h *Hub) closeWithReason(conn *websocket.Conn, reason codec.BrokerCloseReason) {
	frame, err := codec.EncodeBrokerClose(reason)
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, frame)
	}
	conn.Close()
}

func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.hub.route(c, raw)
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// route decodes one inbound frame from c and either answers an
// ARE_NODES_CONNECTED_TO_BROKER query directly or relays the frame to
// its "to" recipient, replying to c with the ack the recipient lookup
// produced (spec.md §6 ack taxonomy).
func (h *Hub) route(c *hubClient, raw []byte) {
	var hdr struct {
		Type  string `json:"type"`
		To    string `json:"to"`
		ReqID string `json:"reqId"`
		IDs   []string `json:"ids"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		h.logger.Printf("wsbroker: discarding malformed frame from %s: %v", c.nodeID, err)
		return
	}

	if codec.MessageType(hdr.Type) == codec.TypeAreNodesConnectedToBroker {
		h.replyAreNodesConnected(c, hdr.ReqID, hdr.IDs)
		return
	}

	if hdr.To == "" {
		h.ackRelay(c, hdr.Type, hdr.ReqID, string(codec.AckError))
		return
	}

	h.mu.RLock()
	target, ok := h.clients[hdr.To]
	h.mu.RUnlock()
	if !ok {
		h.ackRelay(c, hdr.Type, hdr.ReqID, string(codec.AckNotConnected))
		return
	}

	forwarded, err := stripReqID(raw)
	if err != nil {
		h.ackRelay(c, hdr.Type, hdr.ReqID, string(codec.AckError))
		return
	}

	select {
	case target.send <- forwarded:
		h.ackRelay(c, hdr.Type, hdr.ReqID, string(codec.AckOK))
	default:
		h.logger.Printf("wsbroker: send buffer full, dropping node %s", target.nodeID)
		h.ackRelay(c, hdr.Type, hdr.ReqID, string(codec.AckError))
	}
}

func (h *Hub) ackRelay(c *hubClient, msgType, reqID, ack string) {
	h.observer.OnRelay(msgType, ack)
	h.ack(c, reqID, ack)
}

func (h *Hub) replyAreNodesConnected(c *hubClient, reqID string, ids []string) {
	h.mu.RLock()
	statuses := make([]codec.NodeConnectionStatus, 0, len(ids))
	for _, id := range ids {
		_, connected := h.clients[id]
		statuses = append(statuses, codec.NodeConnectionStatus{ID: id, Connected: connected})
	}
	h.mu.RUnlock()

	payload, err := json.Marshal(statuses)
	if err != nil {
		h.ack(c, reqID, string(codec.AckError))
		return
	}
	h.ack(c, reqID, string(payload))
}

func (h *Hub) ack(c *hubClient, reqID, ack string) {
	if reqID == "" {
		return
	}
	frame, err := json.Marshal(ackFrame2{Type: ackMessageType, ReqID: reqID, Ack: ack})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
		h.logger.Printf("wsbroker: send buffer full replying to %s", c.nodeID)
	}
}

// ackFrame2 is the encoding counterpart of ackFrame (which is
// decode-only on the node side).
type ackFrame2 struct {
	Type  string `json:"type"`
	ReqID string `json:"reqId"`
	Ack   string `json:"ack"`
}

func stripReqID(raw []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "reqId")
	return json.Marshal(fields)
}
