// Package codec implements the JSON wire format of spec.md §6 using a
// two-stage parse: a parsable form with every field nullable, then
// ToChecked() validation that normalizes enums and rejects incomplete
// messages. Failure to check is never fatal — the caller logs at debug and
// discards the message (spec.md §4.D, §7 "Propagation policy").
package codec

import (
	"encoding/json"
	"fmt"
)

// MessageType is the JSON "type" discriminator on the wire.
type MessageType string

const (
	TypeAuthenticated               MessageType = "AUTHENTICATED"
	TypeConnectionAttempt           MessageType = "CONNECTION_ATTEMPT"
	TypeConnectionAcceptance        MessageType = "CONNECTION_ACCEPTANCE"
	TypeConnectionRefusal           MessageType = "CONNECTION_REFUSAL"
	TypeIncomingConnectionsDisabled MessageType = "INCOMING_CONNECTIONS_NOT_ALLOWED"
	TypeICEInitiatorToResponder     MessageType = "ICE_CANDIDATES_EXCHANGE_INITIATOR_TO_RESPONDER"
	TypeICEResponderToInitiator     MessageType = "ICE_CANDIDATES_EXCHANGE_RESPONDER_TO_INITIATOR"
	TypeSocketMsgExchange           MessageType = "SOCKET_MSG_EXCHANGE"
	TypeAreNodesConnectedToBroker   MessageType = "ARE_NODES_CONNECTED_TO_BROKER"
	// TypeBrokerClose is sent by the Hub immediately before it closes a
	// connection it refuses to authenticate, carrying which BrokerError
	// (spec.md §7) the node-side Broker Session should surface instead of
	// the generic transport-level SOCKET_ERROR.
	TypeBrokerClose MessageType = "BROKER_CLOSE"
)

// BrokerCloseReason is the closed set of reasons a Hub gives for refusing
// a connection, named after the matching store.BrokerError taxonomy
// member (spec.md §7 "Unauthorized | ClientWithSameIdAlreadyConnected").
type BrokerCloseReason string

const (
	BrokerCloseUnauthorized BrokerCloseReason = "Unauthorized"
	BrokerCloseDuplicateID  BrokerCloseReason = "ClientWithSameIdAlreadyConnected"
)

// EncodeBrokerClose builds the full BROKER_CLOSE frame, type tag
// included; unlike AUTHENTICATED it carries no dynamic configuration, so
// there is no reason to split it into parsable/checked halves.
func EncodeBrokerClose(reason BrokerCloseReason) ([]byte, error) {
	return json.Marshal(struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}{Type: string(TypeBrokerClose), Reason: string(reason)})
}

// DecodeBrokerClose extracts the reason from a BROKER_CLOSE frame.
func DecodeBrokerClose(data []byte) (BrokerCloseReason, error) {
	var p struct {
		Reason *string `json:"reason"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return "", err
	}
	if p.Reason == nil || *p.Reason == "" {
		return "", fmt.Errorf("codec: missing reason")
	}
	return BrokerCloseReason(*p.Reason), nil
}

// Ack is the closed set of emit-acknowledgement strings the Broker returns
// (spec.md §6).
type Ack string

const (
	AckOK           Ack = "OK"
	AckError        Ack = "ERROR"
	AckUnauthorized Ack = "UNAUTHORIZED"
	AckNotConnected Ack = "NOT_CONNECTED"
	AckDisabled     Ack = "DISABLED"
)

// envelope is the common parsable frame shared by every message type
// except AUTHENTICATED and SOCKET_MSG_EXCHANGE (spec.md §4.D).
type envelope struct {
	PlatformFrom *string `json:"platformFrom"`
	VersionFrom  *string `json:"versionFrom"`
	From         *string `json:"from"`
	To           *string `json:"to"`
	SessionID    *string `json:"sessionId"`
}

// Envelope is the checked form of envelope.
type Envelope struct {
	PlatformFrom string
	VersionFrom  string
	From         string
	To           string
	SessionID    string
}

func (e *envelope) toChecked() (Envelope, error) {
	if e.From == nil || *e.From == "" {
		return Envelope{}, fmt.Errorf("codec: missing from")
	}
	if e.To == nil || *e.To == "" {
		return Envelope{}, fmt.Errorf("codec: missing to")
	}
	if e.SessionID == nil || *e.SessionID == "" {
		return Envelope{}, fmt.Errorf("codec: missing sessionId")
	}
	checked := Envelope{From: *e.From, To: *e.To, SessionID: *e.SessionID}
	if e.PlatformFrom != nil {
		checked.PlatformFrom = *e.PlatformFrom
	}
	if e.VersionFrom != nil {
		checked.VersionFrom = *e.VersionFrom
	}
	return checked, nil
}

// parsableSDP mirrors the wire shape of a SessionDescription with every
// field nullable.
type parsableSDP struct {
	Type *string `json:"type"`
	SDP  *string `json:"sdp"`
}

// SDPType is the closed set of SDP types (spec.md §4.D enum list).
type SDPType string

const (
	SDPOffer    SDPType = "offer"
	SDPAnswer   SDPType = "answer"
	SDPPranswer SDPType = "pranswer"
	SDPRollback SDPType = "rollback"
)

func parseSDPType(s string) (SDPType, bool) {
	switch SDPType(s) {
	case SDPOffer, SDPAnswer, SDPPranswer, SDPRollback:
		return SDPType(s), true
	default:
		return "", false
	}
}

type SessionDescription struct {
	Type SDPType
	SDP  string
}

func (p *parsableSDP) toChecked() (SessionDescription, error) {
	if p.Type == nil {
		return SessionDescription{}, fmt.Errorf("codec: missing sdp type")
	}
	if p.SDP == nil || *p.SDP == "" {
		return SessionDescription{}, fmt.Errorf("codec: missing sdp body")
	}
	t, ok := parseSDPType(*p.Type)
	if !ok {
		return SessionDescription{}, fmt.Errorf("codec: unknown sdp type %q", *p.Type)
	}
	return SessionDescription{Type: t, SDP: *p.SDP}, nil
}

// ConnectionAttempt / ConnectionAcceptance share a shape: envelope plus an
// SDP offer or answer (spec.md §6).
type parsableSessionDescMsg struct {
	envelope
	SessionDescription *parsableSDP `json:"sessionDescription"`
}

type SessionDescMsg struct {
	Envelope
	SessionDescription SessionDescription
}

func (p *parsableSessionDescMsg) toChecked() (SessionDescMsg, error) {
	env, err := p.envelope.toChecked()
	if err != nil {
		return SessionDescMsg{}, err
	}
	if p.SessionDescription == nil {
		return SessionDescMsg{}, fmt.Errorf("codec: missing sessionDescription")
	}
	sdp, err := p.SessionDescription.toChecked()
	if err != nil {
		return SessionDescMsg{}, err
	}
	return SessionDescMsg{Envelope: env, SessionDescription: sdp}, nil
}

func DecodeConnectionAttempt(data []byte) (SessionDescMsg, error) {
	var p parsableSessionDescMsg
	if err := json.Unmarshal(data, &p); err != nil {
		return SessionDescMsg{}, err
	}
	return p.toChecked()
}

func DecodeConnectionAcceptance(data []byte) (SessionDescMsg, error) {
	return DecodeConnectionAttempt(data)
}

func EncodeSessionDescMsg(env Envelope, sdp SessionDescription) ([]byte, error) {
	return json.Marshal(struct {
		PlatformFrom       string              `json:"platformFrom"`
		VersionFrom        string              `json:"versionFrom"`
		From               string              `json:"from"`
		To                 string              `json:"to"`
		SessionID          string              `json:"sessionId"`
		SessionDescription SessionDescription2 `json:"sessionDescription"`
	}{
		PlatformFrom: env.PlatformFrom,
		VersionFrom:  env.VersionFrom,
		From:         env.From,
		To:           env.To,
		SessionID:    env.SessionID,
		SessionDescription: SessionDescription2{
			Type: string(sdp.Type),
			SDP:  sdp.SDP,
		},
	})
}

// SessionDescription2 is the wire-shaped (string type) counterpart used
// only for encoding, keeping SessionDescription's Type field strongly typed
// internally.
type SessionDescription2 struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ConnectionRefusal / IncomingConnectionsNotAllowed carry only the
// envelope (spec.md §6).
func DecodeEnvelopeOnly(data []byte) (Envelope, error) {
	var p envelope
	if err := json.Unmarshal(data, &p); err != nil {
		return Envelope{}, err
	}
	return p.toChecked()
}

func EncodeEnvelopeOnly(env Envelope) ([]byte, error) {
	return json.Marshal(struct {
		PlatformFrom string `json:"platformFrom"`
		VersionFrom  string `json:"versionFrom"`
		From         string `json:"from"`
		To           string `json:"to"`
		SessionID    string `json:"sessionId"`
	}{env.PlatformFrom, env.VersionFrom, env.From, env.To, env.SessionID})
}

// ICE exchange messages (spec.md §6).
type parsableICECandidate struct {
	SDP           *string `json:"sdp"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	ServerURL     *string `json:"serverUrl"`
}

type ICECandidate struct {
	SDP           string
	SDPMid        string
	SDPMLineIndex uint16
	ServerURL     string
}

func (p *parsableICECandidate) toChecked() (ICECandidate, error) {
	if p.SDP == nil || *p.SDP == "" {
		return ICECandidate{}, fmt.Errorf("codec: missing ice candidate sdp")
	}
	c := ICECandidate{SDP: *p.SDP}
	if p.SDPMid != nil {
		c.SDPMid = *p.SDPMid
	}
	if p.SDPMLineIndex != nil {
		c.SDPMLineIndex = *p.SDPMLineIndex
	}
	if p.ServerURL != nil {
		c.ServerURL = *p.ServerURL
	}
	return c, nil
}

type parsableICEMsg struct {
	envelope
	Candidate *parsableICECandidate `json:"candidate"`
}

type ICEMsg struct {
	Envelope
	Candidate ICECandidate
}

func DecodeICEMsg(data []byte) (ICEMsg, error) {
	var p parsableICEMsg
	if err := json.Unmarshal(data, &p); err != nil {
		return ICEMsg{}, err
	}
	env, err := p.envelope.toChecked()
	if err != nil {
		return ICEMsg{}, err
	}
	if p.Candidate == nil {
		return ICEMsg{}, fmt.Errorf("codec: missing candidate")
	}
	c, err := p.Candidate.toChecked()
	if err != nil {
		return ICEMsg{}, err
	}
	return ICEMsg{Envelope: env, Candidate: c}, nil
}

func EncodeICEMsg(env Envelope, c ICECandidate) ([]byte, error) {
	return json.Marshal(struct {
		PlatformFrom string `json:"platformFrom"`
		VersionFrom  string `json:"versionFrom"`
		From         string `json:"from"`
		To           string `json:"to"`
		SessionID    string `json:"sessionId"`
		Candidate    struct {
			SDP           string `json:"sdp"`
			SDPMid        string `json:"sdpMid"`
			SDPMLineIndex uint16 `json:"sdpMLineIndex"`
			ServerURL     string `json:"serverUrl,omitempty"`
		} `json:"candidate"`
	}{
		PlatformFrom: env.PlatformFrom,
		VersionFrom:  env.VersionFrom,
		From:         env.From,
		To:           env.To,
		SessionID:    env.SessionID,
		Candidate: struct {
			SDP           string `json:"sdp"`
			SDPMid        string `json:"sdpMid"`
			SDPMLineIndex uint16 `json:"sdpMLineIndex"`
			ServerURL     string `json:"serverUrl,omitempty"`
		}{c.SDP, c.SDPMid, c.SDPMLineIndex, c.ServerURL},
	})
}

// SOCKET_MSG_EXCHANGE has no envelope/sessionId (spec.md §4.D).
type parsableSocketMsgExchange struct {
	From    *string `json:"from"`
	To      *string `json:"to"`
	Channel *string `json:"channel"`
	Content *string `json:"content"`
}

type SocketMsgExchange struct {
	From, To, Channel, Content string
}

func DecodeSocketMsgExchange(data []byte) (SocketMsgExchange, error) {
	var p parsableSocketMsgExchange
	if err := json.Unmarshal(data, &p); err != nil {
		return SocketMsgExchange{}, err
	}
	if p.From == nil || *p.From == "" {
		return SocketMsgExchange{}, fmt.Errorf("codec: missing from")
	}
	if p.To == nil || *p.To == "" {
		return SocketMsgExchange{}, fmt.Errorf("codec: missing to")
	}
	if p.Channel == nil || *p.Channel == "" {
		return SocketMsgExchange{}, fmt.Errorf("codec: missing channel")
	}
	content := ""
	if p.Content != nil {
		content = *p.Content
	}
	return SocketMsgExchange{From: *p.From, To: *p.To, Channel: *p.Channel, Content: content}, nil
}

func EncodeSocketMsgExchange(m SocketMsgExchange) ([]byte, error) {
	return json.Marshal(struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Channel string `json:"channel"`
		Content string `json:"content"`
	}{m.From, m.To, m.Channel, m.Content})
}

// ARE_NODES_CONNECTED_TO_BROKER query/response (spec.md §4.E).
func EncodeAreNodesConnectedQuery(ids []string) ([]byte, error) {
	return json.Marshal(struct {
		IDs []string `json:"ids"`
	}{ids})
}

type NodeConnectionStatus struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
}

func DecodeAreNodesConnectedResponse(data []byte) ([]NodeConnectionStatus, error) {
	var p []NodeConnectionStatus
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}
