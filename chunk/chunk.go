// Package chunk implements Data-Channel Framing (spec.md §4.G): splitting
// an outgoing application message into JSON chunks sized to fit well under
// typical SCTP buffer limits, and reassembling inbound chunks — which may
// arrive in any order — back into the original payload.
//
// Grounded on common/messages/proxy.go's envelope-with-required-fields
// JSON style (the teacher's own chunking protocol in common/proto and
// common/snowflake-proto solves a different problem — reliable delivery
// over ephemeral WebRTC sessions via a binary sequence/ack header — and is
// not reused here; see DESIGN.md).
package chunk

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// MaxPayloadBytes bounds the payload portion of a single wire chunk,
// chosen to stay well under typical SCTP message-size limits even after
// JSON framing overhead and base64 encoding (spec.md §4.G: "a safe
// default is ~16 KiB of payload after JSON overhead").
const MaxPayloadBytes = 16 * 1024

// MaxPendingMessagesPerPeer bounds per-peer reassembly state (spec.md
// §4.G "Reassembly state is bounded by a per-peer message cap; exceeding
// the cap evicts the oldest incomplete message").
const MaxPendingMessagesPerPeer = 64

// Wire is one chunk on the data channel (spec.md §3, §6). Payload holds
// raw application bytes; wireFrame is the JSON shape actually put on the
// wire, where Payload is base64-encoded so arbitrary byte messages
// (spec.md §1, §8) survive encoding/json's UTF-8 string handling
// unchanged instead of being silently replaced with U+FFFD.
type Wire struct {
	Channel string
	MsgID   string
	Total   uint16
	Index   uint16
	Payload []byte
}

type wireFrame struct {
	Channel string `json:"channel"`
	MsgID   string `json:"msgId"`
	Total   uint16 `json:"total"`
	Index   uint16 `json:"index"`
	Payload string `json:"payload"`
}

// Split breaks payload into one or more Wire chunks for channel, tagged
// with msgID. Order on the wire is not required by the receiver
// (spec.md §4.G), so Split simply walks the payload front to back.
func Split(channel, msgID string, payload []byte) ([]Wire, error) {
	if len(payload) == 0 {
		return []Wire{{Channel: channel, MsgID: msgID, Total: 1, Index: 0, Payload: []byte{}}}, nil
	}
	total := (len(payload) + MaxPayloadBytes - 1) / MaxPayloadBytes
	if total > int(^uint16(0)) {
		return nil, fmt.Errorf("chunk: message too large to fragment into a uint16 index space (%d chunks)", total)
	}
	chunks := make([]Wire, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxPayloadBytes
		end := start + MaxPayloadBytes
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, Wire{
			Channel: channel,
			MsgID:   msgID,
			Total:   uint16(total),
			Index:   uint16(i),
			Payload: payload[start:end],
		})
	}
	return chunks, nil
}

// Encode marshals a single chunk for sending over the data channel,
// base64-encoding the payload so it survives JSON's string encoding
// unchanged regardless of byte content.
func Encode(w Wire) ([]byte, error) {
	return json.Marshal(wireFrame{
		Channel: w.Channel,
		MsgID:   w.MsgID,
		Total:   w.Total,
		Index:   w.Index,
		Payload: base64.StdEncoding.EncodeToString(w.Payload),
	})
}

// Decode parses one inbound data-channel frame. A malformed frame is
// discarded by the caller (spec.md §4.D-style "parsable" discipline
// applies here too: decode failures are never fatal).
func Decode(data []byte) (Wire, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Wire{}, err
	}
	if f.Channel == "" {
		return Wire{}, fmt.Errorf("chunk: missing channel")
	}
	if f.MsgID == "" {
		return Wire{}, fmt.Errorf("chunk: missing msgId")
	}
	if f.Total == 0 {
		return Wire{}, fmt.Errorf("chunk: total must be >= 1")
	}
	if f.Index >= f.Total {
		return Wire{}, fmt.Errorf("chunk: index %d out of range for total %d", f.Index, f.Total)
	}
	payload, err := base64.StdEncoding.DecodeString(f.Payload)
	if err != nil {
		return Wire{}, fmt.Errorf("chunk: invalid base64 payload: %w", err)
	}
	return Wire{Channel: f.Channel, MsgID: f.MsgID, Total: f.Total, Index: f.Index, Payload: payload}, nil
}
