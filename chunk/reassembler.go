package chunk

import "fmt"

type pending struct {
	channel string
	total   uint16
	have    map[uint16][]byte
}

func (p *pending) complete() bool {
	return len(p.have) == int(p.total)
}

func (p *pending) payload() []byte {
	buf := make([]byte, 0, int(p.total)*MaxPayloadBytes)
	for i := uint16(0); i < p.total; i++ {
		buf = append(buf, p.have[i]...)
	}
	return buf
}

// Reassembler holds the per-(sender) chunk reassembly state for one peer
// (spec.md §4.G). It is exclusively owned by that peer's PeerRecord; on
// disconnect the record calls Close, which drops all state
// (spec.md §4.G, §5 "Resource ownership").
//
// key is msgID; insertion order is tracked in order to implement the
// oldest-incomplete-message eviction spec.md §4.G requires once the
// per-peer cap is exceeded.
type Reassembler struct {
	maxPending int
	pending    map[string]*pending
	order      []string
}

// NewReassembler constructs a Reassembler capped at maxPending
// simultaneously incomplete messages.
func NewReassembler(maxPending int) *Reassembler {
	if maxPending <= 0 {
		maxPending = MaxPendingMessagesPerPeer
	}
	return &Reassembler{
		maxPending: maxPending,
		pending:    make(map[string]*pending),
	}
}

// Add folds one inbound chunk into the reassembly state. It returns
// (payload, channel, true) exactly once, when the chunk that completes a
// message arrives; otherwise ok is false. A chunk for an already-delivered
// or already-evicted msgID is treated as a fresh message — spec.md does
// not require msgID uniqueness across the lifetime of a channel, only
// within one logical message.
func (r *Reassembler) Add(w Wire) (payload []byte, channel string, ok bool, err error) {
	if w.Index >= w.Total {
		return nil, "", false, fmt.Errorf("chunk: index %d out of range for total %d", w.Index, w.Total)
	}

	p, exists := r.pending[w.MsgID]
	if !exists {
		if len(r.pending) >= r.maxPending {
			r.evictOldest()
		}
		p = &pending{channel: w.Channel, total: w.Total, have: make(map[uint16][]byte, w.Total)}
		r.pending[w.MsgID] = p
		r.order = append(r.order, w.MsgID)
	}
	if p.total != w.Total || p.channel != w.Channel {
		return nil, "", false, fmt.Errorf("chunk: mismatched total/channel for msgId %q", w.MsgID)
	}
	p.have[w.Index] = w.Payload

	if !p.complete() {
		return nil, "", false, nil
	}

	out := p.payload()
	ch := p.channel
	r.remove(w.MsgID)
	return out, ch, true, nil
}

func (r *Reassembler) evictOldest() {
	if len(r.order) == 0 {
		return
	}
	oldest := r.order[0]
	r.remove(oldest)
}

func (r *Reassembler) remove(msgID string) {
	delete(r.pending, msgID)
	for i, id := range r.order {
		if id == msgID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Close drops all in-progress reassembly state. Implements
// interface{ Close() } so it can be stored directly on a PeerRecord.
func (r *Reassembler) Close() {
	r.pending = make(map[string]*pending)
	r.order = nil
}

// Pending reports how many messages are currently incomplete, for tests.
func (r *Reassembler) Pending() int {
	return len(r.pending)
}
