package peer

import "time"

// Settings configures the Peer Connection State Machine (spec.md §4.F).
type Settings struct {
	// ConnectTimeout is the default per-attempt timer armed between record
	// creation and data-channel OPEN, for both roles.
	ConnectTimeout time.Duration
	// ReassemblerCap overrides chunk.MaxPendingMessagesPerPeer when > 0.
	ReassemblerCap int
}

// DefaultSettings returns a 30s connect timeout, matching spec.md §8
// scenario 1 ("both sides receive onConnectionSuccess within 30s").
func DefaultSettings() Settings {
	return Settings{ConnectTimeout: 30 * time.Second}
}
