package broker

import "time"

// Settings configures the Broker Session FSM. Defaults resolve spec.md
// §9's open question on reconnect backoff: capped exponential,
// min(2^(attempt-1) * 500ms, 30s) for the 1-indexed attempt number,
// capped at 10 attempts.
type Settings struct {
	AuthTimeout time.Duration

	ReconnectEnabled     bool
	ReconnectBaseDelay   time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts uint32
}

// DefaultSettings returns the spec.md §9-resolved defaults.
func DefaultSettings() Settings {
	return Settings{
		AuthTimeout:          10 * time.Second,
		ReconnectEnabled:     true,
		ReconnectBaseDelay:   500 * time.Millisecond,
		MaxReconnectDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// BackoffDelay computes the delay before reconnect attempt number attempt
// (1-indexed), capped at MaxReconnectDelay.
func (s Settings) BackoffDelay(attempt uint32) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	d := s.ReconnectBaseDelay
	for i := uint32(1); i < attempt; i++ {
		d *= 2
		if d >= s.MaxReconnectDelay {
			return s.MaxReconnectDelay
		}
	}
	if d > s.MaxReconnectDelay {
		return s.MaxReconnectDelay
	}
	return d
}
