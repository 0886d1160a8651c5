package client

import "time"

// ConnState is the connection session state surfaced to the UI layer.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
	// StateOffline is terminal: automatic retry has given up and only an
	// explicit restart (fresh Start call, page reload) resumes delivery.
	StateOffline
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Backoff schedules reconnection attempts: min(max, base*2^attempt), capped
// at MaxAttempts consecutive failures. Any successful connection resets the
// attempt counter to zero.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	attempt int
}

// Next returns the delay before the next attempt and whether an attempt is
// still allowed. Once MaxAttempts failures accumulate it returns false until
// Reset.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.MaxAttempts {
		return 0, false
	}
	delay := b.Base << b.attempt
	if delay > b.Max || delay <= 0 {
		delay = b.Max
	}
	b.attempt++
	return delay, true
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of consecutive failed attempts so far.
func (b *Backoff) Attempt() int {
	return b.attempt
}
