package network

import (
	"math"
	"time"
)

// BackoffStrategy spaces out websocket reconnect attempts.
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
	// Reset is called once a connection is established.
	Reset()
}

// ExponentialBackoff waits InitialDelay * Multiplier^attempt, never more
// than MaxDelay when MaxDelay is set.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff starts at one second and doubles up to thirty.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
}

func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	d := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(max(attempt, 0)))
	if b.MaxDelay > 0 && (math.IsInf(d, 0) || d > float64(b.MaxDelay)) {
		return b.MaxDelay
	}
	return time.Duration(d)
}

// Reset does nothing: the delay is a pure function of the attempt.
func (b *ExponentialBackoff) Reset() {}
