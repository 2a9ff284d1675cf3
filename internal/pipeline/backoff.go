package pipeline

import "time"

// Retry timing.
const (
	RetryBaseDelay = 5 * time.Second
	MaxRetryDelay  = 30 * time.Second
)

// Backoff produces linearly growing retry delays: base times the attempt
// number, capped at max. The zero value uses [RetryBaseDelay] and
// [MaxRetryDelay].
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

// Next counts one attempt and returns its delay.
func (b *Backoff) Next() time.Duration {
	base, limit := b.Base, b.Max
	if base <= 0 {
		base = RetryBaseDelay
	}
	if limit <= 0 {
		limit = MaxRetryDelay
	}
	b.attempt++
	return min(base*time.Duration(b.attempt), limit)
}

// Reset forgets previous attempts.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt returns the number of attempts since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }
