package syncer

import "time"

// Backoff produces the retry schedule used when the authority rejects or
// cannot accept a batch: the initial interval grows by half on every failure
// until it hits the cap, and resets after the first success.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a schedule starting at initial and capped at max.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{initial: initial, max: max}
}

// Next returns the wait before the next retry and advances the schedule.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
	} else {
		b.current = time.Duration(float64(b.current) * 1.5)
	}
	if b.current > b.max {
		b.current = b.max
	}
	return b.current
}

// Reset returns the schedule to its initial interval.
func (b *Backoff) Reset() {
	b.current = 0
}
