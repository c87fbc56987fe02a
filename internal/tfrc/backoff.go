package tfrc

import "time"

// Backoff produces the bounded exponential retry schedule a Requesting
// connection uses to re-send its opening Request while no Data has
// arrived yet (spec §4.5: "initial 200 ms, doubling, capped at a few
// seconds").
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff returns a Backoff starting at 200ms and capping at 3200ms.
func NewBackoff() *Backoff {
	return &Backoff{initial: 200 * time.Millisecond, max: 3200 * time.Millisecond}
}

// Next returns the next interval to wait and advances the schedule.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
	}
	interval := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return interval
}

// Reset returns the schedule to its initial interval, called once a
// Request finally elicits a response.
func (b *Backoff) Reset() {
	b.current = 0
}
