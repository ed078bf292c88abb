package syncclient

import (
	"math/rand"
	"time"
)

// backoff produces exponential reconnect delays with random jitter so a
// fleet of clients does not reconnect in lockstep after a server restart.
type backoff struct {
	initial time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = 3 * time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	return &backoff{initial: initial, max: max}
}

// Next returns the delay before the upcoming attempt: initial doubled per
// attempt, jittered by +/-50%, capped at max.
func (b *backoff) Next() time.Duration {
	d := b.initial
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}
	b.attempt++

	jitter := 0.5 + rand.Float64()
	out := time.Duration(float64(d) * jitter)
	if out > b.max {
		out = b.max
	}
	return out
}

func (b *backoff) Attempts() int { return b.attempt }

func (b *backoff) Reset() { b.attempt = 0 }
