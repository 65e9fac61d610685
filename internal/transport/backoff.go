package transport

import (
	"math/rand"
	"time"
)

// Backoff produces exponential reconnect delays with jitter. It is not safe
// for concurrent use; each client owns one.
type Backoff struct {
	Base    time.Duration
	Cap     time.Duration
	attempt int
}

// Next returns the delay before the next attempt and advances the schedule.
// The delay doubles per attempt up to Cap, then jitters within ±50% so a
// fleet of clients does not reconnect in lockstep.
func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	capped := b.Cap
	if capped <= 0 {
		capped = time.Minute
	}

	d := base << uint(b.attempt)
	if d > capped || d <= 0 {
		d = capped
	} else {
		b.attempt++
	}

	jitter := time.Duration(rand.Int63n(int64(d)))
	return d/2 + jitter/2
}

// Reset returns the schedule to the base delay after a successful session.
func (b *Backoff) Reset() {
	b.attempt = 0
}
