package realtime

import "time"

// Backoff yields exponentially growing reconnect delays: initial, 2×initial, ... capped at max.
// It is not safe for concurrent use; the manager's run loop owns it.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func NewBackoff(initial, max time.Duration) *Backoff {
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, next: initial}
}

// Next returns the delay before the coming attempt and doubles the following one.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max || b.next <= 0 {
		b.next = b.max
	}
	return d
}

// Reset restores the initial delay after a stable connection.
func (b *Backoff) Reset() {
	b.next = b.initial
}
