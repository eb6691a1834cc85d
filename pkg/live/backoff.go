package live

import (
	"math/rand/v2"
	"time"
)

// Backoff computes full-jitter exponential reconnect delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Ceil is the upper bound of the delay before attempt n (0-based).
func (b Backoff) Ceil(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	d := b.Base << n
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	return d
}

// Delay returns a uniformly random delay in [0, Ceil(n)].
func (b Backoff) Delay(n int) time.Duration {
	c := b.Ceil(n)
	if c <= 0 {
		return 0
	}
	return rand.N(c + 1)
}
