package connection

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: exponential from Base, capped at Max,
// plus jitter in [0, JitterRatio*delay).
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	JitterRatio float64

	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// Nominal returns the un-jittered delay before reconnect attempt n (1-based).
func (b Backoff) Nominal(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if d >= b.Max {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Delay returns Nominal(attempt) plus jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Nominal(attempt)
	if b.JitterRatio <= 0 {
		return d
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	return d + time.Duration(r()*b.JitterRatio*float64(d))
}

// Schedule returns the nominal delays for attempts 1..n.
func (b Backoff) Schedule(n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = b.Nominal(i + 1)
	}
	return out
}
