package main

import (
	"math"
	"math/rand"
	"time"
)

// backoff controls how the initiator spaces reconnect attempts.
type backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool
}

// next returns the delay before attempt N (1-based). With jitter the delay
// is scaled by a factor in [0.5, 1.5); a nil rng uses 0.5.
func (b backoff) next(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return b.Initial
	}
	if b.Initial <= 0 {
		return 0
	}
	if b.Multiplier < 1.0 {
		b.Multiplier = 1.0
	}
	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}
