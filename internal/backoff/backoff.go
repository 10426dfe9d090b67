// Package backoff computes retry delays shared by the plan decomposer and
// plan executor when an LLM call fails transiently.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before retry attempt (1-indexed), using exponential
// backoff from base capped at maxDelay, with up to 10% jitter added on top.
func Delay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	multiplier := math.Pow(2, float64(attempt-1))
	if math.IsInf(multiplier, 1) || multiplier > float64(maxDelay)/float64(base) {
		d := maxDelay
		return d + time.Duration(rand.Float64()*0.1*float64(d))
	}
	d := base * time.Duration(multiplier)
	if d > maxDelay {
		d = maxDelay
	}
	return d + time.Duration(rand.Float64()*0.1*float64(d))
}
