// Package backoff provides the single retry-delay policy type shared by the
// RPC client and the enrichment task queue.
package backoff

import (
	"math"
	"time"
)

// Policy computes the delay before re-attempting a failed operation.
// Exponential policies grow as Initial * Multiplier^attempt; linear policies
// grow as attempt * Initial.
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Linear     bool
}

// Exponential returns a policy with the given initial delay and growth factor.
func Exponential(initial time.Duration, multiplier float64) Policy {
	return Policy{Initial: initial, Multiplier: multiplier}
}

// Linear returns a policy whose delay is attempt * step.
func Linear(step time.Duration) Policy {
	return Policy{Initial: step, Linear: true}
}

// Delay returns the wait before the given zero-based retry attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.Linear {
		return time.Duration(attempt) * p.Initial
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	return time.Duration(float64(p.Initial) * math.Pow(mult, float64(attempt)))
}
