// Package retry implements the transport-agnostic retry engine: per-operation
// policies and exponential backoff with jitter (spec §4.6). It operates on
// any callable returning a value or an error; it knows nothing about RPCs,
// CoAP, or the simulator.
package retry

import "time"

// Policy is a named bundle governing exponential backoff (spec §3,
// RetryPolicy).
type Policy struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64 // in [0, 1]
	MaxAttempts       int
}

// DefaultPolicy is a conservative policy suitable when the caller has not
// registered one for an operation name.
var DefaultPolicy = Policy{
	InitialDelay:      100 * time.Millisecond,
	MaxDelay:          10 * time.Second,
	BackoffMultiplier: 2,
	JitterFactor:      0.1,
	MaxAttempts:       5,
}

// delayForAttempt computes the un-jittered delay before the given attempt
// number (1-indexed: the delay before retrying after attempt 1 failed),
// capped at MaxDelay (spec §4.6 step 3).
func (p Policy) delayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay)
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	// Cap the exponent so the multiplication can't overflow float64 into
	// +Inf for pathological attempt counts (spec §4.3, "overflow-safe").
	exp := attempt - 1
	const maxExp = 62
	if exp > maxExp {
		exp = maxExp
	}
	for i := 0; i < exp; i++ {
		d *= mult
		if d > float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	delay := time.Duration(d)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
