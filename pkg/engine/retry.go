package engine

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy decides whether a failed step attempt should be retried
// and how long to wait first. Decisions are a pure function of the
// failure kind and the attempt number; only transient kinds are retried.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of dispatch attempts per step.
	MaxAttempts int

	// BaseDelay is the backoff for the first retry.
	BaseDelay time.Duration

	// Multiplier grows the delay exponentially per attempt.
	Multiplier float64

	// MaxDelay caps the computed backoff before jitter.
	MaxDelay time.Duration

	// Jitter adds a random delay in [0, backoff) to each retry to avoid
	// synchronized retry storms. Disabled in tests for determinism.
	Jitter bool
}

// Decision is the outcome of a retry policy consultation.
type Decision struct {
	// Retry indicates another attempt is permitted.
	Retry bool

	// Delay is the backoff to wait before redispatching.
	Delay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured:
// three attempts, 1s base delay doubling per attempt, capped at 30s,
// with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// Decide maps (failure kind, attempt number) to a retry decision.
// attempt is the 1-based number of the attempt that just failed.
func (p RetryPolicy) Decide(kind ErrorKind, attempt int) Decision {
	if !IsTransientKind(kind) {
		return Decision{}
	}
	if attempt >= p.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.backoff(attempt)}
}

// backoff computes the delay before retry number attempt+1. The curve is
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay, plus jitter in
// [0, delay) when enabled.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && delay > 0 {
		delay += time.Duration(rand.Int64N(int64(delay)))
	}
	return delay
}
