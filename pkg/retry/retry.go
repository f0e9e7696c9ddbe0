// Package retry provides jittered exponential backoff with kind-filtered
// retries and venue rate-limit hint parsing.
package retry

import (
	"context"
	"math/rand"
	"time"

	apperrors "gridfleet/pkg/errors"
)

// Policy defines how to retry an operation
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = Policy{
	MaxAttempts:   3,
	BaseDelay:     100 * time.Millisecond,
	BackoffFactor: 2.0,
	MaxDelay:      2 * time.Second,
}

// RetriableFunc decides if an error should be retried
type RetriableFunc func(error) bool

// OnKinds builds a RetriableFunc that retries only the given kinds.
func OnKinds(kinds ...apperrors.Kind) RetriableFunc {
	return func(err error) bool {
		k := apperrors.KindOf(err)
		for _, want := range kinds {
			if k == want {
				return true
			}
		}
		return false
	}
}

// Transient retries transient errors only.
var Transient = OnKinds(apperrors.KindTransient)

// Do executes fn with retries according to the policy. The last error is
// returned on exhaustion. A rate-limit hint found in the error text overrides
// the computed delay for the next attempt.
func Do(ctx context.Context, policy Policy, retriable RetriableFunc, fn func() error) error {
	var err error
	delay := policy.BaseDelay

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !retriable(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		sleep := jittered(delay)
		if hint, ok := ParseRateLimitHint(err.Error()); ok {
			sleep = hint
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
			delay = nextDelay(delay, policy)
		}
	}

	return err
}

// jittered applies a [0.5, 1.5) multiplier to d.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(d) * factor)
}

func nextDelay(d time.Duration, policy Policy) time.Duration {
	factor := policy.BackoffFactor
	if factor <= 1 {
		factor = 2.0
	}
	next := time.Duration(float64(d) * factor)
	if policy.MaxDelay > 0 && next > policy.MaxDelay {
		return policy.MaxDelay
	}
	return next
}
