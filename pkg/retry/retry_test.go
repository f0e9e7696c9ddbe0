package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "gridfleet/pkg/errors"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:   attempts,
		BaseDelay:     time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      5 * time.Millisecond,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), Transient, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("dial: %w", apperrors.ErrNetwork)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetriableReturnsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), Transient, func() error {
		calls++
		return apperrors.ErrAuthenticationFailed
	})
	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustionReturnsLastError(t *testing.T) {
	calls := 0
	last := fmt.Errorf("attempt: %w", apperrors.ErrRateLimitExceeded)
	err := Do(context.Background(), fastPolicy(3), Transient, func() error {
		calls++
		return last
	})
	assert.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, BackoffFactor: 2, MaxDelay: time.Second}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, policy, Transient, func() error {
		calls++
		return apperrors.ErrNetwork
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestOnKinds_FiltersByKind(t *testing.T) {
	retriable := OnKinds(apperrors.KindTransient, apperrors.KindTimeout)
	assert.True(t, retriable(apperrors.ErrNetwork))
	assert.True(t, retriable(apperrors.ErrTimeout))
	assert.False(t, retriable(apperrors.ErrOrderRejected))
	assert.False(t, retriable(errors.New("unclassified")))
}

func TestParseRateLimitHint(t *testing.T) {
	cases := []struct {
		msg  string
		want time.Duration
		ok   bool
	}{
		{"Too many requests; retry after 3", 3 * time.Second, true},
		{"please wait 5 seconds before retrying", 5 * time.Second, true},
		{"banned, backoff 250ms", 250 * time.Millisecond, true},
		{"slow down: 2s", 2 * time.Second, true},
		{"retry after 0", 0, false},
		{"insufficient balance", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseRateLimitHint(tc.msg)
		assert.Equal(t, tc.ok, ok, tc.msg)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.msg)
		}
	}
}

func TestParseRateLimitHint_Clamped(t *testing.T) {
	d, ok := ParseRateLimitHint("retry after 86400")
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, d)

	d, ok = ParseRateLimitHint("backoff 1ms")
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, d)
}
