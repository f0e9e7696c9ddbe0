package apperrors

import (
	"context"
	"errors"
)

// Standardized venue and runtime errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrTimeout               = errors.New("operation timed out")
	ErrStreamDisconnected    = errors.New("stream disconnected")
	ErrPriceUnavailable      = errors.New("price unavailable")
	ErrLockContention        = errors.New("strategy lock held by another task")
	ErrRolloverFailed        = errors.New("market rollover failed")
	ErrMarketClosing         = errors.New("market closing, opens rejected")
	ErrStoreUnavailable      = errors.New("store unavailable")
	ErrEngineStopped         = errors.New("engine stopped")
)

// Kind groups errors by the behaviour the engine owes them rather than by
// their origin. The retry utility filters on kinds, and the engine loop
// decides between skip-tick, continue, and abort based on them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient errors are safe to retry (network hiccups, rate limits,
	// maintenance windows).
	KindTransient
	// KindTimeout marks a bounded wait that expired. The engine skips the
	// current tick instead of retrying inline.
	KindTimeout
	// KindRejection marks a venue-side refusal of a single order. Other
	// orders in the same batch proceed.
	KindRejection
	// KindAuth marks credential failures. Never retried.
	KindAuth
	// KindFatal marks adapter construction failures (unknown symbol, bad
	// market). The owning task terminates.
	KindFatal
)

// KindOf classifies err into a Kind. Unwrapped and unknown errors are
// KindUnknown, which callers treat as non-retriable.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrExchangeMaintenance),
		errors.Is(err, ErrStreamDisconnected),
		errors.Is(err, ErrStoreUnavailable):
		return KindTransient
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrDuplicateOrder),
		errors.Is(err, ErrInvalidOrderParameter),
		errors.Is(err, ErrMarketClosing):
		return KindRejection
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuth
	case errors.Is(err, ErrInvalidSymbol):
		return KindFatal
	default:
		return KindUnknown
	}
}

// IsTransient reports whether err should be retried by default policies.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
