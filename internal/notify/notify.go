// Package notify delivers the engine's user-facing events. The core of it is
// deliberately small: a log-backed notifier every run mode can use, and a
// store-backed rate limiter so a flapping strategy cannot page its owner once
// per tick. Fan-out to chat and mail channels belongs to the external
// notification consumer reading the same store.
package notify

import (
	"context"
	"fmt"
	"time"

	"gridfleet/internal/core"
)

// DefaultWindow is the per-(user, event, strategy) dedup window.
const DefaultWindow = time.Minute

// rateLimitKey is the dedup key for one notification tuple. The layout is an
// external contract shared with the notification consumer.
func rateLimitKey(user string, event core.NotifyEvent, strategyID int64) string {
	return fmt.Sprintf("notify:rl:%s:%s:%d", user, event, strategyID)
}

// Limiter is the single store operation rate limiting needs.
type Limiter interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// RateLimiter dedups notification tuples with SET NX EX: the first claim in
// a window wins, later ones fall silent until the key expires.
type RateLimiter struct {
	kv     Limiter
	window time.Duration
}

func NewRateLimiter(kv Limiter, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RateLimiter{kv: kv, window: window}
}

// Allow reports whether the tuple's window is free, claiming it when it is.
// Store failures do not suppress the event.
func (r *RateLimiter) Allow(ctx context.Context, user string, event core.NotifyEvent, strategyID int64) bool {
	ok, err := r.kv.SetNX(ctx, rateLimitKey(user, event, strategyID), "1", r.window)
	if err != nil {
		return true
	}
	return ok
}

// LogNotifier writes events to the log. Standalone runs use it directly;
// fleet workers wrap it with Limited.
type LogNotifier struct {
	logger core.ILogger
}

func NewLogNotifier(logger core.ILogger) *LogNotifier {
	return &LogNotifier{logger: logger.WithField("component", "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, event core.NotifyEvent, title, body string) {
	n.logger.Info("Notification", "event", string(event), "title", title, "body", body)
}

// Limited applies the dedup window in front of another notifier.
type Limited struct {
	next       core.INotifier
	limiter    *RateLimiter
	user       string
	strategyID int64
}

func NewLimited(next core.INotifier, limiter *RateLimiter, user string, strategyID int64) *Limited {
	return &Limited{next: next, limiter: limiter, user: user, strategyID: strategyID}
}

func (l *Limited) Notify(ctx context.Context, event core.NotifyEvent, title, body string) {
	if !l.limiter.Allow(ctx, l.user, event, l.strategyID) {
		return
	}
	l.next.Notify(ctx, event, title, body)
}
