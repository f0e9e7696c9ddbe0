package stream

import (
	"sync"
	"time"
)

// ReconcileGate decides when an open-orders read should also reconcile the
// cache against REST: every Nth call, or when the last reconcile is older
// than maxAge. The first call always fires.
type ReconcileGate struct {
	mu     sync.Mutex
	every  int
	maxAge time.Duration
	calls  int
	last   time.Time
	now    func() time.Time
}

func NewReconcileGate(every int, maxAge time.Duration) *ReconcileGate {
	if every < 1 {
		every = 10
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &ReconcileGate{
		every:  every,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Due counts one call and reports whether this one should reconcile.
func (g *ReconcileGate) Due() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++
	if g.calls >= g.every || g.now().Sub(g.last) > g.maxAge {
		g.calls = 0
		g.last = g.now()
		return true
	}
	return false
}
