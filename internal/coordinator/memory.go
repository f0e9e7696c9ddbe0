package coordinator

import (
	"context"
	"sync"
	"time"

	"gridfleet/internal/core"
)

// MemoryKV is a process-local KV for tests and single-node experiments. It
// honors TTLs through its clock, which tests may replace, and implements the
// same blocking-pop contract as the Redis store.
type MemoryKV struct {
	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	lists   map[string][]string
	expiry  map[string]time.Time

	// wake is closed and replaced on every LPush so blocked poppers recheck.
	wake  chan struct{}
	clock core.Clock
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][]string),
		expiry:  make(map[string]time.Time),
		wake:    make(chan struct{}),
		clock:   core.RealClock{},
	}
}

// SetClock substitutes the TTL clock. Expiry becomes deterministic; BRPop
// wait times stay on the wall clock.
func (m *MemoryKV) SetClock(clock core.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// dropIfExpired evicts key when its TTL has passed. Callers hold mu.
func (m *MemoryKV) dropIfExpired(key string) {
	at, ok := m.expiry[key]
	if !ok || m.clock.Now().Before(at) {
		return
	}
	m.purge(key)
}

func (m *MemoryKV) purge(key string) {
	delete(m.expiry, key)
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.lists, key)
}

func (m *MemoryKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropIfExpired(key)
	if _, exists := m.strings[key]; exists {
		return false, nil
	}
	m.strings[key] = value
	if ttl > 0 {
		m.expiry[key] = m.clock.Now().Add(ttl)
	}
	return true, nil
}

func (m *MemoryKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropIfExpired(key)
	return m.strings[key], nil
}

func (m *MemoryKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	if ttl > 0 {
		m.expiry[key] = m.clock.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *MemoryKV) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.purge(key)
	}
	return nil
}

func (m *MemoryKV) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropIfExpired(key)
	if m.strings[key] != expect {
		return false, nil
	}
	m.purge(key)
	return true, nil
}

func (m *MemoryKV) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropIfExpired(key)
	hash, ok := m.hashes[key]
	if !ok {
		hash = make(map[string]string)
		m.hashes[key] = hash
	}
	for k, v := range fields {
		hash[k] = v
	}
	return nil
}

func (m *MemoryKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropIfExpired(key)
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropIfExpired(key)
	if m.exists(key) {
		m.expiry[key] = m.clock.Now().Add(ttl)
	}
	return nil
}

func (m *MemoryKV) exists(key string) bool {
	if _, ok := m.strings[key]; ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.sets[key]; ok {
		return true
	}
	_, ok := m.lists[key]
	return ok
}

func (m *MemoryKV) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropIfExpired(key)
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *MemoryKV) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

func (m *MemoryKV) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropIfExpired(key)
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	return out, nil
}

func (m *MemoryKV) LPush(ctx context.Context, key, value string) error {
	m.mu.Lock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	close(m.wake)
	m.wake = make(chan struct{})
	m.mu.Unlock()
	return nil
}

// BRPop pops the oldest element across keys, waiting up to timeout. A
// non-positive timeout waits until ctx is done.
func (m *MemoryKV) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		m.mu.Lock()
		for _, key := range keys {
			if list := m.lists[key]; len(list) > 0 {
				val := list[len(list)-1]
				m.lists[key] = list[:len(list)-1]
				m.mu.Unlock()
				return key, val, nil
			}
		}
		wake := m.wake
		m.mu.Unlock()

		var timer *time.Timer
		var expired <-chan time.Time
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return "", "", nil
			}
			timer = time.NewTimer(remaining)
			expired = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return "", "", ctx.Err()
		case <-wake:
			if timer != nil {
				timer.Stop()
			}
		case <-expired:
			return "", "", nil
		}
	}
}

func (m *MemoryKV) Close() error { return nil }
