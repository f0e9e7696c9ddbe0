package stream

import (
	"fmt"
	"sync"

	"gridfleet/internal/core"
	"gridfleet/internal/logging"
)

// Key identifies one shared stream. Engines with the same credentials on the
// same venue share one stream.
type Key struct {
	Venue   string
	APIKey  string
	Testnet bool
}

func (k Key) String() string {
	mode := "live"
	if k.Testnet {
		mode = "testnet"
	}
	return fmt.Sprintf("%s/%s/%s", k.Venue, logging.KeyPrefix(k.APIKey), mode)
}

// Handle is the lifecycle surface a venue stream exposes to the registry.
type Handle interface {
	Start() error
	Stop()
}

// Registry hands out reference-counted stream singletons. The first Acquire
// for a key builds and starts the stream; the last Release tears it down.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*registryEntry
	logger  core.ILogger
}

type registryEntry struct {
	handle Handle
	refs   int
}

func NewRegistry(logger core.ILogger) *Registry {
	return &Registry{
		entries: make(map[Key]*registryEntry),
		logger:  logger,
	}
}

// Acquire returns the stream for key, building and starting it on first use.
// The build function runs under the registry lock so two engines racing on
// the same key cannot start two streams.
func (r *Registry) Acquire(key Key, build func() (Handle, error)) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.refs++
		if r.logger != nil {
			r.logger.Debug("Stream ref acquired", "key", key.String(), "refs", e.refs)
		}
		return e.handle, nil
	}

	handle, err := build()
	if err != nil {
		return nil, fmt.Errorf("failed to build stream %s: %w", key.String(), err)
	}
	if err := handle.Start(); err != nil {
		return nil, fmt.Errorf("failed to start stream %s: %w", key.String(), err)
	}
	r.entries[key] = &registryEntry{handle: handle, refs: 1}
	if r.logger != nil {
		r.logger.Info("Stream started", "key", key.String())
	}
	return handle, nil
}

// Release drops one reference; the stream is stopped when the count reaches
// zero. Releasing an unknown key is a no-op.
func (r *Registry) Release(key Key) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		if r.logger != nil {
			r.logger.Debug("Stream ref released", "key", key.String(), "refs", e.refs)
		}
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()

	// Stop outside the lock: teardown may block on socket close.
	e.handle.Stop()
	if r.logger != nil {
		r.logger.Info("Stream stopped", "key", key.String())
	}
}

// Refs reports the current reference count for key.
func (r *Registry) Refs(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(nil)
	})
	return defaultRegistry
}
