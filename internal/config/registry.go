package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/runeforge/internal/document"
)

// ErrBackendNotRegistered is returned by [Registry.CreateStore] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: store backend not registered")

// StoreFactory opens a document store. The returned close function releases
// its resources and must be called exactly once.
type StoreFactory func(ctx context.Context, cfg StoreConfig) (document.Store, func(), error)

// Registry maps backend names to store factories. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stores map[Backend]StoreFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{stores: make(map[Backend]StoreFactory)}
}

// RegisterStore registers a store factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterStore(name Backend, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[name] = factory
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.stores))
}

// CreateStore opens the store selected by cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateStore(ctx context.Context, cfg StoreConfig) (document.Store, func(), error) {
	r.mu.RLock()
	factory, ok := r.stores[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	store, closeFn, err := factory(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("config: open %s store: %w", cfg.Backend, err)
	}
	if closeFn == nil {
		closeFn = func() {}
	}
	return store, closeFn, nil
}
