package compendium

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/resilience"
)

// Fetcher resolves item references.
type Fetcher interface {
	FetchByReference(ctx context.Context, uuid string) (*document.ItemSource, error)
}

// FetcherFunc adapts a lookup function to [Fetcher].
type FetcherFunc func(ctx context.Context, uuid string) (*document.ItemSource, error)

// FetchByReference implements [Fetcher].
func (f FetcherFunc) FetchByReference(ctx context.Context, uuid string) (*document.ItemSource, error) {
	return f(ctx, uuid)
}

// GuardedFetcher tries several [Fetcher] backends in order, each behind a
// circuit breaker. A backend reporting [document.ErrNotFound] is healthy and
// the next one is asked. Every failure, including malformed references and
// exhausted backends, is reported as [document.ErrNotFound].
type GuardedFetcher struct {
	fallback *resilience.Fallback[Fetcher]
	timeout  time.Duration
	logger   *slog.Logger
}

// GuardConfig tunes a [GuardedFetcher].
type GuardConfig struct {
	// MaxFailures opens a backend's breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long an open backend is skipped. Default: 30s.
	Cooldown time.Duration

	// Timeout bounds each backend call. Zero means no limit.
	Timeout time.Duration

	Logger *slog.Logger
}

// NewGuardedFetcher returns a fetcher with no backends. Add them with
// [GuardedFetcher.Add] before use.
func NewGuardedFetcher(cfg GuardConfig) *GuardedFetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardedFetcher{
		fallback: resilience.NewFallback[Fetcher](resilience.BreakerConfig{
			MaxFailures: cfg.MaxFailures,
			Cooldown:    cfg.Cooldown,
			IsFailure:   isBackendFailure,
			Logger:      logger,
		}),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

func isBackendFailure(err error) bool {
	return err != nil && !errors.Is(err, document.ErrNotFound) && !errors.Is(err, context.Canceled)
}

// Add appends a backend.
func (g *GuardedFetcher) Add(name string, f Fetcher) *GuardedFetcher {
	g.fallback.Add(name, f)
	return g
}

// Breakers exposes the per-backend breakers, in order.
func (g *GuardedFetcher) Breakers() []*resilience.Breaker { return g.fallback.Breakers() }

// FetchByReference implements [Fetcher].
func (g *GuardedFetcher) FetchByReference(ctx context.Context, uuid string) (*document.ItemSource, error) {
	if _, err := ParseReference(uuid); err != nil {
		return nil, fmt.Errorf("%w: %w", document.ErrNotFound, err)
	}
	misses := 0
	src, err := resilience.Do(ctx, g.fallback, func(ctx context.Context, f Fetcher) (*document.ItemSource, error) {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		src, err := f.FetchByReference(ctx, uuid)
		if err == nil && src == nil {
			err = document.ErrNotFound
		}
		if errors.Is(err, document.ErrNotFound) {
			misses++
		}
		return src, err
	})
	if err != nil {
		if misses < g.fallback.Len() {
			g.logger.Warn("compendium: reference lookup failed", "uuid", uuid, "err", err)
		}
		return nil, fmt.Errorf("compendium: %q: %w", uuid, document.ErrNotFound)
	}
	return src, nil
}

// Guard returns store with reference lookups served by f.
func Guard(store document.Store, f Fetcher) document.Store {
	return &guardedStore{Store: store, fetcher: f}
}

type guardedStore struct {
	document.Store
	fetcher Fetcher
}

func (s *guardedStore) FetchByReference(ctx context.Context, uuid string) (*document.ItemSource, error) {
	return s.fetcher.FetchByReference(ctx, uuid)
}
