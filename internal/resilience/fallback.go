package resilience

import (
	"context"
	"errors"
	"fmt"
)

// ErrAllFailed is returned when no backend of a [Fallback] produced a result.
var ErrAllFailed = errors.New("resilience: all backends failed")

// backend pairs a value with its breaker.
type backend[T any] struct {
	value   T
	breaker *Breaker
}

// Fallback tries an ordered list of backends, each behind its own [Breaker],
// until one succeeds. Backends with an open breaker are skipped.
type Fallback[T any] struct {
	cfg      BreakerConfig
	backends []backend[T]
}

// NewFallback returns an empty [Fallback]. cfg is the template for the
// breaker of every added backend; its Name is replaced per backend.
func NewFallback[T any](cfg BreakerConfig) *Fallback[T] {
	return &Fallback[T]{cfg: cfg}
}

// Add appends a backend. Backends are tried in the order they were added.
// Add must not be called concurrently with [Do].
func (f *Fallback[T]) Add(name string, value T) {
	cfg := f.cfg
	cfg.Name = name
	f.backends = append(f.backends, backend[T]{value: value, breaker: NewBreaker(cfg)})
}

// Len returns the number of backends.
func (f *Fallback[T]) Len() int { return len(f.backends) }

// Breakers returns the breakers in backend order.
func (f *Fallback[T]) Breakers() []*Breaker {
	out := make([]*Breaker, len(f.backends))
	for i, b := range f.backends {
		out[i] = b.breaker
	}
	return out
}

// Do calls fn with each backend in turn and returns the first successful
// result. When every backend fails or is skipped, the returned error wraps
// [ErrAllFailed] and every individual error.
func Do[T, R any](ctx context.Context, f *Fallback[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, b := range f.backends {
		var res R
		err := b.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			res, err = fn(ctx, b.value)
			return err
		})
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.breaker.Name(), err))
	}
	if len(errs) == 0 {
		return zero, ErrAllFailed
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
