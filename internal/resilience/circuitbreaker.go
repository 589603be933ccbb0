// Package resilience guards calls into unreliable backends, such as a remote
// compendium, with circuit breakers and ordered fallbacks.
//
// A [Breaker] stops calling a backend after repeated failures and probes it
// again once a cool-down has passed. [Fallback] tries several backends in
// order, each behind its own breaker. Errors that only describe the request
// (a missing document, say) can be excluded from failure accounting through
// [BreakerConfig.IsFailure].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cool-down elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. A failed
	// probe re-opens the breaker; enough successful ones close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take their defaults.
type BreakerConfig struct {
	// Name labels log records.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of calls admitted while half-open. Default: 3.
	Probes int

	// IsFailure classifies errors. Errors it rejects are returned to the
	// caller without counting against the backend. Default: every non-nil
	// error except context cancellation is a failure.
	IsFailure func(error) bool

	// Logger receives state transitions. Default: slog.Default.
	Logger *slog.Logger
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name      string
	max       int
	cooldown  time.Duration
	probes    int
	isFailure func(error) bool
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probeCalls  int
	probeFailed bool
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:      cfg.Name,
		max:       cfg.MaxFailures,
		cooldown:  cfg.Cooldown,
		probes:    cfg.Probes,
		isFailure: cfg.IsFailure,
		logger:    cfg.Logger.With("breaker", cfg.Name),
	}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.name }

// Do runs fn unless the breaker is open. It returns [ErrCircuitOpen] without
// calling fn while rejecting, and ctx.Err() if ctx is already done.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isFailure(err) {
		b.fail(probe)
	} else {
		b.succeed(probe)
	}
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probeCalls = 0
		b.probeFailed = false
		b.logger.Info("resilience: breaker half-open")
	case StateHalfOpen:
		if b.probeCalls >= b.probes {
			return false, ErrCircuitOpen
		}
	}
	if b.state == StateHalfOpen {
		b.probeCalls++
		return true, nil
	}
	return false, nil
}

// fail records a failed call. Must be called with b.mu held.
func (b *Breaker) fail(probe bool) {
	if probe || b.state == StateHalfOpen {
		b.probeFailed = true
		b.open("resilience: breaker re-opened by failed probe")
		return
	}
	b.failures++
	if b.failures >= b.max {
		b.open("resilience: breaker opened")
	}
}

func (b *Breaker) open(msg string) {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.logger.Warn(msg, "consecutive_failures", b.failures)
}

// succeed records a successful call. Must be called with b.mu held.
func (b *Breaker) succeed(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	if b.state == StateHalfOpen && !b.probeFailed && b.probeCalls >= b.probes {
		b.state = StateClosed
		b.failures = 0
		b.logger.Info("resilience: breaker closed")
	}
}

// State returns the current state. An open breaker whose cool-down elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probeCalls = 0
	b.probeFailed = false
}
