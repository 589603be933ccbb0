package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var (
	errTest  = errors.New("test error")
	errMiss  = errors.New("missing")
	quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func fail(context.Context) error    { return errTest }
func succeed(context.Context) error { return nil }

func newTestBreaker(max int, cooldown time.Duration, probes int) *Breaker {
	return NewBreaker(BreakerConfig{
		Name:        "test",
		MaxFailures: max,
		Cooldown:    cooldown,
		Probes:      probes,
		Logger:      quietLog,
	})
}

func TestNewBreakerDefaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test"})
	if b.max != 5 {
		t.Errorf("max = %d, want 5", b.max)
	}
	if b.cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", b.cooldown)
	}
	if b.probes != 3 {
		t.Errorf("probes = %d, want 3", b.probes)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(3, time.Hour, 1)

	for range 3 {
		_ = b.Do(ctx, fail)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Do: err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("Do: fn called while open")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(3, time.Hour, 1)

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, succeed)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreakerIgnoresNonFailures(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker(BreakerConfig{
		MaxFailures: 1,
		Cooldown:    time.Hour,
		IsFailure:   func(err error) bool { return err != nil && !errors.Is(err, errMiss) },
		Logger:      quietLog,
	})

	for range 5 {
		if err := b.Do(ctx, func(context.Context) error { return errMiss }); !errors.Is(err, errMiss) {
			t.Fatalf("Do: err = %v, want errMiss", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreakerCancelledContext(t *testing.T) {
	b := newTestBreaker(1, time.Hour, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Do(ctx, succeed); !errors.Is(err, context.Canceled) {
		t.Fatalf("Do: err = %v, want context.Canceled", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreakerHalfOpen(t *testing.T) {
	tests := []struct {
		name   string
		probes []func(context.Context) error
		want   State
	}{
		{name: "probes succeed", probes: []func(context.Context) error{succeed, succeed}, want: StateClosed},
		{name: "probe fails", probes: []func(context.Context) error{fail}, want: StateOpen},
		{name: "too few probes", probes: []func(context.Context) error{succeed}, want: StateHalfOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b := newTestBreaker(2, 10*time.Millisecond, 2)
			_ = b.Do(ctx, fail)
			_ = b.Do(ctx, fail)
			time.Sleep(15 * time.Millisecond)
			if b.State() != StateHalfOpen {
				t.Fatalf("state = %v, want half-open after cool-down", b.State())
			}
			for _, p := range tt.probes {
				_ = b.Do(ctx, p)
			}
			b.mu.Lock()
			got := b.state
			b.mu.Unlock()
			if got != tt.want {
				t.Fatalf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBreakerReset(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(1, time.Hour, 1)
	_ = b.Do(ctx, fail)
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", b.State())
	}
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("Do after reset: %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
