// Package lifecycle sequences rule element hooks around document operations.
//
// The [Mediator] owns the recomputation pass and the create, update and
// delete flows of embedded items. Each flow builds the rule elements of the
// affected items, awaits their hooks in item-then-rule order, and only then
// submits a single batch to the document store. Hooks never persist partial
// state on their own, except for reevaluated grants on parent updates.
//
// At most one operation runs per actor at a time. Different actors are
// independent and may be processed in parallel.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/migration"
	"github.com/MrWong99/runeforge/internal/observe"
	"github.com/MrWong99/runeforge/internal/rules"
	"github.com/MrWong99/runeforge/internal/rules/elements"
)

// ErrDeletionRestricted is wrapped by [DeleteResult.Err] when a grant
// prevented a deletion.
var ErrDeletionRestricted = errors.New("lifecycle: deletion restricted by a grant")

// defaultMaxParallel bounds PrepareAll when no limit is configured.
const defaultMaxParallel = 4

// Mediator runs recomputation passes and document lifecycle flows.
// All methods are safe for concurrent use.
type Mediator struct {
	store       document.Store
	registry    *rules.Registry
	migrations  *migration.Runner
	notifier    rules.Notifier
	metrics     *observe.Metrics
	logger      *slog.Logger
	maxParallel int

	optsMu   sync.RWMutex
	elemOpts rules.Options

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option is a functional option for [New].
type Option func(*Mediator)

// WithRegistry sets the rule element registry. Default: every built-in
// element.
func WithRegistry(r *rules.Registry) Option {
	return func(m *Mediator) { m.registry = r }
}

// WithMigrations sets the migration runner used for granted items.
// Default: the built-in migrations.
func WithMigrations(r *migration.Runner) Option {
	return func(m *Mediator) { m.migrations = r }
}

// WithNotifier sets the receiver of user-facing messages. Default: a
// [rules.SlogNotifier] over the mediator's logger.
func WithNotifier(n rules.Notifier) Option {
	return func(m *Mediator) { m.notifier = n }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Mediator) { m.metrics = met }
}

// WithLogger sets the logger for diagnostics. Default: slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mediator) { m.logger = l }
}

// WithElementOptions sets the options every rule element is built with.
// Logger and ActorData are managed by the mediator and ignored here.
func WithElementOptions(opts rules.Options) Option {
	return func(m *Mediator) {
		m.elemOpts.Debug = opts.Debug
		m.elemOpts.SuppressWarnings = opts.SuppressWarnings
	}
}

// WithMaxParallel bounds how many actors PrepareAll processes at once.
func WithMaxParallel(n int) Option {
	return func(m *Mediator) {
		if n > 0 {
			m.maxParallel = n
		}
	}
}

// New returns a mediator persisting through store.
func New(store document.Store, opts ...Option) *Mediator {
	m := &Mediator{
		store:       store,
		maxParallel: defaultMaxParallel,
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.registry == nil {
		m.registry = elements.NewRegistry()
	}
	if m.migrations == nil {
		m.migrations = migration.NewRunner()
	}
	if m.notifier == nil {
		m.notifier = rules.SlogNotifier{Logger: m.logger}
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.elemOpts.Logger = m.logger
	return m
}

// SetElementOptions replaces the Debug and SuppressWarnings options for
// elements built from now on.
func (m *Mediator) SetElementOptions(opts rules.Options) {
	m.optsMu.Lock()
	defer m.optsMu.Unlock()
	m.elemOpts.Debug = opts.Debug
	m.elemOpts.SuppressWarnings = opts.SuppressWarnings
}

func (m *Mediator) elementOptions() rules.Options {
	m.optsMu.RLock()
	defer m.optsMu.RUnlock()
	return m.elemOpts
}

// Registry returns the registry elements are built from.
func (m *Mediator) Registry() *rules.Registry { return m.registry }

// lock serialises operations on one actor. The returned function releases
// the lock.
func (m *Mediator) lock(actorID string) func() {
	m.locksMu.Lock()
	mu, ok := m.locks[actorID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[actorID] = mu
	}
	m.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (m *Mediator) services() *rules.Services {
	return &rules.Services{
		Store:      m.store,
		Registry:   m.registry,
		Migrations: m.migrations,
		Notifier:   m.notifier,
		Logger:     m.logger,
	}
}

// hook times fn and records it under name. A panicking hook is recovered,
// its element ignored, and the panic reported as an error.
func (m *Mediator) hook(ctx context.Context, name string, e rules.Element, fn func(context.Context) error) (err error) {
	ctx, span := observe.StartSpan(ctx, "lifecycle."+name,
		trace.WithAttributes(attribute.String("rule.key", e.Key()), attribute.String("item", itemName(e))))
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			rules.Ignore(e, fmt.Sprintf("%s hook panicked: %v", name, p))
			err = fmt.Errorf("%s hook of %s on %q panicked: %v", name, e.Key(), itemName(e), p)
		}
		m.metrics.RecordHook(ctx, name, time.Since(start).Seconds())
		observe.EndSpan(span, err)
	}()
	return fn(ctx)
}

func itemName(e rules.Element) string {
	if it := e.Item(); it != nil {
		return it.Name
	}
	return ""
}

func (m *Mediator) recordBatch(ctx context.Context, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordStoreBatch(ctx, op, status)
}
