package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/observe"
	"github.com/MrWong99/runeforge/internal/rules"
	"github.com/MrWong99/runeforge/internal/synthetics"
	"github.com/MrWong99/runeforge/pkg/predicate"
)

// ElementReport describes one rule element after a pass.
type ElementReport struct {
	Key         string             `json:"key" yaml:"key"`
	Slug        string             `json:"slug,omitempty" yaml:"slug,omitempty"`
	ItemID      string             `json:"itemId" yaml:"itemId"`
	Item        string             `json:"item" yaml:"item"`
	State       string             `json:"state" yaml:"state"`
	Diagnostics []rules.Diagnostic `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
}

// PassResult is the output of one recomputation pass.
type PassResult struct {
	ActorID     string              `json:"actorId" yaml:"actorId"`
	Data        map[string]any      `json:"data" yaml:"data"`
	RollOptions []string            `json:"rollOptions" yaml:"rollOptions"`
	Synthetics  synthetics.Snapshot `json:"synthetics" yaml:"synthetics"`
	Elements    []ElementReport     `json:"elements" yaml:"elements"`
	options     predicate.RollOptions
	synth       *synthetics.Synthetics
	view        func() any
}

// Options returns a copy of the final roll options.
func (r *PassResult) Options() predicate.RollOptions { return r.options.Clone() }

// Total sums the modifiers registered for selector that apply under the
// final roll options.
func (r *PassResult) Total(selector string) int {
	return r.synth.Total(selector, r.options)
}

// Ignored returns the reports of ignored elements.
func (r *PassResult) Ignored() []ElementReport {
	var out []ElementReport
	for _, e := range r.Elements {
		if e.State == rules.StateIgnored.String() {
			out = append(out, e)
		}
	}
	return out
}

// InitialRollOptions returns the actor-level roll options a pass starts
// with: the actor's type and level, a slug option per embedded item and the
// self options of class and feat items.
func InitialRollOptions(actor *document.Actor) predicate.RollOptions {
	opts := predicate.NewRollOptions(
		"self:type:"+string(actor.Type),
		fmt.Sprintf("self:level:%d", actor.Level()),
	)
	for _, it := range actor.EmbeddedItems() {
		slug := it.Slug()
		if slug == "" {
			continue
		}
		opts.Add("item:" + slug)
		switch {
		case it.Type == document.ItemClass:
			opts.Add("self:class:" + slug)
		case it.Type == document.ItemFeat && it.IsFeature():
			opts.Add("self:feature:" + slug)
		case it.Type == document.ItemFeat:
			opts.Add("self:feat:" + slug)
		}
	}
	return opts
}

// PrepareByID loads the actor from the store and prepares it.
func (m *Mediator) PrepareByID(ctx context.Context, actorID string) (*PassResult, error) {
	defer m.lock(actorID)()
	actor, err := m.store.GetActor(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: prepare %q: %w", actorID, err)
	}
	return m.prepare(ctx, actor)
}

// Prepare runs a recomputation pass over actor. The actor document is not
// modified. The only error returned is the context's.
func (m *Mediator) Prepare(ctx context.Context, actor *document.Actor) (*PassResult, error) {
	if actor.ID != "" {
		defer m.lock(actor.ID)()
	}
	return m.prepare(ctx, actor)
}

// PrepareAll prepares every actor, running up to the configured number of
// passes in parallel. Results are returned in input order.
func (m *Mediator) PrepareAll(ctx context.Context, actors []*document.Actor) ([]*PassResult, error) {
	results := make([]*PassResult, len(actors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxParallel)
	for i, a := range actors {
		g.Go(func() error {
			res, err := m.Prepare(gctx, a)
			if err != nil {
				return fmt.Errorf("lifecycle: prepare %q: %w", a.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// prepare is Prepare without locking. Callers must hold the actor lock.
func (m *Mediator) prepare(ctx context.Context, actor *document.Actor) (*PassResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, span := observeSpan(ctx, "lifecycle.Prepare", actor)
	defer span.End()
	start := time.Now()
	m.metrics.ActivePasses.Add(ctx, 1)
	defer func() {
		m.metrics.ActivePasses.Add(ctx, -1)
		m.metrics.PassDuration.Record(ctx, time.Since(start).Seconds())
	}()

	p := rules.NewPass(actor, InitialRollOptions(actor), m.logger)
	opts := m.elementOptions()
	opts.ActorData = p.ActorView

	var elems []rules.Element
	for _, item := range actor.EmbeddedItems() {
		elems = append(elems, m.registry.BuildAll(item, opts)...)
	}
	slices.SortStableFunc(elems, func(a, b rules.Element) int { return a.Priority() - b.Priority() })

	// Early hooks contribute roll options every later element may test.
	for _, e := range elems {
		a, ok := e.(rules.EarlyApplier)
		if !ok || e.Ignored() {
			continue
		}
		m.safely(e, "ApplyEarly", func() { a.ApplyEarly(p) })
	}

	for _, e := range elems {
		if e.Ignored() {
			continue
		}
		if !carriesPredicate(e) && !e.Test(p.RollOptions) {
			continue
		}
		if b, ok := e.(rules.BeforePreparer); ok {
			m.safely(e, "BeforePrepareData", func() { b.BeforePrepareData(p) })
			rules.MarkApplied(e)
		}
	}

	res := &PassResult{
		ActorID:     actor.ID,
		Data:        p.Data,
		RollOptions: p.RollOptions.Sorted(),
		Synthetics:  p.Synthetics.Snapshot(),
		Elements:    make([]ElementReport, 0, len(elems)),
		options:     p.RollOptions,
		synth:       p.Synthetics,
		view:        p.ActorView,
	}
	var ignored int
	for _, e := range elems {
		switch e.State() {
		case rules.StateIgnored:
			ignored++
			m.metrics.RecordElement(ctx, e.Key(), true)
		case rules.StateApplied:
			m.metrics.RecordElement(ctx, e.Key(), false)
		}
		r := ElementReport{
			Key:         e.Key(),
			Slug:        e.Slug(),
			State:       e.State().String(),
			Diagnostics: e.Diagnostics(),
		}
		if it := e.Item(); it != nil {
			r.ItemID, r.Item = it.ID, it.Name
		}
		res.Elements = append(res.Elements, r)
	}
	span.SetAttributes(
		attribute.Int("rule_elements", len(elems)),
		attribute.Int("rule_elements.ignored", ignored),
	)
	return res, nil
}

// safely runs a preparation hook. A panic ignores the element and never
// aborts the pass.
func (m *Mediator) safely(e rules.Element, hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			rules.Ignore(e, fmt.Sprintf("%s panicked: %v", hook, r))
			m.logger.Error("lifecycle: rule element panicked", "key", e.Key(), "item", itemName(e), "hook", hook, "panic", r)
		}
	}()
	fn()
}

func carriesPredicate(e rules.Element) bool {
	c, ok := e.(rules.PredicateCarrier)
	return ok && c.CarriesPredicate()
}

func observeSpan(ctx context.Context, name string, actor *document.Actor) (context.Context, trace.Span) {
	return observe.StartSpan(ctx, name, trace.WithAttributes(
		attribute.String("actor.id", actor.ID),
		attribute.String("actor.name", actor.Name),
	))
}
