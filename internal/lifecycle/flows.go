package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/observe"
	"github.com/MrWong99/runeforge/internal/rules"
)

// CreateResult is returned by [Mediator.CreateItems].
type CreateResult struct {
	// Created are the persisted items in batch order, including grantees.
	Created []*document.ItemSource `json:"created" yaml:"created"`

	// Pass is the recomputation that followed the commit.
	Pass *PassResult `json:"pass" yaml:"pass"`
}

// UpdateResult is returned by [Mediator.UpdateParent].
type UpdateResult struct {
	// Granted are items created by reevaluated grants.
	Granted []*document.ItemSource `json:"granted,omitempty" yaml:"granted,omitempty"`

	Pass *PassResult `json:"pass" yaml:"pass"`
}

// DeleteResult is returned by [Mediator.DeleteItems].
type DeleteResult struct {
	// Deleted are the IDs removed from the actor, cascades included.
	Deleted []string `json:"deleted" yaml:"deleted"`

	// Detached are the IDs of grantees that lost their back-link.
	Detached []string `json:"detached,omitempty" yaml:"detached,omitempty"`

	// Cancelled are the deletions a grant prevented.
	Cancelled []rules.Cancellation `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`

	Pass *PassResult `json:"pass" yaml:"pass"`
}

// Err reports the cancelled deletions as an error wrapping
// [ErrDeletionRestricted], or nil when nothing was cancelled.
func (r *DeleteResult) Err() error {
	if r == nil || len(r.Cancelled) == 0 {
		return nil
	}
	errs := make([]error, len(r.Cancelled))
	for i, c := range r.Cancelled {
		errs[i] = c
	}
	return fmt.Errorf("%w: %w", ErrDeletionRestricted, errors.Join(errs...))
}

// CreateItems embeds sources in the actor. Every PreCreate hook of the
// incoming items runs first, in item-then-rule order, and may add grantees to
// the batch, replace or drop items. A hook error aborts the operation before
// anything is persisted. The final batch is submitted in a single call.
func (m *Mediator) CreateItems(ctx context.Context, actorID string, sources []*document.ItemSource) (res *CreateResult, err error) {
	defer m.lock(actorID)()
	ctx, span := m.flowSpan(ctx, "lifecycle.CreateItems", actorID)
	defer func() { observe.EndSpan(span, err) }()

	actor, err := m.store.GetActor(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: create items: %w", err)
	}

	originals := make([]*document.ItemSource, 0, len(sources))
	for _, src := range sources {
		if err := document.Validate(src); err != nil {
			return nil, fmt.Errorf("lifecycle: create item %q: %w", src.Name, err)
		}
		c := src.Clone()
		if m.migrations.NeedsMigration(c) {
			if _, err := m.migrations.Migrate(ctx, c, actor); err != nil {
				return nil, fmt.Errorf("lifecycle: create item %q: %w", src.Name, err)
			}
		}
		originals = append(originals, c)
	}

	pre, err := m.prepare(ctx, actor)
	if err != nil {
		return nil, err
	}
	pending := rules.NewBatch(originals...)
	createOpts := &document.CreateOptions{}
	rollOptions := pre.Options()
	svc := m.services()
	opts := m.elementOptions()
	opts.ActorData = pre.view

	for _, src := range originals {
		if !pending.Contains(src) {
			continue
		}
		elems := m.registry.BuildAll(document.NewItem(src, actor), opts)
		for i, e := range elems {
			pc, ok := e.(rules.PreCreator)
			if !ok || e.Ignored() {
				continue
			}
			// Replaced or dropped items run no further hooks.
			if !pending.Contains(src) {
				break
			}
			params := &rules.PreCreateParams{
				Actor:         actor,
				ItemSource:    src,
				Pending:       pending,
				CreateOptions: createOpts,
				RollOptions:   rollOptions,
				Services:      svc,
			}
			// Earlier hooks may have replaced the rule maps.
			if i < len(src.System.Rules) {
				params.RuleSource = src.System.Rules[i]
			}
			if err := m.hook(ctx, "PreCreate", e, func(ctx context.Context) error {
				return pc.PreCreate(ctx, params)
			}); err != nil {
				return nil, fmt.Errorf("lifecycle: create items: %w", err)
			}
			rollOptions = params.RollOptions
		}
	}

	if pending.Len() == 0 {
		res = &CreateResult{}
		res.Pass, err = m.prepare(ctx, actor)
		return res, err
	}
	if createOpts.KeepID {
		for _, src := range pending.Items() {
			if src.ID == "" {
				src.ID = document.NewID()
			}
		}
	}

	created, err := m.store.CreateEmbeddedItems(ctx, actorID, pending.Items(), *createOpts)
	m.recordBatch(ctx, "create", err)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: create items: %w", err)
	}
	var grants int64
	for _, src := range pending.Items() {
		if !slices.Contains(originals, src) {
			grants++
		}
	}
	if grants > 0 {
		m.metrics.GrantsCreated.Add(ctx, grants)
	}
	m.logger.Debug("lifecycle: items created", "actor", actorID, "count", len(created), "granted", grants)

	res = &CreateResult{Created: created}
	res.Pass, err = m.recompute(ctx, actorID)
	return res, err
}

// UpdateParent applies delta to the actor document. PreUpdateParent hooks of
// every embedded item run first against the actor as it will be after the
// update, which lets reevaluated grants catch up on newly met conditions.
// Grants the hooks stage are committed in one batch with delta.
func (m *Mediator) UpdateParent(ctx context.Context, actorID string, delta document.UpdateDelta) (res *UpdateResult, err error) {
	defer m.lock(actorID)()
	ctx, span := m.flowSpan(ctx, "lifecycle.UpdateParent", actorID)
	defer func() { observe.EndSpan(span, err) }()

	actor, err := m.store.GetActor(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: update actor: %w", err)
	}
	prospective, err := delta.ApplyToActor(actor)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: update actor: %w", err)
	}
	pre, err := m.prepare(ctx, prospective)
	if err != nil {
		return nil, err
	}

	svc := m.services()
	opts := m.elementOptions()
	opts.ActorData = pre.view
	before := len(actor.Items)
	changes := &document.Batch{}
	params := &rules.PreUpdateParams{
		Actor:       actor,
		Delta:       delta,
		RollOptions: pre.Options(),
		Changes:     changes,
		Services:    svc,
	}
	// Hooks append granted items to actor; only the original items run.
	for _, item := range actor.EmbeddedItems()[:before] {
		for _, e := range m.registry.BuildAll(item, opts) {
			pu, ok := e.(rules.PreParentUpdater)
			if !ok || e.Ignored() {
				continue
			}
			if err := m.hook(ctx, "PreUpdateParent", e, func(ctx context.Context) error {
				return pu.PreUpdateParent(ctx, params)
			}); err != nil {
				return nil, fmt.Errorf("lifecycle: update actor: %w", err)
			}
		}
	}

	if !delta.IsEmpty() {
		changes.Actor = &delta
	}
	res = &UpdateResult{}
	if !changes.IsEmpty() {
		created, err := m.store.ApplyBatch(ctx, actorID, *changes)
		m.recordBatch(ctx, "update_actor", err)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: update actor: %w", err)
		}
		res.Granted = created
	}
	if n := len(res.Granted); n > 0 {
		m.metrics.GrantsCreated.Add(ctx, int64(n))
	}
	res.Pass, err = m.recompute(ctx, actorID)
	return res, err
}

// DeleteItems removes the items with the given IDs. PreDelete hooks run over
// the pending batch until it stops changing: cascaded grantees join it and
// run their own hooks, restricted granters leave it. Staged updates and the
// deletions are committed in one batch. Cancelled deletions are reported in
// the result, not as an error.
func (m *Mediator) DeleteItems(ctx context.Context, actorID string, ids []string) (res *DeleteResult, err error) {
	defer m.lock(actorID)()
	ctx, span := m.flowSpan(ctx, "lifecycle.DeleteItems", actorID)
	defer func() { observe.EndSpan(span, err) }()

	actor, err := m.store.GetActor(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: delete items: %w", err)
	}
	pending := rules.NewBatch()
	for _, id := range ids {
		src := actor.ItemSource(id)
		if src == nil {
			return nil, fmt.Errorf("lifecycle: delete item %q: %w", id, document.ErrNotFound)
		}
		pending.Append(src)
	}

	var (
		updates   []document.UpdateDelta
		cancelled []rules.Cancellation
		svc       = m.services()
		visited   = make(map[*document.ItemSource]bool)
	)
	params := &rules.PreDeleteParams{
		Actor:     actor,
		Pending:   pending,
		Updates:   &updates,
		Cancelled: &cancelled,
		Services:  svc,
	}
	for {
		var next *document.ItemSource
		for _, src := range pending.Items() {
			if !visited[src] {
				next = src
				break
			}
		}
		if next == nil {
			break
		}
		visited[next] = true
		// Ignored elements still protect their grants.
		for _, e := range m.registry.BuildAll(document.NewItem(next, actor), m.elementOptions()) {
			pd, ok := e.(rules.PreDeleter)
			if !ok {
				continue
			}
			if err := m.hook(ctx, "PreDelete", e, func(ctx context.Context) error {
				return pd.PreDelete(ctx, params)
			}); err != nil {
				return nil, fmt.Errorf("lifecycle: delete items: %w", err)
			}
			if !pending.Contains(next) {
				break
			}
		}
	}

	deleted := pending.IDs()
	updates = append(updates, unlinkGrants(actor, deleted)...)
	updates = slices.DeleteFunc(updates, func(d document.UpdateDelta) bool {
		return slices.Contains(deleted, d.ID)
	})

	res = &DeleteResult{Deleted: deleted, Cancelled: cancelled}
	for _, d := range updates {
		if slices.Contains(d.Unset, "flags.grantedBy") {
			res.Detached = append(res.Detached, d.ID)
		}
	}
	if len(cancelled) > 0 {
		m.metrics.DeletionsRestricted.Add(ctx, int64(len(cancelled)))
		span.SetAttributes(attribute.Int("deletions.restricted", len(cancelled)))
	}

	if batch := (document.Batch{Update: updates, Delete: deleted}); !batch.IsEmpty() {
		_, err = m.store.ApplyBatch(ctx, actorID, batch)
		m.recordBatch(ctx, "delete", err)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: delete items: %w", err)
		}
	}
	res.Pass, err = m.recompute(ctx, actorID)
	return res, err
}

// unlinkGrants stages the removal of deleted grantees from the itemGrants of
// surviving granters.
func unlinkGrants(actor *document.Actor, deleted []string) []document.UpdateDelta {
	var out []document.UpdateDelta
	for _, it := range actor.Items {
		if slices.Contains(deleted, it.ID) || len(it.Flags.ItemGrants) == 0 {
			continue
		}
		kept := slices.DeleteFunc(slices.Clone(it.Flags.ItemGrants), func(g document.ItemGrant) bool {
			return slices.Contains(deleted, g.ID)
		})
		if len(kept) == len(it.Flags.ItemGrants) {
			continue
		}
		out = append(out, document.UpdateDelta{
			ID:  it.ID,
			Set: map[string]any{"flags.itemGrants": kept},
		})
	}
	return out
}

// recompute reloads the actor after a commit and prepares it.
func (m *Mediator) recompute(ctx context.Context, actorID string) (*PassResult, error) {
	actor, err := m.store.GetActor(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: reload actor %q: %w", actorID, err)
	}
	return m.prepare(ctx, actor)
}

func (m *Mediator) flowSpan(ctx context.Context, name, actorID string) (context.Context, trace.Span) {
	return observe.StartSpan(ctx, name, trace.WithAttributes(attribute.String("actor.id", actorID)))
}
