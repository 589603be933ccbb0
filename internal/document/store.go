package document

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a document or reference does not exist.
var ErrNotFound = errors.New("document not found")

// ErrDuplicateID is returned when a batch would embed two items with the same ID.
var ErrDuplicateID = errors.New("document with that ID already exists")

// CreateOptions tunes [Store.CreateEmbeddedItems].
type CreateOptions struct {
	// KeepID preserves the IDs already present on the sources. Required when
	// the batch carries grant links that reference those IDs. Without it,
	// every source receives a fresh ID.
	KeepID bool
}

// Batch groups mutations of one actor that must land together. Entries
// apply in field order: creations, item updates, deletions, then the actor
// update, so an update may target an item created by the same batch.
type Batch struct {
	// Create appends new embedded items.
	Create []*ItemSource

	// KeepID has the meaning of [CreateOptions.KeepID] for Create.
	KeepID bool

	// Update applies deltas to embedded items.
	Update []UpdateDelta

	// Delete removes embedded items by ID.
	Delete []string

	// Actor, when set, updates the actor document itself.
	Actor *UpdateDelta
}

// IsEmpty reports whether b carries no mutation.
func (b Batch) IsEmpty() bool {
	return len(b.Create) == 0 && len(b.Update) == 0 && len(b.Delete) == 0 &&
		(b.Actor == nil || b.Actor.IsEmpty())
}

// Store is the host persistence layer the rules engine calls into.
//
// Every batch operation is all-or-nothing: if it returns an error, none of
// its entries took effect.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// GetActor returns a copy of the actor with its embedded items.
	// Returns [ErrNotFound] when no actor with that ID exists.
	GetActor(ctx context.Context, id string) (*Actor, error)

	// SaveActor inserts or replaces an actor together with its items.
	SaveActor(ctx context.Context, actor *Actor) error

	// FetchByReference resolves a stable item reference such as
	// "Compendium.pf2e.feats-srd.Item.abc123". It never surfaces lookup or
	// network failures: any failure is reported as [ErrNotFound].
	FetchByReference(ctx context.Context, uuid string) (*ItemSource, error)

	// CreateEmbeddedItems appends sources to the actor's items and returns
	// the persisted copies in order.
	CreateEmbeddedItems(ctx context.Context, actorID string, sources []*ItemSource, opts CreateOptions) ([]*ItemSource, error)

	// UpdateEmbeddedItems applies deltas to embedded items.
	UpdateEmbeddedItems(ctx context.Context, actorID string, deltas []UpdateDelta) error

	// DeleteEmbeddedItems removes the items with the given IDs.
	DeleteEmbeddedItems(ctx context.Context, actorID string, ids []string) error

	// UpdateActor applies delta to the actor document itself. delta.ID is
	// ignored.
	UpdateActor(ctx context.Context, actorID string, delta UpdateDelta) error

	// ApplyBatch applies every entry of b to the actor or none of them, and
	// returns the persisted copies of b.Create in order.
	ApplyBatch(ctx context.Context, actorID string, b Batch) ([]*ItemSource, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// Importer accepts compendium content so that it can later be resolved via
// [Store.FetchByReference].
type Importer interface {
	// PutReference stores src under uuid, replacing any previous entry.
	PutReference(ctx context.Context, uuid string, src *ItemSource) error
}
