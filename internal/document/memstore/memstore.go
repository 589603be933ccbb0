// Package memstore provides a thread-safe, in-memory [document.Store].
//
// Every batch is validated in full against a working copy of the actor before
// it replaces the stored actor, so a failing batch leaves no trace. It also
// serves as the compendium: references registered through PutReference are
// resolved by FetchByReference.
package memstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/runeforge/internal/document"
)

// Compile-time assertions.
var (
	_ document.Store    = (*Store)(nil)
	_ document.Importer = (*Store)(nil)
)

// Store is an in-memory implementation of [document.Store].
// The zero value is ready to use.
type Store struct {
	mu         sync.RWMutex
	actors     map[string]*document.Actor
	compendium map[string]*document.ItemSource
}

// New returns an initialised [Store].
func New() *Store {
	return &Store{
		actors:     make(map[string]*document.Actor),
		compendium: make(map[string]*document.ItemSource),
	}
}

// GetActor implements [document.Store.GetActor].
func (s *Store) GetActor(ctx context.Context, id string) (*document.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actors[id]
	if !ok {
		return nil, fmt.Errorf("memstore: get actor %q: %w", id, document.ErrNotFound)
	}
	return a.Clone(), nil
}

// SaveActor implements [document.Store.SaveActor]. An actor without an ID
// is assigned one; embedded items without an ID get one as well.
func (s *Store) SaveActor(ctx context.Context, actor *document.Actor) error {
	if actor.ID == "" {
		actor.ID = document.NewID()
	}
	for _, it := range actor.Items {
		if it.ID == "" {
			it.ID = document.NewID()
		}
	}
	if err := document.ValidateActor(actor); err != nil {
		return fmt.Errorf("memstore: save actor %q: %w", actor.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.actors[actor.ID] = actor.Clone()
	return nil
}

// FetchByReference implements [document.Store.FetchByReference]. Embedded
// item references of the form "Actor.<actorID>.Item.<itemID>" resolve
// against stored actors.
func (s *Store) FetchByReference(ctx context.Context, uuid string) (*document.ItemSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if src, ok := s.compendium[uuid]; ok {
		return src.Clone(), nil
	}
	if parts := strings.Split(uuid, "."); len(parts) == 4 && parts[0] == "Actor" && parts[2] == "Item" {
		if a, ok := s.actors[parts[1]]; ok {
			if it := a.ItemSource(parts[3]); it != nil {
				return it.Clone(), nil
			}
		}
	}
	return nil, document.ErrNotFound
}

// PutReference implements [document.Importer.PutReference].
func (s *Store) PutReference(ctx context.Context, uuid string, src *document.ItemSource) error {
	if err := document.Validate(src); err != nil {
		return fmt.Errorf("memstore: put reference %q: %w", uuid, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.compendium[uuid] = src.Clone()
	return nil
}

// CreateEmbeddedItems implements [document.Store.CreateEmbeddedItems].
func (s *Store) CreateEmbeddedItems(ctx context.Context, actorID string, sources []*document.ItemSource, opts document.CreateOptions) ([]*document.ItemSource, error) {
	created, err := s.apply(actorID, func(working *document.Actor) ([]*document.ItemSource, error) {
		return createItems(working, sources, opts.KeepID)
	})
	if err != nil {
		return nil, fmt.Errorf("memstore: create items: %w", err)
	}
	return created, nil
}

// UpdateEmbeddedItems implements [document.Store.UpdateEmbeddedItems].
func (s *Store) UpdateEmbeddedItems(ctx context.Context, actorID string, deltas []document.UpdateDelta) error {
	_, err := s.apply(actorID, func(working *document.Actor) ([]*document.ItemSource, error) {
		return nil, updateItems(working, deltas)
	})
	if err != nil {
		return fmt.Errorf("memstore: update items: %w", err)
	}
	return nil
}

// DeleteEmbeddedItems implements [document.Store.DeleteEmbeddedItems].
func (s *Store) DeleteEmbeddedItems(ctx context.Context, actorID string, ids []string) error {
	_, err := s.apply(actorID, func(working *document.Actor) ([]*document.ItemSource, error) {
		return nil, deleteItems(working, ids)
	})
	if err != nil {
		return fmt.Errorf("memstore: delete items: %w", err)
	}
	return nil
}

// UpdateActor implements [document.Store.UpdateActor].
func (s *Store) UpdateActor(ctx context.Context, actorID string, delta document.UpdateDelta) error {
	_, err := s.apply(actorID, func(working *document.Actor) ([]*document.ItemSource, error) {
		return nil, updateActor(working, delta)
	})
	if err != nil {
		return fmt.Errorf("memstore: update actor %q: %w", actorID, err)
	}
	return nil
}

// ApplyBatch implements [document.Store.ApplyBatch]. All entries run against
// one working copy, which replaces the stored actor only when every entry
// succeeded.
func (s *Store) ApplyBatch(ctx context.Context, actorID string, b document.Batch) ([]*document.ItemSource, error) {
	created, err := s.apply(actorID, func(working *document.Actor) ([]*document.ItemSource, error) {
		created, err := createItems(working, b.Create, b.KeepID)
		if err != nil {
			return nil, err
		}
		if err := updateItems(working, b.Update); err != nil {
			return nil, err
		}
		if err := deleteItems(working, b.Delete); err != nil {
			return nil, err
		}
		if b.Actor != nil {
			if err := updateActor(working, *b.Actor); err != nil {
				return nil, err
			}
		}
		return created, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memstore: apply batch: %w", err)
	}
	return created, nil
}

// Ping implements [document.Store.Ping]. It always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) init() {
	if s.actors == nil {
		s.actors = make(map[string]*document.Actor)
	}
	if s.compendium == nil {
		s.compendium = make(map[string]*document.ItemSource)
	}
}

// apply runs fn against a working copy of the actor and stores the copy
// when fn succeeds.
func (s *Store) apply(actorID string, fn func(working *document.Actor) ([]*document.ItemSource, error)) ([]*document.ItemSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	working, err := s.working(actorID)
	if err != nil {
		return nil, err
	}
	created, err := fn(working)
	if err != nil {
		return nil, err
	}
	s.actors[actorID] = working
	return created, nil
}

func createItems(working *document.Actor, sources []*document.ItemSource, keepID bool) ([]*document.ItemSource, error) {
	created := make([]*document.ItemSource, 0, len(sources))
	for _, src := range sources {
		it := src.Clone()
		if it.ID == "" || !keepID {
			it.ID = document.NewID()
		}
		if working.ItemSource(it.ID) != nil {
			return nil, fmt.Errorf("create item %q: %w: %q", it.Name, document.ErrDuplicateID, it.ID)
		}
		if err := document.Validate(it); err != nil {
			return nil, fmt.Errorf("create item %q: %w", it.Name, err)
		}
		working.Items = append(working.Items, it)
		created = append(created, it.Clone())
	}
	return created, nil
}

func updateItems(working *document.Actor, deltas []document.UpdateDelta) error {
	for _, d := range deltas {
		idx := indexOf(working, d.ID)
		if idx < 0 {
			return fmt.Errorf("update item %q: %w", d.ID, document.ErrNotFound)
		}
		updated, err := d.ApplyToItem(working.Items[idx])
		if err != nil {
			return fmt.Errorf("update item %q: %w", d.ID, err)
		}
		if err := document.Validate(updated); err != nil {
			return fmt.Errorf("update item %q: %w", d.ID, err)
		}
		working.Items[idx] = updated
	}
	return nil
}

func deleteItems(working *document.Actor, ids []string) error {
	for _, id := range ids {
		idx := indexOf(working, id)
		if idx < 0 {
			return fmt.Errorf("delete item %q: %w", id, document.ErrNotFound)
		}
		working.Items = append(working.Items[:idx], working.Items[idx+1:]...)
	}
	return nil
}

func updateActor(working *document.Actor, delta document.UpdateDelta) error {
	updated, err := delta.ApplyToActor(working)
	if err != nil {
		return err
	}
	*working = *updated
	return nil
}

// working returns a deep copy of the stored actor. Callers must hold s.mu.
func (s *Store) working(actorID string) (*document.Actor, error) {
	a, ok := s.actors[actorID]
	if !ok {
		return nil, fmt.Errorf("actor %q: %w", actorID, document.ErrNotFound)
	}
	return a.Clone(), nil
}

func indexOf(a *document.Actor, id string) int {
	for i, it := range a.Items {
		if it.ID == id {
			return i
		}
	}
	return -1
}
