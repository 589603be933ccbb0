// Package mock provides recording implementations of [document.Store] and
// [rules.Notifier] for use in unit tests.
//
// All mocks are safe for concurrent use, record method calls, and expose
// exported fields for injecting errors.
//
// Example:
//
//	store := &mock.Store{Inner: memstore.New()}
//	store.CreateErr = errors.New("disk full")
//	_, err := store.CreateEmbeddedItems(ctx, "a1", sources, document.CreateOptions{})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/rules"
)

// Compile-time assertions.
var (
	_ document.Store    = (*Store)(nil)
	_ document.Importer = (*Store)(nil)
	_ rules.Notifier    = (*Notifier)(nil)
)

// ─── Store ────────────────────────────────────────────────────────────────────

// CreateCall records the arguments of one CreateEmbeddedItems invocation.
type CreateCall struct {
	ActorID string
	Sources []*document.ItemSource
	Opts    document.CreateOptions
}

// UpdateCall records the arguments of one UpdateEmbeddedItems invocation.
type UpdateCall struct {
	ActorID string
	Deltas  []document.UpdateDelta
}

// DeleteCall records the arguments of one DeleteEmbeddedItems invocation.
type DeleteCall struct {
	ActorID string
	IDs     []string
}

// BatchCall records the arguments of one ApplyBatch invocation.
type BatchCall struct {
	ActorID string
	Batch   document.Batch
}

// Store is a mock [document.Store]. Calls are recorded and, unless the
// matching error field is set, forwarded to Inner.
type Store struct {
	mu sync.Mutex

	// Inner handles forwarded calls. It must implement [document.Importer]
	// for PutReference to work.
	Inner document.Store

	// FetchErr is returned by FetchByReference when non-nil.
	FetchErr error

	// CreateErr is returned by CreateEmbeddedItems when non-nil.
	CreateErr error

	// UpdateErr is returned by UpdateEmbeddedItems when non-nil.
	UpdateErr error

	// DeleteErr is returned by DeleteEmbeddedItems when non-nil.
	DeleteErr error

	// ActorErr is returned by UpdateActor when non-nil.
	ActorErr error

	// CreateErr, UpdateErr, DeleteErr and ActorErr also reject an
	// ApplyBatch carrying an entry of the matching kind.

	// PingErr is returned by Ping when non-nil.
	PingErr error

	// FetchCalls records every reference passed to FetchByReference.
	FetchCalls []string

	// CreateCalls records all CreateEmbeddedItems invocations.
	CreateCalls []CreateCall

	// UpdateCalls records all UpdateEmbeddedItems invocations.
	UpdateCalls []UpdateCall

	// DeleteCalls records all DeleteEmbeddedItems invocations.
	DeleteCalls []DeleteCall

	// ActorUpdates records all UpdateActor deltas.
	ActorUpdates []document.UpdateDelta

	// BatchCalls records all ApplyBatch invocations.
	BatchCalls []BatchCall
}

// GetActor implements [document.Store].
func (s *Store) GetActor(ctx context.Context, id string) (*document.Actor, error) {
	return s.Inner.GetActor(ctx, id)
}

// SaveActor implements [document.Store].
func (s *Store) SaveActor(ctx context.Context, actor *document.Actor) error {
	return s.Inner.SaveActor(ctx, actor)
}

// FetchByReference implements [document.Store].
func (s *Store) FetchByReference(ctx context.Context, uuid string) (*document.ItemSource, error) {
	s.mu.Lock()
	s.FetchCalls = append(s.FetchCalls, uuid)
	err := s.FetchErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Inner.FetchByReference(ctx, uuid)
}

// PutReference implements [document.Importer].
func (s *Store) PutReference(ctx context.Context, uuid string, src *document.ItemSource) error {
	return s.Inner.(document.Importer).PutReference(ctx, uuid, src)
}

// CreateEmbeddedItems implements [document.Store].
func (s *Store) CreateEmbeddedItems(ctx context.Context, actorID string, sources []*document.ItemSource, opts document.CreateOptions) ([]*document.ItemSource, error) {
	s.mu.Lock()
	s.CreateCalls = append(s.CreateCalls, CreateCall{ActorID: actorID, Sources: slices.Clone(sources), Opts: opts})
	err := s.CreateErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Inner.CreateEmbeddedItems(ctx, actorID, sources, opts)
}

// UpdateEmbeddedItems implements [document.Store].
func (s *Store) UpdateEmbeddedItems(ctx context.Context, actorID string, deltas []document.UpdateDelta) error {
	s.mu.Lock()
	s.UpdateCalls = append(s.UpdateCalls, UpdateCall{ActorID: actorID, Deltas: slices.Clone(deltas)})
	err := s.UpdateErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Inner.UpdateEmbeddedItems(ctx, actorID, deltas)
}

// DeleteEmbeddedItems implements [document.Store].
func (s *Store) DeleteEmbeddedItems(ctx context.Context, actorID string, ids []string) error {
	s.mu.Lock()
	s.DeleteCalls = append(s.DeleteCalls, DeleteCall{ActorID: actorID, IDs: slices.Clone(ids)})
	err := s.DeleteErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Inner.DeleteEmbeddedItems(ctx, actorID, ids)
}

// UpdateActor implements [document.Store].
func (s *Store) UpdateActor(ctx context.Context, actorID string, delta document.UpdateDelta) error {
	s.mu.Lock()
	s.ActorUpdates = append(s.ActorUpdates, delta)
	err := s.ActorErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Inner.UpdateActor(ctx, actorID, delta)
}

// ApplyBatch implements [document.Store].
func (s *Store) ApplyBatch(ctx context.Context, actorID string, b document.Batch) ([]*document.ItemSource, error) {
	s.mu.Lock()
	s.BatchCalls = append(s.BatchCalls, BatchCall{ActorID: actorID, Batch: b})
	err := s.batchErr(b)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Inner.ApplyBatch(ctx, actorID, b)
}

func (s *Store) batchErr(b document.Batch) error {
	switch {
	case len(b.Create) > 0 && s.CreateErr != nil:
		return s.CreateErr
	case len(b.Update) > 0 && s.UpdateErr != nil:
		return s.UpdateErr
	case len(b.Delete) > 0 && s.DeleteErr != nil:
		return s.DeleteErr
	case b.Actor != nil && s.ActorErr != nil:
		return s.ActorErr
	}
	return nil
}

// Ping implements [document.Store].
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	err := s.PingErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Inner.Ping(ctx)
}

// Creates returns a snapshot of the recorded CreateEmbeddedItems calls.
func (s *Store) Creates() []CreateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.CreateCalls)
}

// Updates returns a snapshot of the recorded UpdateEmbeddedItems calls.
func (s *Store) Updates() []UpdateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.UpdateCalls)
}

// Deletes returns a snapshot of the recorded DeleteEmbeddedItems calls.
func (s *Store) Deletes() []DeleteCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.DeleteCalls)
}

// Batches returns a snapshot of the recorded ApplyBatch calls.
func (s *Store) Batches() []BatchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.BatchCalls)
}

// ─── Notifier ─────────────────────────────────────────────────────────────────

// Notification is one recorded message.
type Notification struct {
	Warn    bool
	Message string
}

// Notifier is a mock [rules.Notifier] that records every message.
type Notifier struct {
	mu            sync.Mutex
	Notifications []Notification
}

// Info implements [rules.Notifier].
func (n *Notifier) Info(_ context.Context, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Notifications = append(n.Notifications, Notification{Message: msg})
}

// Warn implements [rules.Notifier].
func (n *Notifier) Warn(_ context.Context, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Notifications = append(n.Notifications, Notification{Warn: true, Message: msg})
}

// Messages returns a snapshot of the recorded notifications.
func (n *Notifier) Messages() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.Notifications)
}
