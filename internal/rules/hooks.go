package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/migration"
	"github.com/MrWong99/runeforge/pkg/predicate"
)

// Notifier delivers user-facing messages.
type Notifier interface {
	Info(ctx context.Context, msg string)
	Warn(ctx context.Context, msg string)
}

// SlogNotifier writes notifications to a logger.
type SlogNotifier struct {
	Logger *slog.Logger
}

func (n SlogNotifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// Info implements [Notifier].
func (n SlogNotifier) Info(ctx context.Context, msg string) {
	n.logger().InfoContext(ctx, msg, "notification", true)
}

// Warn implements [Notifier].
func (n SlogNotifier) Warn(ctx context.Context, msg string) {
	n.logger().WarnContext(ctx, msg, "notification", true)
}

// Services are the collaborators lifecycle hooks may call into.
type Services struct {
	Store      document.Store
	Registry   *Registry
	Migrations *migration.Runner
	Notifier   Notifier
	Logger     *slog.Logger
}

// Batch is an ordered list of pending item sources. Membership is by
// identity: the same *ItemSource pointer, or the same non-empty ID.
type Batch struct {
	items []*document.ItemSource
}

// NewBatch returns a batch holding items.
func NewBatch(items ...*document.ItemSource) *Batch {
	return &Batch{items: append([]*document.ItemSource(nil), items...)}
}

// Items returns the pending sources in order. The slice must not be modified.
func (b *Batch) Items() []*document.ItemSource { return b.items }

// Len returns the number of pending sources.
func (b *Batch) Len() int { return len(b.items) }

// Index returns the position of src, or -1.
func (b *Batch) Index(src *document.ItemSource) int {
	for i, it := range b.items {
		if it == src || (src.ID != "" && it.ID == src.ID) {
			return i
		}
	}
	return -1
}

// Contains reports whether src is pending.
func (b *Batch) Contains(src *document.ItemSource) bool { return b.Index(src) >= 0 }

// Append adds sources to the end of the batch, skipping ones already present.
func (b *Batch) Append(sources ...*document.ItemSource) {
	for _, src := range sources {
		if !b.Contains(src) {
			b.items = append(b.items, src)
		}
	}
}

// Remove drops src from the batch. Returns false if it was not pending.
func (b *Batch) Remove(src *document.ItemSource) bool {
	i := b.Index(src)
	if i < 0 {
		return false
	}
	b.items = append(b.items[:i], b.items[i+1:]...)
	return true
}

// Replace puts repl in the position of old. Returns false if old was not
// pending.
func (b *Batch) Replace(old, repl *document.ItemSource) bool {
	i := b.Index(old)
	if i < 0 {
		return false
	}
	b.items[i] = repl
	return true
}

// IDs returns the IDs of the pending sources.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.items))
	for i, it := range b.items {
		ids[i] = it.ID
	}
	return ids
}

// PreCreateParams is passed to [PreCreator] hooks.
type PreCreateParams struct {
	// Actor is the live actor the items are being added to.
	Actor *document.Actor

	// ItemSource is the pending source that owns the element.
	ItemSource *document.ItemSource

	// RuleSource is the element's entry in ItemSource.System.Rules. Hooks
	// may record answers (such as choice selections) on it.
	RuleSource Source

	// Pending is the creation batch ItemSource belongs to.
	Pending *Batch

	// CreateOptions are the options the batch will be persisted with.
	CreateOptions *document.CreateOptions

	// RollOptions collects self-referential roll options for predication by
	// later pending items.
	RollOptions predicate.RollOptions

	Services *Services
}

// PreUpdateParams is passed to [PreParentUpdater] hooks.
type PreUpdateParams struct {
	// Actor is the live actor before the update is applied.
	Actor *document.Actor

	// Delta is the pending actor update.
	Delta document.UpdateDelta

	// RollOptions are the actor's roll options from the latest pass.
	RollOptions predicate.RollOptions

	// Changes collects the writes hooks stage. They are committed together
	// with Delta. When nil, a hook commits its own writes as one batch.
	Changes *document.Batch

	Services *Services
}

// PreDeleteParams is passed to [PreDeleter] hooks.
type PreDeleteParams struct {
	Actor *document.Actor

	// Pending is the deletion batch. Hooks may add to it or remove their own
	// item from it to cancel its deletion.
	Pending *Batch

	// Updates collects item updates to persist before the deletion batch.
	Updates *[]document.UpdateDelta

	// Cancelled collects the items whose deletion was prevented.
	Cancelled *[]Cancellation

	Services *Services
}

// Cancellation records an item whose deletion a hook prevented.
type Cancellation struct {
	ItemID   string `json:"itemId" yaml:"itemId"`
	ItemName string `json:"itemName" yaml:"itemName"`
	Reason   string `json:"reason" yaml:"reason"`
}

// Error implements error so that a cancellation can be reported directly.
func (c Cancellation) Error() string {
	return fmt.Sprintf("deletion of %q cancelled: %s", c.ItemName, c.Reason)
}
