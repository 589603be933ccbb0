// Package rules defines the rule element contract: the polymorphic unit of
// declarative game logic attached to items.
//
// A rule element is built from a raw [Source] by a [Constructor] looked up in
// a [Registry] by the source's "key". Construction validates the source and
// either yields an active element or an ignored tombstone that occupies its
// slot but contributes nothing. Elements are rebuilt on every recomputation
// pass; no state survives from one pass to the next.
//
// Lifecycle hooks are optional and expressed as small interfaces
// ([BeforePreparer], [EarlyApplier], [PreCreator], [PreParentUpdater],
// [PreDeleter]) that callers detect with a type assertion. An element that
// does not implement a hook simply does nothing at that point.
package rules

import (
	"context"
	"log/slog"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/pkg/predicate"
)

// Source is the raw, untrusted configuration of one rule element.
type Source = map[string]any

// State is the per-pass state of an element.
type State int

const (
	// StateConstructed is the state before validation finished.
	StateConstructed State = iota
	// StateActive elements passed validation.
	StateActive
	// StateIgnored elements failed validation or were disabled.
	StateIgnored
	// StateApplied elements ran their preparation hook.
	StateApplied
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateActive:
		return "active"
	case StateIgnored:
		return "ignored"
	case StateApplied:
		return "applied"
	}
	return "unknown"
}

// Element is the capability set shared by every rule element.
//
// Implementations embed [Base], which provides every method below.
type Element interface {
	Key() string
	Slug() string
	Label() string
	Selector() string
	Predicate() *predicate.Predicate
	Priority() int
	Item() *document.Item
	Ignored() bool
	State() State
	Diagnostics() []Diagnostic

	// Test evaluates the element's predicate against facts.
	Test(facts predicate.RollOptions) bool

	base() *Base
}

// BeforePreparer runs during every recomputation pass, after the element's
// predicate passed. It may read derived data and write into the pass
// synthetics or a narrowly scoped part of derived data. It must not perform
// I/O or mutate any source document.
type BeforePreparer interface {
	BeforePrepareData(p *Pass)
}

// EarlyApplier runs before predicate gating, so that the roll options and
// data it contributes are visible to every later element of the pass. It is
// also run on transient items created for grants.
type EarlyApplier interface {
	ApplyEarly(p *Pass)
}

// PreCreator runs before the item owning the element is persisted.
type PreCreator interface {
	PreCreate(ctx context.Context, args *PreCreateParams) error
}

// PreParentUpdater runs before the owning actor is updated.
type PreParentUpdater interface {
	PreUpdateParent(ctx context.Context, args *PreUpdateParams) error
}

// PreDeleter runs before the owning item is deleted.
type PreDeleter interface {
	PreDelete(ctx context.Context, args *PreDeleteParams) error
}

// PredicateCarrier is implemented by elements whose predicate describes a
// downstream match criterion rather than an activation condition. Such
// elements are not gated by the pass roll options; they propagate their
// predicate into derived data instead.
type PredicateCarrier interface {
	CarriesPredicate() bool
}

// Diagnostic is a message produced while validating or applying an element.
type Diagnostic struct {
	Level   slog.Level `json:"level" yaml:"level"`
	Key     string     `json:"key" yaml:"key"`
	Item    string     `json:"item" yaml:"item"`
	Message string     `json:"message" yaml:"message"`
}

// Ignore marks e as ignored for the rest of the pass, recording msg.
func Ignore(e Element, msg string) {
	e.base().FailValidation(msg)
}

// MarkApplied records that e's preparation hook ran.
func MarkApplied(e Element) {
	b := e.base()
	if b.state == StateActive {
		b.state = StateApplied
	}
}
