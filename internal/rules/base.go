package rules

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/resolve"
	"github.com/MrWong99/runeforge/pkg/predicate"
)

// DefaultPriority orders elements that do not declare a priority.
const DefaultPriority = 100

// SharedFields are the configuration keys every element accepts.
var SharedFields = []string{"key", "slug", "label", "selector", "predicate", "priority", "ignored", "value", "min", "max"}

// Options tunes element construction.
type Options struct {
	// SuppressWarnings demotes validation diagnostics to debug level. Used for
	// transient items built during grants.
	SuppressWarnings bool

	// Debug enables diagnostics for benign no-ops (zero modifiers, missing
	// selectors).
	Debug bool

	// Logger receives diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// ActorData returns the actor document that @actor and {actor|...}
	// references resolve against. During a pass this is the in-progress
	// derived view; when nil the owning actor document is used.
	ActorData func() any
}

// Base carries the fields and behaviour common to all rule elements. Concrete
// elements embed it and read their variant-specific fields through the typed
// accessors, which turn type mismatches into validation failures.
type Base struct {
	key       string
	slug      string
	label     string
	selector  string
	predicate *predicate.Predicate
	priority  int
	state     State

	item   *document.Item
	source Source
	opts   Options
	diags  []Diagnostic
}

// NewBase validates the fields shared by every element. The returned base is
// active unless a shared field is malformed or the source sets "ignored".
func NewBase(src Source, item *document.Item, opts Options) Base {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := Base{
		source:   src,
		item:     item,
		opts:     opts,
		priority: DefaultPriority,
		state:    StateActive,
	}
	b.key, _ = src["key"].(string)
	if b.key == "" {
		b.FailValidation("rule element has no key")
		return b
	}
	if b.BoolField("ignored", false) {
		b.state = StateIgnored
		return b
	}

	b.slug, _ = b.StringField("slug")
	b.selector, _ = b.StringField("selector")
	if label, ok := b.StringField("label"); ok && label != "" {
		b.label = label
	} else if item != nil {
		b.label = item.Name
	}
	if p, ok := b.NumberField("priority"); ok {
		b.priority = int(p)
	}
	if raw, ok := src["predicate"]; ok && raw != nil {
		p, err := predicate.Parse(raw)
		if err != nil {
			b.FailValidation(fmt.Sprintf("invalid predicate: %v", err))
			return b
		}
		b.predicate = p
	}
	return b
}

func (b *Base) base() *Base { return b }

// Key returns the registry key the element was built from.
func (b *Base) Key() string { return b.key }

// Slug returns the configured slug, or "".
func (b *Base) Slug() string { return b.slug }

// Label returns the provenance label with injected properties resolved.
func (b *Base) Label() string { return b.Resolver().Injected(b.label) }

// RawLabel returns the label before resolution.
func (b *Base) RawLabel() string { return b.label }

// Selector returns the targeted statistic with injected properties resolved.
func (b *Base) Selector() string {
	if b.selector == "" {
		return ""
	}
	return b.Resolver().Injected(b.selector)
}

// Predicate returns the element's predicate. Nil means always true.
func (b *Base) Predicate() *predicate.Predicate { return b.predicate }

// Priority orders elements within a pass; lower runs first.
func (b *Base) Priority() int { return b.priority }

// Item returns the owning item.
func (b *Base) Item() *document.Item { return b.item }

// Source returns the raw configuration. Callers must not modify it.
func (b *Base) Source() Source { return b.source }

// Options returns the construction options.
func (b *Base) Options() Options { return b.opts }

// Ignored reports whether the element is a tombstone for this pass.
func (b *Base) Ignored() bool { return b.state == StateIgnored }

// State returns the element's state.
func (b *Base) State() State { return b.state }

// Diagnostics returns the messages recorded so far.
func (b *Base) Diagnostics() []Diagnostic { return slices.Clone(b.diags) }

// Test evaluates the predicate against facts.
func (b *Base) Test(facts predicate.RollOptions) bool {
	return b.predicate.Test(facts)
}

// Actor returns the owning actor, or nil for unowned items.
func (b *Base) Actor() *document.Actor {
	if b.item == nil {
		return nil
	}
	return b.item.Actor()
}

// Resolver returns a resolver over the current actor data, the owning item
// and this element's source.
func (b *Base) Resolver() *resolve.Resolver {
	var actor any
	if b.opts.ActorData != nil {
		actor = b.opts.ActorData()
	} else if a := b.Actor(); a != nil {
		actor = a
	}
	var item any
	if b.item != nil {
		item = b.item.ItemSource
	}
	return resolve.New(resolve.Context{Actor: actor, Item: item, Rule: b.source}, resolve.WithLogger(b.logger()))
}

// ResolveValue resolves a value expression, degrading to fallback.
func (b *Base) ResolveValue(expr any, fallback float64) float64 {
	return b.Resolver().Value(expr, fallback)
}

// ResolveInjected replaces {actor|...}, {item|...} and {rule|...} tokens.
func (b *Base) ResolveInjected(s string) string {
	return b.Resolver().Injected(s)
}

// FailValidation turns the element into a tombstone and records msg.
func (b *Base) FailValidation(msg string) {
	b.state = StateIgnored
	level := slog.LevelWarn
	if b.opts.SuppressWarnings {
		level = slog.LevelDebug
	}
	b.record(level, msg)
}

// Warn records a warning without changing the element's state.
func (b *Base) Warn(msg string) {
	b.record(slog.LevelWarn, msg)
}

// Debug records msg only when debug diagnostics are enabled.
func (b *Base) Debug(msg string) {
	if b.opts.Debug {
		b.record(slog.LevelDebug, msg)
	}
}

func (b *Base) record(level slog.Level, msg string) {
	d := Diagnostic{Level: level, Key: b.key, Message: msg}
	if b.item != nil {
		d.Item = b.item.Name
	}
	b.diags = append(b.diags, d)
	b.logger().Log(context.Background(), level, "rule element: "+msg, "key", b.key, "item", d.Item)
}

func (b *Base) logger() *slog.Logger {
	if b.opts.Logger == nil {
		return slog.Default()
	}
	return b.opts.Logger
}

// RequireActorTypes fails validation unless the owning actor is one of types.
// Unowned items are not checked.
func (b *Base) RequireActorTypes(types ...document.ActorType) bool {
	a := b.Actor()
	if a == nil || slices.Contains(types, a.Type) {
		return true
	}
	b.FailValidation(fmt.Sprintf("%s rule elements are not supported on %s actors", b.key, a.Type))
	return false
}

// RejectUnknown fails validation when the source carries a key that is
// neither shared nor listed in allowed.
func (b *Base) RejectUnknown(allowed ...string) bool {
	for _, k := range slices.Sorted(maps.Keys(b.source)) {
		if !slices.Contains(SharedFields, k) && !slices.Contains(allowed, k) {
			b.FailValidation(fmt.Sprintf("unknown field %q", k))
			return false
		}
	}
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// Typed field accessors
// ─────────────────────────────────────────────────────────────────────────────

// StringField reads an optional string field. A present non-string value fails
// validation.
func (b *Base) StringField(field string) (string, bool) {
	raw, ok := b.source[field]
	if !ok || raw == nil {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		b.FailValidation(fmt.Sprintf("field %q must be a string, got %T", field, raw))
		return "", false
	}
	return s, true
}

// NumberField reads an optional numeric field. A present non-numeric value fails
// validation.
func (b *Base) NumberField(field string) (float64, bool) {
	raw, ok := b.source[field]
	if !ok || raw == nil {
		return 0, false
	}
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	default:
		b.FailValidation(fmt.Sprintf("field %q must be a number, got %T", field, raw))
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		b.FailValidation(fmt.Sprintf("field %q must be finite", field))
		return 0, false
	}
	return v, true
}

// BoolField reads an optional boolean field with a default.
func (b *Base) BoolField(field string, def bool) bool {
	raw, ok := b.source[field]
	if !ok || raw == nil {
		return def
	}
	v, ok := raw.(bool)
	if !ok {
		b.FailValidation(fmt.Sprintf("field %q must be a boolean, got %T", field, raw))
		return def
	}
	return v
}

// ValueField reads an optional value expression (number, string formula or
// bracket object) without resolving it.
func (b *Base) ValueField(field string) (any, bool) {
	raw, ok := b.source[field]
	if !ok || raw == nil {
		return nil, false
	}
	switch raw.(type) {
	case float64, int, int64, string, map[string]any, bool:
		return raw, true
	}
	b.FailValidation(fmt.Sprintf("field %q must be a number, formula or bracket object, got %T", field, raw))
	return nil, false
}

// MapField reads an optional object field.
func (b *Base) MapField(field string) (map[string]any, bool) {
	raw, ok := b.source[field]
	if !ok || raw == nil {
		return nil, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		b.FailValidation(fmt.Sprintf("field %q must be an object, got %T", field, raw))
		return nil, false
	}
	return m, true
}
