package rules

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/runeforge/internal/document"
)

// ErrUnknownKey is wrapped into the diagnostic of a tombstone built for an
// unregistered key.
var ErrUnknownKey = errors.New("rules: unknown rule element key")

// suggestionThreshold is the minimum Jaro-Winkler similarity for a "did you
// mean" hint.
const suggestionThreshold = 0.8

// Constructor builds an element from its source. It must not panic on
// malformed input; validation failures produce an ignored element.
type Constructor func(src Source, item *document.Item, opts Options) Element

// Registry maps rule element keys to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	disabled     map[string]bool
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		disabled:     make(map[string]bool),
	}
}

// Register registers a constructor under key.
// Subsequent calls with the same key overwrite the previous registration.
func (r *Registry) Register(key string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[key] = c
}

// SetDisabled replaces the set of keys whose elements are built as ignored
// tombstones.
func (r *Registry) SetDisabled(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = make(map[string]bool, len(keys))
	for _, k := range keys {
		r.disabled[k] = true
	}
}

// IsDisabled reports whether key is currently disabled.
func (r *Registry) IsDisabled(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[key]
}

// Keys returns every registered key, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.constructors))
}

// Build constructs the element described by src. It never fails: unknown,
// disabled or panicking constructors yield an ignored tombstone.
func (r *Registry) Build(src Source, item *document.Item, opts Options) (e Element) {
	key, _ := src["key"].(string)

	r.mu.RLock()
	ctor, ok := r.constructors[key]
	disabled := r.disabled[key]
	r.mu.RUnlock()

	switch {
	case !ok:
		msg := fmt.Sprintf("%v %q", ErrUnknownKey, key)
		if hint := r.suggest(key); hint != "" {
			msg += fmt.Sprintf("; did you mean %q?", hint)
		}
		return newTombstone(src, item, opts, msg)
	case disabled:
		return newTombstone(src, item, opts, fmt.Sprintf("rule element %q is disabled by configuration", key))
	}

	defer func() {
		if p := recover(); p != nil {
			e = newTombstone(src, item, opts, fmt.Sprintf("constructor panicked: %v", p))
		}
	}()
	return ctor(src, item, opts)
}

// BuildAll constructs the elements of item in rule order. Each element gets a
// deep copy of its source so that elements never share mutable config.
func (r *Registry) BuildAll(item *document.Item, opts Options) []Element {
	out := make([]Element, 0, len(item.System.Rules))
	for _, raw := range item.System.Rules {
		src, _ := DeepCopy(raw).(map[string]any)
		if src == nil {
			src = Source{}
		}
		out = append(out, r.Build(src, item, opts))
	}
	return out
}

// suggest returns the registered key most similar to key, if any is similar
// enough.
func (r *Registry) suggest(key string) string {
	if key == "" {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	best, bestScore := "", 0.0
	for k := range r.constructors {
		score := matchr.JaroWinkler(strings.ToLower(key), strings.ToLower(k), false)
		if score > bestScore || (score == bestScore && k < best) {
			best, bestScore = k, score
		}
	}
	if bestScore < suggestionThreshold {
		return ""
	}
	return best
}

// tombstone is the ignored placeholder for a source that could not be built.
type tombstone struct {
	Base
}

func newTombstone(src Source, item *document.Item, opts Options, msg string) *tombstone {
	t := &tombstone{Base: NewBase(src, item, opts)}
	t.FailValidation(msg)
	return t
}
