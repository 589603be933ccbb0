package rules

import (
	"log/slog"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/synthetics"
	"github.com/MrWong99/runeforge/pkg/predicate"
)

// Pass is the explicit state of one recomputation pass over one actor. It is
// handed to every preparation hook and discarded when the pass ends.
type Pass struct {
	// Actor is the persisted document. Hooks must not modify it.
	Actor *document.Actor

	// Data is the in-progress derived system data, seeded with a deep copy of
	// Actor.System.
	Data map[string]any

	RollOptions predicate.RollOptions
	Synthetics  *synthetics.Synthetics
	Logger      *slog.Logger
}

// NewPass starts a pass over actor with fresh derived data, an empty
// synthetics collection and the given initial roll options.
func NewPass(actor *document.Actor, options predicate.RollOptions, logger *slog.Logger) *Pass {
	if options == nil {
		options = predicate.NewRollOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	data, _ := DeepCopy(actor.System).(map[string]any)
	if data == nil {
		data = make(map[string]any)
	}
	return &Pass{
		Actor:       actor,
		Data:        data,
		RollOptions: options,
		Synthetics:  synthetics.New(),
		Logger:      logger,
	}
}

// ActorView is the document @actor references resolve against during the
// pass: the actor's identity, its level and the derived system data.
func (p *Pass) ActorView() any {
	return map[string]any{
		"_id":         p.Actor.ID,
		"name":        p.Actor.Name,
		"type":        p.Actor.Type,
		"level":       p.Actor.Level(),
		"system":      p.Data,
		"rollOptions": p.RollOptions.Sorted(),
	}
}

// Get reads the value at path inside the derived data.
func (p *Pass) Get(path ...string) (any, bool) {
	var cur any = p.Data
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at path inside the derived data, creating intermediate
// objects as needed. Non-object intermediates are replaced.
func (p *Pass) Set(value any, path ...string) {
	if len(path) == 0 {
		return
	}
	cur := p.Data
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[key] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
}

// DeepCopy copies nested maps and slices of decoded JSON/YAML data. Other
// values are returned as-is.
func DeepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = DeepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = DeepCopy(e)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(x))
		for i, e := range x {
			out[i], _ = DeepCopy(e).(map[string]any)
		}
		return out
	}
	return v
}
