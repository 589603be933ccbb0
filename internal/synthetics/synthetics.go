// Package synthetics collects the modifiers and penalties contributed by rule
// elements during one recomputation pass.
//
// A [Synthetics] value lives for exactly one pass: it is created empty at the
// start, appended to in item-then-rule order, and handed to statistic
// calculators at the end. Entries are never removed or reordered.
package synthetics

import (
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/runeforge/pkg/predicate"
)

// ModifierType is the stacking category of a [Modifier].
type ModifierType string

const (
	TypeAbility      ModifierType = "ability"
	TypeCircumstance ModifierType = "circumstance"
	TypeItem         ModifierType = "item"
	TypePotency      ModifierType = "potency"
	TypeProficiency  ModifierType = "proficiency"
	TypeStatus       ModifierType = "status"
	TypeUntyped      ModifierType = "untyped"
)

// ModifierTypes lists every [ModifierType].
var ModifierTypes = []ModifierType{
	TypeAbility, TypeCircumstance, TypeItem, TypePotency, TypeProficiency, TypeStatus, TypeUntyped,
}

// IsValid reports whether t is a recognised modifier type.
func (t ModifierType) IsValid() bool {
	return slices.Contains(ModifierTypes, t)
}

// Modifier is a contribution to a named statistic.
type Modifier struct {
	Slug  string       `json:"slug" yaml:"slug"`
	Label string       `json:"label" yaml:"label"`
	Value int          `json:"value" yaml:"value"`
	Type  ModifierType `json:"type" yaml:"type"`

	// Ability is set for ability modifiers (str, dex, ...).
	Ability        string `json:"ability,omitempty" yaml:"ability,omitempty"`
	DamageType     string `json:"damageType,omitempty" yaml:"damageType,omitempty"`
	DamageCategory string `json:"damageCategory,omitempty" yaml:"damageCategory,omitempty"`

	// Predicate is evaluated at roll time by the consumer, not during the pass.
	Predicate *predicate.Predicate `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Selector  string               `json:"selector" yaml:"selector"`

	// Source names the item that produced the modifier.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// Test reports whether the modifier applies to a roll with the given options.
func (m Modifier) Test(options predicate.RollOptions) bool {
	return m.Predicate.Test(options)
}

// MultipleAttackPenalty is a named penalty for attacks after the first in a turn.
type MultipleAttackPenalty struct {
	Label     string               `json:"label" yaml:"label"`
	Penalty   int                  `json:"penalty" yaml:"penalty"`
	Predicate *predicate.Predicate `json:"predicate,omitempty" yaml:"predicate,omitempty"`
}

// Synthetics maps selectors to append-only lists of effects.
//
// It is safe for concurrent use, although a single pass only ever writes to
// it from one goroutine.
type Synthetics struct {
	mu        sync.RWMutex
	modifiers map[string][]Modifier
	penalties map[string][]MultipleAttackPenalty
}

// New returns an empty [Synthetics].
func New() *Synthetics {
	return &Synthetics{
		modifiers: make(map[string][]Modifier),
		penalties: make(map[string][]MultipleAttackPenalty),
	}
}

// AddModifier appends m under its selector.
func (s *Synthetics) AddModifier(m Modifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modifiers[m.Selector] = append(s.modifiers[m.Selector], m)
}

// AddMultipleAttackPenalty appends p under selector.
func (s *Synthetics) AddMultipleAttackPenalty(selector string, p MultipleAttackPenalty) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.penalties[selector] = append(s.penalties[selector], p)
}

// Modifiers returns a copy of the modifiers registered for selector, in
// insertion order.
func (s *Synthetics) Modifiers(selector string) []Modifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.modifiers[selector])
}

// MultipleAttackPenalties returns a copy of the penalties for selector.
func (s *Synthetics) MultipleAttackPenalties(selector string) []MultipleAttackPenalty {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.penalties[selector])
}

// Selectors returns every selector with at least one entry, sorted.
func (s *Synthetics) Selectors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{}, len(s.modifiers)+len(s.penalties))
	for k := range s.modifiers {
		set[k] = struct{}{}
	}
	for k := range s.penalties {
		set[k] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

// Len returns the total number of entries across all selectors.
func (s *Synthetics) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, v := range s.modifiers {
		n += len(v)
	}
	for _, v := range s.penalties {
		n += len(v)
	}
	return n
}

// Snapshot is a serialisable copy of a [Synthetics].
type Snapshot struct {
	Modifiers               map[string][]Modifier              `json:"modifiers" yaml:"modifiers"`
	MultipleAttackPenalties map[string][]MultipleAttackPenalty `json:"multipleAttackPenalties" yaml:"multipleAttackPenalties"`
}

// Snapshot returns a copy of every entry.
func (s *Synthetics) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Modifiers:               make(map[string][]Modifier, len(s.modifiers)),
		MultipleAttackPenalties: make(map[string][]MultipleAttackPenalty, len(s.penalties)),
	}
	for k, v := range s.modifiers {
		out.Modifiers[k] = slices.Clone(v)
	}
	for k, v := range s.penalties {
		out.MultipleAttackPenalties[k] = slices.Clone(v)
	}
	return out
}

// Total sums the modifiers for selector that apply under options. Only the
// highest bonus and lowest penalty of each typed category count; untyped
// modifiers always stack.
func (s *Synthetics) Total(selector string, options predicate.RollOptions) int {
	type best struct{ bonus, penalty int }
	byType := make(map[ModifierType]*best)
	total := 0
	for _, m := range s.Modifiers(selector) {
		if !m.Test(options) {
			continue
		}
		if m.Type == TypeUntyped || m.Type == "" {
			total += m.Value
			continue
		}
		b := byType[m.Type]
		if b == nil {
			b = &best{}
			byType[m.Type] = b
		}
		if m.Value > b.bonus {
			b.bonus = m.Value
		}
		if m.Value < b.penalty {
			b.penalty = m.Value
		}
	}
	for _, b := range byType {
		total += b.bonus + b.penalty
	}
	return total
}
