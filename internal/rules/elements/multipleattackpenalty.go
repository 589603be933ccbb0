package elements

import (
	"math"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/rules"
	"github.com/MrWong99/runeforge/internal/synthetics"
)

// MultipleAttackPenalty registers an alternative multiple attack penalty for
// the attacks matched by its selector.
//
//	{"key": "MultipleAttackPenalty", "selector": "agile-attack", "value": -4}
type MultipleAttackPenalty struct {
	rules.Base
	value any
}

var _ rules.BeforePreparer = (*MultipleAttackPenalty)(nil)

// NewMultipleAttackPenalty is the [rules.Constructor] for MultipleAttackPenalty.
func NewMultipleAttackPenalty(src rules.Source, item *document.Item, opts rules.Options) rules.Element {
	m := &MultipleAttackPenalty{Base: rules.NewBase(src, item, opts)}
	if m.Ignored() || !m.RejectUnknown() {
		return m
	}
	m.value, _ = m.ValueField("value")
	return m
}

// BeforePrepareData implements [rules.BeforePreparer].
func (m *MultipleAttackPenalty) BeforePrepareData(p *rules.Pass) {
	if m.Ignored() {
		return
	}
	selector := m.Selector()
	label := m.Label()
	var value int
	if m.value != nil {
		value = int(math.Trunc(m.ResolveValue(m.value, 0)))
	}
	if selector == "" || label == "" || value == 0 {
		m.Warn("multiple attack penalty requires at least a selector field, a label and a non-zero value field")
		return
	}
	p.Synthetics.AddMultipleAttackPenalty(selector, synthetics.MultipleAttackPenalty{
		Label:     label,
		Penalty:   value,
		Predicate: m.Predicate(),
	})
}
