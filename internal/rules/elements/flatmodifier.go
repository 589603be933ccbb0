package elements

import (
	"cmp"
	"fmt"
	"math"
	"strings"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/rules"
	"github.com/MrWong99/runeforge/internal/synthetics"
)

// abilityNames maps ability abbreviations to display names.
var abilityNames = map[string]string{
	"str": "Strength",
	"dex": "Dexterity",
	"con": "Constitution",
	"int": "Intelligence",
	"wis": "Wisdom",
	"cha": "Charisma",
}

// FlatModifier contributes a constant bonus or penalty to a statistic.
//
//	{"key": "FlatModifier", "selector": "ac", "type": "status", "value": 1}
type FlatModifier struct {
	rules.Base

	modType        synthetics.ModifierType
	ability        string
	name           string
	value          any
	min, max       *float64
	damageType     string
	damageCategory string
}

var _ rules.BeforePreparer = (*FlatModifier)(nil)

var flatModifierFields = []string{"type", "ability", "damageType", "damageCategory", "name"}

// NewFlatModifier is the [rules.Constructor] for FlatModifier.
func NewFlatModifier(src rules.Source, item *document.Item, opts rules.Options) rules.Element {
	f := &FlatModifier{Base: rules.NewBase(src, item, opts), modType: synthetics.TypeUntyped}
	if f.Ignored() || !f.RejectUnknown(flatModifierFields...) || !f.RequireActorTypes(creatureTypes...) {
		return f
	}

	if t, ok := f.StringField("type"); ok {
		f.modType = synthetics.ModifierType(t)
	}
	if !f.modType.IsValid() {
		types := make([]string, len(synthetics.ModifierTypes))
		for i, t := range synthetics.ModifierTypes {
			types[i] = string(t)
		}
		f.FailValidation("a flat modifier must have one of the following types: " + strings.Join(types, ", "))
		return f
	}

	f.name, _ = f.StringField("name")
	f.value, _ = f.ValueField("value")
	if v, ok := f.NumberField("min"); ok {
		f.min = &v
	}
	if v, ok := f.NumberField("max"); ok {
		f.max = &v
	}
	f.damageType, _ = f.StringField("damageType")
	f.damageCategory, _ = f.StringField("damageCategory")

	if f.modType == synthetics.TypeAbility {
		ab, _ := f.StringField("ability")
		name, ok := abilityNames[ab]
		if !ok {
			f.FailValidation(`a flat modifier of type "ability" must also have an "ability" property with an ability abbreviation`)
			return f
		}
		f.ability = ab
		f.name = name
		f.value = fmt.Sprintf("@actor.abilities.%s.mod", ab)
	}
	return f
}

// Value resolves and clamps the configured value, then truncates it toward
// zero. A value that truncates to 0 contributes no modifier.
func (f *FlatModifier) Value() int {
	var v float64
	if f.value != nil {
		v = f.ResolveValue(f.value, 0)
	}
	if f.min != nil {
		v = math.Max(v, *f.min)
	}
	if f.max != nil {
		v = math.Min(v, *f.max)
	}
	return int(math.Trunc(v))
}

// BeforePrepareData implements [rules.BeforePreparer].
func (f *FlatModifier) BeforePrepareData(p *rules.Pass) {
	if f.Ignored() {
		return
	}
	selector := f.Selector()
	value := f.Value()
	switch {
	case value == 0:
		// A zero modifier is absent, not misconfigured.
		return
	case selector == "":
		f.Debug("flat modifier requires a selector, a label or item name, and a value")
		return
	}

	label := f.Label()
	slug := f.Slug()
	if slug == "" {
		slug = document.Sluggify(cmp.Or(f.name, label))
	}
	m := synthetics.Modifier{
		Slug:           slug,
		Label:          label,
		Value:          value,
		Type:           f.modType,
		Ability:        f.ability,
		DamageCategory: f.damageCategory,
		Predicate:      f.Predicate(),
		Selector:       selector,
	}
	if f.damageType != "" {
		m.DamageType = f.ResolveInjected(f.damageType)
	}
	if item := f.Item(); item != nil {
		m.Source = item.Name
	}
	p.Synthetics.AddModifier(m)
}

// ModifierType returns the configured stacking type.
func (f *FlatModifier) ModifierType() synthetics.ModifierType { return f.modType }
