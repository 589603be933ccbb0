package elements

import (
	"fmt"
	"slices"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/rules"
)

// ProficiencyRanks lists the proficiency ranks in ascending order. A rank's
// index is its numeric value.
var ProficiencyRanks = []string{"untrained", "trained", "expert", "master", "legendary"}

// WeaponCategories are the attack proficiency categories a linked
// proficiency may follow.
var WeaponCategories = []string{"simple", "martial", "advanced", "unarmed"}

// LinkedProficiency creates an attack proficiency that tracks the rank of an
// existing weapon category, optionally capped.
//
// Its predicate does not gate the element; it is copied into the new
// proficiency as the criterion for matching qualifying attacks.
type LinkedProficiency struct {
	rules.Base

	sameAs  string
	maxRank string
}

var (
	_ rules.BeforePreparer   = (*LinkedProficiency)(nil)
	_ rules.PredicateCarrier = (*LinkedProficiency)(nil)
)

// NewLinkedProficiency is the [rules.Constructor] for LinkedProficiency.
func NewLinkedProficiency(src rules.Source, item *document.Item, opts rules.Options) rules.Element {
	l := &LinkedProficiency{Base: rules.NewBase(src, item, opts)}
	if l.Ignored() || !l.RejectUnknown("sameAs", "maxRank") || !l.RequireActorTypes(document.ActorCharacter) {
		return l
	}
	l.sameAs, _ = l.StringField("sameAs")
	l.maxRank, _ = l.StringField("maxRank")
	if l.Ignored() {
		return l
	}

	switch {
	case l.Slug() == "":
		l.FailValidation("linked proficiency requires a slug")
	case l.Predicate() == nil || l.Predicate().IsEmpty():
		l.FailValidation("linked proficiency requires a predicate")
	case !slices.Contains(WeaponCategories, l.sameAs):
		l.FailValidation(fmt.Sprintf("linked proficiency sameAs %q is not a weapon category", l.sameAs))
	case l.maxRank != "" && (l.maxRank == ProficiencyRanks[0] || !slices.Contains(ProficiencyRanks, l.maxRank)):
		l.FailValidation(fmt.Sprintf("linked proficiency maxRank %q is not a valid rank", l.maxRank))
	}
	return l
}

// CarriesPredicate implements [rules.PredicateCarrier].
func (l *LinkedProficiency) CarriesPredicate() bool { return true }

// BeforePrepareData implements [rules.BeforePreparer]. It writes
// martial.<slug> next to the followed category.
func (l *LinkedProficiency) BeforePrepareData(p *rules.Pass) {
	if l.Ignored() {
		return
	}
	raw, ok := p.Get("martial", l.sameAs)
	category, isMap := raw.(map[string]any)
	if !ok || !isMap {
		rules.Ignore(l, fmt.Sprintf("linked proficiency aborted: category %q not found", l.sameAs))
		return
	}

	rank := min(max(int(number(category["rank"])), 0), len(ProficiencyRanks)-1)
	value := number(category["value"])
	if l.maxRank != "" {
		if limit := slices.Index(ProficiencyRanks, l.maxRank); rank > limit {
			// Each rank step is worth 2.
			value -= float64(2 * (rank - limit))
			rank = limit
		}
	}
	if rank == 0 {
		value = 0
	}

	proficiency := map[string]any{
		"label":     l.Label(),
		"predicate": l.Predicate().Raw(),
		"sameAs":    l.sameAs,
		"rank":      rank,
		"value":     value,
		"breakdown": fmt.Sprintf("%s (linked to %s)", ProficiencyRanks[rank], l.sameAs),
	}
	if l.maxRank != "" {
		proficiency["maxRank"] = l.maxRank
	}
	p.Set(proficiency, "martial", l.Slug())
}

// number converts decoded numeric data to float64, defaulting to zero.
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
