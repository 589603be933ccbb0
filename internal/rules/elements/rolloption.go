package elements

import (
	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/rules"
)

// RollOption adds a roll option to the pass when its predicate passes. It
// runs early so that every other element of the pass can be predicated on it.
//
//	{"key": "RollOption", "option": "self:stance:{item|system.slug}"}
type RollOption struct {
	rules.Base
	option string
}

var _ rules.EarlyApplier = (*RollOption)(nil)

// NewRollOption is the [rules.Constructor] for RollOption.
func NewRollOption(src rules.Source, item *document.Item, opts rules.Options) rules.Element {
	r := &RollOption{Base: rules.NewBase(src, item, opts)}
	if r.Ignored() || !r.RejectUnknown("option") {
		return r
	}
	r.option, _ = r.StringField("option")
	if r.option == "" && !r.Ignored() {
		r.FailValidation("roll option requires an option")
	}
	return r
}

// Option returns the option with injected properties resolved.
func (r *RollOption) Option() string { return r.ResolveInjected(r.option) }

// ApplyEarly implements [rules.EarlyApplier].
func (r *RollOption) ApplyEarly(p *rules.Pass) {
	if r.Ignored() || !r.Test(p.RollOptions) {
		return
	}
	p.RollOptions.Add(r.Option())
}
