package elements

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/rules"
)

// ChoiceSet records an answer to a choice and exposes it as the roll option
// <flag>:<selection>. The answer comes from the rule's "selection" field or
// from flags.rulesSelections.<flag> on the item; there is no interactive
// prompt.
//
//	{"key": "ChoiceSet", "flag": "weapon", "choices": ["longsword", "rapier"], "selection": "rapier"}
type ChoiceSet struct {
	rules.Base

	flag      string
	choices   []string
	selection string
}

var (
	_ rules.EarlyApplier = (*ChoiceSet)(nil)
	_ rules.PreCreator   = (*ChoiceSet)(nil)
)

// NewChoiceSet is the [rules.Constructor] for ChoiceSet.
func NewChoiceSet(src rules.Source, item *document.Item, opts rules.Options) rules.Element {
	c := &ChoiceSet{Base: rules.NewBase(src, item, opts)}
	if c.Ignored() || !c.RejectUnknown("flag", "choices", "selection") {
		return c
	}
	c.flag, _ = c.StringField("flag")
	if c.flag == "" && item != nil {
		c.flag = item.Slug()
	}
	if c.flag == "" {
		c.FailValidation("choice set requires a flag")
		return c
	}

	switch raw := src["choices"].(type) {
	case nil:
	case []any:
		for i, ch := range raw {
			v, ok := choiceValue(ch)
			if !ok {
				c.FailValidation(fmt.Sprintf("choices[%d] must be a string, a number or an object with a value", i))
				return c
			}
			c.choices = append(c.choices, v)
		}
	default:
		c.FailValidation("field \"choices\" must be a list")
		return c
	}

	if sel, ok := selectionString(src["selection"]); ok {
		c.selection = sel
	} else if item != nil {
		c.selection, _ = selectionString(item.Flags.RulesSelections[c.flag])
	}
	return c
}

// Flag returns the name the selection is stored under.
func (c *ChoiceSet) Flag() string { return c.flag }

// Selection returns the current answer, or "".
func (c *ChoiceSet) Selection() string { return c.selection }

// Select sets the answer, as done for grant preselections.
func (c *ChoiceSet) Select(selection string) { c.selection = selection }

// ApplyEarly implements [rules.EarlyApplier].
func (c *ChoiceSet) ApplyEarly(p *rules.Pass) {
	if c.Ignored() || c.selection == "" || !c.Test(p.RollOptions) {
		return
	}
	p.RollOptions.Add(c.flag + ":" + document.Sluggify(c.selection))
}

// PreCreate implements [rules.PreCreator]. It persists the selection on the
// pending item source so that later passes see the same answer.
func (c *ChoiceSet) PreCreate(_ context.Context, args *rules.PreCreateParams) error {
	if c.Ignored() {
		return nil
	}
	if sel, ok := selectionString(args.RuleSource["selection"]); ok {
		c.selection = sel
	}
	if c.selection == "" {
		c.Warn(fmt.Sprintf("choice set %q has no selection", c.flag))
		return nil
	}
	if len(c.choices) > 0 && !slices.Contains(c.choices, c.selection) {
		c.Warn(fmt.Sprintf("choice set %q selection %q is not one of %v", c.flag, c.selection, c.choices))
		return nil
	}

	if args.RuleSource != nil {
		args.RuleSource["selection"] = c.selection
	}
	delta := document.UpdateDelta{Set: map[string]any{"flags.rulesSelections." + c.flag: c.selection}}
	updated, err := delta.ApplyToItem(args.ItemSource)
	if err != nil {
		return fmt.Errorf("elements: record choice %q: %w", c.flag, err)
	}
	*args.ItemSource = *updated
	if args.RollOptions != nil && c.Test(args.RollOptions) {
		args.RollOptions.Add(c.flag + ":" + document.Sluggify(c.selection))
	}
	return nil
}

func choiceValue(v any) (string, bool) {
	if m, ok := v.(map[string]any); ok {
		return selectionString(m["value"])
	}
	return selectionString(v)
}

func selectionString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, s != ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	}
	return "", false
}
