package predicate

import (
	"slices"
	"strings"
)

// RollOptions is the set of facts (roll options) that are currently true for
// a character or encounter context. Membership is all that matters; insertion
// order is irrelevant.
//
// Use [NewRollOptions] to obtain a usable set; the nil value answers queries
// but panics on [RollOptions.Add].
type RollOptions map[string]struct{}

// NewRollOptions returns a set containing the given options.
func NewRollOptions(options ...string) RollOptions {
	ro := make(RollOptions, len(options))
	for _, o := range options {
		ro.Add(o)
	}
	return ro
}

// Add inserts option. Empty strings are ignored.
func (ro RollOptions) Add(option string) {
	option = strings.TrimSpace(option)
	if option == "" {
		return
	}
	ro[option] = struct{}{}
}

// Remove deletes option if present.
func (ro RollOptions) Remove(option string) {
	delete(ro, option)
}

// Has reports whether option is a member of the set.
func (ro RollOptions) Has(option string) bool {
	_, ok := ro[option]
	return ok
}

// Len returns the number of options.
func (ro RollOptions) Len() int { return len(ro) }

// Sorted returns the options in lexical order.
func (ro RollOptions) Sorted() []string {
	out := make([]string, 0, len(ro))
	for o := range ro {
		out = append(out, o)
	}
	slices.Sort(out)
	return out
}

// Clone returns an independent copy.
func (ro RollOptions) Clone() RollOptions {
	out := make(RollOptions, len(ro))
	for o := range ro {
		out[o] = struct{}{}
	}
	return out
}

// Merge adds every option of other into ro.
func (ro RollOptions) Merge(other RollOptions) {
	for o := range other {
		ro[o] = struct{}{}
	}
}
