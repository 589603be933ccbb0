package document

import (
	"regexp"
	"slices"
	"strings"
)

// Item is an item source bound to the actor it is embedded in (or, for
// transient grantees, about to be embedded in).
type Item struct {
	*ItemSource
	actor *Actor
}

// NewItem binds src to actor. actor may be nil for unowned compendium items.
func NewItem(src *ItemSource, actor *Actor) *Item {
	return &Item{ItemSource: src, actor: actor}
}

// Actor returns the owning actor.
func (i *Item) Actor() *Actor { return i.actor }

// Source returns the underlying persisted data.
func (i *Item) Source() *ItemSource { return i.ItemSource }

// Slug returns system.slug, falling back to the sluggified name.
func (i *Item) Slug() string {
	if i.System.Slug != "" {
		return i.System.Slug
	}
	return Sluggify(i.Name)
}

// SourceID returns the origin reference the item was created from.
func (i *Item) SourceID() string { return i.Flags.SourceID }

// IsOfType reports whether the item is of any of the given types.
func (i *Item) IsOfType(types ...ItemType) bool {
	return slices.Contains(types, i.Type)
}

// IsFeature reports whether a feat item is a class or ancestry feature
// rather than a selectable feat.
func (i *Item) IsFeature() bool {
	return i.Type == ItemFeat && (i.System.Category == "classfeature" || i.System.Category == "ancestryfeature")
}

var (
	slugStrip = regexp.MustCompile(`[^\p{L}\p{N}\s-]`)
	slugSpace = regexp.MustCompile(`[\s-]+`)
)

// Sluggify converts text into a lower-case, dash-separated slug.
func Sluggify(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.ReplaceAll(s, "'", "")
	s = slugStrip.ReplaceAllString(s, " ")
	s = slugSpace.ReplaceAllString(strings.TrimSpace(s), "-")
	return s
}
