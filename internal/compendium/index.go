package compendium

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/runeforge/internal/document"
)

var (
	_ document.Importer = (*Index)(nil)
	_ Fetcher           = (*Index)(nil)
)

// Index is an in-memory compendium keyed by [Reference.Key], so that every
// spelling of a reference finds the same item. It is safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	ref string
	src *document.ItemSource
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{items: make(map[string]entry)}
}

// PutReference implements [document.Importer].
func (x *Index) PutReference(_ context.Context, uuid string, src *document.ItemSource) error {
	ref, err := ParseReference(uuid)
	if err != nil {
		return err
	}
	if err := document.Validate(src); err != nil {
		return fmt.Errorf("compendium: put %q: %w", uuid, err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.items[ref.Key()] = entry{ref: ref.String(), src: src.Clone()}
	return nil
}

// FetchByReference implements [Fetcher]. It returns a copy of the item, or
// [document.ErrNotFound].
func (x *Index) FetchByReference(_ context.Context, uuid string) (*document.ItemSource, error) {
	ref, err := ParseReference(uuid)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", document.ErrNotFound, err)
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.items[ref.Key()]
	if !ok {
		return nil, fmt.Errorf("compendium: %q: %w", uuid, document.ErrNotFound)
	}
	return e.src.Clone(), nil
}

// Len returns the number of items.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.items)
}

// Search returns the canonical references of items whose name contains query,
// case-insensitively, ordered by pack and ID. An empty query matches
// everything.
func (x *Index) Search(query string) []string {
	q := strings.ToLower(query)
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []string
	for _, k := range slices.Sorted(maps.Keys(x.items)) {
		e := x.items[k]
		if strings.Contains(strings.ToLower(e.src.Name), q) {
			out = append(out, e.ref)
		}
	}
	return out
}
