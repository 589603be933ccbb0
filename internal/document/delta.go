package document

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/tidwall/sjson"
)

// UpdateDelta is a partial update addressed by dotted JSON paths.
//
//	UpdateDelta{ID: "abc", Set: map[string]any{"flags.itemGrants": grants}}
//	UpdateDelta{ID: "def", Unset: []string{"flags.grantedBy"}}
type UpdateDelta struct {
	// ID selects the embedded item. Ignored for actor updates.
	ID    string         `json:"_id"`
	Set   map[string]any `json:"set,omitempty"`
	Unset []string       `json:"unset,omitempty"`
}

// IsEmpty reports whether the delta changes nothing.
func (d UpdateDelta) IsEmpty() bool {
	return len(d.Set) == 0 && len(d.Unset) == 0
}

// ApplyJSON applies d to a JSON document. Set paths are applied in sorted
// order before Unset paths.
func (d UpdateDelta) ApplyJSON(doc []byte) ([]byte, error) {
	var err error
	for _, path := range slices.Sorted(maps.Keys(d.Set)) {
		doc, err = sjson.SetBytes(doc, path, d.Set[path])
		if err != nil {
			return nil, fmt.Errorf("document: set %q: %w", path, err)
		}
	}
	for _, path := range d.Unset {
		doc, err = sjson.DeleteBytes(doc, path)
		if err != nil {
			return nil, fmt.Errorf("document: unset %q: %w", path, err)
		}
	}
	return doc, nil
}

// ApplyToItem returns a copy of src with d applied. The item ID can not be
// changed through a delta.
func (d UpdateDelta) ApplyToItem(src *ItemSource) (*ItemSource, error) {
	b, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("document: encode item %q: %w", src.ID, err)
	}
	b, err = d.ApplyJSON(b)
	if err != nil {
		return nil, err
	}
	var out ItemSource
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("document: decode updated item %q: %w", src.ID, err)
	}
	out.ID = src.ID
	return &out, nil
}

// ApplyToActor returns a copy of actor with d applied. Embedded items and
// the actor ID are preserved as-is.
func (d UpdateDelta) ApplyToActor(actor *Actor) (*Actor, error) {
	shell := *actor
	shell.Items = nil
	b, err := json.Marshal(&shell)
	if err != nil {
		return nil, fmt.Errorf("document: encode actor %q: %w", actor.ID, err)
	}
	b, err = d.ApplyJSON(b)
	if err != nil {
		return nil, err
	}
	var out Actor
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("document: decode updated actor %q: %w", actor.ID, err)
	}
	out.ID = actor.ID
	out.Items = actor.Items
	return &out, nil
}
