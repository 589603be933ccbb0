// Package document defines the persisted documents the rules engine operates
// on (actors and their embedded items) together with the [Store] contract of
// the host persistence layer.
//
// Documents are plain data. The JSON encoding of an [ItemSource] is the
// canonical form: update deltas address fields by their JSON path
// (e.g. "flags.grantedBy"), and value resolution queries it the same way.
package document

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ActorType classifies an actor.
type ActorType string

const (
	// ActorCharacter is a player character.
	ActorCharacter ActorType = "character"

	// ActorNPC is a non-player creature.
	ActorNPC ActorType = "npc"

	// ActorFamiliar is a character's familiar.
	ActorFamiliar ActorType = "familiar"

	// ActorHazard is a trap or environmental hazard.
	ActorHazard ActorType = "hazard"
)

// IsValid reports whether t is a recognised actor type.
func (t ActorType) IsValid() bool {
	switch t {
	case ActorCharacter, ActorNPC, ActorFamiliar, ActorHazard:
		return true
	}
	return false
}

// ItemType classifies an item.
type ItemType string

const (
	ItemAncestry   ItemType = "ancestry"
	ItemBackground ItemType = "background"
	ItemClass      ItemType = "class"
	ItemFeat       ItemType = "feat"
	ItemEffect     ItemType = "effect"
	ItemWeapon     ItemType = "weapon"
	ItemArmor      ItemType = "armor"
	ItemEquipment  ItemType = "equipment"
	ItemMelee      ItemType = "melee"
	ItemContainer  ItemType = "backpack"
	ItemSpell      ItemType = "spell"
	ItemAction     ItemType = "action"
	ItemCondition  ItemType = "condition"
)

var itemTypes = []ItemType{
	ItemAncestry, ItemBackground, ItemClass, ItemFeat, ItemEffect, ItemWeapon,
	ItemArmor, ItemEquipment, ItemMelee, ItemContainer, ItemSpell, ItemAction,
	ItemCondition,
}

// IsValid reports whether t is a recognised item type.
func (t ItemType) IsValid() bool {
	return slices.Contains(itemTypes, t)
}

// ItemSource is the persisted form of an item.
type ItemSource struct {
	// ID is unique within the owning actor. Empty until the item is embedded.
	ID string `yaml:"_id" json:"_id"`

	Name string   `yaml:"name" json:"name"`
	Type ItemType `yaml:"type" json:"type"`
	Img  string   `yaml:"img,omitempty" json:"img,omitempty"`

	System ItemSystem `yaml:"system" json:"system"`
	Flags  Flags      `yaml:"flags" json:"flags"`
}

// ItemSystem holds ruleset data of an item.
type ItemSystem struct {
	Slug  string `yaml:"slug,omitempty" json:"slug,omitempty"`
	Level int    `yaml:"level,omitempty" json:"level,omitempty"`

	// Category distinguishes feat kinds (classfeature, ancestryfeature,
	// general, skill, ...) and weapon categories.
	Category string   `yaml:"category,omitempty" json:"category,omitempty"`
	Traits   []string `yaml:"traits,omitempty" json:"traits,omitempty"`

	// Rules are the raw rule element sources in authoring order.
	Rules []map[string]any `yaml:"rules,omitempty" json:"rules,omitempty"`

	Schema Schema `yaml:"schema" json:"schema"`

	// Details holds any further system data not modelled explicitly.
	Details map[string]any `yaml:"details,omitempty" json:"details,omitempty"`
}

// Schema records the data schema version an item was last migrated to.
type Schema struct {
	Version float64 `yaml:"version" json:"version"`
}

// Clone returns a deep copy of s.
func (s *ItemSource) Clone() *ItemSource {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("document: clone item source %q: %v", s.Name, err))
	}
	var out ItemSource
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("document: clone item source %q: %v", s.Name, err))
	}
	return &out
}

// Actor is a character or creature owning an ordered list of embedded items.
type Actor struct {
	ID     string         `yaml:"_id" json:"_id"`
	Name   string         `yaml:"name" json:"name"`
	Type   ActorType      `yaml:"type" json:"type"`
	System map[string]any `yaml:"system" json:"system"`

	// Items are embedded in display order, which is also rule processing order.
	Items []*ItemSource `yaml:"items" json:"items"`
}

// Clone returns a deep copy of a.
func (a *Actor) Clone() *Actor {
	if a == nil {
		return nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		panic(fmt.Sprintf("document: clone actor %q: %v", a.Name, err))
	}
	var out Actor
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("document: clone actor %q: %v", a.Name, err))
	}
	return &out
}

// ItemSource returns the embedded item with the given id, or nil.
func (a *Actor) ItemSource(id string) *ItemSource {
	for _, it := range a.Items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// Item returns the embedded item with the given id wrapped with its owner,
// or nil.
func (a *Actor) Item(id string) *Item {
	if src := a.ItemSource(id); src != nil {
		return NewItem(src, a)
	}
	return nil
}

// EmbeddedItems wraps every embedded item in order.
func (a *Actor) EmbeddedItems() []*Item {
	out := make([]*Item, len(a.Items))
	for i, src := range a.Items {
		out[i] = NewItem(src, a)
	}
	return out
}

// HasItemFromSource reports whether any embedded item originates from uuid.
func (a *Actor) HasItemFromSource(uuid string) bool {
	for _, it := range a.Items {
		if it.Flags.SourceID == uuid {
			return true
		}
	}
	return false
}

// Level returns system.details.level.value, or 0 when absent.
func (a *Actor) Level() int {
	details, _ := a.System["details"].(map[string]any)
	level, _ := details["level"].(map[string]any)
	switch v := level["value"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
