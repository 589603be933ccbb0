// Package compendium loads reusable item content (feats, class features,
// equipment) and resolves the references rule elements use to point at it.
//
// Content arrives as YAML pack files ([LoadPackFile]) or Foundry VTT world
// exports ([ImportFoundryVTT]) and is written to any [document.Importer]. The
// in-memory [Index] accepts every accepted spelling of a reference, and
// [GuardedFetcher] chains several lookup backends behind circuit breakers.
package compendium

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidReference is returned by [ParseReference] for malformed input.
var ErrInvalidReference = errors.New("compendium: invalid reference")

// WorldPack is the pack name of items that live directly in a world rather
// than in a compendium.
const WorldPack = "world"

// Reference identifies a document. Accepted forms:
//
//	Compendium.<pack>.<id>
//	Compendium.<system>.<pack>.<id>
//	Compendium.<system>.<pack>.<type>.<id>
//	Item.<id>
//	Actor.<actorID>.Item.<id>
type Reference struct {
	System       string
	Pack         string
	DocumentType string
	ID           string

	// ActorID is set for items embedded in an actor.
	ActorID string
}

// ParseReference parses uuid into a [Reference].
func ParseReference(uuid string) (Reference, error) {
	parts := strings.Split(strings.TrimSpace(uuid), ".")
	for _, p := range parts {
		if p == "" {
			return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, uuid)
		}
	}

	var ref Reference
	switch {
	case parts[0] == "Compendium" && len(parts) == 3:
		ref = Reference{Pack: parts[1], ID: parts[2]}
	case parts[0] == "Compendium" && len(parts) == 4:
		ref = Reference{System: parts[1], Pack: parts[2], ID: parts[3]}
	case parts[0] == "Compendium" && len(parts) == 5:
		ref = Reference{System: parts[1], Pack: parts[2], DocumentType: parts[3], ID: parts[4]}
	case parts[0] == "Item" && len(parts) == 2:
		ref = Reference{Pack: WorldPack, DocumentType: "Item", ID: parts[1]}
	case parts[0] == "Actor" && len(parts) == 4 && parts[2] == "Item":
		ref = Reference{ActorID: parts[1], DocumentType: "Item", ID: parts[3]}
	default:
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, uuid)
	}
	if ref.DocumentType == "" {
		ref.DocumentType = "Item"
	}
	if ref.DocumentType != "Item" {
		return Reference{}, fmt.Errorf("%w: %q is not an item reference", ErrInvalidReference, uuid)
	}
	return ref, nil
}

// Embedded reports whether the reference points at an item owned by an actor.
func (r Reference) Embedded() bool { return r.ActorID != "" }

// Key is the lookup key shared by every spelling of the same reference.
func (r Reference) Key() string {
	if r.Embedded() {
		return "actor/" + r.ActorID + "/" + r.ID
	}
	return r.Pack + "/" + r.ID
}

// String returns the canonical spelling.
func (r Reference) String() string {
	switch {
	case r.Embedded():
		return fmt.Sprintf("Actor.%s.Item.%s", r.ActorID, r.ID)
	case r.Pack == WorldPack && r.System == "":
		return "Item." + r.ID
	case r.System == "":
		return fmt.Sprintf("Compendium.%s.%s", r.Pack, r.ID)
	}
	return fmt.Sprintf("Compendium.%s.%s.Item.%s", r.System, r.Pack, r.ID)
}
