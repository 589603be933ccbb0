// Package elements implements the built-in rule element variants.
//
// Register them on a registry with [RegisterBuiltins]:
//
//	reg := rules.NewRegistry()
//	elements.RegisterBuiltins(reg)
package elements

import (
	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/rules"
)

// Registry keys of the built-in elements.
const (
	KeyFlatModifier          = "FlatModifier"
	KeyMultipleAttackPenalty = "MultipleAttackPenalty"
	KeyLinkedProficiency     = "LinkedProficiency"
	KeyGrantItem             = "GrantItem"
	KeyChoiceSet             = "ChoiceSet"
	KeyRollOption            = "RollOption"
)

// RegisterBuiltins registers every built-in element on reg.
func RegisterBuiltins(reg *rules.Registry) {
	reg.Register(KeyFlatModifier, NewFlatModifier)
	reg.Register(KeyMultipleAttackPenalty, NewMultipleAttackPenalty)
	reg.Register(KeyLinkedProficiency, NewLinkedProficiency)
	reg.Register(KeyGrantItem, NewGrantItem)
	reg.Register(KeyChoiceSet, NewChoiceSet)
	reg.Register(KeyRollOption, NewRollOption)
}

// NewRegistry returns a registry with every built-in element registered.
func NewRegistry() *rules.Registry {
	reg := rules.NewRegistry()
	RegisterBuiltins(reg)
	return reg
}

// creatureTypes are the actor types most elements support.
var creatureTypes = []document.ActorType{
	document.ActorCharacter,
	document.ActorNPC,
	document.ActorFamiliar,
}
