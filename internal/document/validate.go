package document

import (
	"errors"
	"fmt"
)

// Validate checks an [ItemSource] for required fields.
//
// Rules:
//   - Name must be non-empty.
//   - Type must be a recognised [ItemType].
//   - Every rule must carry a non-empty string "key".
//   - A grantedBy link must name its granter and use a known delete action.
func Validate(src *ItemSource) error {
	var errs []error

	if src.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if !src.Type.IsValid() {
		errs = append(errs, fmt.Errorf("type %q is not a recognised item type", src.Type))
	}
	for i, rule := range src.System.Rules {
		if key, _ := rule["key"].(string); key == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: key must be a non-empty string", i))
		}
	}
	if g := src.Flags.GrantedBy; g != nil {
		if g.ID == "" {
			errs = append(errs, errors.New("flags.grantedBy: id must not be empty"))
		}
		if g.OnDelete != "" && !g.OnDelete.IsValid() {
			errs = append(errs, fmt.Errorf("flags.grantedBy: onDelete %q is not a recognised delete action", g.OnDelete))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// ValidateActor checks the actor and every embedded item, and that item IDs
// are unique.
func ValidateActor(actor *Actor) error {
	var errs []error

	if actor.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if !actor.Type.IsValid() {
		errs = append(errs, fmt.Errorf("type %q is not a recognised actor type", actor.Type))
	}
	seen := make(map[string]bool, len(actor.Items))
	for i, it := range actor.Items {
		if err := Validate(it); err != nil {
			errs = append(errs, fmt.Errorf("items[%d] (%q): %w", i, it.Name, err))
		}
		if it.ID == "" {
			continue
		}
		if seen[it.ID] {
			errs = append(errs, fmt.Errorf("items[%d]: %w: %q", i, ErrDuplicateID, it.ID))
		}
		seen[it.ID] = true
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
