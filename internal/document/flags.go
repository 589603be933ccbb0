package document

import "fmt"

// Flags holds ruleset bookkeeping persisted on an item.
type Flags struct {
	// SourceID is the reference (UUID) of the document the item was created
	// from. Duplicate-grant detection keys off this value.
	SourceID string `yaml:"sourceId,omitempty" json:"sourceId,omitempty"`

	// ItemGrants lists the items this item granted.
	ItemGrants []ItemGrant `yaml:"itemGrants,omitempty" json:"itemGrants,omitempty"`

	// GrantedBy links back to the granting item.
	GrantedBy *GrantedBy `yaml:"grantedBy,omitempty" json:"grantedBy,omitempty"`

	// RulesSelections stores choice-set answers keyed by the choice's flag.
	RulesSelections map[string]any `yaml:"rulesSelections,omitempty" json:"rulesSelections,omitempty"`
}

// ItemGrant is one entry of a granter's itemGrants list.
type ItemGrant struct {
	ID string `yaml:"id" json:"id"`
}

// GrantedBy is the back-link of a granted item.
type GrantedBy struct {
	ID       string       `yaml:"id" json:"id"`
	OnDelete DeleteAction `yaml:"onDelete,omitempty" json:"onDelete,omitempty"`
}

// DeleteAction is the policy applied to a grantee when its granter is deleted.
type DeleteAction string

const (
	// DeleteCascade deletes the grantee together with the granter.
	DeleteCascade DeleteAction = "cascade"

	// DeleteDetach severs the link but keeps the grantee.
	DeleteDetach DeleteAction = "detach"

	// DeleteRestrict forbids deleting the granter while the grant exists.
	DeleteRestrict DeleteAction = "restrict"
)

// IsValid reports whether d is a recognised delete action.
func (d DeleteAction) IsValid() bool {
	switch d {
	case DeleteCascade, DeleteDetach, DeleteRestrict:
		return true
	}
	return false
}

// ParseDeleteAction converts s into a [DeleteAction]. An empty string yields
// [DeleteCascade].
func ParseDeleteAction(s string) (DeleteAction, error) {
	if s == "" {
		return DeleteCascade, nil
	}
	d := DeleteAction(s)
	if !d.IsValid() {
		return "", fmt.Errorf("document: unknown delete action %q", s)
	}
	return d, nil
}

// Effective returns the policy in force for this link. Links written before
// policies were recorded behave as [DeleteCascade].
func (g *GrantedBy) Effective() DeleteAction {
	if g == nil || g.OnDelete == "" {
		return DeleteCascade
	}
	return g.OnDelete
}
