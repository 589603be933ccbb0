package document

// BrokenLink describes a grantedBy back-link without a matching itemGrants
// entry on the granter (or a granter that no longer exists). Broken links
// are treated as already detached.
type BrokenLink struct {
	GranteeID string
	GranterID string
}

// CheckGrantLinks reports every grantedBy link on actor's items that does
// not correspond to exactly one itemGrants entry on its granter.
func CheckGrantLinks(actor *Actor) []BrokenLink {
	var broken []BrokenLink
	for _, it := range actor.Items {
		g := it.Flags.GrantedBy
		if g == nil {
			continue
		}
		if !IsLinked(actor, it) {
			broken = append(broken, BrokenLink{GranteeID: it.ID, GranterID: g.ID})
		}
	}
	return broken
}

// IsLinked reports whether grantee's grantedBy link is matched by exactly one
// itemGrants entry on its granter.
func IsLinked(actor *Actor, grantee *ItemSource) bool {
	g := grantee.Flags.GrantedBy
	if g == nil {
		return false
	}
	granter := actor.ItemSource(g.ID)
	if granter == nil {
		return false
	}
	n := 0
	for _, grant := range granter.Flags.ItemGrants {
		if grant.ID == grantee.ID {
			n++
		}
	}
	return n == 1
}

// Grantees returns the items granted by granter that are still linked back to
// it, in itemGrants order. Entries whose grantee is missing or whose
// back-link points elsewhere are skipped.
func Grantees(actor *Actor, granter *ItemSource) []*ItemSource {
	var out []*ItemSource
	for _, grant := range granter.Flags.ItemGrants {
		it := actor.ItemSource(grant.ID)
		if it == nil || it.Flags.GrantedBy == nil || it.Flags.GrantedBy.ID != granter.ID {
			continue
		}
		out = append(out, it)
	}
	return out
}
