package mcpserver

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/pkg/predicate"
)

// ─────────────────────────────────────────────────────────────────────────────
// evaluate_predicate
// ─────────────────────────────────────────────────────────────────────────────

type evaluatePredicateInput struct {
	Predicate   any      `json:"predicate" jsonschema:"predicate as a string atom, a list of statements, or a quantifier object"`
	RollOptions []string `json:"roll_options,omitempty" jsonschema:"roll options that are true, e.g. self:level:5"`
}

type evaluatePredicateResult struct {
	Result bool `json:"result" jsonschema:"whether the predicate holds"`
}

func evaluatePredicateTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "evaluate_predicate",
		Description: "Tests a rule predicate against a set of roll options",
	}
}

func (s *Server) evaluatePredicate(_ context.Context, _ *mcp.CallToolRequest, in evaluatePredicateInput) (*mcp.CallToolResult, evaluatePredicateResult, error) {
	p, err := predicate.Parse(in.Predicate)
	if err != nil {
		return nil, evaluatePredicateResult{}, err
	}
	return nil, evaluatePredicateResult{Result: p.Test(predicate.NewRollOptions(in.RollOptions...))}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// prepare_actor
// ─────────────────────────────────────────────────────────────────────────────

type prepareActorInput struct {
	ActorID string `json:"actor_id" jsonschema:"id of the actor to prepare"`
}

type modifierView struct {
	Selector string `json:"selector"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Value    int    `json:"value"`
	Source   string `json:"source,omitempty"`
}

type ignoredView struct {
	Key    string `json:"key"`
	Item   string `json:"item"`
	Reason string `json:"reason,omitempty"`
}

type prepareActorResult struct {
	ActorID     string         `json:"actor_id"`
	RollOptions []string       `json:"roll_options"`
	Totals      map[string]int `json:"totals" jsonschema:"modifier total per selector under the actor's roll options"`
	Modifiers   []modifierView `json:"modifiers"`
	Ignored     []ignoredView  `json:"ignored,omitempty" jsonschema:"rule elements that did not apply, with the first diagnostic"`
}

func prepareActorTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "prepare_actor",
		Description: "Runs the rule elements of an actor and reports modifier totals",
	}
}

func (s *Server) prepareActor(ctx context.Context, _ *mcp.CallToolRequest, in prepareActorInput) (*mcp.CallToolResult, prepareActorResult, error) {
	res, err := s.mediator.PrepareByID(ctx, in.ActorID)
	if err != nil {
		return nil, prepareActorResult{}, err
	}

	out := prepareActorResult{
		ActorID:     res.ActorID,
		RollOptions: res.RollOptions,
		Totals:      make(map[string]int, len(res.Synthetics.Modifiers)),
		Modifiers:   []modifierView{},
	}
	for _, sel := range slices.Sorted(maps.Keys(res.Synthetics.Modifiers)) {
		out.Totals[sel] = res.Total(sel)
		for _, m := range res.Synthetics.Modifiers[sel] {
			out.Modifiers = append(out.Modifiers, modifierView{
				Selector: sel,
				Label:    m.Label,
				Type:     string(m.Type),
				Value:    m.Value,
				Source:   m.Source,
			})
		}
	}
	for _, e := range res.Ignored() {
		v := ignoredView{Key: e.Key, Item: e.Item}
		if len(e.Diagnostics) > 0 {
			v.Reason = e.Diagnostics[0].Message
		}
		out.Ignored = append(out.Ignored, v)
	}
	return nil, out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// search_compendium
// ─────────────────────────────────────────────────────────────────────────────

const defaultSearchLimit = 20

type searchCompendiumInput struct {
	Query string `json:"query" jsonschema:"case-insensitive substring of the item name"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of references to return (default 20)"`
}

type searchCompendiumResult struct {
	References []string `json:"references"`
	Total      int      `json:"total" jsonschema:"number of matches before the limit"`
}

func searchCompendiumTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "search_compendium",
		Description: "Finds compendium item references by name",
	}
}

func (s *Server) searchCompendium(_ context.Context, _ *mcp.CallToolRequest, in searchCompendiumInput) (*mcp.CallToolResult, searchCompendiumResult, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	refs := s.index.Search(in.Query)
	out := searchCompendiumResult{References: refs[:min(limit, len(refs))], Total: len(refs)}
	if out.References == nil {
		out.References = []string{}
	}
	return nil, out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// grant_item
// ─────────────────────────────────────────────────────────────────────────────

type grantItemInput struct {
	ActorID string `json:"actor_id" jsonschema:"id of the receiving actor"`
	UUID    string `json:"uuid" jsonschema:"compendium reference, e.g. Compendium.pf2e.feats-srd.Item.shield-block"`
}

type itemView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	GrantedBy string `json:"granted_by,omitempty"`
}

type grantItemResult struct {
	Created []itemView `json:"created" jsonschema:"persisted items, the granted item first"`
}

func grantItemTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "grant_item",
		Description: "Adds a compendium item to an actor, including anything it grants",
	}
}

func (s *Server) grantItem(ctx context.Context, _ *mcp.CallToolRequest, in grantItemInput) (*mcp.CallToolResult, grantItemResult, error) {
	src, err := s.fetcher.FetchByReference(ctx, in.UUID)
	if err != nil {
		return nil, grantItemResult{}, fmt.Errorf("fetch %q: %w", in.UUID, err)
	}
	if src.Flags.SourceID == "" {
		src.Flags.SourceID = in.UUID
	}
	res, err := s.mediator.CreateItems(ctx, in.ActorID, []*document.ItemSource{src})
	if err != nil {
		return nil, grantItemResult{}, err
	}
	out := grantItemResult{Created: make([]itemView, 0, len(res.Created))}
	for _, it := range res.Created {
		v := itemView{ID: it.ID, Name: it.Name}
		if it.Flags.GrantedBy != nil {
			v.GrantedBy = it.Flags.GrantedBy.ID
		}
		out.Created = append(out.Created, v)
	}
	return nil, out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// delete_items
// ─────────────────────────────────────────────────────────────────────────────

type deleteItemsInput struct {
	ActorID string   `json:"actor_id" jsonschema:"id of the owning actor"`
	ItemIDs []string `json:"item_ids" jsonschema:"ids of the embedded items to delete"`
}

type deleteItemsResult struct {
	Deleted   []string `json:"deleted"`
	Detached  []string `json:"detached,omitempty" jsonschema:"granted items kept but unlinked from a deleted granter"`
	Cancelled []string `json:"cancelled,omitempty" jsonschema:"reasons for deletions a grant prevented"`
}

func deleteItemsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "delete_items",
		Description: "Deletes embedded items, cascading to or detaching granted items",
	}
}

func (s *Server) deleteItems(ctx context.Context, _ *mcp.CallToolRequest, in deleteItemsInput) (*mcp.CallToolResult, deleteItemsResult, error) {
	res, err := s.mediator.DeleteItems(ctx, in.ActorID, in.ItemIDs)
	if err != nil {
		return nil, deleteItemsResult{}, err
	}
	out := deleteItemsResult{Deleted: res.Deleted, Detached: res.Detached}
	if out.Deleted == nil {
		out.Deleted = []string{}
	}
	for _, c := range res.Cancelled {
		out.Cancelled = append(out.Cancelled, c.Error())
	}
	return nil, out, nil
}
