package elements

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/rules"
	"github.com/MrWong99/runeforge/pkg/predicate"
)

// GrantItem adds another item to the actor when its owning item is created.
// The two items are linked through the granter's flags.itemGrants and the
// grantee's flags.grantedBy, which also records what happens to the grantee
// when the granter is deleted.
//
//	{"key": "GrantItem", "uuid": "Compendium.pf2e.feats-srd.Item.Shield Block", "onDelete": "detach"}
type GrantItem struct {
	rules.Base

	uuid               string
	replaceSelf        bool
	reevaluateOnUpdate bool
	allowDuplicate     bool
	preselectChoices   map[string]any
	onDelete           document.DeleteAction
}

var (
	_ rules.PreCreator       = (*GrantItem)(nil)
	_ rules.PreParentUpdater = (*GrantItem)(nil)
	_ rules.PreDeleter       = (*GrantItem)(nil)
)

var grantItemFields = []string{"uuid", "replaceSelf", "reevaluateOnUpdate", "allowDuplicate", "preselectChoices", "onDelete"}

// NewGrantItem is the [rules.Constructor] for GrantItem.
func NewGrantItem(src rules.Source, item *document.Item, opts rules.Options) rules.Element {
	g := &GrantItem{Base: rules.NewBase(src, item, opts)}
	if g.Ignored() || !g.RejectUnknown(grantItemFields...) || !g.RequireActorTypes(creatureTypes...) {
		return g
	}

	g.uuid, _ = g.StringField("uuid")
	g.replaceSelf = g.BoolField("replaceSelf", false)
	g.reevaluateOnUpdate = g.BoolField("reevaluateOnUpdate", false)
	g.allowDuplicate = g.BoolField("allowDuplicate", true)
	onDelete, _ := g.StringField("onDelete")
	if g.Ignored() {
		return g
	}
	if g.uuid == "" {
		g.FailValidation("grant item requires a uuid")
		return g
	}

	action, err := document.ParseDeleteAction(onDelete)
	if err != nil {
		g.FailValidation(err.Error())
		return g
	}
	g.onDelete = action

	// Invalid preselections are dropped rather than failing the grant.
	if pre, ok := src["preselectChoices"].(map[string]any); ok && validPreselect(pre) {
		g.preselectChoices = rules.DeepCopy(pre).(map[string]any)
	}
	return g
}

func validPreselect(m map[string]any) bool {
	for _, v := range m {
		switch v.(type) {
		case string, float64, int:
		default:
			return false
		}
	}
	return true
}

// UUID returns the grant target with injected properties resolved.
func (g *GrantItem) UUID() string { return g.ResolveInjected(g.uuid) }

// OnDelete returns the policy recorded on grantees.
func (g *GrantItem) OnDelete() document.DeleteAction { return g.onDelete }

// PreCreate implements [rules.PreCreator].
func (g *GrantItem) PreCreate(ctx context.Context, args *rules.PreCreateParams) error {
	if g.Ignored() || !g.Test(args.RollOptions) {
		return nil
	}
	return g.grant(ctx, args, g.replaceSelf)
}

// grant builds the grantee for args.ItemSource and adds it to the pending
// batch.
func (g *GrantItem) grant(ctx context.Context, args *rules.PreCreateParams, replaceSelf bool) error {
	svc := args.Services
	log := g.serviceLogger(svc)
	uuid := g.UUID()
	if args.RollOptions == nil {
		args.RollOptions = predicate.NewRollOptions()
	}

	fetched, err := svc.Store.FetchByReference(ctx, uuid)
	if err != nil {
		if !errors.Is(err, document.ErrNotFound) {
			log.Warn("grant item: reference lookup failed", "uuid", uuid, "err", err)
		}
		log.Debug("grant item: reference not found", "uuid", uuid, "item", args.ItemSource.Name)
		return nil
	}
	if fetched == nil || !fetched.Type.IsValid() {
		log.Debug("grant item: reference is not an item", "uuid", uuid)
		return nil
	}

	if !g.allowDuplicate && g.alreadyHas(args, uuid) {
		if replaceSelf {
			args.Pending.Remove(args.ItemSource)
		}
		notify(ctx, svc, false, fmt.Sprintf("%s already has %s.", args.Actor.Name, fetched.Name))
		return nil
	}

	if args.ItemSource.ID == "" {
		args.ItemSource.ID = document.NewID()
	}
	granted := fetched.Clone()
	granted.ID = document.NewID()
	granted.Flags.SourceID = uuid

	if svc.Migrations != nil && svc.Migrations.NeedsMigration(granted) {
		if _, err := svc.Migrations.Migrate(ctx, granted, args.Actor); err != nil {
			log.Warn("grant item: migration of granted item failed", "uuid", uuid, "err", err)
			return nil
		}
	}

	// Transient grantee: its early hooks run now so that nested grants and
	// choice sets see a stable configuration before anything is persisted.
	tmp := document.NewItem(granted, args.Actor)
	granteeOpts := g.Options()
	granteeOpts.SuppressWarnings = true
	var elems []rules.Element
	if svc.Registry != nil {
		elems = svc.Registry.BuildAll(tmp, granteeOpts)
	}
	early := rules.NewPass(args.Actor, args.RollOptions, log)
	for _, e := range elems {
		if a, ok := e.(rules.EarlyApplier); ok && !e.Ignored() {
			a.ApplyEarly(early)
		}
	}

	g.applyChoiceSelections(granted, elems)

	for _, it := range []*document.Item{g.Item(), tmp} {
		if it == nil || !it.IsOfType(document.ItemClass, document.ItemFeat) {
			continue
		}
		prefix := string(it.Type)
		if it.Type == document.ItemFeat && it.IsFeature() {
			prefix = "feature"
		}
		args.RollOptions.Add(fmt.Sprintf("self:%s:%s", prefix, it.Slug()))
	}

	if replaceSelf {
		args.Pending.Replace(args.ItemSource, granted)
		return g.runGranteePreCreates(ctx, args, granted, elems)
	}

	args.CreateOptions.KeepID = true
	args.ItemSource.Flags.ItemGrants = append(args.ItemSource.Flags.ItemGrants, document.ItemGrant{ID: granted.ID})
	granted.Flags.GrantedBy = &document.GrantedBy{ID: args.ItemSource.ID, OnDelete: g.onDelete}

	if err := g.runGranteePreCreates(ctx, args, granted, elems); err != nil {
		return err
	}
	args.Pending.Append(granted)
	return nil
}

// alreadyHas reports whether an item originating from uuid is embedded or
// pending.
func (g *GrantItem) alreadyHas(args *rules.PreCreateParams, uuid string) bool {
	if args.Actor.HasItemFromSource(uuid) {
		return true
	}
	return slices.ContainsFunc(args.Pending.Items(), func(src *document.ItemSource) bool {
		return src.Flags.SourceID == uuid
	})
}

// applyChoiceSelections writes preselected answers into the grantee's choice
// sets.
func (g *GrantItem) applyChoiceSelections(granted *document.ItemSource, elems []rules.Element) {
	for flag, raw := range g.preselectChoices {
		sel, ok := selectionString(raw)
		if !ok {
			continue
		}
		if s, isString := raw.(string); isString {
			sel = g.ResolveInjected(s)
		}
		for i, e := range elems {
			cs, ok := e.(*ChoiceSet)
			if !ok || cs.Flag() != flag {
				continue
			}
			cs.Select(sel)
			if i < len(granted.System.Rules) {
				granted.System.Rules[i]["selection"] = sel
			}
			break
		}
	}
}

// runGranteePreCreates runs the PreCreate hooks of the grantee's elements in
// rule order.
func (g *GrantItem) runGranteePreCreates(ctx context.Context, args *rules.PreCreateParams, granted *document.ItemSource, elems []rules.Element) error {
	for i, e := range elems {
		pc, ok := e.(rules.PreCreator)
		if !ok || e.Ignored() {
			continue
		}
		nested := *args
		nested.ItemSource = granted
		if i < len(granted.System.Rules) {
			nested.RuleSource = granted.System.Rules[i]
		} else {
			nested.RuleSource = nil
		}
		if err := pc.PreCreate(ctx, &nested); err != nil {
			return fmt.Errorf("elements: grantee %q: %w", granted.Name, err)
		}
	}
	return nil
}

// PreUpdateParent implements [rules.PreParentUpdater]. When reevaluation is
// enabled and the grant does not exist yet, the grantee and the granter's
// itemGrants update are staged in args.Changes so both land in one commit. A
// grantee that already points at the granter but is missing from its
// itemGrants is relinked instead of granted again.
func (g *GrantItem) PreUpdateParent(ctx context.Context, args *rules.PreUpdateParams) error {
	if g.Ignored() || !g.reevaluateOnUpdate || g.Item() == nil {
		return nil
	}
	granter := g.Item()
	uuid := g.UUID()
	for _, grant := range granter.Flags.ItemGrants {
		if it := args.Actor.ItemSource(grant.ID); it != nil && it.Flags.SourceID == uuid {
			return nil
		}
	}

	changes := args.Changes
	if changes == nil {
		changes = &document.Batch{}
	}

	if orphan := g.unlinkedGrantee(args.Actor, uuid); orphan != nil {
		grants := append(slices.Clone(granter.Flags.ItemGrants), document.ItemGrant{ID: orphan.ID})
		changes.Update = append(changes.Update, linkDelta(granter.ID, grants))
		granter.Flags.ItemGrants = grants
		g.serviceLogger(args.Services).Debug("grant item: relinked grantee", "uuid", uuid, "grantee", orphan.ID)
		return g.commitOwn(ctx, args, changes)
	}
	if !g.Test(args.RollOptions) {
		return nil
	}

	itemSource := granter.ItemSource.Clone()
	pending := rules.NewBatch()
	createOpts := &document.CreateOptions{}
	params := &rules.PreCreateParams{
		Actor:         args.Actor,
		ItemSource:    itemSource,
		Pending:       pending,
		CreateOptions: createOpts,
		RollOptions:   args.RollOptions,
		Services:      args.Services,
	}
	// A grant can not replace its granter on update.
	if err := g.grant(ctx, params, false); err != nil {
		return err
	}
	if pending.Len() == 0 {
		return nil
	}

	changes.Create = append(changes.Create, pending.Items()...)
	changes.KeepID = true
	changes.Update = append(changes.Update, linkDelta(itemSource.ID, itemSource.Flags.ItemGrants))
	// Keep the live actor in step for the remaining hooks of this update.
	granter.Flags.ItemGrants = itemSource.Flags.ItemGrants
	args.Actor.Items = append(args.Actor.Items, pending.Items()...)
	return g.commitOwn(ctx, args, changes)
}

// unlinkedGrantee returns an embedded item created from uuid whose back-link
// names this granter although the granter does not list it.
func (g *GrantItem) unlinkedGrantee(actor *document.Actor, uuid string) *document.ItemSource {
	granter := g.Item()
	for _, it := range actor.Items {
		if it.Flags.SourceID != uuid || it.Flags.GrantedBy == nil || it.Flags.GrantedBy.ID != granter.ID {
			continue
		}
		if !slices.ContainsFunc(granter.Flags.ItemGrants, func(gr document.ItemGrant) bool { return gr.ID == it.ID }) {
			return it
		}
	}
	return nil
}

// commitOwn persists changes when the caller did not supply a batch to
// stage into.
func (g *GrantItem) commitOwn(ctx context.Context, args *rules.PreUpdateParams, changes *document.Batch) error {
	if args.Changes != nil || changes.IsEmpty() {
		return nil
	}
	if _, err := args.Services.Store.ApplyBatch(ctx, args.Actor.ID, *changes); err != nil {
		return fmt.Errorf("elements: reevaluate grant %q: %w", g.UUID(), err)
	}
	return nil
}

func linkDelta(granterID string, grants []document.ItemGrant) document.UpdateDelta {
	return document.UpdateDelta{
		ID:  granterID,
		Set: map[string]any{"flags.itemGrants": grants},
	}
}

// PreDelete implements [rules.PreDeleter]. Grantees are partitioned by the
// onDelete policy on their back-link: a restrict grantee cancels the
// deletion, detach grantees lose their back-link and cascade grantees join
// the deletion batch.
func (g *GrantItem) PreDelete(ctx context.Context, args *rules.PreDeleteParams) error {
	item := g.Item()
	if item == nil || !args.Pending.Contains(item.ItemSource) {
		return nil
	}

	var cascade, detach, restrict []*document.ItemSource
	for _, grantee := range document.Grantees(args.Actor, item.ItemSource) {
		switch grantee.Flags.GrantedBy.Effective() {
		case document.DeleteRestrict:
			restrict = append(restrict, grantee)
		case document.DeleteDetach:
			detach = append(detach, grantee)
		default:
			cascade = append(cascade, grantee)
		}
	}

	if len(restrict) > 0 {
		by := restrict[0]
		args.Pending.Remove(item.ItemSource)
		*args.Cancelled = append(*args.Cancelled, rules.Cancellation{
			ItemID:   item.ID,
			ItemName: item.Name,
			Reason:   fmt.Sprintf("prevented by %s", by.Name),
		})
		notify(ctx, args.Services, true, fmt.Sprintf("Removal of %s is prevented by %s.", item.Name, by.Name))
		return nil
	}

	for _, grantee := range detach {
		if slices.ContainsFunc(*args.Updates, func(d document.UpdateDelta) bool {
			return d.ID == grantee.ID && slices.Contains(d.Unset, "flags.grantedBy")
		}) {
			continue
		}
		*args.Updates = append(*args.Updates, document.UpdateDelta{
			ID:    grantee.ID,
			Unset: []string{"flags.grantedBy"},
		})
	}
	args.Pending.Append(cascade...)
	return nil
}

func (g *GrantItem) serviceLogger(svc *rules.Services) *slog.Logger {
	if svc != nil && svc.Logger != nil {
		return svc.Logger
	}
	if l := g.Options().Logger; l != nil {
		return l
	}
	return slog.Default()
}

func notify(ctx context.Context, svc *rules.Services, warn bool, msg string) {
	var n rules.Notifier = rules.SlogNotifier{}
	if svc != nil && svc.Notifier != nil {
		n = svc.Notifier
	} else if svc != nil {
		n = rules.SlogNotifier{Logger: svc.Logger}
	}
	if warn {
		n.Warn(ctx, msg)
		return
	}
	n.Info(ctx, msg)
}
