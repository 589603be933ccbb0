package elements_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/document/memstore"
	"github.com/MrWong99/runeforge/internal/document/mock"
	"github.com/MrWong99/runeforge/internal/migration"
	"github.com/MrWong99/runeforge/internal/rules"
	"github.com/MrWong99/runeforge/internal/rules/elements"
	"github.com/MrWong99/runeforge/pkg/predicate"
)

const (
	shieldBlockRef = "Compendium.pf2e.feats-srd.Item.shield-block"
	weaponFocusRef = "Compendium.pf2e.feats-srd.Item.weapon-focus"
	legacyRef      = "Compendium.homebrew.feats.Item.legacy"
	martialRef     = "Compendium.pf2e.classfeatures.Item.martial-training"
)

type grantFixture struct {
	store    *memstore.Store
	notifier *mock.Notifier
	services *rules.Services
	actor    *document.Actor
}

func newGrantFixture(t *testing.T) *grantFixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()

	refs := map[string]*document.ItemSource{
		shieldBlockRef: {
			Name: "Shield Block", Type: document.ItemFeat,
			System: document.ItemSystem{Slug: "shield-block", Schema: document.Schema{Version: migration.LatestSchemaVersion}},
		},
		weaponFocusRef: {
			Name: "Weapon Focus", Type: document.ItemFeat,
			System: document.ItemSystem{
				Schema: document.Schema{Version: migration.LatestSchemaVersion},
				Rules: []map[string]any{
					{"key": "ChoiceSet", "flag": "weapon", "choices": []any{"longsword", "rapier"}},
				},
			},
		},
		legacyRef: {
			Name: "Legacy Feat", Type: document.ItemFeat,
			System: document.ItemSystem{
				Traits: []string{"General", "general"},
				Rules:  []map[string]any{{"key": "PF2E.RuleElement.RollOption", "option": "legacy"}},
			},
		},
		martialRef: {
			Name: "Martial Training", Type: document.ItemFeat,
			System: document.ItemSystem{
				Category: "classfeature",
				Schema:   document.Schema{Version: migration.LatestSchemaVersion},
				Rules: []map[string]any{
					{"key": "GrantItem", "uuid": shieldBlockRef, "onDelete": "restrict"},
				},
			},
		},
	}
	for ref, src := range refs {
		if err := store.PutReference(ctx, ref, src); err != nil {
			t.Fatalf("PutReference(%q): %v", ref, err)
		}
	}

	actor := &document.Actor{ID: "actor1", Name: "Kyra", Type: document.ActorCharacter, System: map[string]any{}}
	if err := store.SaveActor(ctx, actor); err != nil {
		t.Fatalf("SaveActor: %v", err)
	}
	notifier := &mock.Notifier{}
	return &grantFixture{
		store:    store,
		notifier: notifier,
		actor:    actor,
		services: &rules.Services{
			Store:      store,
			Registry:   elements.NewRegistry(),
			Migrations: migration.NewRunner(),
			Notifier:   notifier,
			Logger:     discard,
		},
	}
}

// granter returns a pending feat source whose only rule is rule.
func granter(rule rules.Source) *document.ItemSource {
	return &document.ItemSource{
		Name:   "Fighter Dedication",
		Type:   document.ItemFeat,
		System: document.ItemSystem{Rules: []map[string]any{rule}},
	}
}

// preCreate builds the element of src's first rule and runs its PreCreate
// hook against a fresh batch holding src.
func (f *grantFixture) preCreate(t *testing.T, src *document.ItemSource) (*rules.PreCreateParams, error) {
	t.Helper()
	e := f.services.Registry.Build(rules.DeepCopy(src.System.Rules[0]).(map[string]any), document.NewItem(src, f.actor), rules.Options{Logger: discard})
	if e.Ignored() {
		t.Fatalf("element ignored: %+v", e.Diagnostics())
	}
	params := &rules.PreCreateParams{
		Actor:         f.actor,
		ItemSource:    src,
		RuleSource:    src.System.Rules[0],
		Pending:       rules.NewBatch(src),
		CreateOptions: &document.CreateOptions{},
		RollOptions:   predicate.NewRollOptions(),
		Services:      f.services,
	}
	return params, e.(rules.PreCreator).PreCreate(context.Background(), params)
}

func TestGrantItemLinksGranterAndGrantee(t *testing.T) {
	t.Parallel()

	f := newGrantFixture(t)
	src := granter(rules.Source{"key": "GrantItem", "uuid": shieldBlockRef, "onDelete": "detach"})
	args, err := f.preCreate(t, src)
	if err != nil {
		t.Fatalf("PreCreate: %v", err)
	}

	items := args.Pending.Items()
	if len(items) != 2 || items[0] != src {
		t.Fatalf("pending = %v, want granter then grantee", args.Pending.IDs())
	}
	granted := items[1]
	if src.ID == "" || granted.ID == "" || src.ID == granted.ID {
		t.Fatalf("ids not assigned: granter %q grantee %q", src.ID, granted.ID)
	}
	if len(src.Flags.ItemGrants) != 1 || src.Flags.ItemGrants[0].ID != granted.ID {
		t.Errorf("itemGrants = %+v", src.Flags.ItemGrants)
	}
	if g := granted.Flags.GrantedBy; g == nil || g.ID != src.ID || g.OnDelete != document.DeleteDetach {
		t.Errorf("grantedBy = %+v", granted.Flags.GrantedBy)
	}
	if granted.Flags.SourceID != shieldBlockRef {
		t.Errorf("sourceId = %q", granted.Flags.SourceID)
	}
	if !args.CreateOptions.KeepID {
		t.Error("KeepID not set for linked batch")
	}
	for _, opt := range []string{"self:feat:fighter-dedication", "self:feat:shield-block"} {
		if !args.RollOptions.Has(opt) {
			t.Errorf("missing roll option %q in %v", opt, args.RollOptions.Sorted())
		}
	}
}

func TestGrantItemDefaultsToCascade(t *testing.T) {
	t.Parallel()

	f := newGrantFixture(t)
	args, err := f.preCreate(t, granter(rules.Source{"key": "GrantItem", "uuid": shieldBlockRef}))
	if err != nil {
		t.Fatalf("PreCreate: %v", err)
	}
	if got := args.Pending.Items()[1].Flags.GrantedBy.Effective(); got != document.DeleteCascade {
		t.Errorf("onDelete = %q, want cascade", got)
	}
}

func TestGrantItemInvalidOnDelete(t *testing.T) {
	t.Parallel()

	e := elements.NewGrantItem(rules.Source{"key": "GrantItem", "uuid": shieldBlockRef, "onDelete": "explode"},
		document.NewItem(granter(nil), &document.Actor{Name: "x", Type: document.ActorCharacter}), rules.Options{Logger: discard})
	if !e.Ignored() {
		t.Error("unknown onDelete must fail validation")
	}
	e = elements.NewGrantItem(rules.Source{"key": "GrantItem"}, nil, rules.Options{Logger: discard})
	if !e.Ignored() {
		t.Error("missing uuid must fail validation")
	}
}

func TestGrantItemNoOps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rule rules.Source
	}{
		{"unknown reference", rules.Source{"key": "GrantItem", "uuid": "Compendium.pf2e.feats-srd.Item.nope"}},
		{"predicate fails", rules.Source{"key": "GrantItem", "uuid": shieldBlockRef, "predicate": []any{"never"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newGrantFixture(t)
			src := granter(tt.rule)
			args, err := f.preCreate(t, src)
			if err != nil {
				t.Fatalf("PreCreate: %v", err)
			}
			if args.Pending.Len() != 1 || len(src.Flags.ItemGrants) != 0 {
				t.Errorf("pending = %d, itemGrants = %v", args.Pending.Len(), src.Flags.ItemGrants)
			}
		})
	}
}

func TestGrantItemDuplicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		replaceSelf bool
		wantPending int
	}{
		{"keeps granter", false, 1},
		{"drops replaced granter", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newGrantFixture(t)
			f.actor.Items = append(f.actor.Items, &document.ItemSource{
				ID: "existing", Name: "Shield Block", Type: document.ItemFeat,
				Flags: document.Flags{SourceID: shieldBlockRef},
			})
			args, err := f.preCreate(t, granter(rules.Source{
				"key": "GrantItem", "uuid": shieldBlockRef, "allowDuplicate": false, "replaceSelf": tt.replaceSelf,
			}))
			if err != nil {
				t.Fatalf("PreCreate: %v", err)
			}
			if args.Pending.Len() != tt.wantPending {
				t.Errorf("pending = %d, want %d", args.Pending.Len(), tt.wantPending)
			}
			msgs := f.notifier.Messages()
			if len(msgs) != 1 || msgs[0].Warn || !strings.Contains(msgs[0].Message, "Kyra already has Shield Block") {
				t.Errorf("notifications = %+v", msgs)
			}
		})
	}
}

func TestGrantItemAllowsDuplicatesByDefault(t *testing.T) {
	t.Parallel()

	f := newGrantFixture(t)
	f.actor.Items = append(f.actor.Items, &document.ItemSource{
		ID: "existing", Name: "Shield Block", Type: document.ItemFeat,
		Flags: document.Flags{SourceID: shieldBlockRef},
	})
	args, err := f.preCreate(t, granter(rules.Source{"key": "GrantItem", "uuid": shieldBlockRef}))
	if err != nil {
		t.Fatalf("PreCreate: %v", err)
	}
	if args.Pending.Len() != 2 {
		t.Errorf("pending = %d, want 2", args.Pending.Len())
	}
}

func TestGrantItemReplaceSelf(t *testing.T) {
	t.Parallel()

	f := newGrantFixture(t)
	src := granter(rules.Source{"key": "GrantItem", "uuid": shieldBlockRef, "replaceSelf": true})
	args, err := f.preCreate(t, src)
	if err != nil {
		t.Fatalf("PreCreate: %v", err)
	}
	items := args.Pending.Items()
	if len(items) != 1 || items[0].Name != "Shield Block" {
		t.Fatalf("pending = %v", args.Pending.IDs())
	}
	if items[0].Flags.GrantedBy != nil || len(src.Flags.ItemGrants) != 0 {
		t.Error("replacement must not be linked to the replaced granter")
	}
}

func TestGrantItemPreselectChoices(t *testing.T) {
	t.Parallel()

	f := newGrantFixture(t)
	args, err := f.preCreate(t, granter(rules.Source{
		"key": "GrantItem", "uuid": weaponFocusRef, "preselectChoices": map[string]any{"weapon": "rapier"},
	}))
	if err != nil {
		t.Fatalf("PreCreate: %v", err)
	}
	granted := args.Pending.Items()[1]
	if granted.Flags.RulesSelections["weapon"] != "rapier" {
		t.Errorf("rulesSelections = %v", granted.Flags.RulesSelections)
	}
	if granted.System.Rules[0]["selection"] != "rapier" {
		t.Errorf("rule selection = %v", granted.System.Rules[0]["selection"])
	}
	if granted.Flags.GrantedBy == nil {
		t.Error("choice recording dropped the grant link")
	}
	if !args.RollOptions.Has("weapon:rapier") {
		t.Errorf("roll options = %v", args.RollOptions.Sorted())
	}
}

func TestGrantItemMigratesStaleGrantee(t *testing.T) {
	t.Parallel()

	f := newGrantFixture(t)
	args, err := f.preCreate(t, granter(rules.Source{"key": "GrantItem", "uuid": legacyRef}))
	if err != nil {
		t.Fatalf("PreCreate: %v", err)
	}
	granted := args.Pending.Items()[1]
	if granted.System.Schema.Version != migration.LatestSchemaVersion {
		t.Errorf("schema version = %v", granted.System.Schema.Version)
	}
	if granted.System.Rules[0]["key"] != "RollOption" {
		t.Errorf("rule key = %v", granted.System.Rules[0]["key"])
	}
	if len(granted.System.Traits) != 1 {
		t.Errorf("traits = %v", granted.System.Traits)
	}
	// The migrated RollOption ran its early hook on the transient grantee.
	if !args.RollOptions.Has("legacy") {
		t.Errorf("roll options = %v", args.RollOptions.Sorted())
	}
}

func TestGrantItemSkipsGranteeWhenMigrationFails(t *testing.T) {
	t.Parallel()

	f := newGrantFixture(t)
	f.services.Migrations = migration.NewRunner(migration.Migration{
		Version: migration.LatestSchemaVersion + 1,
		Name:    "broken",
		UpdateItem: func(context.Context, *document.ItemSource, *document.Actor) error {
			return errors.New("unreadable system data")
		},
	})
	src := granter(rules.Source{"key": "GrantItem", "uuid": shieldBlockRef})
	args, err := f.preCreate(t, src)
	if err != nil {
		t.Fatalf("PreCreate: %v", err)
	}
	if args.Pending.Len() != 1 || len(src.Flags.ItemGrants) != 0 {
		t.Errorf("pending = %v, itemGrants = %v, want the granter alone", args.Pending.IDs(), src.Flags.ItemGrants)
	}
}

func TestGrantItemNestedGrant(t *testing.T) {
	t.Parallel()

	f := newGrantFixture(t)
	src := granter(rules.Source{"key": "GrantItem", "uuid": martialRef})
	args, err := f.preCreate(t, src)
	if err != nil {
		t.Fatalf("PreCreate: %v", err)
	}
	if args.Pending.Len() != 3 {
		t.Fatalf("pending = %d, want 3", args.Pending.Len())
	}
	var training, block *document.ItemSource
	for _, it := range args.Pending.Items() {
		switch it.Name {
		case "Martial Training":
			training = it
		case "Shield Block":
			block = it
		}
	}
	if training == nil || block == nil {
		t.Fatal("nested grantee missing")
	}
	if block.Flags.GrantedBy.ID != training.ID || block.Flags.GrantedBy.OnDelete != document.DeleteRestrict {
		t.Errorf("nested grantedBy = %+v", block.Flags.GrantedBy)
	}
	if training.Flags.GrantedBy.ID != src.ID {
		t.Errorf("grantedBy = %+v", training.Flags.GrantedBy)
	}
	if !args.RollOptions.Has("self:feature:martial-training") {
		t.Errorf("roll options = %v", args.RollOptions.Sorted())
	}
}

// ─── Reevaluation on update ──────────────────────────────────────────────────

func TestGrantItemReevaluateIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newGrantFixture(t)
	src := granter(rules.Source{"key": "GrantItem", "uuid": shieldBlockRef, "reevaluateOnUpdate": true})
	src.ID = "granter1"
	if _, err := f.store.CreateEmbeddedItems(ctx, f.actor.ID, []*document.ItemSource{src}, document.CreateOptions{KeepID: true}); err != nil {
		t.Fatalf("CreateEmbeddedItems: %v", err)
	}

	update := func() *document.Actor {
		t.Helper()
		live, err := f.store.GetActor(ctx, f.actor.ID)
		if err != nil {
			t.Fatalf("GetActor: %v", err)
		}
		item := live.Item("granter1")
		e := f.services.Registry.Build(rules.DeepCopy(item.System.Rules[0]).(map[string]any), item, rules.Options{Logger: discard})
		err = e.(rules.PreParentUpdater).PreUpdateParent(ctx, &rules.PreUpdateParams{
			Actor:       live,
			RollOptions: predicate.NewRollOptions(),
			Services:    f.services,
		})
		if err != nil {
			t.Fatalf("PreUpdateParent: %v", err)
		}
		stored, err := f.store.GetActor(ctx, f.actor.ID)
		if err != nil {
			t.Fatalf("GetActor: %v", err)
		}
		return stored
	}

	first := update()
	if len(first.Items) != 2 {
		t.Fatalf("after first update: %d items, want 2", len(first.Items))
	}
	if broken := document.CheckGrantLinks(first); len(broken) != 0 {
		t.Errorf("broken links: %+v", broken)
	}

	second := update()
	if len(second.Items) != 2 {
		t.Errorf("after second update: %d items, want 2 (grant must not be duplicated)", len(second.Items))
	}
}

func TestGrantItemReevaluateStagesChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newGrantFixture(t)
	src := granter(rules.Source{"key": "GrantItem", "uuid": shieldBlockRef, "reevaluateOnUpdate": true})
	src.ID = "granter1"
	if _, err := f.store.CreateEmbeddedItems(ctx, f.actor.ID, []*document.ItemSource{src}, document.CreateOptions{KeepID: true}); err != nil {
		t.Fatalf("CreateEmbeddedItems: %v", err)
	}
	live, err := f.store.GetActor(ctx, f.actor.ID)
	if err != nil {
		t.Fatalf("GetActor: %v", err)
	}
	item := live.Item("granter1")
	e := f.services.Registry.Build(rules.DeepCopy(item.System.Rules[0]).(map[string]any), item, rules.Options{Logger: discard})

	changes := &document.Batch{}
	err = e.(rules.PreParentUpdater).PreUpdateParent(ctx, &rules.PreUpdateParams{
		Actor:       live,
		RollOptions: predicate.NewRollOptions(),
		Changes:     changes,
		Services:    f.services,
	})
	if err != nil {
		t.Fatalf("PreUpdateParent: %v", err)
	}
	if len(changes.Create) != 1 || !changes.KeepID || len(changes.Update) != 1 || changes.Update[0].ID != "granter1" {
		t.Fatalf("staged changes = %+v", changes)
	}
	if stored, _ := f.store.GetActor(ctx, f.actor.ID); len(stored.Items) != 1 {
		t.Errorf("staged grant was persisted early: %d items", len(stored.Items))
	}
	if len(live.Items) != 2 {
		t.Errorf("live actor has %d items, want 2", len(live.Items))
	}
}

func TestGrantItemReevaluateRelinksGrantee(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newGrantFixture(t)
	src := granter(rules.Source{"key": "GrantItem", "uuid": shieldBlockRef, "reevaluateOnUpdate": true})
	src.ID = "granter1"
	grantee := &document.ItemSource{
		ID:   "block1",
		Name: "Shield Block",
		Type: document.ItemFeat,
		Flags: document.Flags{
			SourceID:  shieldBlockRef,
			GrantedBy: &document.GrantedBy{ID: "granter1"},
		},
	}
	if _, err := f.store.CreateEmbeddedItems(ctx, f.actor.ID, []*document.ItemSource{src, grantee}, document.CreateOptions{KeepID: true}); err != nil {
		t.Fatalf("CreateEmbeddedItems: %v", err)
	}
	live, err := f.store.GetActor(ctx, f.actor.ID)
	if err != nil {
		t.Fatalf("GetActor: %v", err)
	}
	item := live.Item("granter1")
	e := f.services.Registry.Build(rules.DeepCopy(item.System.Rules[0]).(map[string]any), item, rules.Options{Logger: discard})
	err = e.(rules.PreParentUpdater).PreUpdateParent(ctx, &rules.PreUpdateParams{
		Actor:       live,
		RollOptions: predicate.NewRollOptions(),
		Services:    f.services,
	})
	if err != nil {
		t.Fatalf("PreUpdateParent: %v", err)
	}

	stored, err := f.store.GetActor(ctx, f.actor.ID)
	if err != nil {
		t.Fatalf("GetActor: %v", err)
	}
	if len(stored.Items) != 2 {
		t.Errorf("%d items, want 2 (grantee must be relinked, not granted again)", len(stored.Items))
	}
	if grants := stored.ItemSource("granter1").Flags.ItemGrants; len(grants) != 1 || grants[0].ID != "block1" {
		t.Errorf("itemGrants = %+v, want block1", grants)
	}
	if broken := document.CheckGrantLinks(stored); len(broken) != 0 {
		t.Errorf("broken links: %+v", broken)
	}
}

func TestGrantItemReevaluateDisabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newGrantFixture(t)
	src := granter(rules.Source{"key": "GrantItem", "uuid": shieldBlockRef})
	src.ID = "granter1"
	f.actor.Items = append(f.actor.Items, src)
	e := f.services.Registry.Build(rules.DeepCopy(src.System.Rules[0]).(map[string]any), f.actor.Item("granter1"), rules.Options{Logger: discard})
	if err := e.(rules.PreParentUpdater).PreUpdateParent(ctx, &rules.PreUpdateParams{Actor: f.actor, Services: f.services}); err != nil {
		t.Fatalf("PreUpdateParent: %v", err)
	}
	if len(f.actor.Items) != 1 {
		t.Errorf("grant created without reevaluateOnUpdate")
	}
}

// ─── Deletion policies ───────────────────────────────────────────────────────

func TestGrantItemPreDelete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		policy        document.DeleteAction
		wantPending   []string
		wantCancelled bool
		wantDetach    bool
	}{
		{document.DeleteCascade, []string{"granter", "grantee"}, false, false},
		{document.DeleteDetach, []string{"granter"}, false, true},
		{document.DeleteRestrict, []string{}, true, false},
		{"", []string{"granter", "grantee"}, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			t.Parallel()
			f := newGrantFixture(t)
			g := granter(rules.Source{"key": "GrantItem", "uuid": shieldBlockRef})
			g.ID = "granter"
			g.Flags.ItemGrants = []document.ItemGrant{{ID: "grantee"}}
			grantee := &document.ItemSource{
				ID: "grantee", Name: "Shield Block", Type: document.ItemFeat,
				Flags: document.Flags{SourceID: shieldBlockRef, GrantedBy: &document.GrantedBy{ID: "granter", OnDelete: tt.policy}},
			}
			f.actor.Items = append(f.actor.Items, g, grantee)

			e := f.services.Registry.Build(rules.DeepCopy(g.System.Rules[0]).(map[string]any), f.actor.Item("granter"), rules.Options{Logger: discard})
			var updates []document.UpdateDelta
			var cancelled []rules.Cancellation
			args := &rules.PreDeleteParams{
				Actor:     f.actor,
				Pending:   rules.NewBatch(g),
				Updates:   &updates,
				Cancelled: &cancelled,
				Services:  f.services,
			}
			if err := e.(rules.PreDeleter).PreDelete(context.Background(), args); err != nil {
				t.Fatalf("PreDelete: %v", err)
			}

			if got := strings.Join(args.Pending.IDs(), ","); got != strings.Join(tt.wantPending, ",") {
				t.Errorf("pending = %q, want %v", got, tt.wantPending)
			}
			if (len(cancelled) == 1) != tt.wantCancelled {
				t.Errorf("cancelled = %+v", cancelled)
			}
			if tt.wantCancelled {
				msgs := f.notifier.Messages()
				if len(msgs) != 1 || !msgs[0].Warn || msgs[0].Message != "Removal of Fighter Dedication is prevented by Shield Block." {
					t.Errorf("notifications = %+v", msgs)
				}
			}
			if tt.wantDetach {
				if len(updates) != 1 || updates[0].ID != "grantee" || updates[0].Unset[0] != "flags.grantedBy" {
					t.Errorf("updates = %+v", updates)
				}
			} else if len(updates) != 0 {
				t.Errorf("unexpected updates %+v", updates)
			}
		})
	}
}

func TestGrantItemPreDeleteIgnoresBrokenLinks(t *testing.T) {
	t.Parallel()

	f := newGrantFixture(t)
	g := granter(rules.Source{"key": "GrantItem", "uuid": shieldBlockRef})
	g.ID = "granter"
	g.Flags.ItemGrants = []document.ItemGrant{{ID: "missing"}, {ID: "elsewhere"}}
	other := &document.ItemSource{
		ID: "elsewhere", Name: "Shield Block", Type: document.ItemFeat,
		Flags: document.Flags{GrantedBy: &document.GrantedBy{ID: "someone-else", OnDelete: document.DeleteRestrict}},
	}
	f.actor.Items = append(f.actor.Items, g, other)

	e := f.services.Registry.Build(rules.DeepCopy(g.System.Rules[0]).(map[string]any), f.actor.Item("granter"), rules.Options{Logger: discard})
	var updates []document.UpdateDelta
	var cancelled []rules.Cancellation
	args := &rules.PreDeleteParams{Actor: f.actor, Pending: rules.NewBatch(g), Updates: &updates, Cancelled: &cancelled, Services: f.services}
	if err := e.(rules.PreDeleter).PreDelete(context.Background(), args); err != nil {
		t.Fatalf("PreDelete: %v", err)
	}
	if args.Pending.Len() != 1 || len(cancelled) != 0 || len(updates) != 0 {
		t.Errorf("pending=%v cancelled=%v updates=%v", args.Pending.IDs(), cancelled, updates)
	}
}
