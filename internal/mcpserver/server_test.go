package mcpserver_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/runeforge/internal/compendium"
	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/document/memstore"
	"github.com/MrWong99/runeforge/internal/lifecycle"
	"github.com/MrWong99/runeforge/internal/mcpserver"
	"github.com/MrWong99/runeforge/internal/migration"
	"github.com/MrWong99/runeforge/internal/observe"
)

const (
	shieldBlockRef = "Compendium.pf2e.feats-srd.Item.shield-block"
	dedicationRef  = "Compendium.pf2e.feats-srd.Item.fighter-dedication"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func feat(id, name string, rules ...map[string]any) *document.ItemSource {
	return &document.ItemSource{
		ID:   id,
		Name: name,
		Type: document.ItemFeat,
		System: document.ItemSystem{
			Slug:   document.Sluggify(name),
			Rules:  rules,
			Schema: document.Schema{Version: migration.LatestSchemaVersion},
		},
	}
}

// connect serves a fresh server over in-memory transports and returns a
// client session. The actor "kyra" carries a +1 AC feat.
func connect(t *testing.T) *mcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	idx := compendium.NewIndex()
	for ref, src := range map[string]*document.ItemSource{
		shieldBlockRef: feat("shield-block", "Shield Block"),
		dedicationRef:  feat("fighter-dedication", "Fighter Dedication", map[string]any{"key": "GrantItem", "uuid": shieldBlockRef}),
	} {
		if err := idx.PutReference(ctx, ref, src); err != nil {
			t.Fatalf("PutReference: %v", err)
		}
	}

	mem := memstore.New()
	if err := mem.SaveActor(ctx, &document.Actor{
		ID:   "kyra",
		Name: "Kyra",
		Type: document.ActorCharacter,
		System: map[string]any{
			"details": map[string]any{"level": map[string]any{"value": 1.0}},
		},
		Items: []*document.ItemSource{
			feat("bracers", "Bracers", map[string]any{"key": "FlatModifier", "selector": "ac", "value": 1, "type": "item"}),
		},
	}); err != nil {
		t.Fatalf("SaveActor: %v", err)
	}

	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	med := lifecycle.New(compendium.Guard(mem, idx),
		lifecycle.WithMetrics(met),
		lifecycle.WithLogger(discard),
	)

	srv, err := mcpserver.New(mcpserver.Config{
		Mediator:   med,
		Fetcher:    idx,
		Compendium: idx,
		Version:    "test",
		Logger:     discard,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	go func() { _ = srv.Run(ctx, serverTransport) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

// call invokes a tool and decodes its structured output into out.
func call(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if res.IsError || out == nil {
		return res
	}
	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("CallTool(%s): marshal structured content: %v", name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("CallTool(%s): decode structured content: %v", name, err)
	}
	return res
}

func TestNewRequiresMediatorAndFetcher(t *testing.T) {
	t.Parallel()

	med := lifecycle.New(memstore.New(), lifecycle.WithLogger(discard))
	tests := []struct {
		name string
		cfg  mcpserver.Config
	}{
		{name: "no mediator", cfg: mcpserver.Config{Fetcher: compendium.NewIndex()}},
		{name: "no fetcher", cfg: mcpserver.Config{Mediator: med}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := mcpserver.New(tt.cfg); err == nil {
				t.Fatal("New: expected error, got nil")
			}
		})
	}
}

func TestListTools(t *testing.T) {
	t.Parallel()
	session := connect(t)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	want := []string{"delete_items", "evaluate_predicate", "grant_item", "prepare_actor", "search_compendium"}
	if !slices.Equal(names, want) {
		t.Errorf("ListTools = %v, want %v", names, want)
	}
}

func TestEvaluatePredicate(t *testing.T) {
	t.Parallel()
	session := connect(t)

	tests := []struct {
		name      string
		predicate any
		options   []string
		want      bool
	}{
		{name: "atom present", predicate: []any{"self:level:1"}, options: []string{"self:level:1"}, want: true},
		{name: "atom missing", predicate: []any{"raging"}, options: []string{"self:level:1"}, want: false},
		{name: "disjunction", predicate: []any{map[string]any{"or": []any{"raging", "self:level:3"}}}, options: []string{"self:level:3"}, want: true},
		{name: "negation", predicate: []any{map[string]any{"not": "raging"}}, options: []string{}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				Result bool `json:"result"`
			}
			res := call(t, session, "evaluate_predicate", map[string]any{"predicate": tt.predicate, "roll_options": tt.options}, &out)
			if res.IsError {
				t.Fatalf("evaluate_predicate: unexpected tool error: %+v", res.Content)
			}
			if out.Result != tt.want {
				t.Errorf("evaluate_predicate = %v, want %v", out.Result, tt.want)
			}
		})
	}
}

func TestEvaluatePredicateInvalid(t *testing.T) {
	t.Parallel()
	session := connect(t)

	res := call(t, session, "evaluate_predicate", map[string]any{"predicate": []any{map[string]any{"xor": []any{"a"}}}}, nil)
	if !res.IsError {
		t.Fatal("evaluate_predicate: expected a tool error for an unknown operator")
	}
}

func TestPrepareActor(t *testing.T) {
	t.Parallel()
	session := connect(t)

	var out struct {
		ActorID     string         `json:"actor_id"`
		RollOptions []string       `json:"roll_options"`
		Totals      map[string]int `json:"totals"`
		Modifiers   []struct {
			Selector string `json:"selector"`
			Label    string `json:"label"`
			Value    int    `json:"value"`
		} `json:"modifiers"`
	}
	res := call(t, session, "prepare_actor", map[string]any{"actor_id": "kyra"}, &out)
	if res.IsError {
		t.Fatalf("prepare_actor: unexpected tool error: %+v", res.Content)
	}
	if out.ActorID != "kyra" {
		t.Errorf("actor_id = %q, want kyra", out.ActorID)
	}
	if out.Totals["ac"] != 1 {
		t.Errorf("totals[ac] = %d, want 1", out.Totals["ac"])
	}
	if len(out.Modifiers) != 1 || out.Modifiers[0].Label != "Bracers" {
		t.Errorf("modifiers = %+v, want one from Bracers", out.Modifiers)
	}
	if !slices.Contains(out.RollOptions, "self:feat:bracers") {
		t.Errorf("roll_options %v missing self:feat:bracers", out.RollOptions)
	}
}

func TestPrepareActorUnknown(t *testing.T) {
	t.Parallel()
	session := connect(t)

	res := call(t, session, "prepare_actor", map[string]any{"actor_id": "nobody"}, nil)
	if !res.IsError {
		t.Fatal("prepare_actor: expected a tool error for an unknown actor")
	}
}

func TestSearchCompendium(t *testing.T) {
	t.Parallel()
	session := connect(t)

	tests := []struct {
		name  string
		args  map[string]any
		want  []string
		total int
	}{
		{name: "by name", args: map[string]any{"query": "shield"}, want: []string{shieldBlockRef}, total: 1},
		{name: "limited", args: map[string]any{"query": "", "limit": 1}, want: []string{dedicationRef}, total: 2},
		{name: "no match", args: map[string]any{"query": "fireball"}, want: []string{}, total: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				References []string `json:"references"`
				Total      int      `json:"total"`
			}
			call(t, session, "search_compendium", tt.args, &out)
			if !slices.Equal(out.References, tt.want) || out.Total != tt.total {
				t.Errorf("search_compendium = %v (%d), want %v (%d)", out.References, out.Total, tt.want, tt.total)
			}
		})
	}
}

type createdView struct {
	Created []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		GrantedBy string `json:"granted_by"`
	} `json:"created"`
}

func TestGrantItemThenDelete(t *testing.T) {
	t.Parallel()
	session := connect(t)

	var granted createdView
	res := call(t, session, "grant_item", map[string]any{"actor_id": "kyra", "uuid": dedicationRef}, &granted)
	if res.IsError {
		t.Fatalf("grant_item: unexpected tool error: %+v", res.Content)
	}
	if len(granted.Created) != 2 {
		t.Fatalf("grant_item: created %+v, want the dedication and its grant", granted.Created)
	}
	granter, grantee := granted.Created[0], granted.Created[1]
	if granter.Name != "Fighter Dedication" || grantee.Name != "Shield Block" {
		t.Errorf("grant_item: created %+v", granted.Created)
	}
	if grantee.GrantedBy != granter.ID {
		t.Errorf("grantee granted_by = %q, want %q", grantee.GrantedBy, granter.ID)
	}

	var deleted struct {
		Deleted []string `json:"deleted"`
	}
	res = call(t, session, "delete_items", map[string]any{"actor_id": "kyra", "item_ids": []string{granter.ID}}, &deleted)
	if res.IsError {
		t.Fatalf("delete_items: unexpected tool error: %+v", res.Content)
	}
	slices.Sort(deleted.Deleted)
	want := []string{granter.ID, grantee.ID}
	slices.Sort(want)
	if !slices.Equal(deleted.Deleted, want) {
		t.Errorf("delete_items deleted = %v, want the cascade %v", deleted.Deleted, want)
	}
}

func TestGrantItemUnknownReference(t *testing.T) {
	t.Parallel()
	session := connect(t)

	res := call(t, session, "grant_item", map[string]any{"actor_id": "kyra", "uuid": "Compendium.pf2e.feats-srd.Item.missing"}, nil)
	if !res.IsError {
		t.Fatal("grant_item: expected a tool error for a missing reference")
	}
}
