package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/document/postgres"
)

// ─────────────────────────────────────────────────────────────────────────────
// Unit tests against a fake DB
// ─────────────────────────────────────────────────────────────────────────────

type mockRow struct{ err error }

func (r mockRow) Scan(...any) error { return r.err }

type mockDB struct {
	beginErr error
	rowErr   error
	execErr  error
	pingErr  error
	execs    []string
}

func (m *mockDB) Begin(context.Context) (pgx.Tx, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	return nil, errors.New("transactions not supported by mockDB")
}

func (m *mockDB) QueryRow(context.Context, string, ...any) pgx.Row { return mockRow{err: m.rowErr} }

func (m *mockDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (m *mockDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, sql)
	return pgconn.CommandTag{}, m.execErr
}

func (m *mockDB) Ping(context.Context) error { return m.pingErr }

func TestMigrateExecutesSchema(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	if err := postgres.NewStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(db.execs) != 1 || db.execs[0] != postgres.Schema {
		t.Fatalf("Migrate: executed %d statements, want the schema once", len(db.execs))
	}

	boom := errors.New("boom")
	if err := postgres.NewStore(&mockDB{execErr: boom}).Migrate(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Migrate: err = %v, want boom", err)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	if err := postgres.NewStore(&mockDB{}).Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	down := errors.New("connection refused")
	if err := postgres.NewStore(&mockDB{pingErr: down}).Ping(context.Background()); !errors.Is(err, down) {
		t.Fatalf("Ping: err = %v, want connection refused", err)
	}
}

func TestGetActorNotFound(t *testing.T) {
	t.Parallel()
	s := postgres.NewStore(&mockDB{rowErr: pgx.ErrNoRows})
	if _, err := s.GetActor(context.Background(), "nobody"); !errors.Is(err, document.ErrNotFound) {
		t.Fatalf("GetActor: err = %v, want ErrNotFound", err)
	}
}

func TestLookupSeparatesOutagesFromMisses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const ref = "Compendium.pf2e.feats-srd.Item.shield-block"

	miss := postgres.NewStore(&mockDB{rowErr: pgx.ErrNoRows})
	if _, err := miss.Lookup(ctx, ref); !errors.Is(err, document.ErrNotFound) {
		t.Fatalf("Lookup miss: err = %v, want ErrNotFound", err)
	}

	down := errors.New("connection reset")
	outage := postgres.NewStore(&mockDB{rowErr: down})
	if _, err := outage.Lookup(ctx, ref); !errors.Is(err, down) || errors.Is(err, document.ErrNotFound) {
		t.Fatalf("Lookup outage: err = %v, want the raw failure", err)
	}
	if _, err := outage.FetchByReference(ctx, ref); !errors.Is(err, document.ErrNotFound) {
		t.Fatalf("FetchByReference outage: err = %v, want ErrNotFound", err)
	}
	if _, err := outage.FetchByReference(ctx, "not a reference"); !errors.Is(err, document.ErrNotFound) {
		t.Fatalf("FetchByReference malformed: err = %v, want ErrNotFound", err)
	}
}

func TestBatchesFailWhenTransactionCannotStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	boom := errors.New("too many connections")
	s := postgres.NewStore(&mockDB{beginErr: boom})
	src := &document.ItemSource{Name: "Shield Block", Type: document.ItemFeat}

	if _, err := s.CreateEmbeddedItems(ctx, "kyra", []*document.ItemSource{src}, document.CreateOptions{}); !errors.Is(err, boom) {
		t.Fatalf("CreateEmbeddedItems: err = %v, want boom", err)
	}
	if err := s.UpdateEmbeddedItems(ctx, "kyra", []document.UpdateDelta{{ID: "x"}}); !errors.Is(err, boom) {
		t.Fatalf("UpdateEmbeddedItems: err = %v, want boom", err)
	}
	if err := s.DeleteEmbeddedItems(ctx, "kyra", []string{"x"}); !errors.Is(err, boom) {
		t.Fatalf("DeleteEmbeddedItems: err = %v, want boom", err)
	}
	if err := s.UpdateActor(ctx, "kyra", document.UpdateDelta{}); !errors.Is(err, boom) {
		t.Fatalf("UpdateActor: err = %v, want boom", err)
	}
	if _, err := s.ApplyBatch(ctx, "kyra", document.Batch{Delete: []string{"x"}}); !errors.Is(err, boom) {
		t.Fatalf("ApplyBatch: err = %v, want boom", err)
	}
}

func TestPutReferenceRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := postgres.NewStore(&mockDB{})
	valid := &document.ItemSource{Name: "Shield Block", Type: document.ItemFeat}

	tests := []struct {
		name string
		ref  string
		src  *document.ItemSource
	}{
		{name: "malformed", ref: "nope", src: valid},
		{name: "embedded", ref: "Actor.kyra.Item.x", src: valid},
		{name: "invalid source", ref: "Compendium.pf2e.feats-srd.Item.x", src: &document.ItemSource{Type: document.ItemFeat}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.PutReference(ctx, tt.ref, tt.src); err == nil {
				t.Fatal("PutReference: expected error")
			}
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Integration tests
// ─────────────────────────────────────────────────────────────────────────────

// testDSN returns the test database DSN from the environment, or skips the
// test if RUNEFORGE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("RUNEFORGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RUNEFORGE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore opens a store on a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	s, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	for _, stmt := range []string{"DELETE FROM items", "DELETE FROM actors", "DELETE FROM compendium_items"} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("clean: %v", err)
		}
	}
	return s
}

func TestIntegrationActorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	actor := &document.Actor{
		ID:     "kyra",
		Name:   "Kyra",
		Type:   document.ActorCharacter,
		System: map[string]any{"details": map[string]any{"level": map[string]any{"value": float64(1)}}},
		Items: []*document.ItemSource{
			{ID: "a", Name: "Power Attack", Type: document.ItemFeat},
			{ID: "b", Name: "Sudden Charge", Type: document.ItemFeat},
		},
	}
	if err := s.SaveActor(ctx, actor); err != nil {
		t.Fatalf("SaveActor: %v", err)
	}

	created, err := s.CreateEmbeddedItems(ctx, "kyra", []*document.ItemSource{
		{ID: "c", Name: "Shield Block", Type: document.ItemFeat, Flags: document.Flags{SourceID: "Compendium.pf2e.feats-srd.Item.shield-block"}},
	}, document.CreateOptions{KeepID: true})
	if err != nil {
		t.Fatalf("CreateEmbeddedItems: %v", err)
	}
	if len(created) != 1 || created[0].ID != "c" {
		t.Fatalf("CreateEmbeddedItems: got %+v", created)
	}

	if err := s.UpdateEmbeddedItems(ctx, "kyra", []document.UpdateDelta{{ID: "a", Set: map[string]any{"system.level": 2}}}); err != nil {
		t.Fatalf("UpdateEmbeddedItems: %v", err)
	}
	if err := s.DeleteEmbeddedItems(ctx, "kyra", []string{"b"}); err != nil {
		t.Fatalf("DeleteEmbeddedItems: %v", err)
	}
	if err := s.UpdateActor(ctx, "kyra", document.UpdateDelta{Set: map[string]any{"system.details.level.value": 2}}); err != nil {
		t.Fatalf("UpdateActor: %v", err)
	}

	got, err := s.GetActor(ctx, "kyra")
	if err != nil {
		t.Fatalf("GetActor: %v", err)
	}
	if len(got.Items) != 2 || got.Items[0].ID != "a" || got.Items[1].ID != "c" {
		t.Fatalf("GetActor: items = %+v, want [a c]", got.Items)
	}
	if got.Items[0].System.Level != 2 {
		t.Errorf("GetActor: item a level = %d, want 2", got.Items[0].System.Level)
	}
	if got.Level() != 2 {
		t.Errorf("GetActor: actor level = %d, want 2", got.Level())
	}
	if !got.HasItemFromSource("Compendium.pf2e.feats-srd.Item.shield-block") {
		t.Error("GetActor: Shield Block source id lost")
	}

	src, err := s.FetchByReference(ctx, "Actor.kyra.Item.c")
	if err != nil || src.Name != "Shield Block" {
		t.Fatalf("FetchByReference embedded: src = %+v, err = %v", src, err)
	}
}

func TestIntegrationBatchIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveActor(ctx, &document.Actor{ID: "kyra", Name: "Kyra", Type: document.ActorCharacter}); err != nil {
		t.Fatalf("SaveActor: %v", err)
	}
	_, err := s.CreateEmbeddedItems(ctx, "kyra", []*document.ItemSource{
		{ID: "a", Name: "Power Attack", Type: document.ItemFeat},
		{ID: "a", Name: "Duplicate", Type: document.ItemFeat},
	}, document.CreateOptions{KeepID: true})
	if !errors.Is(err, document.ErrDuplicateID) {
		t.Fatalf("CreateEmbeddedItems: err = %v, want ErrDuplicateID", err)
	}
	if err := s.DeleteEmbeddedItems(ctx, "kyra", []string{"missing"}); !errors.Is(err, document.ErrNotFound) {
		t.Fatalf("DeleteEmbeddedItems: err = %v, want ErrNotFound", err)
	}

	got, err := s.GetActor(ctx, "kyra")
	if err != nil {
		t.Fatalf("GetActor: %v", err)
	}
	if len(got.Items) != 0 {
		t.Fatalf("GetActor: %d items after failed batch, want 0", len(got.Items))
	}
}

func TestIntegrationApplyBatchRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	granter := &document.ItemSource{ID: "granter", Name: "Fighter Dedication", Type: document.ItemFeat,
		Flags: document.Flags{ItemGrants: []document.ItemGrant{{ID: "grantee"}}}}
	grantee := &document.ItemSource{ID: "grantee", Name: "Shield Block", Type: document.ItemFeat,
		Flags: document.Flags{GrantedBy: &document.GrantedBy{ID: "granter", OnDelete: document.DeleteDetach}}}
	if err := s.SaveActor(ctx, &document.Actor{ID: "kyra", Name: "Kyra", Type: document.ActorCharacter,
		Items: []*document.ItemSource{granter, grantee}}); err != nil {
		t.Fatalf("SaveActor: %v", err)
	}

	_, err := s.ApplyBatch(ctx, "kyra", document.Batch{
		Create: []*document.ItemSource{{ID: "toughness", Name: "Toughness", Type: document.ItemFeat}},
		KeepID: true,
		Update: []document.UpdateDelta{{ID: "grantee", Unset: []string{"flags.grantedBy"}}},
		Delete: []string{"granter", "missing"},
	})
	if !errors.Is(err, document.ErrNotFound) {
		t.Fatalf("ApplyBatch: err = %v, want ErrNotFound", err)
	}

	got, err := s.GetActor(ctx, "kyra")
	if err != nil {
		t.Fatalf("GetActor: %v", err)
	}
	if len(got.Items) != 2 {
		t.Fatalf("GetActor: %d items after failed batch, want 2", len(got.Items))
	}
	if gb := got.ItemSource("grantee").Flags.GrantedBy; gb == nil || gb.ID != "granter" {
		t.Errorf("GetActor: grantee back-link = %+v, want it kept", gb)
	}

	created, err := s.ApplyBatch(ctx, "kyra", document.Batch{
		Create: []*document.ItemSource{{ID: "toughness", Name: "Toughness", Type: document.ItemFeat}},
		KeepID: true,
		Update: []document.UpdateDelta{{ID: "grantee", Unset: []string{"flags.grantedBy"}}},
		Delete: []string{"granter"},
		Actor:  &document.UpdateDelta{Set: map[string]any{"name": "Kyra the Bold"}},
	})
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if len(created) != 1 || created[0].ID != "toughness" {
		t.Errorf("ApplyBatch: created = %+v", created)
	}
	got, err = s.GetActor(ctx, "kyra")
	if err != nil {
		t.Fatalf("GetActor: %v", err)
	}
	if got.Name != "Kyra the Bold" || len(got.Items) != 2 || got.ItemSource("granter") != nil {
		t.Errorf("GetActor after batch: name %q, items %+v", got.Name, got.Items)
	}
}

func TestIntegrationCompendiumAliases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src := &document.ItemSource{ID: "shield-block", Name: "Shield Block", Type: document.ItemFeat}
	if err := s.PutReference(ctx, "Compendium.pf2e.feats-srd.Item.shield-block", src); err != nil {
		t.Fatalf("PutReference: %v", err)
	}
	for _, ref := range []string{
		"Compendium.pf2e.feats-srd.Item.shield-block",
		"Compendium.pf2e.feats-srd.shield-block",
		"Compendium.feats-srd.shield-block",
	} {
		got, err := s.FetchByReference(ctx, ref)
		if err != nil || got.Name != "Shield Block" {
			t.Errorf("FetchByReference(%q): got %+v, err = %v", ref, got, err)
		}
	}
	if _, err := s.FetchByReference(ctx, "Compendium.pf2e.feats-srd.Item.missing"); !errors.Is(err, document.ErrNotFound) {
		t.Errorf("FetchByReference missing: err = %v, want ErrNotFound", err)
	}
}
