// Package postgres provides a [document.Store] backed by PostgreSQL.
//
// Actors and their embedded items live in separate tables; item sources are
// stored as JSONB in display order. Every batch runs in a single transaction
// with the actor row locked, so a failing entry rolls back the whole batch.
// Compendium content imported through PutReference is kept in its own table
// and keyed like [compendium.Index], so every spelling of a reference
// resolves to the same item.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/runeforge/internal/compendium"
	"github.com/MrWong99/runeforge/internal/document"
)

// Schema is the SQL DDL used by [Store.Migrate]. It can also be applied
// manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS actors (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    type       TEXT NOT NULL,
    system     JSONB NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS items (
    actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
    id       TEXT NOT NULL,
    position INT NOT NULL,
    source   JSONB NOT NULL,
    PRIMARY KEY (actor_id, id)
);
CREATE INDEX IF NOT EXISTS idx_items_position ON items(actor_id, position);
CREATE INDEX IF NOT EXISTS idx_items_source_id ON items((source->'flags'->>'sourceId'));
CREATE TABLE IF NOT EXISTS compendium_items (
    key        TEXT PRIMARY KEY,
    reference  TEXT NOT NULL,
    source     JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [Store]. *pgxpool.Pool satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// querier is the read/write surface shared by [DB] and [pgx.Tx].
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time assertions.
var (
	_ document.Store    = (*Store)(nil)
	_ document.Importer = (*Store)(nil)
)

// Store is a [document.Store] backed by PostgreSQL.
type Store struct {
	db    DB
	close func()
}

// NewStore wraps an existing connection pool. The caller owns db and is
// responsible for calling [Store.Migrate] before issuing queries.
func NewStore(db DB) *Store {
	return &Store{db: db, close: func() {}}
}

// Open connects to dsn, verifies the connection and applies [Schema].
// Close the returned store to release the pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema]. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Close releases the pool when the store opened it itself.
func (s *Store) Close() { s.close() }

// Ping implements [document.Store.Ping].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// GetActor implements [document.Store.GetActor].
func (s *Store) GetActor(ctx context.Context, id string) (*document.Actor, error) {
	a, err := loadActor(ctx, s.db, id, false)
	if err != nil {
		return nil, fmt.Errorf("postgres: get actor %q: %w", id, err)
	}
	return a, nil
}

// SaveActor implements [document.Store.SaveActor]. Missing IDs are assigned
// on the actor and its items before it is written.
func (s *Store) SaveActor(ctx context.Context, actor *document.Actor) error {
	if actor.ID == "" {
		actor.ID = document.NewID()
	}
	for _, it := range actor.Items {
		if it.ID == "" {
			it.ID = document.NewID()
		}
	}
	if err := document.ValidateActor(actor); err != nil {
		return fmt.Errorf("postgres: save actor %q: %w", actor.Name, err)
	}
	system, err := json.Marshal(actor.System)
	if err != nil {
		return fmt.Errorf("postgres: save actor %q: marshal system: %w", actor.Name, err)
	}

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO actors (id, name, type, system, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				type = EXCLUDED.type,
				system = EXCLUDED.system,
				updated_at = now()`
		if _, err := tx.Exec(ctx, upsert, actor.ID, actor.Name, string(actor.Type), system); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM items WHERE actor_id = $1`, actor.ID); err != nil {
			return err
		}
		for pos, it := range actor.Items {
			if err := insertItem(ctx, tx, actor.ID, pos, it); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: save actor %q: %w", actor.Name, err)
	}
	return nil
}

// Lookup resolves a reference and reports database failures as they are.
// It suits a [compendium.GuardedFetcher] backend, whose breaker needs to
// tell outages from misses. [Store.FetchByReference] wraps it.
func (s *Store) Lookup(ctx context.Context, uuid string) (*document.ItemSource, error) {
	ref, err := compendium.ParseReference(uuid)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", document.ErrNotFound, err)
	}
	var raw []byte
	if ref.Embedded() {
		err = s.db.QueryRow(ctx,
			`SELECT source FROM items WHERE actor_id = $1 AND id = $2`,
			ref.ActorID, ref.ID,
		).Scan(&raw)
	} else {
		err = s.db.QueryRow(ctx,
			`SELECT source FROM compendium_items WHERE key = $1`,
			ref.Key(),
		).Scan(&raw)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: lookup %q: %w", uuid, document.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lookup %q: %w", uuid, err)
	}
	src, err := decodeItem(raw)
	if err != nil {
		return nil, fmt.Errorf("postgres: lookup %q: %w", uuid, err)
	}
	return src, nil
}

// FetchByReference implements [document.Store.FetchByReference]. Every
// failure is reported as [document.ErrNotFound].
func (s *Store) FetchByReference(ctx context.Context, uuid string) (*document.ItemSource, error) {
	src, err := s.Lookup(ctx, uuid)
	if err != nil && !errors.Is(err, document.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", document.ErrNotFound, err)
	}
	return src, err
}

// PutReference implements [document.Importer.PutReference].
func (s *Store) PutReference(ctx context.Context, uuid string, src *document.ItemSource) error {
	ref, err := compendium.ParseReference(uuid)
	if err != nil {
		return fmt.Errorf("postgres: put reference: %w", err)
	}
	if ref.Embedded() {
		return fmt.Errorf("postgres: put reference %q: embedded items are not compendium content", uuid)
	}
	if err := document.Validate(src); err != nil {
		return fmt.Errorf("postgres: put reference %q: %w", uuid, err)
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("postgres: put reference %q: marshal: %w", uuid, err)
	}
	const q = `
		INSERT INTO compendium_items (key, reference, source, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE SET
			reference = EXCLUDED.reference,
			source = EXCLUDED.source,
			updated_at = now()`
	if _, err := s.db.Exec(ctx, q, ref.Key(), ref.String(), raw); err != nil {
		return fmt.Errorf("postgres: put reference %q: %w", uuid, err)
	}
	return nil
}

// CreateEmbeddedItems implements [document.Store.CreateEmbeddedItems].
func (s *Store) CreateEmbeddedItems(ctx context.Context, actorID string, sources []*document.ItemSource, opts document.CreateOptions) ([]*document.ItemSource, error) {
	created, err := s.inTx(ctx, actorID, func(tx pgx.Tx, working *document.Actor) ([]*document.ItemSource, error) {
		return createItems(ctx, tx, working, sources, opts.KeepID)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: create items: %w", err)
	}
	return created, nil
}

// UpdateEmbeddedItems implements [document.Store.UpdateEmbeddedItems].
func (s *Store) UpdateEmbeddedItems(ctx context.Context, actorID string, deltas []document.UpdateDelta) error {
	_, err := s.inTx(ctx, actorID, func(tx pgx.Tx, working *document.Actor) ([]*document.ItemSource, error) {
		return nil, updateItems(ctx, tx, working, deltas)
	})
	if err != nil {
		return fmt.Errorf("postgres: update items: %w", err)
	}
	return nil
}

// DeleteEmbeddedItems implements [document.Store.DeleteEmbeddedItems].
// Positions of the remaining items keep their relative order.
func (s *Store) DeleteEmbeddedItems(ctx context.Context, actorID string, ids []string) error {
	_, err := s.inTx(ctx, actorID, func(tx pgx.Tx, working *document.Actor) ([]*document.ItemSource, error) {
		return nil, deleteItems(ctx, tx, working, ids)
	})
	if err != nil {
		return fmt.Errorf("postgres: delete items: %w", err)
	}
	return nil
}

// UpdateActor implements [document.Store.UpdateActor].
func (s *Store) UpdateActor(ctx context.Context, actorID string, delta document.UpdateDelta) error {
	_, err := s.inTx(ctx, actorID, func(tx pgx.Tx, working *document.Actor) ([]*document.ItemSource, error) {
		return nil, updateActor(ctx, tx, working, delta)
	})
	if err != nil {
		return fmt.Errorf("postgres: update actor %q: %w", actorID, err)
	}
	return nil
}

// ApplyBatch implements [document.Store.ApplyBatch] in one transaction.
func (s *Store) ApplyBatch(ctx context.Context, actorID string, b document.Batch) ([]*document.ItemSource, error) {
	created, err := s.inTx(ctx, actorID, func(tx pgx.Tx, working *document.Actor) ([]*document.ItemSource, error) {
		created, err := createItems(ctx, tx, working, b.Create, b.KeepID)
		if err != nil {
			return nil, err
		}
		if err := updateItems(ctx, tx, working, b.Update); err != nil {
			return nil, err
		}
		if err := deleteItems(ctx, tx, working, b.Delete); err != nil {
			return nil, err
		}
		if b.Actor != nil {
			if err := updateActor(ctx, tx, working, *b.Actor); err != nil {
				return nil, err
			}
		}
		return created, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: apply batch: %w", err)
	}
	return created, nil
}

// inTx locks the actor row and runs fn with the actor as stored. Any error
// rolls the transaction back.
func (s *Store) inTx(ctx context.Context, actorID string, fn func(tx pgx.Tx, working *document.Actor) ([]*document.ItemSource, error)) ([]*document.ItemSource, error) {
	var created []*document.ItemSource
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		working, err := loadActor(ctx, tx, actorID, true)
		if err != nil {
			return err
		}
		created, err = fn(tx, working)
		return err
	})
	return created, err
}

func createItems(ctx context.Context, tx pgx.Tx, working *document.Actor, sources []*document.ItemSource, keepID bool) ([]*document.ItemSource, error) {
	created := make([]*document.ItemSource, 0, len(sources))
	for _, src := range sources {
		it := src.Clone()
		if it.ID == "" || !keepID {
			it.ID = document.NewID()
		}
		if working.ItemSource(it.ID) != nil {
			return nil, fmt.Errorf("create item %q: %w: %q", it.Name, document.ErrDuplicateID, it.ID)
		}
		if err := document.Validate(it); err != nil {
			return nil, fmt.Errorf("create item %q: %w", it.Name, err)
		}
		if err := insertItem(ctx, tx, working.ID, len(working.Items), it); err != nil {
			return nil, fmt.Errorf("create item %q: %w", it.Name, err)
		}
		working.Items = append(working.Items, it)
		created = append(created, it.Clone())
	}
	return created, nil
}

func updateItems(ctx context.Context, tx pgx.Tx, working *document.Actor, deltas []document.UpdateDelta) error {
	for _, d := range deltas {
		cur := working.ItemSource(d.ID)
		if cur == nil {
			return fmt.Errorf("update item %q: %w", d.ID, document.ErrNotFound)
		}
		updated, err := d.ApplyToItem(cur)
		if err != nil {
			return fmt.Errorf("update item %q: %w", d.ID, err)
		}
		if err := document.Validate(updated); err != nil {
			return fmt.Errorf("update item %q: %w", d.ID, err)
		}
		raw, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("update item %q: marshal: %w", d.ID, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE items SET source = $3 WHERE actor_id = $1 AND id = $2`,
			working.ID, d.ID, raw,
		); err != nil {
			return fmt.Errorf("update item %q: %w", d.ID, err)
		}
		*cur = *updated
	}
	return nil
}

func deleteItems(ctx context.Context, tx pgx.Tx, working *document.Actor, ids []string) error {
	for _, id := range ids {
		tag, err := tx.Exec(ctx, `DELETE FROM items WHERE actor_id = $1 AND id = $2`, working.ID, id)
		if err != nil {
			return fmt.Errorf("delete item %q: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("delete item %q: %w", id, document.ErrNotFound)
		}
		working.Items = slices.DeleteFunc(working.Items, func(it *document.ItemSource) bool { return it.ID == id })
	}
	return nil
}

func updateActor(ctx context.Context, tx pgx.Tx, working *document.Actor, delta document.UpdateDelta) error {
	updated, err := delta.ApplyToActor(working)
	if err != nil {
		return err
	}
	system, err := json.Marshal(updated.System)
	if err != nil {
		return fmt.Errorf("marshal system: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE actors SET name = $2, type = $3, system = $4, updated_at = now() WHERE id = $1`,
		working.ID, updated.Name, string(updated.Type), system,
	); err != nil {
		return err
	}
	*working = *updated
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// loadActor reads an actor and its items in position order. With lock set the
// actor row is locked until the surrounding transaction ends.
func loadActor(ctx context.Context, q querier, id string, lock bool) (*document.Actor, error) {
	query := `SELECT id, name, type, system FROM actors WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		a      document.Actor
		typ    string
		system []byte
	)
	err := q.QueryRow(ctx, query, id).Scan(&a.ID, &a.Name, &typ, &system)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("actor %q: %w", id, document.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("actor %q: %w", id, err)
	}
	a.Type = document.ActorType(typ)
	if len(system) > 0 {
		if err := json.Unmarshal(system, &a.System); err != nil {
			return nil, fmt.Errorf("actor %q: unmarshal system: %w", id, err)
		}
	}

	rows, err := q.Query(ctx, `SELECT source FROM items WHERE actor_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("actor %q: query items: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("actor %q: scan item: %w", id, err)
		}
		src, err := decodeItem(raw)
		if err != nil {
			return nil, fmt.Errorf("actor %q: %w", id, err)
		}
		a.Items = append(a.Items, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("actor %q: iterate items: %w", id, err)
	}
	return &a, nil
}

// insertItem appends it at pos. The position is one past the current maximum
// when earlier deletions left gaps, so order is always preserved.
func insertItem(ctx context.Context, tx pgx.Tx, actorID string, pos int, it *document.ItemSource) error {
	raw, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshal item %q: %w", it.Name, err)
	}
	const q = `
		INSERT INTO items (actor_id, id, position, source)
		VALUES ($1, $2, GREATEST($3, (SELECT COALESCE(MAX(position) + 1, 0) FROM items WHERE actor_id = $1)), $4)`
	if _, err := tx.Exec(ctx, q, actorID, it.ID, pos, raw); err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %q", document.ErrDuplicateID, it.ID)
		}
		return err
	}
	return nil
}

func decodeItem(raw []byte) (*document.ItemSource, error) {
	var src document.ItemSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &src, nil
}

// isDuplicateKeyError reports whether err is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
