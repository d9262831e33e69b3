// Package sqlitestore implements graph.Store on SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/graph"
)

// Store implements graph.Store using SQLite. Indexed columns are the source of
// truth for lookups; the full record lives in the data column.
type Store struct {
	db  *sql.DB
	now graph.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store clock.
func WithClock(c graph.Clock) Option {
	return func(s *Store) { s.now = c }
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// DB exposes the handle so other tables can share the database file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cis (
		key TEXT PRIMARY KEY,
		namespace TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		lifecycle TEXT NOT NULL,
		pending_change TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		data JSON NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS relationships (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		type TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		auto_discovered INTEGER NOT NULL DEFAULT 0,
		valid_until INTEGER,
		data JSON NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source);
	CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target);
	CREATE INDEX IF NOT EXISTS idx_cis_pending ON cis(pending_change);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) UpsertCI(ctx context.Context, ci *cmdb.CI) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	next := ci.Clone()
	stored, err := getCI(ctx, tx, next.Key())
	if err != nil && !errors.Is(err, cmdb.ErrNotFound) {
		return err
	}
	if err := graph.PrepareCIWrite(stored, next, s.now()); err != nil {
		return err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal ci: %w", err)
	}

	if stored == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cis (key, namespace, name, type, lifecycle, pending_change, version, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, next.Key(), next.Namespace, next.Name, string(next.Type), string(next.Lifecycle), next.PendingChange, next.ResourceVersion, data)
		if err != nil {
			if isConstraint(err) {
				return fmt.Errorf("%w: %s created concurrently", cmdb.ErrConflict, next.Key())
			}
			return fmt.Errorf("failed to insert ci: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE cis SET type = ?, lifecycle = ?, pending_change = ?, version = ?, data = ?, updated_at = CURRENT_TIMESTAMP
			WHERE key = ? AND version = ?
		`, string(next.Type), string(next.Lifecycle), next.PendingChange, next.ResourceVersion, data, next.Key(), stored.ResourceVersion)
		if err != nil {
			return fmt.Errorf("failed to update ci: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", cmdb.ErrConflict, next.Key())
		}
	}

	if graph.Archiving(stored, next) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE source = ? OR target = ?`, next.Key(), next.Key()); err != nil {
			return fmt.Errorf("failed to drop relationships of %s: %w", next.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ci: %w", err)
	}

	ci.ResourceVersion = next.ResourceVersion
	ci.CreatedAt = next.CreatedAt
	ci.UpdatedAt = next.UpdatedAt
	ci.Compliance.State = next.Compliance.State
	ci.Source = next.Source
	return nil
}

func (s *Store) GetCI(ctx context.Context, key string) (*cmdb.CI, error) {
	return getCI(ctx, s.db, key)
}

func (s *Store) ListCIs(ctx context.Context) ([]*cmdb.CI, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM cis ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cis: %w", err)
	}
	defer rows.Close()

	var out []*cmdb.CI
	for rows.Next() {
		ci, err := scanCI(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cis: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertRelationship(ctx context.Context, rel *cmdb.Relationship) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	next := rel.Clone()
	next.Normalize()
	stored, err := getRelationship(ctx, tx, next.ID)
	if err != nil && !errors.Is(err, cmdb.ErrNotFound) {
		return err
	}

	// Endpoint lookups surface storage errors separately from missing CIs.
	var lookupErr error
	lookup := func(key string) *cmdb.CI {
		ci, err := getCI(ctx, tx, key)
		if err != nil {
			if !errors.Is(err, cmdb.ErrNotFound) && lookupErr == nil {
				lookupErr = err
			}
			return nil
		}
		return ci
	}
	prepErr := graph.PrepareRelationshipWrite(next, stored, lookup, s.now())
	if lookupErr != nil {
		return lookupErr
	}
	if prepErr != nil {
		return prepErr
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal relationship: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO relationships (id, source, target, type, active, auto_discovered, valid_until, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			active = excluded.active,
			auto_discovered = excluded.auto_discovered,
			valid_until = excluded.valid_until,
			data = excluded.data
	`, next.ID, next.Source, next.Target, string(next.Type), boolToInt(next.Active), boolToInt(next.AutoDiscovered), validUntil(next), data)
	if err != nil {
		return fmt.Errorf("failed to upsert relationship: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit relationship: %w", err)
	}
	*rel = *next
	return nil
}

func (s *Store) GetRelationship(ctx context.Context, id string) (*cmdb.Relationship, error) {
	return getRelationship(ctx, s.db, id)
}

func (s *Store) DeleteRelationship(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relationships WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete relationship: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("relationship %s: %w", id, cmdb.ErrNotFound)
	}
	return nil
}

func (s *Store) ListRelationshipsFor(ctx context.Context, key string, dir graph.Direction) ([]*cmdb.Relationship, error) {
	if _, err := s.GetCI(ctx, key); err != nil {
		return nil, err
	}

	var where string
	var args []any
	switch dir {
	case graph.Inbound:
		where, args = "target = ?", []any{key}
	case graph.Outbound:
		where, args = "source = ?", []any{key}
	default:
		where, args = "(source = ? OR target = ?)", []any{key, key}
	}
	args = append(args, s.now().UnixNano())

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM relationships
		WHERE `+where+` AND active = 1 AND (auto_discovered = 0 OR valid_until IS NULL OR valid_until > ?)
		ORDER BY source, target, type
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	return scanRelationships(rows)
}

func (s *Store) ExpireRelationships(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT data FROM relationships
		WHERE active = 1 AND auto_discovered = 1 AND valid_until IS NOT NULL AND valid_until <= ?
	`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to query lapsed relationships: %w", err)
	}
	lapsed, err := scanRelationships(rows)
	if err != nil {
		return 0, err
	}

	for _, rel := range lapsed {
		rel.Active = false
		rel.UpdatedAt = now
		data, err := json.Marshal(rel)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal relationship: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE relationships SET active = 0, data = ? WHERE id = ?`, data, rel.ID); err != nil {
			return 0, fmt.Errorf("failed to expire relationship %s: %w", rel.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit expiry: %w", err)
	}
	return len(lapsed), nil
}

func (s *Store) Snapshot(ctx context.Context) (*graph.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	ciRows, err := tx.QueryContext(ctx, `SELECT data FROM cis ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cis: %w", err)
	}
	var cis []*cmdb.CI
	for ciRows.Next() {
		ci, err := scanCI(ciRows)
		if err != nil {
			ciRows.Close()
			return nil, err
		}
		cis = append(cis, ci)
	}
	ciRows.Close()
	if err := ciRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cis: %w", err)
	}

	relRows, err := tx.QueryContext(ctx, `SELECT data FROM relationships WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	rels, err := scanRelationships(relRows)
	if err != nil {
		return nil, err
	}
	return graph.NewSnapshot(s.now(), cis, rels), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getCI(ctx context.Context, q queryer, key string) (*cmdb.CI, error) {
	ci, err := scanCI(q.QueryRowContext(ctx, `SELECT data FROM cis WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ci %s: %w", key, cmdb.ErrNotFound)
	}
	return ci, err
}

func getRelationship(ctx context.Context, q queryer, id string) (*cmdb.Relationship, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `SELECT data FROM relationships WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relationship %s: %w", id, cmdb.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query relationship: %w", err)
	}
	rel := &cmdb.Relationship{}
	if err := json.Unmarshal(data, rel); err != nil {
		return nil, fmt.Errorf("failed to unmarshal relationship data: %w", err)
	}
	return rel, nil
}

func scanCI(row scanner) (*cmdb.CI, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan ci: %w", err)
	}
	ci := &cmdb.CI{}
	if err := json.Unmarshal(data, ci); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ci data: %w", err)
	}
	return ci, nil
}

func scanRelationships(rows *sql.Rows) ([]*cmdb.Relationship, error) {
	defer rows.Close()
	var out []*cmdb.Relationship
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		rel := &cmdb.Relationship{}
		if err := json.Unmarshal(data, rel); err != nil {
			return nil, fmt.Errorf("failed to unmarshal relationship data: %w", err)
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationships: %w", err)
	}
	return out, nil
}

func validUntil(rel *cmdb.Relationship) sql.NullInt64 {
	if rel.ValidUntil.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: rel.ValidUntil.UnixNano(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
