package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// SQLStore keeps ChangeRequests in a change_requests table. It shares the
// SQLite handle of the graph store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the table if needed.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS change_requests (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		data JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_change_requests_status ON change_requests(status);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to migrate change_requests: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Save(ctx context.Context, cr *cmdb.ChangeRequest) error {
	prev := cr.ResourceVersion
	next := cr.Clone()
	next.ResourceVersion = prev + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode change request: %w", err)
	}

	var res sql.Result
	if prev == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO change_requests (id, status, version, created_at, data) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			next.ID, string(next.Status), next.ResourceVersion, next.CreatedAt.UnixNano(), string(data))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE change_requests SET status = ?, version = ?, data = ? WHERE id = ? AND version = ?`,
			string(next.Status), next.ResourceVersion, string(data), next.ID, prev)
	}
	if err != nil {
		return fmt.Errorf("failed to save change request %s: %w", cr.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: change request %s write based on version %d", cmdb.ErrConflict, cr.ID, prev)
	}
	cr.ResourceVersion = next.ResourceVersion
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*cmdb.ChangeRequest, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM change_requests WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: change request %s", cmdb.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load change request %s: %w", id, err)
	}
	return decodeChange(data)
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*cmdb.ChangeRequest, error) {
	query := `SELECT data FROM change_requests`
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list change requests: %w", err)
	}
	defer rows.Close()

	var out []*cmdb.ChangeRequest
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		cr, err := decodeChange(data)
		if err != nil {
			return nil, err
		}
		if f.match(cr) {
			out = append(out, cr)
		}
	}
	return out, rows.Err()
}

func decodeChange(data string) (*cmdb.ChangeRequest, error) {
	var cr cmdb.ChangeRequest
	if err := json.Unmarshal([]byte(data), &cr); err != nil {
		return nil, fmt.Errorf("failed to decode change request: %w", err)
	}
	return &cr, nil
}
