package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/graph/graphtest"
)

// newTestStore creates an in-memory SQLite store for testing.
func newTestStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	s, err := Open(":memory:", WithClock(now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	graphtest.Run(t, func(t *testing.T, now func() time.Time) graph.Store {
		return newTestStore(t, now)
	})
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cigraph.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	graphtest.Seed(t, s, "svc-a", "db-1")
	require.NoError(t, s.UpsertRelationship(ctx, graphtest.DependsOn("svc-a", "db-1")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	ci, err := s.GetCI(ctx, "db-1")
	require.NoError(t, err)
	assert.Equal(t, "team-db-1", ci.Owner)

	rels, err := s.ListRelationshipsFor(ctx, "db-1", graph.Inbound)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "svc-a", rels[0].Source)
}

func TestStoreNullValidUntil(t *testing.T) {
	s := newTestStore(t, time.Now)
	ctx := context.Background()
	graphtest.Seed(t, s, "a", "b")
	require.NoError(t, s.UpsertRelationship(ctx, graphtest.DependsOn("a", "b")))

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM relationships WHERE valid_until IS NULL`).Scan(&n))
	assert.Equal(t, 1, n)
}
