package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/graph/sqlitestore"
)

func testChangeStore(t *testing.T, s ChangeStore) {
	ctx := context.Background()
	cr := pendingRequest()
	cr.CreatedAt = t0
	cr.Window.Timezone = "Europe/Berlin"

	require.NoError(t, s.Save(ctx, &cr))
	assert.Equal(t, int64(1), cr.ResourceVersion)

	dup := pendingRequest()
	require.ErrorIs(t, s.Save(ctx, &dup), cmdb.ErrConflict)

	got, err := s.Get(ctx, cr.ID)
	require.NoError(t, err)
	assert.True(t, got.Window.Start.Equal(cr.Window.Start))
	assert.Equal(t, "Europe/Berlin", got.Window.Timezone)

	stale := *got.Clone()
	got.Status = cmdb.StatusApproved
	require.NoError(t, s.Save(ctx, got))
	assert.Equal(t, int64(2), got.ResourceVersion)
	require.ErrorIs(t, s.Save(ctx, &stale), cmdb.ErrConflict)

	other := pendingRequest()
	other.ID = "cr-2"
	other.CreatedAt = t0.Add(time.Minute)
	require.NoError(t, s.Save(ctx, &other))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "cr-1", all[0].ID)

	pending, err := s.List(ctx, Filter{Statuses: []cmdb.ChangeStatus{cmdb.StatusPendingApproval}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "cr-2", pending[0].ID)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, cmdb.ErrNotFound)
}

func TestMemoryChangeStore(t *testing.T) {
	testChangeStore(t, NewMemoryStore())
}

func TestSQLChangeStore(t *testing.T) {
	db, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLStore(db.DB())
	require.NoError(t, err)
	testChangeStore(t, s)
}
