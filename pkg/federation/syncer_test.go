package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/graph/graphtest"
)

type fakeMirror struct {
	mu     sync.Mutex
	cis    map[string]int
	rels   map[string]int
	failOn map[string]bool
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{cis: map[string]int{}, rels: map[string]int{}, failOn: map[string]bool{}}
}

func (m *fakeMirror) System() string { return "fake" }

func (m *fakeMirror) PushCI(_ context.Context, ci *cmdb.CI) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn[ci.Key()] {
		return "", errors.New("connection refused")
	}
	m.cis[ci.Key()]++
	return fmt.Sprintf("4:fake:%s", ci.Key()), nil
}

func (m *fakeMirror) PushRelationship(_ context.Context, rel *cmdb.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rels[rel.ID]++
	return nil
}

func TestSyncOncePushesChanges(t *testing.T) {
	now := graphtest.Epoch
	clock := func() time.Time { return now }
	store := graph.NewMemoryStore(graph.WithClock(clock))
	ctx := context.Background()
	graphtest.Seed(t, store, "api", "db")
	require.NoError(t, store.UpsertRelationship(ctx, graphtest.DependsOn("api", "db")))

	mirror := newFakeMirror()
	mirror.failOn["db"] = true
	s := NewSyncer(store, mirror, nil)
	s.now = clock

	rep, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{CIs: 1, Relationships: 1, Failed: 1}, rep)

	api, err := store.GetCI(ctx, "api")
	require.NoError(t, err)
	require.Len(t, api.Federation, 1)
	assert.Equal(t, cmdb.FederationRef{System: "fake", ExternalID: "4:fake:api", SyncStatus: StatusSynced, LastSync: now}, api.Federation[0])

	db, err := store.GetCI(ctx, "db")
	require.NoError(t, err)
	require.Len(t, db.Federation, 1)
	assert.Equal(t, StatusFailed, db.Federation[0].SyncStatus)

	// Nothing changed: only the failed CI is retried.
	mirror.failOn["db"] = false
	rep, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{CIs: 1}, rep)
	assert.Equal(t, 1, mirror.cis["api"])

	rep, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)

	// An owner change is pushed again.
	now = now.Add(time.Minute)
	_, err = graph.Mutate(ctx, store, "api", func(ci *cmdb.CI) error {
		ci.Owner = "team-platform"
		return nil
	})
	require.NoError(t, err)
	rep, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{CIs: 1}, rep)
	assert.Equal(t, 2, mirror.cis["api"])
}

func TestRelLabel(t *testing.T) {
	assert.Equal(t, "DEPENDS_ON", relLabel(cmdb.RelDependsOn))
	assert.Equal(t, "STORES_DATA_IN", relLabel(cmdb.RelStoresDataIn))
	assert.Equal(t, "RELATES_TO", relLabel("}{"))
}
