// Package graphtest holds the behavioral suite every graph.Store must pass.
package graphtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/graph"
)

// Factory builds an empty store whose clock reads now().
type Factory func(t *testing.T, now func() time.Time) graph.Store

// Epoch is the fixed time the suite clock starts at.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewCI returns a production CI of type service.
func NewCI(name string) *cmdb.CI {
	return &cmdb.CI{Name: name, Type: cmdb.CITypeService, Lifecycle: cmdb.LifecycleProduction, Owner: "team-" + name}
}

// DependsOn returns a manual depends-on edge from source to target.
func DependsOn(source, target string) *cmdb.Relationship {
	return &cmdb.Relationship{Source: source, Target: target, Type: cmdb.RelDependsOn, Strength: 5}
}

// Seed creates each CI in the store.
func Seed(t *testing.T, s graph.Store, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, s.UpsertCI(context.Background(), NewCI(n)))
	}
}

// Run executes the suite.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("ResourceVersionConflict", func(t *testing.T) { testConflict(t, factory) })
	t.Run("LifecycleTransitions", func(t *testing.T) { testLifecycle(t, factory) })
	t.Run("PendingChangeExclusive", func(t *testing.T) { testPending(t, factory) })
	t.Run("DanglingReference", func(t *testing.T) { testDangling(t, factory) })
	t.Run("ArchiveCascades", func(t *testing.T) { testArchiveCascade(t, factory) })
	t.Run("LapsedEdgesExcluded", func(t *testing.T) { testLapsed(t, factory) })
	t.Run("DirectionFilter", func(t *testing.T) { testDirection(t, factory) })
	t.Run("DeleteRelationship", func(t *testing.T) { testDelete(t, factory) })
	t.Run("ConcurrentMutate", func(t *testing.T) { testConcurrentMutate(t, factory) })
}

func clock() (func() time.Time, func(time.Duration)) {
	var mu sync.Mutex
	now := Epoch
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(d)
		}
}

func testCreateAndGet(t *testing.T, factory Factory) {
	now, _ := clock()
	s := factory(t, now)
	ctx := context.Background()

	ci := NewCI("svc-a")
	ci.Namespace = "prod"
	require.NoError(t, s.UpsertCI(ctx, ci))
	assert.Equal(t, int64(1), ci.ResourceVersion)

	got, err := s.GetCI(ctx, "prod/svc-a")
	require.NoError(t, err)
	assert.Equal(t, "team-svc-a", got.Owner)
	assert.Equal(t, cmdb.ComplianceUnknown, got.Compliance.State)
	assert.Equal(t, cmdb.SourceManual, got.Source)
	assert.True(t, got.CreatedAt.Equal(Epoch))

	_, err = s.GetCI(ctx, "prod/missing")
	require.ErrorIs(t, err, cmdb.ErrNotFound)

	all, err := s.ListCIs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testConflict(t *testing.T, factory Factory) {
	now, _ := clock()
	s := factory(t, now)
	ctx := context.Background()
	Seed(t, s, "svc-a")

	a, err := s.GetCI(ctx, "svc-a")
	require.NoError(t, err)
	b, err := s.GetCI(ctx, "svc-a")
	require.NoError(t, err)

	a.Owner = "first"
	require.NoError(t, s.UpsertCI(ctx, a))
	b.Owner = "second"
	require.ErrorIs(t, s.UpsertCI(ctx, b), cmdb.ErrConflict)

	require.ErrorIs(t, s.UpsertCI(ctx, NewCI("svc-a")), cmdb.ErrConflict)
}

func testLifecycle(t *testing.T, factory Factory) {
	now, _ := clock()
	s := factory(t, now)
	ctx := context.Background()
	Seed(t, s, "svc-a")

	_, err := graph.Mutate(ctx, s, "svc-a", func(ci *cmdb.CI) error {
		ci.Lifecycle = cmdb.LifecyclePlanned
		return nil
	})
	require.ErrorIs(t, err, cmdb.ErrInvalidTransition)

	for _, st := range []cmdb.LifecycleState{cmdb.LifecycleDeprecated, cmdb.LifecycleRetired, cmdb.LifecycleArchived} {
		_, err := graph.Mutate(ctx, s, "svc-a", func(ci *cmdb.CI) error {
			ci.Lifecycle = st
			return nil
		})
		require.NoError(t, err)
	}
	_, err = graph.Mutate(ctx, s, "svc-a", func(ci *cmdb.CI) error {
		ci.Lifecycle = cmdb.LifecycleProduction
		return nil
	})
	require.ErrorIs(t, err, cmdb.ErrInvalidTransition)
}

func testPending(t *testing.T, factory Factory) {
	now, _ := clock()
	s := factory(t, now)
	ctx := context.Background()
	Seed(t, s, "svc-a")

	set := func(ref string) error {
		_, err := graph.Mutate(ctx, s, "svc-a", func(ci *cmdb.CI) error {
			ci.PendingChange = ref
			return nil
		})
		return err
	}
	require.NoError(t, set("cr-1"))
	require.NoError(t, set("cr-1"))
	require.ErrorIs(t, set("cr-2"), cmdb.ErrPendingChange)
	require.NoError(t, set(""))
	require.NoError(t, set("cr-2"))
}

func testDangling(t *testing.T, factory Factory) {
	now, _ := clock()
	s := factory(t, now)
	ctx := context.Background()
	Seed(t, s, "svc-a")

	err := s.UpsertRelationship(ctx, DependsOn("svc-a", "db-1"))
	require.ErrorIs(t, err, cmdb.ErrDanglingReference)

	err = s.UpsertRelationship(ctx, &cmdb.Relationship{Source: "svc-a", Target: "svc-a", Type: "likes", Strength: 1})
	require.ErrorIs(t, err, cmdb.ErrInvalidRelationship)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, graph.CheckIntegrity(snap))
}

func testArchiveCascade(t *testing.T, factory Factory) {
	now, _ := clock()
	s := factory(t, now)
	ctx := context.Background()
	Seed(t, s, "svc-a", "db-1", "svc-b")
	require.NoError(t, s.UpsertRelationship(ctx, DependsOn("svc-a", "db-1")))
	require.NoError(t, s.UpsertRelationship(ctx, DependsOn("svc-b", "db-1")))

	for _, st := range []cmdb.LifecycleState{cmdb.LifecycleRetired, cmdb.LifecycleArchived} {
		_, err := graph.Mutate(ctx, s, "db-1", func(ci *cmdb.CI) error {
			ci.Lifecycle = st
			return nil
		})
		require.NoError(t, err)
	}

	rels, err := s.ListRelationshipsFor(ctx, "svc-a", graph.Both)
	require.NoError(t, err)
	assert.Empty(t, rels)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, graph.CheckIntegrity(snap))

	err = s.UpsertRelationship(ctx, DependsOn("svc-a", "db-1"))
	require.ErrorIs(t, err, cmdb.ErrDanglingReference)
}

func testLapsed(t *testing.T, factory Factory) {
	now, advance := clock()
	s := factory(t, now)
	ctx := context.Background()
	Seed(t, s, "svc-a", "svc-b")

	edge := &cmdb.Relationship{
		Source: "svc-a", Target: "svc-b", Type: cmdb.RelCalls, Strength: 3,
		AutoDiscovered: true, ValidUntil: Epoch.Add(time.Hour),
	}
	require.NoError(t, s.UpsertRelationship(ctx, edge))
	// Manual edges keep their validity as metadata and never lapse.
	manual := DependsOn("svc-b", "svc-a")
	manual.ValidUntil = Epoch.Add(time.Hour)
	require.NoError(t, s.UpsertRelationship(ctx, manual))

	rels, err := s.ListRelationshipsFor(ctx, "svc-a", graph.Outbound)
	require.NoError(t, err)
	require.Len(t, rels, 1)

	advance(2 * time.Hour)

	// Excluded before the sweep runs.
	rels, err = s.ListRelationshipsFor(ctx, "svc-a", graph.Outbound)
	require.NoError(t, err)
	assert.Empty(t, rels)

	n, err := s.ExpireRelationships(ctx, now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := s.GetRelationship(ctx, edge.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	rels, err = s.ListRelationshipsFor(ctx, "svc-a", graph.Inbound)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, manual.ID, rels[0].ID)
	assert.True(t, rels[0].Active)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Relationships(), 1)
	assert.Equal(t, manual.ID, snap.Relationships()[0].ID)

	n, err = s.ExpireRelationships(ctx, now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testDirection(t *testing.T, factory Factory) {
	now, _ := clock()
	s := factory(t, now)
	ctx := context.Background()
	Seed(t, s, "svc-a", "db-1", "svc-b")
	require.NoError(t, s.UpsertRelationship(ctx, DependsOn("svc-a", "db-1")))
	require.NoError(t, s.UpsertRelationship(ctx, DependsOn("db-1", "svc-b")))

	in, err := s.ListRelationshipsFor(ctx, "db-1", graph.Inbound)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "svc-a", in[0].Source)

	out, err := s.ListRelationshipsFor(ctx, "db-1", graph.Outbound)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "svc-b", out[0].Target)

	both, err := s.ListRelationshipsFor(ctx, "db-1", graph.Both)
	require.NoError(t, err)
	assert.Len(t, both, 2)

	_, err = s.ListRelationshipsFor(ctx, "nope", graph.Both)
	require.ErrorIs(t, err, cmdb.ErrNotFound)
}

func testDelete(t *testing.T, factory Factory) {
	now, _ := clock()
	s := factory(t, now)
	ctx := context.Background()
	Seed(t, s, "svc-a", "db-1")
	edge := DependsOn("svc-a", "db-1")
	require.NoError(t, s.UpsertRelationship(ctx, edge))
	assert.Equal(t, cmdb.RelationshipID("svc-a", "db-1", cmdb.RelDependsOn), edge.ID)

	// Same triple upserts in place.
	again := DependsOn("svc-a", "db-1")
	again.Strength = 9
	require.NoError(t, s.UpsertRelationship(ctx, again))
	rels, err := s.ListRelationshipsFor(ctx, "svc-a", graph.Both)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 9, rels[0].Strength)

	require.NoError(t, s.DeleteRelationship(ctx, edge.ID))
	require.ErrorIs(t, s.DeleteRelationship(ctx, edge.ID), cmdb.ErrNotFound)
}

func testConcurrentMutate(t *testing.T, factory Factory) {
	now, _ := clock()
	s := factory(t, now)
	ctx := context.Background()
	Seed(t, s, "svc-a")

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := graph.MutateWithPolicy(ctx, s, graph.RetryPolicy{
				InitialInterval: time.Millisecond,
				MaxInterval:     5 * time.Millisecond,
				MaxTries:        100,
			}, "svc-a", func(ci *cmdb.CI) error {
				if ci.Tags == nil {
					ci.Tags = map[string]string{}
				}
				ci.Tags[fmt.Sprintf("w%d", i)] = "x"
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetCI(ctx, "svc-a")
	require.NoError(t, err)
	assert.Len(t, got.Tags, writers)
	assert.Equal(t, int64(writers+1), got.ResourceVersion)
}
