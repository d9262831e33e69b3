package impact

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/graph/graphtest"
)

func seed(t *testing.T, s graph.Store, edges ...[2]string) {
	t.Helper()
	ctx := context.Background()
	seen := map[string]bool{}
	for _, e := range edges {
		for _, k := range e {
			if !seen[k] {
				seen[k] = true
				graphtest.Seed(t, s, k)
			}
		}
		require.NoError(t, s.UpsertRelationship(ctx, graphtest.DependsOn(e[0], e[1])))
	}
}

func TestScenarioImmediateDependents(t *testing.T) {
	s := graph.NewMemoryStore()
	seed(t, s, [2]string{"svc-a", "db-1"})

	a := New(s)
	res, err := a.Analyze(context.Background(), Request{Target: "db-1", Scope: ScopeImmediate, MaxDepth: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-a"}, res.DirectDependents)
	assert.Empty(t, res.IndirectDependents)
	assert.Equal(t, 1, res.TotalImpactedCIs)
	assert.Empty(t, res.ImpactedBusinessServices)
	assert.Empty(t, res.Risk)
}

func TestDepthCorrectness(t *testing.T) {
	s := graph.NewMemoryStore()
	// chain: c -> b -> a (each depends on the next)
	seed(t, s, [2]string{"b", "a"}, [2]string{"c", "b"}, [2]string{"d", "c"})

	a := New(s)
	res, err := a.Analyze(context.Background(), Request{Target: "a", MaxDepth: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.DirectDependents)
	assert.Equal(t, []string{"c"}, res.IndirectDependents)

	res, err = a.Analyze(context.Background(), Request{Target: "a"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.MaxDepth)
	assert.Equal(t, []string{"c", "d"}, res.IndirectDependents)
}

func TestCycleTerminatesAndDedups(t *testing.T) {
	s := graph.NewMemoryStore()
	// a <- b <- c <- a, plus a short-cut d -> a and c -> d.
	seed(t, s,
		[2]string{"b", "a"}, [2]string{"c", "b"}, [2]string{"a", "c"},
		[2]string{"d", "a"}, [2]string{"c", "d"},
	)

	a := New(s)
	res, err := a.Analyze(context.Background(), Request{Target: "a", Scope: ScopeFull, MaxDepth: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d"}, res.DirectDependents)
	assert.Equal(t, []string{"c"}, res.IndirectDependents)
	assert.Equal(t, 3, res.TotalImpactedCIs)

	depths := map[string]int{}
	for _, ci := range res.Impacted {
		_, dup := depths[ci.Key]
		require.False(t, dup, "%s reported twice", ci.Key)
		depths[ci.Key] = ci.Depth
	}
	assert.Equal(t, map[string]int{"b": 1, "d": 1, "c": 2}, depths)
}

func TestDepthClampedToLimit(t *testing.T) {
	s := graph.NewMemoryStore()
	var edges [][2]string
	for i := 0; i < 15; i++ {
		edges = append(edges, [2]string{fmt.Sprintf("n%02d", i+1), fmt.Sprintf("n%02d", i)})
	}
	seed(t, s, edges...)

	a := New(s)
	res, err := a.Analyze(context.Background(), Request{Target: "n00", MaxDepth: 50})
	require.NoError(t, err)
	assert.Equal(t, 10, res.MaxDepth)
	assert.Equal(t, 10, res.TotalImpactedCIs)
}

func TestPropagationRules(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()
	graphtest.Seed(t, s, "app", "db", "mon", "peer")

	require.NoError(t, s.UpsertRelationship(ctx, graphtest.DependsOn("app", "db")))
	require.NoError(t, s.UpsertRelationship(ctx, &cmdb.Relationship{
		Source: "db", Target: "mon", Type: cmdb.RelMonitoredBy, Strength: 2,
	}))
	require.NoError(t, s.UpsertRelationship(ctx, &cmdb.Relationship{
		Source: "db", Target: "peer", Type: cmdb.RelCalls, Direction: cmdb.Bidirectional, Strength: 4,
	}))

	a := New(s)
	res, err := a.Analyze(ctx, Request{Target: "db", MaxDepth: 1})
	require.NoError(t, err)
	// monitored-by does not propagate; the bidirectional call does.
	assert.Equal(t, []string{"app", "peer"}, res.DirectDependents)

	res, err = a.Analyze(ctx, Request{Target: "app", MaxDepth: 3})
	require.NoError(t, err)
	assert.Empty(t, res.DirectDependents)
}

func TestLapsedEdgeExcludedFromTraversal(t *testing.T) {
	now := graphtest.Epoch
	clock := func() time.Time { return now }
	s := graph.NewMemoryStore(graph.WithClock(clock))
	ctx := context.Background()
	graphtest.Seed(t, s, "svc", "db")
	require.NoError(t, s.UpsertRelationship(ctx, &cmdb.Relationship{
		Source: "svc", Target: "db", Type: cmdb.RelCalls, Strength: 3,
		AutoDiscovered: true, ValidUntil: now.Add(time.Minute),
	}))

	a := New(s)
	res, err := a.Analyze(ctx, Request{Target: "db"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalImpactedCIs)

	now = now.Add(time.Hour)
	res, err = a.Analyze(ctx, Request{Target: "db"})
	require.NoError(t, err)
	assert.Zero(t, res.TotalImpactedCIs)
}

func TestBusinessAndFullEnrichment(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()

	db := graphtest.NewCI("db")
	db.BusinessService = "payments"
	db.Tags = map[string]string{cmdb.TagControlFamily: "PCI-DSS"}
	api := graphtest.NewCI("api")
	api.BusinessService = "payments"
	web := graphtest.NewCI("web")
	web.Tags = map[string]string{TagBusinessService: "storefront", cmdb.TagControlFamily: "SOX,PCI-DSS"}
	for _, ci := range []*cmdb.CI{db, api, web} {
		require.NoError(t, s.UpsertCI(ctx, ci))
	}
	require.NoError(t, s.UpsertRelationship(ctx, graphtest.DependsOn("api", "db")))
	web2api := graphtest.DependsOn("web", "api")
	web2api.Strength = 8
	require.NoError(t, s.UpsertRelationship(ctx, web2api))

	cfg := DefaultConfig()
	cfg.UserEstimates = map[string]int{"payments": 20000}
	a := New(s, WithConfig(cfg))

	biz, err := a.Analyze(ctx, Request{Target: "db", Scope: ScopeBusiness})
	require.NoError(t, err)
	assert.Equal(t, []string{"payments", "storefront"}, biz.ImpactedBusinessServices)
	assert.Equal(t, 20100, biz.EstimatedUsers)
	assert.Equal(t, []string{"PCI-DSS", "SOX"}, biz.ImpactedControls)
	assert.Nil(t, biz.Impacted)
	assert.Zero(t, biz.ImpactScore)
	assert.Equal(t, cmdb.RiskCritical, biz.Risk)

	full, err := a.Analyze(ctx, Request{Target: "db", Scope: ScopeFull})
	require.NoError(t, err)
	assert.Equal(t, []string{"PCI-DSS", "SOX"}, full.ImpactedControls)
	require.Len(t, full.Impacted, 2)
	assert.Equal(t, ImpactedCI{Key: "api", Depth: 1, Via: cmdb.RelDependsOn, Strength: 5}, full.Impacted[0])
	assert.InDelta(t, 5.0+8.0/2.0, full.ImpactScore, 1e-9)
}

func TestBusinessScopeClassifiesOnControls(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()
	graphtest.Seed(t, s, "db")
	api := graphtest.NewCI("api")
	api.Tags = map[string]string{cmdb.TagControlFamily: "AC,AU,CM,IA,SC,SI"}
	require.NoError(t, s.UpsertCI(ctx, api))
	require.NoError(t, s.UpsertRelationship(ctx, graphtest.DependsOn("api", "db")))

	a := New(s)
	for _, scope := range []Scope{ScopeBusiness, ScopeFull} {
		res, err := a.Analyze(ctx, Request{Target: "db", Scope: scope})
		require.NoError(t, err)
		assert.Equal(t, []string{"AC", "AU", "CM", "IA", "SC", "SI"}, res.ImpactedControls, scope)
		assert.Equal(t, cmdb.RiskCritical, res.Risk, scope)
	}
}

func TestTargetContextNotCountedAsImpact(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()
	leaf := graphtest.NewCI("vault")
	leaf.BusinessService = "payments"
	leaf.Tags = map[string]string{cmdb.TagControlFamily: "AC,AU,CM,IA,SC,SI"}
	require.NoError(t, s.UpsertCI(ctx, leaf))

	res, err := New(s).Analyze(ctx, Request{Target: "vault", Scope: ScopeFull})
	require.NoError(t, err)
	assert.Zero(t, res.TotalImpactedCIs)
	assert.Empty(t, res.ImpactedBusinessServices)
	assert.Empty(t, res.ImpactedControls)
	assert.Zero(t, res.EstimatedUsers)
	assert.Equal(t, cmdb.RiskLow, res.Risk)
}

// racingStore changes the graph right after every snapshot and before every
// live read, as a concurrent writer would.
type racingStore struct {
	*graph.MemoryStore
	t         *testing.T
	liveReads int
}

func (r *racingStore) Snapshot(ctx context.Context) (*graph.Snapshot, error) {
	snap, err := r.MemoryStore.Snapshot(ctx)
	r.mutate(ctx)
	return snap, err
}

func (r *racingStore) ListRelationshipsFor(ctx context.Context, key string, dir graph.Direction) ([]*cmdb.Relationship, error) {
	r.liveReads++
	r.mutate(ctx)
	return r.MemoryStore.ListRelationshipsFor(ctx, key, dir)
}

func (r *racingStore) mutate(ctx context.Context) {
	err := r.MemoryStore.DeleteRelationship(ctx, cmdb.RelationshipID("web", "api", cmdb.RelDependsOn))
	if err != nil && !errors.Is(err, cmdb.ErrNotFound) {
		r.t.Fatalf("delete edge: %v", err)
	}
}

func TestAnalyzeReadsOneSnapshot(t *testing.T) {
	s := graph.NewMemoryStore()
	seed(t, s, [2]string{"api", "db"}, [2]string{"web", "api"})
	racing := &racingStore{MemoryStore: s, t: t}

	res, err := New(racing).Analyze(context.Background(), Request{Target: "db", Scope: ScopeFull})
	require.NoError(t, err)
	assert.Equal(t, []string{"api"}, res.DirectDependents)
	assert.Equal(t, []string{"web"}, res.IndirectDependents)
	assert.Zero(t, racing.liveReads)

	_, err = s.GetRelationship(context.Background(), cmdb.RelationshipID("web", "api", cmdb.RelDependsOn))
	require.ErrorIs(t, err, cmdb.ErrNotFound)
}

func TestMissingTargetIsNotFound(t *testing.T) {
	a := New(graph.NewMemoryStore())
	_, err := a.Analyze(context.Background(), Request{Target: "ghost"})
	require.ErrorIs(t, err, cmdb.ErrNotFound)
	assert.False(t, errors.Is(err, cmdb.ErrAnalysisFailed))
}

type brokenReader struct {
	graph.Reader
	failOn string
}

func (b *brokenReader) ListRelationshipsFor(ctx context.Context, key string, dir graph.Direction) ([]*cmdb.Relationship, error) {
	if key == b.failOn {
		return nil, errors.New("database is locked")
	}
	return b.Reader.ListRelationshipsFor(ctx, key, dir)
}

func TestReadFailureIsAnalysisFailed(t *testing.T) {
	s := graph.NewMemoryStore()
	seed(t, s, [2]string{"b", "a"}, [2]string{"c", "b"})

	a := New(&brokenReader{Reader: s, failOn: "b"})
	res, err := a.Analyze(context.Background(), Request{Target: "a", MaxDepth: 3})
	require.ErrorIs(t, err, cmdb.ErrAnalysisFailed)
	assert.Nil(t, res)
}

func TestRejectsUnknownScope(t *testing.T) {
	s := graph.NewMemoryStore()
	graphtest.Seed(t, s, "a")
	_, err := New(s).Analyze(context.Background(), Request{Target: "a", Scope: "galaxy"})
	require.ErrorIs(t, err, cmdb.ErrValidation)
}

func TestAnalyzeOverSnapshot(t *testing.T) {
	s := graph.NewMemoryStore()
	seed(t, s, [2]string{"svc-a", "db-1"})
	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	res, err := New(snap).Analyze(context.Background(), Request{Target: "db-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-a"}, res.DirectDependents)
}

func TestHousekeeperRefreshCounters(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()
	seed(t, s, [2]string{"svc-a", "db-1"}, [2]string{"svc-b", "db-1"})

	h := NewHousekeeper(s, nil)
	n, err := h.RefreshCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	db, err := s.GetCI(ctx, "db-1")
	require.NoError(t, err)
	assert.Equal(t, 2, db.InboundCount)
	assert.Zero(t, db.OutboundCount)

	n, err = h.RefreshCounters(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
