package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/engine/history"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/graph/graphtest"
)

func put(t *testing.T, s graph.Store, ci *cmdb.CI) {
	t.Helper()
	require.NoError(t, s.UpsertCI(context.Background(), ci))
}

func TestWeightInvariant(t *testing.T) {
	s := graph.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.Weights.Compliance = 0.25

	_, err := New(s, WithConfig(cfg))
	require.ErrorIs(t, err, cmdb.ErrConfigInvalid)

	cfg.Weights = Weights{Completeness: 0.5, Accuracy: 0.5, Timeliness: 0.5, Compliance: -0.5}
	_, err = New(s, WithConfig(cfg))
	require.ErrorIs(t, err, cmdb.ErrConfigInvalid)

	c, err := New(s)
	require.NoError(t, err)
	c.cfg.Weights.Accuracy = 0.3
	_, err = c.Calculate(context.Background())
	require.ErrorIs(t, err, cmdb.ErrConfigInvalid)

	cfg.Weights = Weights{Completeness: 0.1, Accuracy: 0.2, Timeliness: 0.3, Compliance: 0.4 + 5e-7}
	_, err = New(s, WithConfig(cfg))
	require.NoError(t, err)
}

func TestEmptyPopulationScoresFull(t *testing.T) {
	c, err := New(graph.NewMemoryStore())
	require.NoError(t, err)
	h, err := c.Calculate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, h.Population)
	assert.InDelta(t, 100.0, h.Overall, 1e-9)
	assert.Equal(t, 100.0, h.Completeness)
}

func TestCalculateSubScores(t *testing.T) {
	now := graphtest.Epoch
	s := graph.NewMemoryStore(graph.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	a := graphtest.NewCI("a")
	a.LastReconciled = now.Add(-time.Hour)
	a.Compliance.State = cmdb.ComplianceCompliant
	a.Source = cmdb.SourceAutoDiscovered
	b := graphtest.NewCI("b")
	b.LastReconciled = now.Add(-100 * 24 * time.Hour)
	b.Compliance = cmdb.ComplianceSnapshot{
		State:    cmdb.ComplianceCompliant,
		Findings: []cmdb.Finding{{ID: "F1", Severity: "low", Title: "weak cipher"}},
	}
	c := graphtest.NewCI("c")
	c.Owner = ""
	c.LastReconciled = now
	d := graphtest.NewCI("d")
	d.Owner = ""
	d.Compliance.State = cmdb.ComplianceNonCompliant
	for _, ci := range []*cmdb.CI{a, b, c, d} {
		put(t, s, ci)
	}
	require.NoError(t, s.UpsertRelationship(ctx, graphtest.DependsOn("a", "b")))

	// Archived CIs leave the population.
	gone := graphtest.NewCI("gone")
	put(t, s, gone)
	gone.Lifecycle = cmdb.LifecycleArchived
	put(t, s, gone)

	calc, err := New(s, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	h, err := calc.Calculate(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, h.Population)
	assert.Equal(t, 1, h.Archived)
	assert.Equal(t, 50.0, h.Completeness)
	assert.Equal(t, 50.0, h.Timeliness)
	assert.Equal(t, 75.0, h.Accuracy)
	assert.Equal(t, 50.0, h.Compliance)
	assert.InDelta(t, 0.30*50+0.25*75+0.25*50+0.20*50, h.Overall, 1e-9)

	require.Len(t, h.Inaccurate, 1)
	assert.Equal(t, "b", h.Inaccurate[0].Key)
	assert.Equal(t, []string{"c", "d"}, h.Orphans)
	assert.Equal(t, 2, h.OrphanCount)
	assert.Equal(t, 3, h.Components)
	assert.Equal(t, 2, h.LargestComponent)
}

func TestCustomAccuracyCheck(t *testing.T) {
	s := graph.NewMemoryStore()
	graphtest.Seed(t, s, "a", "b")
	calc, err := New(s, WithAccuracyCheck(func(ci *cmdb.CI, _ time.Time) []string {
		if ci.Name == "a" {
			return []string{"drifted from source"}
		}
		return nil
	}))
	require.NoError(t, err)
	h, err := calc.Calculate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50.0, h.Accuracy)
}

func TestSchedulerRecordsHistory(t *testing.T) {
	now := graphtest.Epoch
	clock := func() time.Time { return now }
	s := graph.NewMemoryStore(graph.WithClock(clock))
	graphtest.Seed(t, s, "a")

	calc, err := New(s, WithClock(clock))
	require.NoError(t, err)
	backend := &history.MemoryBackend{}
	sched := NewScheduler(calc, history.NewClient(backend), nil)
	assert.Nil(t, sched.Latest())

	first, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first.Trend)

	now = now.Add(time.Hour)
	second, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Same(t, second, sched.Latest())

	snaps, err := backend.Load(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, graphtest.Epoch.Add(time.Hour).Unix(), snaps[1].Timestamp)
}
