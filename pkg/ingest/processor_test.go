package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/graph/graphtest"
)

type closedGate struct{ keys map[string]bool }

func (g closedGate) Guard(_ context.Context, key string) error {
	if g.keys[key] {
		return fmt.Errorf("%w: %s: window opens in 1h0m", cmdb.ErrWindowNotActive, key)
	}
	return nil
}

func newProcessor(t *testing.T, opts ...Option) (*Processor, graph.Store) {
	t.Helper()
	clock := func() time.Time { return graphtest.Epoch }
	s := graph.NewMemoryStore(graph.WithClock(clock))
	return NewProcessor(s, append([]Option{WithClock(clock)}, opts...)...), s
}

func TestUpsertCreatesThenMerges(t *testing.T) {
	p, s := newProcessor(t)
	ctx := context.Background()

	in := &cmdb.CI{Name: "web", Type: cmdb.CITypeService, Owner: "team-web", Source: cmdb.SourceAutoDiscovered}
	require.NoError(t, p.Handle(ctx, Event{Kind: KindCIUpsert, CI: in}))

	ci, err := s.GetCI(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, cmdb.LifecycleProduction, ci.Lifecycle)
	assert.Equal(t, graphtest.Epoch, ci.LastReconciled)

	require.NoError(t, p.Handle(ctx, Event{Kind: KindComplianceScan, Key: "web", Compliance: &ComplianceScan{
		State: cmdb.ComplianceCompliant, ScanTimestamp: graphtest.Epoch,
	}}))

	later := graphtest.Epoch.Add(time.Hour)
	in2 := &cmdb.CI{Name: "web", Type: cmdb.CITypeService, Owner: "team-frontend", Tags: map[string]string{"tier": "1"}}
	require.NoError(t, p.Handle(ctx, Event{Kind: KindCIUpsert, CI: in2, ObservedAt: later}))

	ci, err = s.GetCI(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "team-frontend", ci.Owner)
	assert.Equal(t, "1", ci.Tags["tier"])
	assert.Equal(t, cmdb.ComplianceCompliant, ci.Compliance.State)
	assert.Equal(t, cmdb.SourceAutoDiscovered, ci.Source)
	assert.Equal(t, later, ci.LastReconciled)
	assert.Equal(t, int64(3), ci.ResourceVersion)
}

func TestDeleteIntentSoftDeletes(t *testing.T) {
	p, s := newProcessor(t)
	ctx := context.Background()
	graphtest.Seed(t, s, "legacy")

	for _, want := range []cmdb.LifecycleState{cmdb.LifecycleDeprecated, cmdb.LifecycleRetired, cmdb.LifecycleRetired} {
		require.NoError(t, p.Handle(ctx, Event{Kind: KindCIDeleteIntent, Key: "legacy"}))
		ci, err := s.GetCI(ctx, "legacy")
		require.NoError(t, err)
		assert.Equal(t, want, ci.Lifecycle)
	}

	err := p.Handle(ctx, Event{Kind: KindCIDeleteIntent, Key: "ghost"})
	require.ErrorIs(t, err, cmdb.ErrNotFound)
}

func TestGuardBlocksMutation(t *testing.T) {
	p, s := newProcessor(t, WithGuard(closedGate{keys: map[string]bool{"db-1": true}}))
	ctx := context.Background()
	graphtest.Seed(t, s, "db-1")

	err := p.Handle(ctx, Event{Kind: KindCIDeleteIntent, Key: "db-1"})
	require.ErrorIs(t, err, cmdb.ErrWindowNotActive)

	err = p.Handle(ctx, Event{Kind: KindCIUpsert, CI: &cmdb.CI{Name: "db-1", Type: cmdb.CITypeDatabase}})
	require.ErrorIs(t, err, cmdb.ErrWindowNotActive)

	ci, err := s.GetCI(ctx, "db-1")
	require.NoError(t, err)
	assert.Equal(t, cmdb.LifecycleProduction, ci.Lifecycle)
	assert.Equal(t, cmdb.CITypeService, ci.Type)

	// Compliance results are not change-controlled.
	require.NoError(t, p.Handle(ctx, Event{Kind: KindComplianceScan, Key: "db-1", Compliance: &ComplianceScan{
		State: cmdb.ComplianceNonCompliant, Findings: []cmdb.Finding{{ID: "CIS-1.1"}},
	}}))
}

func TestComplianceOverwrites(t *testing.T) {
	p, s := newProcessor(t)
	ctx := context.Background()
	graphtest.Seed(t, s, "db")

	scan := func(state cmdb.ComplianceState, findings ...cmdb.Finding) Event {
		return Event{Kind: KindComplianceScan, Key: "db", Compliance: &ComplianceScan{
			State: state, Findings: findings, ScanTimestamp: graphtest.Epoch,
		}}
	}
	require.NoError(t, p.Handle(ctx, scan(cmdb.ComplianceNonCompliant, cmdb.Finding{ID: "F1"}, cmdb.Finding{ID: "F2"})))
	require.NoError(t, p.Handle(ctx, scan(cmdb.ComplianceCompliant)))

	ci, err := s.GetCI(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, cmdb.ComplianceCompliant, ci.Compliance.State)
	assert.Empty(t, ci.Compliance.Findings)
	assert.Equal(t, graphtest.Epoch, ci.Compliance.LastScan)

	require.ErrorIs(t, p.Handle(ctx, scan("passing")), cmdb.ErrValidation)
}

func TestFlowObservedBecomesExpiringEdge(t *testing.T) {
	now := graphtest.Epoch
	clock := func() time.Time { return now }
	s := graph.NewMemoryStore(graph.WithClock(clock))
	cfg := DefaultConfig()
	cfg.Grace = 5 * time.Minute
	p := NewProcessor(s, WithClock(clock), WithConfig(cfg))
	ctx := context.Background()
	graphtest.Seed(t, s, "checkout", "payments")

	require.NoError(t, p.Handle(ctx, Event{Kind: KindFlowObserved, Flow: &FlowObservation{
		Source: "checkout", Target: "payments",
		RequestsPerMinute: 5000, P50Latency: 600 * time.Millisecond,
		WindowStart: now.Add(-10 * time.Minute), WindowEnd: now,
	}}))

	rel, err := s.GetRelationship(ctx, cmdb.RelationshipID("checkout", "payments", cmdb.RelCalls))
	require.NoError(t, err)
	assert.True(t, rel.AutoDiscovered)
	assert.Equal(t, 10, rel.Strength)
	assert.Equal(t, now.Add(5*time.Minute), rel.ValidUntil)

	now = now.Add(6 * time.Minute)
	n, err := s.ExpireRelationships(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDefaultStrength(t *testing.T) {
	tests := []struct {
		name string
		in   FlowObservation
		want int
	}{
		{"idle", FlowObservation{}, 1},
		{"low rate", FlowObservation{RequestsPerMinute: 50}, 4},
		{"slowish", FlowObservation{RequestsPerMinute: 2, P50Latency: 150 * time.Millisecond}, 2},
		{"hot and slow", FlowObservation{RequestsPerMinute: 5000, P50Latency: time.Second}, 10},
		{"hint wins", FlowObservation{RequestsPerMinute: 5000, StrengthHint: 3}, 3},
		{"hint clamped", FlowObservation{StrengthHint: 42}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultStrength(tt.in))
		})
	}
}

func TestRelationshipAndFederation(t *testing.T) {
	p, s := newProcessor(t)
	ctx := context.Background()
	graphtest.Seed(t, s, "api", "db")

	err := p.Handle(ctx, Event{Kind: KindRelationshipObserved, Relationship: graphtest.DependsOn("api", "ghost")})
	require.ErrorIs(t, err, cmdb.ErrDanglingReference)
	require.NoError(t, p.Handle(ctx, Event{Kind: KindRelationshipObserved, Relationship: graphtest.DependsOn("api", "db")}))

	rels, err := s.ListRelationshipsFor(ctx, "db", graph.Inbound)
	require.NoError(t, err)
	require.Len(t, rels, 1)

	require.NoError(t, p.Handle(ctx, Event{Kind: KindFederationSync, Key: "db", Federation: &cmdb.FederationRef{
		System: "neo4j", ExternalID: "4:abc:12", SyncStatus: "synced",
	}}))
	ci, err := s.GetCI(ctx, "db")
	require.NoError(t, err)
	require.Len(t, ci.Federation, 1)
	assert.Equal(t, graphtest.Epoch, ci.Federation[0].LastSync)
}

func TestRejectsMalformedEvents(t *testing.T) {
	p, _ := newProcessor(t)
	for _, ev := range []Event{
		{Kind: "ci-vanished"},
		{Kind: KindCIUpsert},
		{Kind: KindComplianceScan, Key: "db"},
		{Kind: KindFlowObserved, Flow: &FlowObservation{Source: "a"}},
		{Kind: KindFederationSync, Key: "db", Federation: &cmdb.FederationRef{}},
	} {
		require.ErrorIs(t, p.Handle(context.Background(), ev), cmdb.ErrValidation, "kind %s", ev.Kind)
	}
}
