package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/engine/impact"
	"github.com/DrSkyle/cigraph/pkg/engine/notifier"
	"github.com/DrSkyle/cigraph/pkg/engine/policy"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/graph/graphtest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

type recordingNotifier struct {
	mu       sync.Mutex
	warnings []notifier.Warning
}

func (r *recordingNotifier) Notify(_ context.Context, w notifier.Warning) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, w)
	return nil
}

func (r *recordingNotifier) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, w := range r.warnings {
		out = append(out, w.Title)
	}
	return out
}

type fixture struct {
	clock  *fakeClock
	graph  *graph.MemoryStore
	gate   *Gate
	notice *recordingNotifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{clock: &fakeClock{now: graphtest.Epoch}, notice: &recordingNotifier{}}
	f.graph = graph.NewMemoryStore(graph.WithClock(f.clock.Now))
	graphtest.Seed(t, f.graph, "db-1", "svc-a", "web")
	require.NoError(t, f.graph.UpsertRelationship(context.Background(), graphtest.DependsOn("svc-a", "db-1")))

	base := []Option{WithClock(f.clock.Now), WithNotifier(f.notice)}
	f.gate = New(NewMemoryStore(), f.graph, append(base, opts...)...)
	return f
}

// draft returns a request whose window opens 3h12m after the epoch and lasts an hour.
func (f *fixture) draft(affected ...string) *cmdb.ChangeRequest {
	start := graphtest.Epoch.Add(3*time.Hour + 12*time.Minute)
	return &cmdb.ChangeRequest{
		Title:             "Upgrade database",
		Type:              cmdb.ChangeNormal,
		Requester:         "carol",
		AffectedCIs:       affected,
		RequiredApprovers: 2,
		RollbackPlan:      "restore snapshot",
		Window:            cmdb.Window{Start: start, End: start.Add(time.Hour), Timezone: "UTC"},
	}
}

func (f *fixture) submitted(t *testing.T, cr *cmdb.ChangeRequest) *cmdb.ChangeRequest {
	t.Helper()
	ctx := context.Background()
	created, err := f.gate.Create(ctx, cr)
	require.NoError(t, err)
	out, err := f.gate.Submit(ctx, created.ID, "carol")
	require.NoError(t, err)
	return out
}

func (f *fixture) approved(t *testing.T, cr *cmdb.ChangeRequest) *cmdb.ChangeRequest {
	t.Helper()
	ctx := context.Background()
	cr = f.submitted(t, cr)
	for i := 0; i < cr.RequiredApprovers; i++ {
		var err error
		cr, err = f.gate.Approve(ctx, cr.ID, []string{"alice", "bob", "dave"}[i], "")
		require.NoError(t, err)
	}
	require.Equal(t, cmdb.StatusApproved, cr.Status)
	return cr
}

func (f *fixture) pending(t *testing.T, key string) string {
	t.Helper()
	ci, err := f.graph.GetCI(context.Background(), key)
	require.NoError(t, err)
	return ci.PendingChange
}

func TestScenarioTwoApproversAndWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cr := f.submitted(t, f.draft("db-1"))
	assert.Equal(t, cmdb.PhaseReview, cr.Phase)
	assert.Equal(t, cr.ID, f.pending(t, "db-1"))

	_, err := f.gate.Approve(ctx, cr.ID, "alice", "lgtm")
	require.NoError(t, err)
	open, e := f.gate.IsChangeApproved(ctx, cr.ID)
	assert.False(t, open)
	assert.Equal(t, "blocked: 1 of 2 required approvals", e.Reason)

	// Same approver twice counts once.
	again, err := f.gate.Approve(ctx, cr.ID, "alice", "still lgtm")
	require.NoError(t, err)
	assert.Equal(t, 1, again.CurrentApprovals())
	assert.Len(t, again.Decisions, 1)

	approved, err := f.gate.Approve(ctx, cr.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, cmdb.StatusApproved, approved.Status)
	assert.Equal(t, cmdb.PhaseImplementation, approved.Phase)

	open, e = f.gate.IsChangeApproved(ctx, cr.ID)
	assert.False(t, open)
	assert.Equal(t, "blocked: window opens in 3h12m", e.Reason)

	f.clock.Advance(3*time.Hour + 30*time.Minute)
	open, e = f.gate.IsChangeApproved(ctx, cr.ID)
	assert.True(t, open, e.Reason)

	f.clock.Set(approved.Window.End.Add(2*time.Hour + 5*time.Minute))
	open, e = f.gate.IsChangeApproved(ctx, cr.ID)
	assert.False(t, open)
	assert.Equal(t, "blocked: window closed 2h5m ago without execution", e.Reason)
}

func TestRejectionIsTerminalAndLegible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cr := f.submitted(t, f.draft("db-1"))

	_, err := f.gate.Approve(ctx, cr.ID, "alice", "")
	require.NoError(t, err)
	rejected, err := f.gate.Reject(ctx, cr.ID, "bob", "too risky")
	require.NoError(t, err)
	assert.Equal(t, cmdb.StatusRejected, rejected.Status)
	assert.False(t, rejected.ClosedAt.IsZero())
	assert.Empty(t, f.pending(t, "db-1"))

	open, e := f.gate.IsChangeApproved(ctx, cr.ID)
	assert.False(t, open)
	assert.Equal(t, "rejected: 1 of 2 required approvals, 1 rejection recorded; reason: too risky", e.Reason)

	_, err = f.gate.Approve(ctx, cr.ID, "dave", "")
	require.ErrorIs(t, err, cmdb.ErrInvalidTransition)
}

func TestUnauthorizedApprover(t *testing.T) {
	f := newFixture(t)
	cr := f.draft("db-1")
	cr.AuthorizedApprovers = []string{"alice", "bob"}
	cr = f.submitted(t, cr)

	_, err := f.gate.Approve(context.Background(), cr.ID, "mallory", "")
	require.ErrorIs(t, err, cmdb.ErrUnauthorizedApprover)

	list, err := f.gate.List(context.Background(), Filter{Approver: "alice"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = f.gate.List(context.Background(), Filter{Approver: "mallory"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSubmitRequiresAffectedCIsAndRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cr, err := f.gate.Create(ctx, f.draft())
	require.NoError(t, err)
	_, err = f.gate.Submit(ctx, cr.ID, "carol")
	require.ErrorIs(t, err, cmdb.ErrValidation)

	noPlan := f.draft("db-1")
	noPlan.RollbackPlan = ""
	cr, err = f.gate.Create(ctx, noPlan)
	require.NoError(t, err)
	_, err = f.gate.Submit(ctx, cr.ID, "carol")
	require.ErrorIs(t, err, cmdb.ErrValidation)

	stored, err := f.gate.Get(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, cmdb.StatusDraft, stored.Status)
}

func TestPendingLinkConflictRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.submitted(t, f.draft("db-1"))

	second, err := f.gate.Create(ctx, f.draft("web", "db-1"))
	require.NoError(t, err)
	_, err = f.gate.Submit(ctx, second.ID, "carol")
	require.ErrorIs(t, err, cmdb.ErrPendingChange)

	assert.Equal(t, first.ID, f.pending(t, "db-1"))
	assert.Empty(t, f.pending(t, "web"), "partial link must be undone")

	// Once the first request closes its reference no longer blocks.
	_, err = f.gate.Cancel(ctx, first.ID, "carol", "superseded")
	require.NoError(t, err)
	_, err = f.gate.Submit(ctx, second.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, second.ID, f.pending(t, "db-1"))
}

func TestStalePendingReferenceReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := graph.Mutate(ctx, f.graph, "db-1", func(ci *cmdb.CI) error {
		ci.PendingChange = "long-gone"
		return nil
	})
	require.NoError(t, err)

	cr := f.submitted(t, f.draft("db-1"))
	assert.Equal(t, cr.ID, f.pending(t, "db-1"))
}

func TestImpactAttachedOnApproval(t *testing.T) {
	f := newFixture(t)
	f.gate.analyzer = impact.New(f.graph)

	cr := f.approved(t, f.draft("db-1"))
	require.NotNil(t, cr.Impact)
	assert.True(t, cr.Impact.Available)
	assert.Equal(t, 1, cr.Impact.CICount)
	assert.Equal(t, []string{"svc-a"}, cr.Impact.DirectDependents)
	assert.Equal(t, cmdb.RiskLow, cr.Risk)
}

type failingAnalyzer struct{}

func (failingAnalyzer) Analyze(context.Context, impact.Request) (*impact.Analysis, error) {
	return nil, errors.New("impact analysis failed: database is locked")
}
func (failingAnalyzer) EstimateUsers([]string) int        { return 0 }
func (failingAnalyzer) Classify(policy.Signals) cmdb.Risk { return cmdb.RiskLow }

func TestImpactFailureDoesNotBlockApproval(t *testing.T) {
	f := newFixture(t, WithAnalyzer(failingAnalyzer{}))

	cr := f.approved(t, f.draft("db-1"))
	require.NotNil(t, cr.Impact)
	assert.False(t, cr.Impact.Available)
	assert.Contains(t, cr.Impact.Error, "database is locked")
	assert.Contains(t, f.notice.titles(), "Impact analysis unavailable")
}

func TestGuard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GuardRetry = graph.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxTries: 3}
	f := newFixture(t, WithConfig(cfg))
	ctx := context.Background()

	require.NoError(t, f.gate.Guard(ctx, "web"), "no pending change")

	cr := f.approved(t, f.draft("db-1"))
	err := f.gate.Guard(ctx, "db-1")
	require.ErrorIs(t, err, cmdb.ErrWindowNotActive)
	assert.Contains(t, err.Error(), "window opens in 3h12m")

	_, err = f.gate.GuardedMutate(ctx, "db-1", func(ci *cmdb.CI) error {
		ci.Owner = "team-x"
		return nil
	})
	require.ErrorIs(t, err, cmdb.ErrWindowNotActive)

	f.clock.Set(cr.Window.Start)
	ci, err := f.gate.GuardedMutate(ctx, "db-1", func(ci *cmdb.CI) error {
		ci.Owner = "team-x"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "team-x", ci.Owner)
}

func TestApprovalExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApprovalTTL = time.Hour
	f := newFixture(t, WithConfig(cfg))
	ctx := context.Background()
	cr := f.submitted(t, f.draft("db-1"))
	r := NewReconciler(f.gate)

	n, err := r.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Hour)
	_, err = f.gate.Approve(ctx, cr.ID, "alice", "")
	require.ErrorIs(t, err, cmdb.ErrInvalidTransition)

	n, err = r.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.gate.Get(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, cmdb.StatusCancelled, got.Status)
	assert.Equal(t, ReasonExpired, got.StatusReason)
	assert.Empty(t, f.pending(t, "db-1"))
}

func TestCancelFromInProgressRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cr := f.approved(t, f.draft("db-1"))
	f.clock.Set(cr.Window.Start)

	_, err := f.gate.Fire(ctx, cr.ID, Event{Type: EventSchedule})
	require.NoError(t, err)
	_, err = f.gate.Fire(ctx, cr.ID, Event{Type: EventStart})
	require.NoError(t, err)

	_, err = f.gate.Cancel(ctx, cr.ID, "carol", "")
	require.ErrorIs(t, err, cmdb.ErrInvalidTransition)
}
