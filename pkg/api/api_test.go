package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/engine/gate"
	"github.com/DrSkyle/cigraph/pkg/engine/health"
	"github.com/DrSkyle/cigraph/pkg/engine/impact"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/graph/graphtest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock  *clock
	store  *graph.MemoryStore
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: &clock{now: graphtest.Epoch}}
	f.store = graph.NewMemoryStore(graph.WithClock(f.clock.Now))
	graphtest.Seed(t, f.store, "db-1", "svc-a")
	require.NoError(t, f.store.UpsertRelationship(context.Background(), graphtest.DependsOn("svc-a", "db-1")))

	g := gate.New(gate.NewMemoryStore(), f.store, gate.WithClock(f.clock.Now))
	calc, err := health.New(f.store, health.WithClock(f.clock.Now))
	require.NoError(t, err)
	f.server = NewServer(f.store, g, impact.New(f.store), health.NewScheduler(calc, nil, nil))
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestImpactAnalysisEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/impact-analysis", map[string]any{"target": "db-1", "scope": "immediate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[impact.Analysis](t, rec)
	assert.Equal(t, []string{"svc-a"}, res.DirectDependents)

	rec = f.do(t, http.MethodPost, "/api/v1/impact-analysis", map[string]any{"scope": "immediate"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/impact-analysis", map[string]any{"target": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)
}

func TestChangeLifecycleGatesCIWrites(t *testing.T) {
	f := newFixture(t)
	start := graphtest.Epoch.Add(time.Hour)

	rec := f.do(t, http.MethodPost, "/api/v1/change-requests", map[string]any{
		"title":              "Resize database",
		"requester":          "carol",
		"affected_cis":       []string{"db-1"},
		"required_approvers": 1,
		"rollback_plan":      "restore snapshot",
		"window": map[string]string{
			"start":    start.Format(time.RFC3339),
			"end":      start.Add(time.Hour).Format(time.RFC3339),
			"timezone": "UTC",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cr := decode[cmdb.ChangeRequest](t, rec)
	assert.Equal(t, cmdb.StatusDraft, cr.Status)
	base := "/api/v1/change-requests/" + cr.ID

	rec = f.do(t, http.MethodPost, base+"/submit", map[string]string{"actor": "carol"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, cmdb.StatusPendingApproval, decode[cmdb.ChangeRequest](t, rec).Status)

	put := map[string]any{"type": "database", "owner": "team-dba"}
	rec = f.do(t, http.MethodPut, "/api/v1/cis/db-1", put)
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "window_not_active", decode[ErrorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, base+"/approve", map[string]string{"approver": "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, cmdb.StatusApproved, decode[cmdb.ChangeRequest](t, rec).Status)

	rec = f.do(t, http.MethodPost, base+"/approve", map[string]string{"approver": "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, base+"/gate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[gate.Explanation](t, rec).Open)

	f.clock.Advance(90 * time.Minute)
	rec = f.do(t, http.MethodGet, base+"/gate", nil)
	assert.True(t, decode[gate.Explanation](t, rec).Open)

	rec = f.do(t, http.MethodPut, "/api/v1/cis/db-1", put)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ci := decode[cmdb.CI](t, rec)
	assert.Equal(t, "team-dba", ci.Owner)
	assert.Equal(t, cmdb.CITypeDatabase, ci.Type)

	rec = f.do(t, http.MethodGet, "/api/v1/change-requests?status=approved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]cmdb.ChangeRequest](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/v1/change-requests?status=draft", nil)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestChangeRequestRejects(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/change-requests", map[string]any{
		"title": "No window", "requester": "carol", "required_approvers": 1,
		"window": map[string]string{"start": "2026-03-02T10:00", "end": "2026-03-02T09:00"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/change-requests", "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/change-requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/change-requests/missing/gate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[gate.Explanation](t, rec).Open)
}

func TestCIAndRelationshipEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/cis/cache?namespace=shop", map[string]any{"type": "database", "owner": "team-shop"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, cmdb.SourceManual, decode[cmdb.CI](t, rec).Source)

	rec = f.do(t, http.MethodGet, "/api/v1/cis/cache?namespace=shop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/cis/cache", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/v1/cis/x", map[string]any{"owner": "nobody"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/relationships", map[string]any{
		"source": "svc-a", "target": "shop/cache", "type": "reads-from",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rel := decode[cmdb.Relationship](t, rec)
	assert.Equal(t, 5, rel.Strength)
	assert.True(t, rel.Active)

	rec = f.do(t, http.MethodPost, "/api/v1/relationships", map[string]any{
		"source": "svc-a", "target": "ghost", "type": "reads-from",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "dangling_reference", decode[ErrorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/api/v1/relationships", map[string]any{
		"source": "svc-a", "target": "db-1", "type": "teleports-to",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/cis/svc-a/relationships?direction=outbound", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]cmdb.Relationship](t, rec), 2)

	rec = f.do(t, http.MethodGet, "/api/v1/cis/svc-a/relationships?direction=inbound", nil)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/cis/svc-a/relationships?direction=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndOpsEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	h := decode[health.CMDBHealth](t, rec)
	assert.Equal(t, 2, h.Population)
	assert.Zero(t, h.OrphanCount)

	rec = f.do(t, http.MethodGet, "/api/v1/health?refresh=true", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cigraph_http_requests_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{cmdb.ErrNotFound, http.StatusNotFound},
		{cmdb.ErrPendingChange, http.StatusConflict},
		{cmdb.ErrUnauthorizedApprover, http.StatusForbidden},
		{cmdb.ErrWindowNotActive, http.StatusLocked},
		{cmdb.ErrAnalysisFailed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := StatusFor(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}
