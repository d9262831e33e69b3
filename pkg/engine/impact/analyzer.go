// Package impact answers "what breaks if X changes" over the relationship graph.
package impact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/engine/policy"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/metrics"
)

// Scope selects how much enrichment an analysis performs.
type Scope string

const (
	ScopeImmediate Scope = "immediate"
	ScopeBusiness  Scope = "business"
	ScopeFull      Scope = "full"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeImmediate || s == ScopeBusiness || s == ScopeFull
}

// TagBusinessService is honored when the BusinessService field is empty.
const TagBusinessService = "business-service"

// Request is one analysis query.
type Request struct {
	Target   string `json:"target" validate:"required"`
	Scope    Scope  `json:"scope" validate:"omitempty,oneof=immediate business full"`
	MaxDepth int    `json:"max_depth" validate:"gte=0"`
}

// ImpactedCI is the per-CI detail of a full-scope analysis.
type ImpactedCI struct {
	Key      string                `json:"key"`
	Depth    int                   `json:"depth"`
	Via      cmdb.RelationshipType `json:"via"`
	Strength int                   `json:"strength"`
}

// Analysis is the result of one traversal.
type Analysis struct {
	Target                   string       `json:"target"`
	Scope                    Scope        `json:"scope"`
	MaxDepth                 int          `json:"max_depth"`
	DirectDependents         []string     `json:"direct_dependents"`
	IndirectDependents       []string     `json:"indirect_dependents"`
	TotalImpactedCIs         int          `json:"total_impacted_cis"`
	ImpactedBusinessServices []string     `json:"impacted_business_services,omitempty"`
	ImpactedControls         []string     `json:"impacted_controls,omitempty"`
	EstimatedUsers           int          `json:"estimated_users"`
	Risk                     cmdb.Risk    `json:"risk,omitempty"`
	Impacted                 []ImpactedCI `json:"impacted,omitempty"`
	ImpactScore              float64      `json:"impact_score,omitempty"`
	AnalyzedAt               time.Time    `json:"analyzed_at"`
}

// Config tunes traversal and enrichment.
type Config struct {
	DefaultMaxDepth        int            `mapstructure:"default_max_depth"`
	MaxDepthLimit          int            `mapstructure:"max_depth_limit"`
	DefaultUsersPerService int            `mapstructure:"default_users_per_service"`
	UserEstimates          map[string]int `mapstructure:"user_estimates"`
	ReadTimeout            time.Duration  `mapstructure:"read_timeout"`
	RiskRulesFile          string         `mapstructure:"risk_rules_file"`
}

// DefaultConfig returns the traversal defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxDepth:        5,
		MaxDepthLimit:          10,
		DefaultUsersPerService: 100,
		ReadTimeout:            2 * time.Second,
	}
}

// Snapshotter is a Reader able to freeze itself. Stores implement it.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*graph.Snapshot, error)
}

// Analyzer is a read-only traversal engine. When its reader is a
// Snapshotter, every analysis runs over one snapshot taken at its start.
type Analyzer struct {
	reader     graph.Reader
	classifier policy.RiskClassifier
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClassifier sets the risk strategy.
func WithClassifier(c policy.RiskClassifier) Option {
	return func(a *Analyzer) { a.classifier = c }
}

// WithConfig sets the traversal config.
func WithConfig(cfg Config) Option {
	return func(a *Analyzer) { a.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// WithClock overrides the analysis timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

func New(reader graph.Reader, opts ...Option) *Analyzer {
	a := &Analyzer{
		reader: reader,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		tracer: otel.Tracer("cigraph/impact"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.classifier == nil {
		a.classifier = policy.NewThresholdClassifier(policy.DefaultThresholds())
	}
	return a
}

// EffectiveDepth resolves the requested depth against the configured default and limit.
func (a *Analyzer) EffectiveDepth(requested int) int {
	depth := requested
	if depth <= 0 {
		depth = a.cfg.DefaultMaxDepth
	}
	if a.cfg.MaxDepthLimit > 0 && depth > a.cfg.MaxDepthLimit {
		depth = a.cfg.MaxDepthLimit
	}
	if depth < 1 {
		depth = 1
	}
	return depth
}

// Analyze traverses from the target over incoming impact-propagating edges.
// A missing target yields cmdb.ErrNotFound; any other read failure yields
// cmdb.ErrAnalysisFailed and no result.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (_ *Analysis, err error) {
	scope := req.Scope
	if scope == "" {
		scope = ScopeImmediate
	}
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: unknown scope %q", cmdb.ErrValidation, req.Scope)
	}
	depth := a.EffectiveDepth(req.MaxDepth)

	ctx, span := a.tracer.Start(ctx, "Impact.Analyze", trace.WithAttributes(
		attribute.String("ci.key", req.Target),
		attribute.String("impact.scope", string(scope)),
		attribute.Int("impact.max_depth", depth),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ImpactAnalysesTotal.WithLabelValues(string(scope), status).Inc()
		metrics.ImpactAnalysisDuration.WithLabelValues(string(scope)).Observe(time.Since(start).Seconds())
	}()

	view, err := a.view(ctx)
	if err != nil {
		return nil, err
	}

	target, err := getCI(ctx, view, req.Target, a.cfg.ReadTimeout)
	if err != nil {
		if errors.Is(err, cmdb.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read target %s: %w", cmdb.ErrAnalysisFailed, req.Target, err)
	}

	found, err := a.traverse(ctx, view, target.Key(), depth)
	if err != nil {
		return nil, err
	}

	res := &Analysis{
		Target:             target.Key(),
		Scope:              scope,
		MaxDepth:           depth,
		DirectDependents:   []string{},
		IndirectDependents: []string{},
		AnalyzedAt:         a.now(),
	}
	for _, f := range found {
		if f.Depth == 1 {
			res.DirectDependents = append(res.DirectDependents, f.Key)
		} else {
			res.IndirectDependents = append(res.IndirectDependents, f.Key)
		}
	}
	res.TotalImpactedCIs = len(res.DirectDependents) + len(res.IndirectDependents)
	metrics.ImpactedCIs.Observe(float64(res.TotalImpactedCIs))

	if scope == ScopeImmediate {
		return res, nil
	}
	if err := a.enrich(ctx, view, res, found, scope == ScopeFull); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("impact.total", res.TotalImpactedCIs),
		attribute.String("impact.risk", string(res.Risk)),
	)
	return res, nil
}

// traverse runs a breadth-first search bounded by maxDepth. Each CI is
// reported once at its shortest depth; cycles terminate through visited.
func (a *Analyzer) traverse(ctx context.Context, view graph.Reader, start string, maxDepth int) ([]ImpactedCI, error) {
	visited := map[string]bool{start: true}
	frontier := []string{start}
	var found []ImpactedCI

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, key := range frontier {
			rels, err := relationships(ctx, view, key, a.cfg.ReadTimeout)
			if err != nil {
				return nil, fmt.Errorf("%w: list relationships of %s: %w", cmdb.ErrAnalysisFailed, key, err)
			}
			for _, rel := range rels {
				dependent, ok := affected(rel, key)
				if !ok || visited[dependent] {
					continue
				}
				visited[dependent] = true
				next = append(next, dependent)
				found = append(found, ImpactedCI{Key: dependent, Depth: depth, Via: rel.Type, Strength: rel.Strength})
			}
		}
		sort.Strings(next)
		frontier = next
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Depth != found[j].Depth {
			return found[i].Depth < found[j].Depth
		}
		return found[i].Key < found[j].Key
	})
	return found, nil
}

// affected returns the CI impacted through rel when key changes.
func affected(rel *cmdb.Relationship, key string) (string, bool) {
	if !rel.Type.Propagates() {
		return "", false
	}
	if rel.Target == key {
		return rel.Source, true
	}
	if rel.Source == key && rel.Direction == cmdb.Bidirectional {
		return rel.Target, true
	}
	return "", false
}

// enrich collects business services and control families of the impacted
// CIs. The target itself is not impacted by its own change.
func (a *Analyzer) enrich(ctx context.Context, view graph.Reader, res *Analysis, found []ImpactedCI, full bool) error {
	services := map[string]bool{}
	controls := map[string]bool{}
	collect := func(ci *cmdb.CI) {
		if svc := businessService(ci); svc != "" {
			services[svc] = true
		}
		for _, c := range ci.ControlFamilies() {
			controls[c] = true
		}
	}

	for _, f := range found {
		ci, err := getCI(ctx, view, f.Key, a.cfg.ReadTimeout)
		if err != nil {
			return fmt.Errorf("%w: read %s: %w", cmdb.ErrAnalysisFailed, f.Key, err)
		}
		collect(ci)
	}

	res.ImpactedBusinessServices = sortedKeys(services)
	res.ImpactedControls = sortedKeys(controls)
	res.EstimatedUsers = a.EstimateUsers(res.ImpactedBusinessServices)

	signals := policy.Signals{
		Controls: len(res.ImpactedControls),
		Users:    res.EstimatedUsers,
		Services: len(res.ImpactedBusinessServices),
		Total:    res.TotalImpactedCIs,
	}
	if full {
		res.Impacted = found
		for _, f := range found {
			res.ImpactScore += float64(f.Strength) / float64(f.Depth)
		}
	}
	res.Risk = a.classifier.Classify(signals)
	return nil
}

// EstimateUsers sums the configured per-service user estimates. Services
// without an estimate count DefaultUsersPerService.
func (a *Analyzer) EstimateUsers(services []string) int {
	total := 0
	for _, svc := range services {
		if n, ok := a.cfg.UserEstimates[svc]; ok {
			total += n
		} else {
			total += a.cfg.DefaultUsersPerService
		}
	}
	return total
}

// Classify applies the configured risk strategy.
func (a *Analyzer) Classify(s policy.Signals) cmdb.Risk { return a.classifier.Classify(s) }

// view returns the reader one analysis traverses.
func (a *Analyzer) view(ctx context.Context) (graph.Reader, error) {
	s, ok := a.reader.(Snapshotter)
	if !ok {
		return a.reader, nil
	}
	ctx, cancel := readContext(ctx, a.cfg.ReadTimeout)
	defer cancel()
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %w", cmdb.ErrAnalysisFailed, err)
	}
	return snap, nil
}

func getCI(ctx context.Context, r graph.Reader, key string, timeout time.Duration) (*cmdb.CI, error) {
	ctx, cancel := readContext(ctx, timeout)
	defer cancel()
	return r.GetCI(ctx, key)
}

func relationships(ctx context.Context, r graph.Reader, key string, timeout time.Duration) ([]*cmdb.Relationship, error) {
	ctx, cancel := readContext(ctx, timeout)
	defer cancel()
	return r.ListRelationshipsFor(ctx, key, graph.Both)
}

func readContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func businessService(ci *cmdb.CI) string {
	if ci.BusinessService != "" {
		return ci.BusinessService
	}
	return ci.Tags[TagBusinessService]
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
