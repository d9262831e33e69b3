// Package health scores the quality of the CI population.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/engine/history"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/metrics"
)

// WeightEpsilon is the tolerance on the weight sum.
const WeightEpsilon = 1e-6

// Weights of the four sub-scores in the overall score.
type Weights struct {
	Completeness float64 `mapstructure:"completeness" json:"completeness"`
	Accuracy     float64 `mapstructure:"accuracy" json:"accuracy"`
	Timeliness   float64 `mapstructure:"timeliness" json:"timeliness"`
	Compliance   float64 `mapstructure:"compliance" json:"compliance"`
}

// DefaultWeights returns 0.30 completeness, 0.25 accuracy, 0.25 timeliness, 0.20 compliance.
func DefaultWeights() Weights {
	return Weights{Completeness: 0.30, Accuracy: 0.25, Timeliness: 0.25, Compliance: 0.20}
}

// Validate requires non-negative weights summing to 1.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"completeness": w.Completeness, "accuracy": w.Accuracy,
		"timeliness": w.Timeliness, "compliance": w.Compliance,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: health weight %s is %v", cmdb.ErrConfigInvalid, name, v)
		}
	}
	sum := w.Completeness + w.Accuracy + w.Timeliness + w.Compliance
	if math.Abs(sum-1) > WeightEpsilon {
		return fmt.Errorf("%w: health weights sum to %.6f, want 1.0", cmdb.ErrConfigInvalid, sum)
	}
	return nil
}

// Config tunes the calculator and its scheduler.
type Config struct {
	Weights         Weights            `mapstructure:"weights"`
	StalenessWindow time.Duration      `mapstructure:"staleness_window"`
	Interval        time.Duration      `mapstructure:"interval"`
	HistoryWindow   int                `mapstructure:"history_window"`
	Trend           history.Thresholds `mapstructure:"trend"`
}

// DefaultConfig returns hourly runs with a 90 day staleness window.
func DefaultConfig() Config {
	return Config{
		Weights:         DefaultWeights(),
		StalenessWindow: 90 * 24 * time.Hour,
		Interval:        time.Hour,
		HistoryWindow:   24,
		Trend:           history.DefaultThresholds(),
	}
}

// Issue lists the inconsistencies found on one CI.
type Issue struct {
	Key      string   `json:"key"`
	Problems []string `json:"problems"`
}

// CMDBHealth is the result of one run.
type CMDBHealth struct {
	Overall      float64 `json:"overall"`
	Completeness float64 `json:"completeness"`
	Accuracy     float64 `json:"accuracy"`
	Timeliness   float64 `json:"timeliness"`
	Compliance   float64 `json:"compliance"`

	Population int     `json:"population"`
	Archived   int     `json:"archived"`
	Unowned    int     `json:"unowned"`
	Stale      int     `json:"stale"`
	Compliant  int     `json:"compliant"`
	Inaccurate []Issue `json:"inaccurate,omitempty"`

	OrphanCount      int      `json:"orphan_count"`
	Orphans          []string `json:"orphans,omitempty"`
	Components       int      `json:"components"`
	LargestComponent int      `json:"largest_component"`

	Weights      Weights        `json:"weights"`
	Trend        *history.Trend `json:"trend,omitempty"`
	CalculatedAt time.Time      `json:"calculated_at"`
}

// Snapshotter provides the point-in-time view a run scores.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*graph.Snapshot, error)
}

// Calculator computes CMDBHealth. It holds no mutable state.
type Calculator struct {
	source   Snapshotter
	cfg      Config
	accuracy AccuracyCheck
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Calculator.
type Option func(*Calculator)

func WithConfig(cfg Config) Option { return func(c *Calculator) { c.cfg = cfg } }

// WithAccuracyCheck replaces the self-consistency check.
func WithAccuracyCheck(a AccuracyCheck) Option { return func(c *Calculator) { c.accuracy = a } }

func WithLogger(l *slog.Logger) Option { return func(c *Calculator) { c.logger = l } }

func WithClock(now func() time.Time) Option { return func(c *Calculator) { c.now = now } }

// New validates the configuration. Weights that do not sum to 1 yield cmdb.ErrConfigInvalid.
func New(source Snapshotter, opts ...Option) (*Calculator, error) {
	c := &Calculator{
		source:   source,
		cfg:      DefaultConfig(),
		accuracy: DefaultAccuracyCheck,
		logger:   slog.Default(),
		tracer:   otel.Tracer("cigraph/health"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Calculate scans the CI population of one snapshot. Archived CIs are not
// scored; an empty population scores 100 on every dimension.
func (c *Calculator) Calculate(ctx context.Context) (_ *CMDBHealth, err error) {
	if err := c.cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	ctx, span := c.tracer.Start(ctx, "Health.Calculate")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	snap, err := c.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot graph: %w", err)
	}
	now := c.now()
	h := &CMDBHealth{Weights: c.cfg.Weights, CalculatedAt: now}

	live := make(map[string]bool)
	owned, fresh, accurate := 0, 0, 0
	for _, ci := range snap.CIs() {
		if ci.Lifecycle == cmdb.LifecycleArchived {
			h.Archived++
			continue
		}
		key := ci.Key()
		live[key] = true
		h.Population++

		if ci.Owner != "" {
			owned++
		}
		if !ci.LastReconciled.IsZero() && now.Sub(ci.LastReconciled) <= c.cfg.StalenessWindow {
			fresh++
		}
		if problems := c.accuracy(ci, now); len(problems) > 0 {
			h.Inaccurate = append(h.Inaccurate, Issue{Key: key, Problems: problems})
		} else {
			accurate++
		}
		if ci.Compliance.State == cmdb.ComplianceCompliant {
			h.Compliant++
		}
		if snap.Degree(key) == 0 {
			h.Orphans = append(h.Orphans, key)
		}
	}
	h.Unowned = h.Population - owned
	h.Stale = h.Population - fresh
	h.OrphanCount = len(h.Orphans)

	h.Completeness = percent(owned, h.Population)
	h.Timeliness = percent(fresh, h.Population)
	h.Accuracy = percent(accurate, h.Population)
	h.Compliance = percent(h.Compliant, h.Population)

	w := c.cfg.Weights
	h.Overall = w.Completeness*h.Completeness + w.Accuracy*h.Accuracy +
		w.Timeliness*h.Timeliness + w.Compliance*h.Compliance

	components := graph.Components(snap, func(key string) bool { return live[key] })
	h.Components = len(components)
	for _, comp := range components {
		h.LargestComponent = max(h.LargestComponent, len(comp))
	}

	metrics.HealthScore.WithLabelValues("overall").Set(h.Overall)
	metrics.HealthScore.WithLabelValues("completeness").Set(h.Completeness)
	metrics.HealthScore.WithLabelValues("accuracy").Set(h.Accuracy)
	metrics.HealthScore.WithLabelValues("timeliness").Set(h.Timeliness)
	metrics.HealthScore.WithLabelValues("compliance").Set(h.Compliance)
	metrics.HealthOrphans.Set(float64(h.OrphanCount))

	span.SetAttributes(
		attribute.Int("health.population", h.Population),
		attribute.Float64("health.overall", h.Overall),
	)
	c.logger.Info("Health calculated",
		"overall", fmt.Sprintf("%.1f", h.Overall),
		"population", h.Population,
		"orphans", h.OrphanCount,
	)
	return h, nil
}

func percent(n, total int) float64 {
	if total == 0 {
		return 100
	}
	return 100 * float64(n) / float64(total)
}
