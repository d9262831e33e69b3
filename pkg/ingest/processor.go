package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/metrics"
)

// Guard reports whether a CI may be mutated now. The change gate implements it.
type Guard interface {
	Guard(ctx context.Context, key string) error
}

// Config holds ingest settings.
type Config struct {
	// Grace extends the validity of discovered flows past their window.
	Grace   time.Duration     `mapstructure:"grace"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Retry   graph.RetryPolicy `mapstructure:"retry"`
}

// DefaultConfig returns the default ingest settings.
func DefaultConfig() Config {
	return Config{
		Grace:   15 * time.Minute,
		Timeout: 10 * time.Second,
		Retry:   graph.DefaultRetryPolicy(),
	}
}

// Processor applies events to a store.
type Processor struct {
	store    graph.Store
	guard    Guard
	strength StrengthFunc
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithGuard routes CI mutations through the change gate.
func WithGuard(g Guard) Option { return func(p *Processor) { p.guard = g } }

func WithStrength(f StrengthFunc) Option { return func(p *Processor) { p.strength = f } }

func WithConfig(cfg Config) Option { return func(p *Processor) { p.cfg = cfg } }

func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

// NewProcessor creates a Processor over store.
func NewProcessor(store graph.Store, opts ...Option) *Processor {
	p := &Processor{
		store:    store,
		strength: DefaultStrength,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("cigraph/ingest"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle applies one event. Semantic errors mean the event can never apply;
// callers should drop it rather than redeliver.
func (p *Processor) Handle(ctx context.Context, ev Event) (err error) {
	ctx, span := p.tracer.Start(ctx, "Ingest.Handle", trace.WithAttributes(attribute.String("event.kind", string(ev.Kind))))
	defer span.End()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			if errors.Is(err, cmdb.ErrWindowNotActive) {
				status = "deferred"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.RecordIngest(string(ev.Kind), status)
	}()

	if err := ev.Validate(); err != nil {
		return err
	}
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	at := ev.ObservedAt
	if at.IsZero() {
		at = p.now()
	}

	switch ev.Kind {
	case KindCIUpsert:
		return p.upsertCI(ctx, ev.CI, at)
	case KindCIDeleteIntent:
		return p.deleteIntent(ctx, ev.Key, at)
	case KindRelationshipObserved:
		return p.upsertRelationship(ctx, ev.Relationship.Clone())
	case KindComplianceScan:
		return p.compliance(ctx, ev.Key, *ev.Compliance)
	case KindFlowObserved:
		return p.flow(ctx, *ev.Flow)
	case KindFederationSync:
		return p.federation(ctx, ev.Key, *ev.Federation, at)
	}
	return nil
}

func (p *Processor) guarded(ctx context.Context, key string) error {
	if p.guard == nil {
		return nil
	}
	return p.guard.Guard(ctx, key)
}

func (p *Processor) upsertCI(ctx context.Context, in *cmdb.CI, at time.Time) error {
	key := in.Key()
	_, err := p.store.GetCI(ctx, key)
	if errors.Is(err, cmdb.ErrNotFound) {
		ci := in.Clone()
		ci.ResourceVersion = 0
		ci.PendingChange = ""
		if ci.Lifecycle == "" {
			ci.Lifecycle = cmdb.LifecycleProduction
		}
		ci.LastReconciled = at
		err := p.store.UpsertCI(ctx, ci)
		if errors.Is(err, cmdb.ErrConflict) {
			// Lost a create race; merge onto the winner.
			return p.upsertCI(ctx, in, at)
		}
		if err == nil {
			p.logger.Debug("CI created", "key", key, "source", ci.Source)
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := p.guarded(ctx, key); err != nil {
		return err
	}
	_, err = graph.MutateWithPolicy(ctx, p.store, p.cfg.Retry, key, func(ci *cmdb.CI) error {
		ci.Type = in.Type
		ci.Owner = in.Owner
		ci.BusinessService = in.BusinessService
		ci.CostCenter = in.CostCenter
		ci.Tags = in.Clone().Tags
		if in.Lifecycle != "" {
			ci.Lifecycle = in.Lifecycle
		}
		if in.Source != "" {
			ci.Source = in.Source
		}
		ci.LastReconciled = at
		return nil
	})
	return err
}

// deleteIntent never removes a CI: it deprecates, then retires on repeat.
func (p *Processor) deleteIntent(ctx context.Context, key string, at time.Time) error {
	if err := p.guarded(ctx, key); err != nil {
		return err
	}
	ci, changed, err := graph.MutateIfNeeded(ctx, p.store, key, func(ci *cmdb.CI) error {
		switch ci.Lifecycle {
		case cmdb.LifecycleRetired, cmdb.LifecycleArchived:
			return graph.ErrSkip
		case cmdb.LifecycleDeprecated:
			ci.Lifecycle = cmdb.LifecycleRetired
		default:
			ci.Lifecycle = cmdb.LifecycleDeprecated
		}
		ci.LastReconciled = at
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		p.logger.Info("CI marked for removal", "key", key, "lifecycle", ci.Lifecycle)
	}
	return nil
}

func (p *Processor) upsertRelationship(ctx context.Context, rel *cmdb.Relationship) error {
	_, err := graph.Retry(ctx, p.cfg.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.store.UpsertRelationship(ctx, rel)
	})
	return err
}

// compliance overwrites the snapshot; the collaborator is authoritative.
func (p *Processor) compliance(ctx context.Context, key string, scan ComplianceScan) error {
	if !scan.State.Valid() {
		return fmt.Errorf("%w: unknown compliance state %q", cmdb.ErrValidation, scan.State)
	}
	_, err := graph.MutateWithPolicy(ctx, p.store, p.cfg.Retry, key, func(ci *cmdb.CI) error {
		ci.Compliance = cmdb.ComplianceSnapshot{
			State:    scan.State,
			LastScan: scan.ScanTimestamp,
			Findings: append([]cmdb.Finding(nil), scan.Findings...),
		}
		return nil
	})
	return err
}

func (p *Processor) flow(ctx context.Context, f FlowObservation) error {
	rel := &cmdb.Relationship{
		Source:         f.Source,
		Target:         f.Target,
		Type:           cmdb.RelCalls,
		Strength:       cmdb.ClampStrength(p.strength(f)),
		AutoDiscovered: true,
		ValidFrom:      f.WindowStart,
	}
	if !f.WindowEnd.IsZero() {
		rel.ValidUntil = f.WindowEnd.Add(p.cfg.Grace)
	}
	return p.upsertRelationship(ctx, rel)
}

func (p *Processor) federation(ctx context.Context, key string, ref cmdb.FederationRef, at time.Time) error {
	if ref.LastSync.IsZero() {
		ref.LastSync = at
	}
	_, err := graph.MutateWithPolicy(ctx, p.store, p.cfg.Retry, key, func(ci *cmdb.CI) error {
		ci.SetFederationRef(ref)
		return nil
	})
	return err
}
