package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/engine/impact"
	"github.com/DrSkyle/cigraph/pkg/engine/notifier"
	"github.com/DrSkyle/cigraph/pkg/engine/policy"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/metrics"
)

// ImpactAnalyzer is the part of impact.Analyzer the gate uses.
type ImpactAnalyzer interface {
	Analyze(ctx context.Context, req impact.Request) (*impact.Analysis, error)
	EstimateUsers(services []string) int
	Classify(s policy.Signals) cmdb.Risk
}

// Archiver stores closed ChangeRequests for audit.
type Archiver interface {
	Archive(ctx context.Context, cr *cmdb.ChangeRequest) error
}

// Poller schedules re-evaluation of gated ChangeRequests.
type Poller interface {
	Track(id string)
	Untrack(id string)
}

// Config tunes the gate and the reconciler.
type Config struct {
	ApprovalTTL   time.Duration     `mapstructure:"approval_ttl"`
	PollInitial   time.Duration     `mapstructure:"poll_initial"`
	PollMax       time.Duration     `mapstructure:"poll_max"`
	SweepInterval time.Duration     `mapstructure:"sweep_interval"`
	LockTTL       time.Duration     `mapstructure:"lock_ttl"`
	Retry         graph.RetryPolicy `mapstructure:"retry"`
	GuardRetry    graph.RetryPolicy `mapstructure:"guard_retry"`
}

// DefaultConfig returns the gate defaults.
func DefaultConfig() Config {
	return Config{
		ApprovalTTL:   24 * time.Hour,
		PollInitial:   time.Second,
		PollMax:       5 * time.Minute,
		SweepInterval: time.Minute,
		LockTTL:       30 * time.Second,
		Retry:         graph.DefaultRetryPolicy(),
		GuardRetry: graph.RetryPolicy{
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
			MaxElapsed:      10 * time.Minute,
		},
	}
}

// Gate drives ChangeRequests through Transition and performs the effects.
type Gate struct {
	changes  ChangeStore
	graph    graph.Store
	analyzer ImpactAnalyzer
	notifier notifier.Notifier
	archiver Archiver
	poller   Poller
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

func WithAnalyzer(a ImpactAnalyzer) Option { return func(g *Gate) { g.analyzer = a } }

func WithNotifier(n notifier.Notifier) Option { return func(g *Gate) { g.notifier = n } }

func WithArchiver(a Archiver) Option { return func(g *Gate) { g.archiver = a } }

func WithConfig(cfg Config) Option { return func(g *Gate) { g.cfg = cfg } }

func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

// WithClock overrides the time source used for windows and expiry.
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// New creates a Gate over the change and graph stores.
func New(changes ChangeStore, store graph.Store, opts ...Option) *Gate {
	g := &Gate{
		changes: changes,
		graph:   store,
		cfg:     DefaultConfig(),
		logger:  slog.Default(),
		tracer:  otel.Tracer("cigraph/gate"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.notifier == nil {
		g.notifier = notifier.Log{Logger: g.logger}
	}
	return g
}

// SetPoller attaches the reconciler that acts on start/stop polling effects.
func (g *Gate) SetPoller(p Poller) { g.poller = p }

// Now returns the gate clock.
func (g *Gate) Now() time.Time { return g.now() }

// Create validates and stores a new draft ChangeRequest.
func (g *Gate) Create(ctx context.Context, cr *cmdb.ChangeRequest) (*cmdb.ChangeRequest, error) {
	next := cr.Clone()
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	if next.Type == "" {
		next.Type = cmdb.ChangeNormal
	}
	now := g.now()
	next.Status = cmdb.StatusDraft
	next.Phase = cmdb.PhaseFor(next.Status)
	next.Decisions = nil
	next.Impact = nil
	next.CreatedAt = now
	next.UpdatedAt = now
	next.ResourceVersion = 0
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := g.changes.Save(ctx, next); err != nil {
		return nil, err
	}
	g.logger.Info("Change request created", "change_id", next.ID, "title", next.Title)
	return next, nil
}

func (g *Gate) Get(ctx context.Context, id string) (*cmdb.ChangeRequest, error) {
	return g.changes.Get(ctx, id)
}

func (g *Gate) List(ctx context.Context, f Filter) ([]*cmdb.ChangeRequest, error) {
	return g.changes.List(ctx, f)
}

func (g *Gate) Submit(ctx context.Context, id, actor string) (*cmdb.ChangeRequest, error) {
	return g.Fire(ctx, id, Event{Type: EventSubmit, Actor: actor, TTL: g.cfg.ApprovalTTL})
}

func (g *Gate) Approve(ctx context.Context, id, approver, comment string) (*cmdb.ChangeRequest, error) {
	return g.Fire(ctx, id, Event{Type: EventApprove, Actor: approver, Comment: comment})
}

func (g *Gate) Reject(ctx context.Context, id, approver, reason string) (*cmdb.ChangeRequest, error) {
	return g.Fire(ctx, id, Event{Type: EventReject, Actor: approver, Reason: reason})
}

func (g *Gate) Cancel(ctx context.Context, id, actor, reason string) (*cmdb.ChangeRequest, error) {
	return g.Fire(ctx, id, Event{Type: EventCancel, Actor: actor, Reason: reason})
}

func (g *Gate) Reschedule(ctx context.Context, id string, w cmdb.Window) (*cmdb.ChangeRequest, error) {
	return g.Fire(ctx, id, Event{Type: EventReschedule, Window: &w})
}

// ReportResult records the executor outcome of an in-progress change.
func (g *Gate) ReportResult(ctx context.Context, id string, success bool, message string) (*cmdb.ChangeRequest, error) {
	ev := Event{Type: EventFail, Reason: message}
	if success {
		ev.Type = EventSucceed
	}
	return g.Fire(ctx, id, ev)
}

// Fire applies ev to the stored request and performs its effects. Effects
// that shape the stored record run before the save; the rest run after it.
// Version conflicts re-read and retry.
func (g *Gate) Fire(ctx context.Context, id string, ev Event) (_ *cmdb.ChangeRequest, err error) {
	ctx, span := g.tracer.Start(ctx, "Gate.Fire", trace.WithAttributes(
		attribute.String("change.id", id),
		attribute.String("change.event", string(ev.Type)),
	))
	defer span.End()
	defer func() {
		if err != nil && !errors.Is(err, cmdb.ErrWindowNotActive) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	var (
		effects      []Effect
		transitioned bool
	)
	saved, err := graph.Retry(ctx, g.cfg.Retry, func(ctx context.Context) (*cmdb.ChangeRequest, error) {
		cur, err := g.changes.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, fx, changed, err := apply(*cur, ev, g.now())
		if err != nil {
			return nil, err
		}
		if !changed {
			effects, transitioned = nil, false
			return cur, nil
		}
		if err := g.preSave(ctx, cur, &next, fx); err != nil {
			return nil, err
		}
		if err := g.changes.Save(ctx, &next); err != nil {
			g.rollbackPreSave(ctx, &next, fx)
			return nil, err
		}
		effects, transitioned = fx, true
		return &next, nil
	})
	if err != nil {
		return nil, err
	}

	if transitioned {
		metrics.RecordTransition(string(ev.Type), string(saved.Status))
		g.logger.Info("Change request transitioned",
			"change_id", saved.ID, "event", ev.Type, "status", saved.Status, "reason", saved.StatusReason)
	}
	span.SetAttributes(attribute.String("change.status", string(saved.Status)))
	g.postSave(ctx, saved, effects)
	return saved, nil
}

func (g *Gate) preSave(ctx context.Context, cur, next *cmdb.ChangeRequest, effects []Effect) error {
	for _, e := range effects {
		switch e.Kind {
		case EffectLinkPending:
			if err := g.linkPending(ctx, next); err != nil {
				return err
			}
		case EffectAnalyzeImpact:
			next.Impact = g.analyzeImpact(ctx, next)
			if next.Impact.Available {
				next.AffectedServices = next.Impact.ImpactedServices
				if next.Risk == "" {
					next.Risk = next.Impact.Risk
				}
			}
		case EffectApplyMutations:
			if err := g.applyMutations(ctx, cur); err != nil {
				return err
			}
		}
	}
	return nil
}

// rollbackPreSave undoes pending links made for a save that did not land.
func (g *Gate) rollbackPreSave(ctx context.Context, next *cmdb.ChangeRequest, effects []Effect) {
	for _, e := range effects {
		if e.Kind == EffectLinkPending {
			g.clearPending(ctx, next)
		}
	}
}

// postSave performs effects that follow a committed transition. Polling is
// stopped last because the caller may be running inside that poll loop.
func (g *Gate) postSave(ctx context.Context, cr *cmdb.ChangeRequest, effects []Effect) {
	stop := false
	defer func() {
		if stop && g.poller != nil {
			g.poller.Untrack(cr.ID)
		}
	}()
	for _, e := range effects {
		switch e.Kind {
		case EffectClearPending:
			g.clearPending(ctx, cr)
		case EffectStartPolling:
			if g.poller != nil {
				g.poller.Track(cr.ID)
			}
		case EffectStopPolling:
			stop = true
		case EffectArchive:
			if g.archiver != nil {
				if err := g.archiver.Archive(ctx, cr); err != nil {
					g.logger.Warn("Failed to archive change request", "change_id", cr.ID, "error", err)
				}
			}
		case EffectWarn:
			g.warn(ctx, cr.ID, "Change request needs attention", e.Message)
		}
	}
}

// linkPending points every affected CI at cr. A reference held by a closed
// request is stale and replaced. On failure the links made so far are undone.
func (g *Gate) linkPending(ctx context.Context, cr *cmdb.ChangeRequest) error {
	var linked []string
	for _, key := range cr.AffectedCIs {
		if err := g.link(ctx, key, cr.ID); err != nil {
			for _, k := range linked {
				g.unlink(ctx, k, cr.ID)
			}
			return fmt.Errorf("link %s to %s: %w", key, cr.ID, err)
		}
		linked = append(linked, key)
	}
	return nil
}

func (g *Gate) link(ctx context.Context, key, id string) error {
	ci, err := g.graph.GetCI(ctx, key)
	if err != nil {
		return err
	}
	if ci.Lifecycle == cmdb.LifecycleArchived {
		return fmt.Errorf("%w: %s is archived", cmdb.ErrValidation, key)
	}
	if holder := ci.PendingChange; holder != "" && holder != id {
		if g.holds(ctx, holder) {
			return fmt.Errorf("%w: %s held by %s", cmdb.ErrPendingChange, key, holder)
		}
		g.logger.Info("Replacing stale pending change", "ci", key, "stale", holder, "change_id", id)
		if _, _, err := graph.MutateIfNeeded(ctx, g.graph, key, func(ci *cmdb.CI) error {
			if ci.PendingChange != holder {
				return graph.ErrSkip
			}
			ci.PendingChange = ""
			return nil
		}); err != nil {
			return err
		}
	}
	_, _, err = graph.MutateIfNeeded(ctx, g.graph, key, func(ci *cmdb.CI) error {
		if ci.PendingChange == id {
			return graph.ErrSkip
		}
		ci.PendingChange = id
		return nil
	})
	return err
}

// holds reports whether the request id still holds its CIs.
func (g *Gate) holds(ctx context.Context, id string) bool {
	other, err := g.changes.Get(ctx, id)
	if err != nil {
		return !errors.Is(err, cmdb.ErrNotFound)
	}
	return !other.Status.Terminal()
}

func (g *Gate) clearPending(ctx context.Context, cr *cmdb.ChangeRequest) {
	for _, key := range cr.AffectedCIs {
		g.unlink(ctx, key, cr.ID)
	}
}

func (g *Gate) unlink(ctx context.Context, key, id string) {
	_, _, err := graph.MutateIfNeeded(ctx, g.graph, key, func(ci *cmdb.CI) error {
		if ci.PendingChange != id {
			return graph.ErrSkip
		}
		ci.PendingChange = ""
		return nil
	})
	if err != nil && !errors.Is(err, cmdb.ErrNotFound) {
		g.logger.Warn("Failed to clear pending change", "ci", key, "change_id", id, "error", err)
	}
}

// analyzeImpact runs a full-scope analysis per affected CI and merges the
// results. Failure yields an unavailable summary and a warning; it never
// blocks the approval.
func (g *Gate) analyzeImpact(ctx context.Context, cr *cmdb.ChangeRequest) *cmdb.ImpactSummary {
	sum := &cmdb.ImpactSummary{AnalyzedAt: g.now()}
	if g.analyzer == nil {
		sum.Error = "impact analyzer not configured"
		return sum
	}

	direct := map[string]int{}
	services := map[string]bool{}
	controls := map[string]bool{}
	affected := map[string]bool{}
	for _, key := range cr.AffectedCIs {
		affected[key] = true
	}
	for _, key := range cr.AffectedCIs {
		res, err := g.analyzer.Analyze(ctx, impact.Request{Target: key, Scope: impact.ScopeFull})
		if err != nil {
			sum.Error = err.Error()
			g.warn(ctx, cr.ID, "Impact analysis unavailable",
				fmt.Sprintf("approval of %s proceeds without an impact summary: %v", cr.ID, err))
			return sum
		}
		for _, d := range res.Impacted {
			if affected[d.Key] {
				continue
			}
			if prev, ok := direct[d.Key]; !ok || d.Depth < prev {
				direct[d.Key] = d.Depth
			}
		}
		for _, s := range res.ImpactedBusinessServices {
			services[s] = true
		}
		for _, c := range res.ImpactedControls {
			controls[c] = true
		}
	}

	for key, depth := range direct {
		if depth == 1 {
			sum.DirectDependents = append(sum.DirectDependents, key)
		} else {
			sum.IndirectDependents = append(sum.IndirectDependents, key)
		}
	}
	sort.Strings(sum.DirectDependents)
	sort.Strings(sum.IndirectDependents)
	sum.CICount = len(direct)
	sum.ImpactedServices = keys(services)
	sum.ImpactedControls = keys(controls)
	sum.EstimatedUsers = g.analyzer.EstimateUsers(sum.ImpactedServices)
	sum.Risk = g.analyzer.Classify(policy.Signals{
		Controls: len(sum.ImpactedControls),
		Users:    sum.EstimatedUsers,
		Services: len(sum.ImpactedServices),
		Total:    sum.CICount,
	})
	sum.Available = true
	return sum
}

// applyMutations writes the desired state of a completing change. cur is the
// in-progress record; each CI is guarded against it before the write.
func (g *Gate) applyMutations(ctx context.Context, cur *cmdb.ChangeRequest) error {
	if cur.Status != cmdb.StatusInProgress {
		return fmt.Errorf("%w: %s is %s", cmdb.ErrWindowNotActive, cur.ID, cur.Status)
	}
	now := g.now()
	for _, m := range cur.Mutations {
		m := m
		_, err := graph.Mutate(ctx, g.graph, m.CI, func(ci *cmdb.CI) error {
			if ci.PendingChange != "" && ci.PendingChange != cur.ID {
				return fmt.Errorf("%w: %s held by %s", cmdb.ErrPendingChange, m.CI, ci.PendingChange)
			}
			if m.TargetLifecycle != "" {
				ci.Lifecycle = m.TargetLifecycle
			}
			if m.Owner != "" {
				ci.Owner = m.Owner
			}
			if len(m.Tags) > 0 {
				if ci.Tags == nil {
					ci.Tags = make(map[string]string, len(m.Tags))
				}
				for k, v := range m.Tags {
					ci.Tags[k] = v
				}
			}
			ci.PendingChange = ""
			ci.LastReconciled = now
			return nil
		})
		if err != nil {
			return fmt.Errorf("apply mutation to %s: %w", m.CI, err)
		}
	}
	return nil
}

// IsChangeApproved is the gating contract: true only when the request is
// approved and its window is active now.
func (g *Gate) IsChangeApproved(ctx context.Context, ref string) (bool, Explanation) {
	cr, err := g.changes.Get(ctx, ref)
	if err != nil {
		metrics.RecordGateDecision(false)
		reason := "blocked: change request not found"
		if !errors.Is(err, cmdb.ErrNotFound) {
			reason = "blocked: " + err.Error()
		}
		return false, Explanation{ChangeID: ref, Reason: reason}
	}
	e := Explain(cr, g.now())
	metrics.RecordGateDecision(e.Open)
	return e.Open, e
}

// Guard must be called before reconciling the CI at key. It returns nil when
// the CI has no pending change, when the pending change is closed, or when
// the gate is open, and an error wrapping cmdb.ErrWindowNotActive otherwise.
func (g *Gate) Guard(ctx context.Context, key string) error {
	ci, err := g.graph.GetCI(ctx, key)
	if err != nil {
		return err
	}
	if ci.PendingChange == "" {
		return nil
	}
	if !g.holds(ctx, ci.PendingChange) {
		return nil
	}
	open, e := g.IsChangeApproved(ctx, ci.PendingChange)
	if open {
		return nil
	}
	g.logger.Debug("Reconciliation gated", "ci", key, "change_id", ci.PendingChange, "reason", e.Reason)
	return fmt.Errorf("%w: %s: %s", cmdb.ErrWindowNotActive, key, e.Reason)
}

// GuardedMutate waits, with bounded exponential backoff, for the gate of the
// CI at key to open and then applies fn through graph.Mutate.
func (g *Gate) GuardedMutate(ctx context.Context, key string, fn func(*cmdb.CI) error) (*cmdb.CI, error) {
	p := g.cfg.GuardRetry
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if p.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxTries))
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	return backoff.Retry(ctx, func() (*cmdb.CI, error) {
		if err := g.Guard(ctx, key); err != nil {
			if errors.Is(err, cmdb.ErrWindowNotActive) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		ci, err := graph.MutateWithPolicy(ctx, g.graph, g.cfg.Retry, key, fn)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return ci, nil
	}, opts...)
}

func (g *Gate) warn(ctx context.Context, subject, title, message string) {
	w := notifier.Warning{
		Severity: notifier.SeverityWarning,
		Title:    title,
		Subject:  subject,
		Message:  message,
		At:       g.now(),
	}
	if err := g.notifier.Notify(ctx, w); err != nil {
		g.logger.Warn("Failed to deliver warning", "subject", subject, "error", err)
	}
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
