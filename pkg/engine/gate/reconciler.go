package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/engine/swarm"
	"github.com/DrSkyle/cigraph/pkg/lock"
	"github.com/DrSkyle/cigraph/pkg/metrics"
)

// ErrDeferred is returned by an Executor that hands execution to an outside
// system which reports back through Gate.ReportResult.
var ErrDeferred = errors.New("execution deferred")

// Executor applies the infrastructure side of an in-progress change.
type Executor interface {
	Execute(ctx context.Context, cr *cmdb.ChangeRequest) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cr *cmdb.ChangeRequest) error

func (f ExecutorFunc) Execute(ctx context.Context, cr *cmdb.ChangeRequest) error { return f(ctx, cr) }

// NoopExecutor succeeds immediately; the CI mutations are the whole change.
type NoopExecutor struct{}

func (NoopExecutor) Execute(context.Context, *cmdb.ChangeRequest) error { return nil }

// ExternalExecutor always defers; results arrive via the API.
type ExternalExecutor struct{}

func (ExternalExecutor) Execute(context.Context, *cmdb.ChangeRequest) error { return ErrDeferred }

// Runner runs a task and waits for it. *swarm.Engine satisfies it.
type Runner interface {
	Do(ctx context.Context, t swarm.Task) error
}

// Reconciler polls gated ChangeRequests on a bounded backoff timer, moves them
// through scheduled and in-progress while their window is open, and hands
// execution to the Executor.
type Reconciler struct {
	gate     *Gate
	executor Executor
	runner   Runner
	locker   lock.Locker
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	base   context.Context
	cancel context.CancelFunc
	loops  map[string]*pollLoop
	gen    uint64
	wg     sync.WaitGroup
}

type pollLoop struct {
	cancel context.CancelFunc
	gen    uint64
	// kicked is set by Track on a running loop; a loop that decided to stop
	// evaluates again instead.
	kicked bool
	wake   chan struct{}
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

func WithExecutor(e Executor) ReconcilerOption { return func(r *Reconciler) { r.executor = e } }

// WithRunner runs evaluations on a worker pool instead of the poll goroutine.
func WithRunner(run Runner) ReconcilerOption { return func(r *Reconciler) { r.runner = run } }

// WithLocker serializes evaluation of one request across replicas.
func WithLocker(l lock.Locker) ReconcilerOption { return func(r *Reconciler) { r.locker = l } }

// NewReconciler creates a Reconciler and registers it as the gate's poller.
func NewReconciler(g *Gate, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		gate:     g,
		executor: NoopExecutor{},
		cfg:      g.cfg,
		logger:   g.logger,
		loops:    make(map[string]*pollLoop),
	}
	for _, opt := range opts {
		opt(r)
	}
	g.SetPoller(r)
	return r
}

// Start resumes polling for every gated request and runs the approval expiry sweep.
func (r *Reconciler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.base, r.cancel = ctx, cancel
	r.mu.Unlock()

	gated, err := r.gate.List(ctx, Filter{Statuses: []cmdb.ChangeStatus{
		cmdb.StatusApproved, cmdb.StatusScheduled, cmdb.StatusInProgress,
	}})
	if err != nil {
		cancel()
		return err
	}
	for _, cr := range gated {
		r.Track(cr.ID)
	}
	r.logger.Info("Reconciler started", "resumed", len(gated))

	if r.cfg.SweepInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(r.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := r.SweepExpired(ctx); err != nil {
						r.logger.Warn("Approval expiry sweep failed", "error", err)
					}
				}
			}
		}()
	}
	return nil
}

// Stop cancels every poll loop and waits for them to exit.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	for id, l := range r.loops {
		l.cancel()
		delete(r.loops, id)
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.base, r.cancel = nil, nil
	r.mu.Unlock()
	r.wg.Wait()
	metrics.GatePollsActive.Set(0)
}

// Track starts a poll loop for id. An existing loop is woken to re-evaluate
// now, even if it is about to stop. It is a no-op before Start.
func (r *Reconciler) Track(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.base == nil {
		return
	}
	if l, ok := r.loops[id]; ok {
		l.kicked = true
		select {
		case l.wake <- struct{}{}:
		default:
		}
		return
	}
	ctx, cancel := context.WithCancel(r.base)
	r.gen++
	l := &pollLoop{cancel: cancel, gen: r.gen, wake: make(chan struct{}, 1)}
	r.loops[id] = l
	metrics.GatePollsActive.Set(float64(len(r.loops)))
	r.wg.Add(1)
	go r.poll(ctx, id, l)
}

// Untrack stops the poll loop for id immediately.
func (r *Reconciler) Untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loops[id]; ok {
		l.cancel()
		delete(r.loops, id)
		metrics.GatePollsActive.Set(float64(len(r.loops)))
	}
}

// release drops the loop entry for id if it still belongs to generation gen.
func (r *Reconciler) release(id string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loops[id]; ok && l.gen == gen {
		l.cancel()
		delete(r.loops, id)
		metrics.GatePollsActive.Set(float64(len(r.loops)))
	}
}

// settle clears the kick before an evaluation reads state.
func (r *Reconciler) settle(l *pollLoop) {
	r.mu.Lock()
	l.kicked = false
	r.mu.Unlock()
}

// finish drops the loop entry unless Track kicked it since the last
// evaluation started. It reports whether the loop should exit.
func (r *Reconciler) finish(id string, l *pollLoop) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.kicked {
		l.kicked = false
		return false
	}
	if cur, ok := r.loops[id]; ok && cur == l {
		delete(r.loops, id)
		metrics.GatePollsActive.Set(float64(len(r.loops)))
	}
	l.cancel()
	return true
}

// Tracking reports whether id has a live poll loop.
func (r *Reconciler) Tracking(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[id]
	return ok
}

func (r *Reconciler) poll(ctx context.Context, id string, l *pollLoop) {
	defer r.wg.Done()
	defer r.release(id, l.gen)

	b := backoff.NewExponentialBackOff()
	if r.cfg.PollInitial > 0 {
		b.InitialInterval = r.cfg.PollInitial
	}
	if r.cfg.PollMax > 0 {
		b.MaxInterval = r.cfg.PollMax
	}

	type result struct {
		hint time.Duration
		done bool
	}
	for {
		r.settle(l)
		out := make(chan result, 1)
		task := func(context.Context) error {
			hint, done := r.evaluate(ctx, id)
			out <- result{hint, done}
			return nil
		}
		var err error
		if r.runner != nil {
			err = r.runner.Do(ctx, task)
		} else {
			err = task(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		var res result
		select {
		case res = <-out:
		default:
			r.logger.Warn("Gate evaluation not run", "change_id", id, "error", err)
		}
		if res.done {
			if r.finish(id, l) {
				return
			}
			b.Reset()
			continue
		}
		hint := res.hint

		delay := b.NextBackOff()
		if hint > 0 && hint < delay {
			delay = hint
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-l.wake:
			timer.Stop()
			b.Reset()
		case <-timer.C:
		}
	}
}

// evaluate advances id one step. It returns a hint for the next poll and
// whether polling should stop.
func (r *Reconciler) evaluate(ctx context.Context, id string) (time.Duration, bool) {
	if r.locker == nil {
		return r.step(ctx, id)
	}
	held, err := r.locker.Acquire(ctx, "change:"+id, r.cfg.LockTTL)
	if err != nil {
		if !errors.Is(err, lock.ErrNotAcquired) {
			r.logger.Warn("Failed to acquire change lock", "change_id", id, "error", err)
		}
		return 0, false
	}
	defer held.Release(context.WithoutCancel(ctx))
	return r.step(ctx, id)
}

func (r *Reconciler) step(ctx context.Context, id string) (time.Duration, bool) {
	cr, err := r.gate.Get(ctx, id)
	if err != nil {
		if errors.Is(err, cmdb.ErrNotFound) {
			return 0, true
		}
		r.logger.Warn("Failed to load change request", "change_id", id, "error", err)
		return 0, false
	}
	now := r.gate.Now()

	if cr.Status == cmdb.StatusApproved {
		if cr, err = r.gate.Fire(ctx, id, Event{Type: EventSchedule}); err != nil {
			return r.retryLater(id, err)
		}
	}

	switch cr.Status {
	case cmdb.StatusScheduled:
		switch {
		case cr.Window.Pending(now):
			r.logger.Debug("Window not open", "change_id", id, "opens_in", cmdb.FormatDuration(cr.Window.Start.Sub(now)))
			return cr.Window.Start.Sub(now), false
		case cr.Window.Passed(now):
			e := Explain(cr, now)
			r.gate.warn(ctx, id, "Implementation window missed", e.Reason+"; reschedule or cancel")
			return 0, true
		}
		if cr, err = r.gate.Fire(ctx, id, Event{Type: EventStart}); err != nil {
			return r.retryLater(id, err)
		}
		return r.execute(ctx, cr, now)

	case cmdb.StatusInProgress:
		return r.execute(ctx, cr, now)
	}
	return 0, true
}

func (r *Reconciler) execute(ctx context.Context, cr *cmdb.ChangeRequest, now time.Time) (time.Duration, bool) {
	if cr.Window.Passed(now) {
		if _, err := r.gate.ReportResult(ctx, cr.ID, false, "window closed during execution"); err != nil {
			return r.retryLater(cr.ID, err)
		}
		return 0, true
	}

	err := r.executor.Execute(ctx, cr)
	switch {
	case errors.Is(err, ErrDeferred):
		return cr.Window.End.Sub(now), false
	case err != nil:
		r.logger.Warn("Change execution failed", "change_id", cr.ID, "error", err)
		_, err = r.gate.ReportResult(ctx, cr.ID, false, err.Error())
	default:
		_, err = r.gate.ReportResult(ctx, cr.ID, true, "")
	}
	if err != nil {
		return r.retryLater(cr.ID, err)
	}
	return 0, true
}

func (r *Reconciler) retryLater(id string, err error) (time.Duration, bool) {
	if errors.Is(err, cmdb.ErrWindowNotActive) {
		r.logger.Info("Gate closed", "change_id", id, "reason", err)
		return 0, false
	}
	if cmdb.IsSemantic(err) {
		r.logger.Warn("Change request cannot advance", "change_id", id, "error", err)
		return 0, true
	}
	r.logger.Warn("Gate evaluation failed", "change_id", id, "error", err)
	return 0, false
}

// SweepExpired cancels pending requests whose approval TTL has lapsed.
func (r *Reconciler) SweepExpired(ctx context.Context) (int, error) {
	pending, err := r.gate.List(ctx, Filter{Statuses: []cmdb.ChangeStatus{cmdb.StatusPendingApproval}})
	if err != nil {
		return 0, err
	}
	now := r.gate.Now()
	n := 0
	for _, cr := range pending {
		if cr.ApprovalExpiresAt.IsZero() || now.Before(cr.ApprovalExpiresAt) {
			continue
		}
		if _, err := r.gate.Fire(ctx, cr.ID, Event{Type: EventExpire}); err != nil {
			r.logger.Warn("Failed to expire change request", "change_id", cr.ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		r.logger.Info("Expired pending approvals", "count", n)
	}
	return n, nil
}
