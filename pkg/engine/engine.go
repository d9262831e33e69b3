// Package engine assembles and runs every cigraph component.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DrSkyle/cigraph/pkg/api"
	"github.com/DrSkyle/cigraph/pkg/config"
	"github.com/DrSkyle/cigraph/pkg/engine/gate"
	"github.com/DrSkyle/cigraph/pkg/engine/health"
	"github.com/DrSkyle/cigraph/pkg/engine/impact"
	"github.com/DrSkyle/cigraph/pkg/engine/swarm"
	"github.com/DrSkyle/cigraph/pkg/federation"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/ingest"
	"github.com/DrSkyle/cigraph/pkg/ingest/kafka"
	"github.com/DrSkyle/cigraph/pkg/manifest"
	"github.com/DrSkyle/cigraph/pkg/metrics"
	"github.com/DrSkyle/cigraph/pkg/providers/k8s"
	"github.com/DrSkyle/cigraph/pkg/telemetry"
	"github.com/DrSkyle/cigraph/pkg/version"
)

// Engine is the runtime core.
type Engine struct {
	Graph      graph.Store
	Changes    gate.ChangeStore
	Gate       *gate.Gate
	Reconciler *gate.Reconciler
	Analyzer   *impact.Analyzer
	Health     *health.Scheduler
	Ingest     *ingest.Processor
	Swarm      *swarm.Engine
	API        *api.Server
	Logger     *slog.Logger
	Tracer     trace.Tracer

	config        config.Config
	now           func() time.Time
	executor      gate.Executor
	mirror        federation.Mirror
	skipTelemetry bool
	logOutput     io.Writer

	housekeeper *impact.Housekeeper
	consumer    *kafka.Consumer
	scanner     *k8s.Scanner
	syncer      *federation.Syncer

	closers []func(context.Context) error
	wg      sync.WaitGroup
}

// Option defines a functional configuration override.
type Option func(*Engine)

func WithConfig(cfg config.Config) Option { return func(e *Engine) { e.config = cfg } }

// WithLogger replaces the redacting JSON logger built from the config.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.Logger = l } }

// WithStores injects pre-built stores instead of opening the configured driver.
func WithStores(g graph.Store, c gate.ChangeStore) Option {
	return func(e *Engine) { e.Graph, e.Changes = g, c }
}

// WithExecutor sets who performs approved changes. Default: results arrive via the API.
func WithExecutor(x gate.Executor) Option { return func(e *Engine) { e.executor = x } }

// WithMirror overrides the federation target built from the config.
func WithMirror(m federation.Mirror) Option { return func(e *Engine) { e.mirror = m } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithoutTelemetry leaves the global tracer provider alone, for embedding.
func WithoutTelemetry() Option { return func(e *Engine) { e.skipTelemetry = true } }

// WithLogOutput redirects the default logger.
func WithLogOutput(w io.Writer) Option { return func(e *Engine) { e.logOutput = w } }

// New builds every component the config enables. Nothing runs until Run.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		config:    config.DefaultConfig(),
		now:       time.Now,
		executor:  gate.ExternalExecutor{},
		Tracer:    otel.Tracer("cigraph/engine"),
		logOutput: os.Stdout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.config.Validate(); err != nil {
		return nil, err
	}
	if e.Logger == nil {
		e.Logger = NewLogger(e.logOutput, e.config.LogLevel, e.config.LogFormat)
	}
	slog.SetDefault(e.Logger)

	if !e.skipTelemetry {
		shutdown, err := telemetry.Init(ctx, e.config.Telemetry, version.Current)
		if err != nil {
			e.Logger.Warn("Telemetry failed", "error", err)
		} else {
			e.closers = append(e.closers, shutdown)
		}
	}

	if err := e.build(ctx); err != nil {
		e.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return e, nil
}

// Config returns the validated config the engine was built with.
func (e *Engine) Config() config.Config { return e.config }

// Run starts the background components and serves the API until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) (err error) {
	ctx, span := e.Tracer.Start(ctx, "Engine.Run")
	defer span.End()
	defer e.recoverPanic(ctx, &err)

	e.Logger.Info("Starting cigraph", "version", version.Current, "store", e.config.Store.Driver)

	if err := e.ApplyManifests(ctx); err != nil {
		e.Logger.Warn("Some manifest entries were not applied", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.Swarm.Start(runCtx)
	defer e.Swarm.Stop()

	if err := e.Reconciler.Start(runCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconciler start failed")
		return fmt.Errorf("failed to start reconciler: %w", err)
	}
	defer e.Reconciler.Stop()

	e.Health.Start(runCtx)
	e.every(runCtx, e.config.Store.ExpireInterval, "relationship expiry", e.ExpireRelationships)
	e.every(runCtx, e.config.Store.CounterInterval, "counter refresh", func(ctx context.Context) error {
		_, err := e.housekeeper.RefreshCounters(ctx)
		return err
	})

	if e.consumer != nil {
		if err := e.consumer.Start(runCtx); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
		defer e.consumer.Stop()
	}
	if e.scanner != nil {
		e.goRun(func() {
			if err := e.scanner.Run(runCtx); err != nil && runCtx.Err() == nil {
				e.Logger.Error("Kubernetes scanner stopped", "error", err)
			}
		})
	}
	if e.syncer != nil {
		e.goRun(func() { e.syncer.Run(runCtx, e.config.Federation.Interval) })
	}

	span.SetAttributes(
		attribute.Bool("ingest.kafka", e.consumer != nil),
		attribute.Bool("ingest.kubernetes", e.scanner != nil),
		attribute.Bool("federation", e.syncer != nil),
	)

	serveErr := e.API.Start(runCtx)
	cancel()
	e.Health.Wait()
	e.wg.Wait()
	if serveErr != nil {
		span.RecordError(serveErr)
		span.SetStatus(codes.Error, "api failed")
		return fmt.Errorf("api server: %w", serveErr)
	}
	e.Logger.Info("cigraph stopped")
	return nil
}

// ApplyManifests loads every configured manifest path through the ingest processor.
func (e *Engine) ApplyManifests(ctx context.Context) error {
	var errs []error
	for _, path := range e.config.Manifests {
		m, err := manifest.Load(path, e.config.ManifestVars)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.Apply(ctx, e.Ingest); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		e.Logger.Info("Manifest applied", "path", path, "cis", len(m.CIs), "relationships", len(m.Relationships))
	}
	return errors.Join(errs...)
}

// ExpireRelationships deactivates discovered edges whose validity lapsed.
func (e *Engine) ExpireRelationships(ctx context.Context) error {
	n, err := e.Graph.ExpireRelationships(ctx, e.now())
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.RelationshipsExpiredTotal.Add(float64(n))
		e.Logger.Info("Expired discovered relationships", "count", n)
	}
	return nil
}

// Close releases stores, clients and the tracer provider, newest first.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func (e *Engine) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	e.goRun(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					e.Logger.Warn("Periodic task failed", "task", name, "error", err)
				}
			}
		}
	})
}

func (e *Engine) goRun(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// recoverPanic turns a panic in Run into an error recorded on a span.
func (e *Engine) recoverPanic(ctx context.Context, err *error) {
	r := recover()
	if r == nil {
		return
	}
	_, span := otel.Tracer("cigraph/engine").Start(ctx, "CriticalPanic")
	stack := debug.Stack()
	span.RecordError(fmt.Errorf("%v", r), trace.WithStackTrace(true))
	span.SetStatus(codes.Error, "CRITICAL FAILURE")
	span.SetAttributes(
		attribute.String("crash.stack", string(stack)),
		attribute.String("crash.reason", fmt.Sprintf("%v", r)),
	)
	span.End()

	e.Logger.Error("CRITICAL FAILURE", "error", r, "stack", string(stack))
	*err = fmt.Errorf("engine panic: %v", r)
}

// NewLogger builds the default slog logger with secret redaction.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level), ReplaceAttr: redactSensitiveData}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

var sensitiveKeys = map[string]bool{
	"password": true, "token": true, "secret": true, "api_key": true,
	"private_key": true, "auth_token": true, "refresh_token": true,
	"credential": true, "connection_string": true, "webhook": true,
	"slack_webhook": true, "authorization": true,
}

// redactSensitiveData scrubs sensitive keys from logs.
func redactSensitiveData(groups []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.Attr{Key: a.Key, Value: slog.StringValue("[REDACTED]")}
	}
	return a
}
