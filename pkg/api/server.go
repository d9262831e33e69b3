// Package api exposes the operator HTTP surface.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DrSkyle/cigraph/pkg/engine/gate"
	"github.com/DrSkyle/cigraph/pkg/engine/health"
	"github.com/DrSkyle/cigraph/pkg/engine/impact"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/ingest"
	"github.com/DrSkyle/cigraph/pkg/metrics"
)

// Analyzer runs impact queries.
type Analyzer interface {
	Analyze(ctx context.Context, req impact.Request) (*impact.Analysis, error)
}

// HealthSource serves the latest health result, computing one on demand.
type HealthSource interface {
	Latest() *health.CMDBHealth
	RunOnce(ctx context.Context) (*health.CMDBHealth, error)
}

// EventHandler applies CI and relationship writes.
type EventHandler interface {
	Handle(ctx context.Context, ev ingest.Event) error
}

// Config tunes the listener.
type Config struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server wires the handlers onto an echo instance.
type Server struct {
	echo     *echo.Echo
	cfg      Config
	store    graph.Store
	gate     *gate.Gate
	analyzer Analyzer
	health   HealthSource
	events   EventHandler
	validate *validator.Validate
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

func WithConfig(cfg Config) Option { return func(s *Server) { s.cfg = cfg } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithEvents routes CI and relationship writes through h instead of a plain processor.
func WithEvents(h EventHandler) Option { return func(s *Server) { s.events = h } }

// NewServer builds the router. CI writes default to an ingest.Processor guarded by g.
func NewServer(store graph.Store, g *gate.Gate, a Analyzer, h HealthSource, opts ...Option) *Server {
	s := &Server{
		echo:     echo.New(),
		cfg:      DefaultConfig(),
		store:    store,
		gate:     g,
		analyzer: a,
		health:   h,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		popts := []ingest.Option{ingest.WithLogger(s.logger)}
		if g != nil {
			popts = append(popts, ingest.WithGuard(g))
		}
		s.events = ingest.NewProcessor(store, popts...)
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError
	s.echo.Use(s.observe)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/impact-analysis", s.analyzeImpact)
	v1.GET("/health", s.getHealth)

	changes := v1.Group("/change-requests")
	changes.POST("", s.createChange)
	changes.GET("", s.listChanges)
	changes.GET("/:id", s.getChange)
	changes.GET("/:id/gate", s.explainGate)
	changes.POST("/:id/submit", s.submitChange)
	changes.POST("/:id/approve", s.approveChange)
	changes.POST("/:id/reject", s.rejectChange)
	changes.POST("/:id/cancel", s.cancelChange)
	changes.POST("/:id/reschedule", s.rescheduleChange)
	changes.POST("/:id/result", s.reportResult)

	cis := v1.Group("/cis")
	cis.GET("/:name", s.getCI)
	cis.PUT("/:name", s.putCI)
	cis.GET("/:name/relationships", s.listRelationships)
	v1.POST("/relationships", s.putRelationship)
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.echo,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("API shutting down")
	return srv.Shutdown(shutdownCtx)
}

// observe records request count and latency by route template.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request().Method, route, strconv.Itoa(c.Response().Status), time.Since(start).Seconds())
		return nil
	}
}
