package health

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/DrSkyle/cigraph/pkg/engine/history"
	"github.com/DrSkyle/cigraph/pkg/engine/notifier"
)

// Scheduler runs the calculator on a fixed interval, keeps the latest result
// and appends every run to the history ledger.
type Scheduler struct {
	calc     *Calculator
	ledger   *history.Client
	notifier notifier.Notifier

	mu     sync.RWMutex
	latest *CMDBHealth
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. A nil ledger keeps history in memory.
func NewScheduler(calc *Calculator, ledger *history.Client, n notifier.Notifier) *Scheduler {
	if ledger == nil {
		ledger = history.NewClient(nil)
	}
	if n == nil {
		n = notifier.Log{Logger: calc.logger}
	}
	return &Scheduler{calc: calc, ledger: ledger, notifier: n}
}

// Latest returns the last successful run, or nil.
func (s *Scheduler) Latest() *CMDBHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// RunOnce calculates, records and analyzes one run.
func (s *Scheduler) RunOnce(ctx context.Context) (*CMDBHealth, error) {
	h, err := s.calc.Calculate(ctx)
	if err != nil {
		return nil, err
	}

	snap := history.Snapshot{
		Timestamp:    h.CalculatedAt.Unix(),
		Overall:      h.Overall,
		Completeness: h.Completeness,
		Accuracy:     h.Accuracy,
		Timeliness:   h.Timeliness,
		Compliance:   h.Compliance,
		Population:   h.Population,
		Orphans:      h.OrphanCount,
	}
	if err := s.ledger.Append(ctx, snap); err != nil {
		s.calc.logger.Warn("Failed to append health history", "error", err)
	} else if window, err := s.ledger.LoadWindow(ctx, s.calc.cfg.HistoryWindow); err != nil {
		s.calc.logger.Warn("Failed to load health history", "error", err)
	} else {
		trend := history.Analyze(window, s.calc.cfg.Trend)
		h.Trend = &trend
		if len(trend.Alerts) > 0 {
			if err := s.notifier.Notify(ctx, notifier.Warning{
				Severity: notifier.SeverityAlert,
				Title:    "CMDB health degrading",
				Subject:  "health",
				Message:  strings.Join(trend.Alerts, "\n"),
				At:       h.CalculatedAt,
			}); err != nil {
				s.calc.logger.Warn("Failed to deliver health alert", "error", err)
			}
		}
	}

	s.mu.Lock()
	s.latest = h
	s.mu.Unlock()
	return h, nil
}

// Start runs immediately and then every Interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.calc.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.calc.logger.Error("Health run failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Wait blocks until the loop started by Start exits.
func (s *Scheduler) Wait() { s.wg.Wait() }
