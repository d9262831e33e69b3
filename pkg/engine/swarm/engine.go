// Package swarm runs gate evaluations and executor hand-offs on an AIMD-sized worker pool.
package swarm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/DrSkyle/cigraph/pkg/metrics"
)

// ErrStopped is returned when submitting to a stopped pool.
var ErrStopped = errors.New("worker pool stopped")

// Task represents a unit of work for the swarm.
type Task func(ctx context.Context) error

// Engine manages the worker pool and concurrency.
type Engine struct {
	aimd        *AIMD
	tasks       chan Task
	wg          sync.WaitGroup
	quit        chan struct{}
	stopOnce    sync.Once
	active      int
	mu          sync.Mutex
	stats       Stats
	IsContended func(error) bool
}

// Stats holds runtime statistics for the engine.
type Stats struct {
	ActiveWorkers  int
	Concurrency    int
	TasksCompleted int64
	TasksFailed    int64
}

// NewEngine creates a pool that starts at start workers and adapts within [min, max].
func NewEngine(start, min, max int) *Engine {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	if start < min || start > max {
		start = min
	}
	return &Engine{
		aimd:  NewAIMD(start, min, max),
		tasks: make(chan Task, 1000),
		quit:  make(chan struct{}),
	}
}

// Start begins the worker loop.
func (e *Engine) Start(ctx context.Context) {
	e.scale(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
}

// Submit queues a task. It blocks while the queue is full.
func (e *Engine) Submit(ctx context.Context, t Task) error {
	select {
	case <-e.quit:
		return ErrStopped
	default:
	}
	select {
	case e.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrStopped
	}
}

// Do runs t on the pool and waits for its result.
func (e *Engine) Do(ctx context.Context, t Task) error {
	done := make(chan error, 1)
	if err := e.Submit(ctx, func(ctx context.Context) error {
		err := t(ctx)
		done <- err
		return err
	}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrStopped
	}
}

// Stop signals workers to exit and waits for running tasks.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.quit) })
	e.wg.Wait()
}

// GetStats returns current engine stats.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.ActiveWorkers = e.active
	s.Concurrency = e.aimd.GetConcurrency()
	return s
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case <-ticker.C:
			e.scale(ctx)
		}
	}
}

// scale spawns workers up to the AIMD target. Surplus workers exit after
// their current task.
func (e *Engine) scale(ctx context.Context) {
	target := e.aimd.GetConcurrency()
	metrics.WorkerPoolSize.Set(float64(target))

	e.mu.Lock()
	spawn := target - e.active
	e.active += max(spawn, 0)
	e.mu.Unlock()

	for i := 0; i < spawn; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
		e.wg.Done()
	}()

	for {
		if e.surplus() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case task := <-e.tasks:
			start := time.Now()
			err := task(ctx)
			contended := err != nil && e.IsContended != nil && e.IsContended(err)
			e.aimd.Feedback(time.Since(start), contended)

			e.mu.Lock()
			e.stats.TasksCompleted++
			if err != nil {
				e.stats.TasksFailed++
			}
			e.mu.Unlock()
		}
	}
}

func (e *Engine) surplus() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active > e.aimd.GetConcurrency()
}
