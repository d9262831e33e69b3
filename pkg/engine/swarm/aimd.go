package swarm

import (
	"sync"
	"time"
)

// AIMD sizes the pool: additive increase on healthy latency, multiplicative
// decrease on contention.
type AIMD struct {
	mu          sync.Mutex
	concurrency int
	minWorkers  int
	maxWorkers  int
	step        int
	healthy     time.Duration
	damping     time.Duration
	lastChange  time.Time
	now         func() time.Time
}

func NewAIMD(start, min, max int) *AIMD {
	return &AIMD{
		concurrency: start,
		minWorkers:  min,
		maxWorkers:  max,
		step:        1,
		healthy:     250 * time.Millisecond,
		damping:     100 * time.Millisecond,
		now:         time.Now,
	}
}

func (a *AIMD) GetConcurrency() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.concurrency
}

func (a *AIMD) Feedback(lat time.Duration, contended bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	// dampen oscillation
	if !a.lastChange.IsZero() && now.Sub(a.lastChange) < a.damping {
		return
	}

	if contended {
		a.concurrency = a.concurrency / 2
		if a.concurrency < a.minWorkers {
			a.concurrency = a.minWorkers
		}
		a.lastChange = now
		return
	}

	if lat < a.healthy && a.concurrency < a.maxWorkers {
		a.concurrency += a.step
		if a.concurrency > a.maxWorkers {
			a.concurrency = a.maxWorkers
		}
		a.lastChange = now
	}
}
