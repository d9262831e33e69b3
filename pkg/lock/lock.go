// Package lock serializes work on one key across goroutines or replicas.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotAcquired is returned when a lock is held elsewhere.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld is returned when releasing a lock that expired or was taken over.
	ErrNotHeld = errors.New("lock not held")
)

// Locker acquires exclusive, expiring locks.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
}

// WithLock executes fn while holding key.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func() error) error {
	held, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer held.Release(context.WithoutCancel(ctx))
	return fn()
}

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), clock: time.Now}
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLock{owner: l, key: key, token: token}, nil
}

type localLock struct {
	owner *Local
	key   string
	token string
}

func (h *localLock) Release(context.Context) error {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	e, ok := h.owner.held[h.key]
	if !ok || e.token != h.token {
		return ErrNotHeld
	}
	delete(h.owner.held, h.key)
	return nil
}
