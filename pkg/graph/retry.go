package graph

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// RetryPolicy bounds retries of store calls.
type RetryPolicy struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxTries        uint          `mapstructure:"max_tries"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxTries:        8,
		MaxElapsed:      10 * time.Second,
	}
}

func (p RetryPolicy) options() []backoff.RetryOption {
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
	return opts
}

// Retry runs op until it succeeds, returns a non-transient error, or the
// policy is exhausted. Semantic errors are returned after the first attempt.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !cmdb.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, p.options()...)
}

// Mutate applies fn to a fresh copy of the CI at key and writes it back,
// re-reading and retrying when another writer wins the version race.
// fn may be called more than once.
func Mutate(ctx context.Context, store Store, key string, fn func(*cmdb.CI) error) (*cmdb.CI, error) {
	return MutateWithPolicy(ctx, store, DefaultRetryPolicy(), key, fn)
}

// MutateWithPolicy is Mutate with an explicit retry policy.
func MutateWithPolicy(ctx context.Context, store Store, p RetryPolicy, key string, fn func(*cmdb.CI) error) (*cmdb.CI, error) {
	return Retry(ctx, p, func(ctx context.Context) (*cmdb.CI, error) {
		ci, err := store.GetCI(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := fn(ci); err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := store.UpsertCI(ctx, ci); err != nil {
			return nil, err
		}
		return ci, nil
	})
}

// ErrSkip returned from a Mutate callback aborts the write without error.
var ErrSkip = errors.New("skip write")

// MutateIfNeeded is Mutate where fn may return ErrSkip to leave the CI untouched.
func MutateIfNeeded(ctx context.Context, store Store, key string, fn func(*cmdb.CI) error) (*cmdb.CI, bool, error) {
	ci, err := Mutate(ctx, store, key, fn)
	if errors.Is(err, ErrSkip) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ci, true, nil
}
