package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

// Resource is a named lock whose acquisition can be bounded by a deadline.
// sync.Mutex cannot give up on a Lock call, so the guard is a semaphore of
// weight one: Acquire honors its context, TryAcquire never blocks.
type Resource struct {
	key   Key
	sem   *semaphore.Weighted
	clock clockwork.Clock
}

// ResourceOption configures a Resource.
type ResourceOption func(*Resource)

// WithClock sets the clock used for LockTimeout deadlines.
func WithClock(clock clockwork.Clock) ResourceOption {
	return func(r *Resource) {
		r.clock = clock
	}
}

// WithKey overrides the generated ordering key.
func WithKey(key Key) ResourceOption {
	return func(r *Resource) {
		r.key = key
	}
}

// NewResource creates an unlocked resource.
func NewResource(name string, opts ...ResourceOption) *Resource {
	r := &Resource{
		key:   NewKey(name),
		sem:   semaphore.NewWeighted(1),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name is the display name given to NewResource.
func (r *Resource) Name() string { return r.key.Name }

// LockKey makes resources orderable by Order.
func (r *Resource) LockKey() Key { return r.key }

// Lock blocks until the resource is held or ctx is done.
func (r *Resource) Lock(ctx context.Context) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("lock %s: %w", r.Name(), err)
	}
	return nil
}

// TryLock takes the resource only if it is free right now.
func (r *Resource) TryLock() bool {
	return r.sem.TryAcquire(1)
}

// LockTimeout waits at most d for the resource. It returns an error wrapping
// ErrLockTimeout when d elapses, or ctx's error if ctx ends first. On any
// error the resource is not held.
func (r *Resource) LockTimeout(ctx context.Context, d time.Duration) error {
	if r.sem.TryAcquire(1) {
		return nil
	}
	if d <= 0 {
		return fmt.Errorf("%w: %s", ErrLockTimeout, r.Name())
	}

	waitCtx, cancel := clockwork.WithTimeout(ctx, r.clock, d)
	defer cancel()

	if err := r.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("lock %s: %w", r.Name(), ctx.Err())
		}
		return fmt.Errorf("%w: %s after %s", ErrLockTimeout, r.Name(), d)
	}
	return nil
}

// Unlock releases the resource. Unlocking a free resource panics, the same
// as sync.Mutex.
func (r *Resource) Unlock() {
	r.sem.Release(1)
}
