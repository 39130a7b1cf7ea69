package locking

import (
	"context"
	"fmt"
	"time"
)

// AcquirePair locks first and then second, waiting at most timeout for each.
// between, if set, runs while only first is held; the demos use it to line
// both tasks up before they reach for their second resource.
//
// On error nothing is held: a partial hold is rolled back before returning.
// On success the caller must call release, which unlocks in reverse order.
func AcquirePair(
	ctx context.Context,
	first, second *Resource,
	timeout time.Duration,
	between func(context.Context) error,
) (release func(), err error) {
	if err := first.LockTimeout(ctx, timeout); err != nil {
		return nil, err
	}

	if between != nil {
		if err := between(ctx); err != nil {
			first.Unlock()
			return nil, err
		}
	}

	if err := second.LockTimeout(ctx, timeout); err != nil {
		first.Unlock()
		return nil, err
	}

	return func() {
		second.Unlock()
		first.Unlock()
	}, nil
}

// LockOrdered locks a and b in the global Order, blocking without a bound.
// Ordering alone rules out circular wait, so no timeout is needed. a and b
// must have distinct keys; otherwise ErrSameKey is returned and nothing is
// locked.
func LockOrdered(ctx context.Context, a, b *Resource) (release func(), err error) {
	if a.LockKey() == b.LockKey() {
		return nil, fmt.Errorf("%w: %s", ErrSameKey, a.LockKey())
	}
	first, second := Order(a, b)

	if err := first.Lock(ctx); err != nil {
		return nil, err
	}
	if err := second.Lock(ctx); err != nil {
		first.Unlock()
		return nil, err
	}

	return func() {
		second.Unlock()
		first.Unlock()
	}, nil
}
