package locking

import (
	"context"

	"github.com/marcodamonte/concurrency/lockdemo/syncutil"
)

// barrier releases its waiters once n parties have arrived. The demos use it
// in place of a sleep so the lock collision they show happens on every run.
type barrier struct {
	mu        syncutil.Mutex
	remaining int
	done      chan struct{}
}

func newBarrier(n int) *barrier {
	b := &barrier{remaining: n, done: make(chan struct{})}
	if n <= 0 {
		close(b.done)
	}
	return b
}

func (b *barrier) arrive() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining == 0 {
		return
	}
	b.remaining--
	if b.remaining == 0 {
		close(b.done)
	}
}

func (b *barrier) wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
