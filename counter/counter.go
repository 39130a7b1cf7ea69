// Package counter implements an integer shared by many goroutines, each
// update made under a single mutex so no increment is ever lost.
package counter

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/marcodamonte/concurrency/lockdemo/syncutil"
)

// ErrInvalidWorkers is returned by RunWorkers when asked for fewer than one
// worker.
var ErrInvalidWorkers = errors.New("at least one worker is required")

// Counter is a mutex-guarded integer. The zero value is ready to use.
type Counter struct {
	mu    syncutil.Mutex
	value int64
}

// NewCounter returns a counter starting at zero.
func NewCounter() *Counter {
	return &Counter{}
}

// Increment adds one.
func (c *Counter) Increment() {
	c.mu.Lock()
	c.value++
	c.mu.Unlock()
}

// IncrementBy performs n separate increments, taking the lock for each one
// so other workers interleave between them. n <= 0 does nothing.
func (c *Counter) IncrementBy(n int) {
	for range max(n, 0) {
		c.Increment()
	}
}

// Value returns the current count.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// RunWorkers starts workers goroutines that each call IncrementBy(n) once
// and waits for all of them. Afterwards c has grown by exactly workers*n.
func RunWorkers(ctx context.Context, c *Counter, workers, n int) error {
	if workers < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidWorkers, workers)
	}

	g, ctx := errgroup.WithContext(ctx)
	for id := range workers {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.IncrementBy(n)
			log.Info().Int("worker", id).Int("increments", n).Msg("worker finished execution")
			return nil
		})
	}
	return g.Wait()
}
