package workerpool_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/marcodamonte/concurrency/lockdemo/workerpool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// quietLogger discards pool output unless -v is set.
func quietLogger(t *testing.T) *zerolog.Logger {
	t.Helper()
	l := zerolog.Nop()
	if testing.Verbose() {
		l = zerolog.New(zerolog.NewTestWriter(t))
	}
	return &l
}

// ── Concurrency limit ────────────────────────────────────────────────────────

// TestConcurrencyLimit verifies that at most N jobs run simultaneously.
func TestConcurrencyLimit(t *testing.T) {
	t.Parallel()

	const workers = 3
	const jobs = 20

	pool := workerpool.New(workerpool.Config{
		Workers:         workers,
		QueueSize:       jobs,
		ShutdownTimeout: 5 * time.Second,
		Logger:          quietLogger(t),
	})

	var active, maxActive atomic.Int64
	barrier := make(chan struct{}) // hold all jobs until we release them

	for range jobs {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			cur := active.Add(1)
			for {
				prev := maxActive.Load()
				if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
					break
				}
			}
			<-barrier
			active.Add(-1)
			return nil
		}))
	}

	time.Sleep(50 * time.Millisecond)
	close(barrier)

	require.NoError(t, pool.Shutdown())

	got := maxActive.Load()
	assert.LessOrEqual(t, got, int64(workers))
	assert.NotZero(t, got, "no jobs appear to have run")
}

// ── All jobs complete ────────────────────────────────────────────────────────

func TestAllJobsProcessed(t *testing.T) {
	t.Parallel()

	const total = 50

	pool := workerpool.New(workerpool.Config{
		Workers:         5,
		QueueSize:       total,
		ShutdownTimeout: 5 * time.Second,
		Logger:          quietLogger(t),
	})

	var ran atomic.Int64
	for range total {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown())
	assert.Equal(t, int64(total), ran.Load())
}

// ── Graceful shutdown ────────────────────────────────────────────────────────

// TestGracefulShutdown ensures that queued jobs are drained before Shutdown
// returns when they finish within the timeout.
func TestGracefulShutdown(t *testing.T) {
	t.Parallel()

	const total = 10
	jobDuration := 20 * time.Millisecond

	pool := workerpool.New(workerpool.Config{
		Workers:         2,
		QueueSize:       total,
		ShutdownTimeout: 5 * time.Second,
		Logger:          quietLogger(t),
	})

	var done atomic.Int64
	for range total {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(jobDuration)
			done.Add(1)
			return nil
		}))
	}

	start := time.Now()
	require.NoError(t, pool.Shutdown(), "unexpected forced shutdown")
	elapsed := time.Since(start)

	assert.Equal(t, int64(total), done.Load())
	assert.GreaterOrEqual(t, elapsed, jobDuration, "shutdown returned before jobs could finish")
}

// ── Shutdown timeout + forced cancellation ───────────────────────────────────

func TestShutdownTimeout(t *testing.T) {
	t.Parallel()

	pool := workerpool.New(workerpool.Config{
		Workers:         2,
		QueueSize:       4,
		ShutdownTimeout: 50 * time.Millisecond, // deliberately short
		Logger:          quietLogger(t),
	})

	var cancelled atomic.Int64
	for range 4 {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			<-ctx.Done()
			cancelled.Add(1)
			return ctx.Err()
		}))
	}

	assert.ErrorIs(t, pool.Shutdown(), workerpool.ErrShutdownTimeout)
	assert.NotZero(t, cancelled.Load(), "expected at least one job to observe cancellation")
}

// ── Submit after shutdown ────────────────────────────────────────────────────

func TestSubmitAfterShutdown(t *testing.T) {
	t.Parallel()

	pool := workerpool.New(workerpool.Config{
		Workers:         1,
		ShutdownTimeout: time.Second,
		Logger:          quietLogger(t),
	})

	require.NoError(t, pool.Shutdown())

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, workerpool.ErrPoolClosed)
	assert.Equal(t, int64(1), pool.Metrics().Dropped)
}

// ── Idempotent shutdown ──────────────────────────────────────────────────────

func TestShutdownIdempotent(t *testing.T) {
	t.Parallel()

	pool := workerpool.New(workerpool.Config{
		Workers:         2,
		ShutdownTimeout: time.Second,
		Logger:          quietLogger(t),
	})

	for i := range 5 {
		require.NoError(t, pool.Shutdown(), "Shutdown call %d", i+1)
	}
}

// ── Metrics ──────────────────────────────────────────────────────────────────

func TestMetrics(t *testing.T) {
	t.Parallel()

	const succeedN = 7
	const failN = 3
	sentinel := errors.New("intentional")

	pool := workerpool.New(workerpool.Config{
		Workers:         4,
		QueueSize:       succeedN + failN,
		ShutdownTimeout: 5 * time.Second,
		Logger:          quietLogger(t),
	})

	for range succeedN {
		_ = pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	}
	for range failN {
		_ = pool.Submit(context.Background(), func(ctx context.Context) error { return sentinel })
	}

	require.NoError(t, pool.Shutdown())

	m := pool.Metrics()
	assert.Equal(t, int64(succeedN+failN), m.Submitted)
	assert.Equal(t, int64(succeedN+failN), m.Started)
	assert.Equal(t, int64(succeedN), m.Succeeded)
	assert.Equal(t, int64(failN), m.Failed)
	assert.Zero(t, m.Dropped)
}

// ── Submit respects caller context ───────────────────────────────────────────

func TestSubmitRespectsCallerContext(t *testing.T) {
	t.Parallel()

	// Unbuffered queue + 1 worker blocked on a long job = next Submit will block.
	pool := workerpool.New(workerpool.Config{
		Workers:         1,
		QueueSize:       0,
		ShutdownTimeout: time.Second,
		Logger:          quietLogger(t),
	})

	blocker := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-blocker
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(blocker)
	require.NoError(t, pool.Shutdown())
}

// TestDefaults checks a zero Config still yields a working pool.
func TestDefaults(t *testing.T) {
	t.Parallel()

	pool := workerpool.New(workerpool.Config{QueueSize: -1})

	var ran atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}))
	require.NoError(t, pool.Shutdown())
	assert.True(t, ran.Load())
}
