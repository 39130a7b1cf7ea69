// Package workerpool runs jobs on a fixed number of goroutines with graceful
// shutdown, context-based cancellation, and atomic counters for observability.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marcodamonte/concurrency/lockdemo/syncutil"
)

// Job is the unit of work submitted to the pool. The function receives the
// pool's context so it can respect cancellation.
type Job func(ctx context.Context) error

// Config holds pool construction parameters.
type Config struct {
	// Logger receives pool lifecycle events. Defaults to the global logger.
	Logger *zerolog.Logger

	// Workers is the number of goroutines that consume jobs concurrently.
	Workers int

	// QueueSize is the capacity of the internal job channel. A value of 0
	// makes the channel unbuffered (submit blocks until a worker is free).
	QueueSize int

	// ShutdownTimeout is the maximum time Shutdown waits for in-flight jobs
	// to finish before forcefully cancelling them. Defaults to 30 s.
	ShutdownTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 1
	}
	if out.QueueSize < 0 {
		out.QueueSize = 0
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = 30 * time.Second
	}
	if out.Logger == nil {
		out.Logger = &log.Logger
	}
	return out
}

// Metrics is a snapshot of the pool counters.
type Metrics struct {
	Submitted int64 // total jobs ever enqueued
	Started   int64 // jobs a worker picked up
	Succeeded int64 // jobs that returned nil
	Failed    int64 // jobs that returned a non-nil error
	Dropped   int64 // jobs rejected after shutdown began or cancelled on submit
}

type counters struct {
	submitted atomic.Int64
	started   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Pool is a fixed-size worker pool.
//
//	pool := workerpool.New(cfg)
//	pool.Submit(ctx, job) // blocks while the queue is full
//	pool.Shutdown()       // stop accepting, drain, cancel stragglers
type Pool struct {
	workerCtx     context.Context
	cancelWorkers context.CancelFunc
	jobs          chan Job
	log           zerolog.Logger
	cfg           Config
	metrics       counters
	wg            sync.WaitGroup
	once          sync.Once

	// mu guards closed against a Submit racing the close of jobs.
	mu     syncutil.RWMutex
	closed bool
}

// New creates a Pool and starts its worker goroutines. Workers run until
// Shutdown is called.
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())

	p := &Pool{
		cfg:           cfg,
		log:           cfg.Logger.With().Str("component", "workerpool").Logger(),
		jobs:          make(chan Job, cfg.QueueSize),
		workerCtx:     workerCtx,
		cancelWorkers: cancelWorkers,
	}

	p.log.Debug().Int("workers", cfg.Workers).Int("queue", cfg.QueueSize).
		Dur("shutdownTimeout", cfg.ShutdownTimeout).Msg("starting")

	for i := range cfg.Workers {
		p.wg.Add(1)
		go p.runWorker(i)
	}

	return p
}

// Submit enqueues a job. It returns ErrPoolClosed if the pool is shutting
// down. If the queue is full Submit blocks, respecting the caller's context
// so the caller can time out or cancel the submission itself.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.metrics.dropped.Add(1)
		return ErrPoolClosed
	}

	p.metrics.submitted.Add(1)

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		p.metrics.dropped.Add(1)
		return fmt.Errorf("submit cancelled: %w", ctx.Err())
	}
}

// Shutdown stops the pool gracefully:
//  1. Marks the pool as closed so no new jobs are accepted.
//  2. Closes the jobs channel so workers drain the remaining queue and exit.
//  3. Waits up to ShutdownTimeout for workers to finish.
//  4. If the timeout elapses, cancels all worker contexts and waits for
//     workers to exit (they must respect ctx cancellation).
//
// Shutdown is safe to call more than once; subsequent calls are no-ops.
// It returns ErrShutdownTimeout if a forced cancellation was required.
func (p *Pool) Shutdown() error {
	var shutdownErr error

	p.once.Do(func() {
		p.log.Debug().Msg("shutdown initiated")

		// Submit holds the read lock across its send, so once the write lock
		// is ours no sender is left and closing jobs is safe.
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.log.Debug().Msg("shutdown complete")
		case <-time.After(p.cfg.ShutdownTimeout):
			p.log.Warn().Dur("timeout", p.cfg.ShutdownTimeout).
				Msg("shutdown timeout elapsed, cancelling workers")
			p.cancelWorkers()
			<-done
			shutdownErr = ErrShutdownTimeout
		}
		p.cancelWorkers()
	})

	return shutdownErr
}

// Metrics returns a snapshot of pool counters. Each field is read atomically
// but fields are not mutually consistent while jobs are running.
func (p *Pool) Metrics() Metrics {
	return Metrics{
		Submitted: p.metrics.submitted.Load(),
		Started:   p.metrics.started.Load(),
		Succeeded: p.metrics.succeeded.Load(),
		Failed:    p.metrics.failed.Load(),
		Dropped:   p.metrics.dropped.Load(),
	}
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	wlog := p.log.With().Int("worker", id).Logger()
	wlog.Trace().Msg("started")

	for job := range p.jobs {
		if p.workerCtx.Err() != nil {
			wlog.Debug().Msg("skipping job: context already cancelled")
			p.metrics.failed.Add(1)
			continue
		}

		p.metrics.started.Add(1)

		if err := job(p.workerCtx); err != nil {
			p.metrics.failed.Add(1)
			wlog.Debug().Err(err).Msg("job failed")
		} else {
			p.metrics.succeeded.Add(1)
		}
	}

	wlog.Trace().Msg("exited")
}

// Sentinel errors returned by the pool.
var (
	ErrPoolClosed      = errors.New("worker pool is closed")
	ErrShutdownTimeout = errors.New("shutdown timeout elapsed; workers were force-cancelled")
)
