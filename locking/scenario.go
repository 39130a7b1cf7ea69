package locking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Default timings, in the units the demos have always used.
const (
	DefaultUnsafeTimeout = 2 * time.Second
	DefaultSafeTimeout   = time.Second
	DefaultBackoff       = 50 * time.Millisecond
)

// Options tunes a scenario run.
type Options struct {
	// Timeout bounds each acquisition that is allowed to give up. Defaults
	// to DefaultUnsafeTimeout or DefaultSafeTimeout depending on the run.
	Timeout time.Duration

	// Hold is simulated work done while holding the first resource. Zero
	// skips it.
	Hold time.Duration

	// Retries is how many extra attempts the safe resolution makes after a
	// failed one. Zero keeps the single-attempt behavior.
	Retries int

	// Backoff is the initial wait between retries. Defaults to DefaultBackoff.
	Backoff time.Duration

	// Clock drives timeouts and holds. Defaults to the real clock.
	Clock clockwork.Clock
}

func (o *Options) withDefaults(timeout time.Duration) Options {
	out := *o
	if out.Timeout <= 0 {
		out.Timeout = timeout
	}
	if out.Hold < 0 {
		out.Hold = 0
	}
	if out.Retries < 0 {
		out.Retries = 0
	}
	if out.Backoff <= 0 {
		out.Backoff = DefaultBackoff
	}
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	return out
}

// Outcome is what one task of a scenario did.
type Outcome struct {
	Task     string
	First    string
	Second   string
	Acquired bool // held both resources at some point
	Attempts int
	Err      error
	Elapsed  time.Duration
}

// BackedOff reports whether the task gave up on a bounded acquisition.
func (o Outcome) BackedOff() bool {
	return errors.Is(o.Err, ErrLockTimeout)
}

// Report collects the outcomes of one scenario run, in task order.
type Report struct {
	Scenario string
	Outcomes []Outcome
	Elapsed  time.Duration
}

// AllAcquired reports whether every task got both of its resources.
func (r Report) AllAcquired() bool {
	for _, o := range r.Outcomes {
		if !o.Acquired {
			return false
		}
	}
	return len(r.Outcomes) > 0
}

// BackedOff counts the tasks that gave up on a bounded acquisition.
func (r Report) BackedOff() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.BackedOff() {
			n++
		}
	}
	return n
}

// task is one side of a two-task scenario. Everything it touches is passed
// in; nothing is captured from the enclosing run.
type task func(ctx context.Context, name string, first, second *Resource, opts Options, start *barrier) Outcome

func runPair(ctx context.Context, scenario string, a, b *Resource, opts Options, start *barrier, fn task) Report {
	began := opts.Clock.Now()
	outcomes := make([]Outcome, 2)

	var g errgroup.Group
	g.Go(func() error {
		outcomes[0] = fn(ctx, "task1", a, b, opts, start)
		return nil
	})
	g.Go(func() error {
		outcomes[1] = fn(ctx, "task2", b, a, opts, start)
		return nil
	})
	_ = g.Wait()

	return Report{
		Scenario: scenario,
		Outcomes: outcomes,
		Elapsed:  opts.Clock.Since(began),
	}
}

func hold(ctx context.Context, clock clockwork.Clock, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-clock.After(d):
	case <-ctx.Done():
	}
}

// ── Deadlock scenario ────────────────────────────────────────────────────────

// RunUnsafeDeadlockDemo shows the classic AB lock-order inversion: task1
// locks A then B, task2 locks B then A. Both take their first resource with
// a plain blocking lock and wait for each other at a barrier, so each is
// guaranteed to find its second resource held.
//
// Left alone this is a deadlock. The second acquisition is bounded by
// opts.Timeout instead, so each task backs off and releases what it holds
// rather than waiting forever. This is a demonstration of the risk, not a
// correct algorithm: it terminates, but neither task is promised progress.
func RunUnsafeDeadlockDemo(ctx context.Context, a, b *Resource, opts Options) Report {
	o := opts.withDefaults(DefaultUnsafeTimeout)
	return runPair(ctx, "deadlock", a, b, o, newBarrier(2), unsafeTask)
}

func unsafeTask(ctx context.Context, name string, first, second *Resource, opts Options, start *barrier) (out Outcome) {
	out = Outcome{Task: name, First: first.Name(), Second: second.Name(), Attempts: 1}
	began := opts.Clock.Now()
	defer func() { out.Elapsed = opts.Clock.Since(began) }()

	if err := first.Lock(ctx); err != nil {
		start.arrive()
		out.Err = err
		return out
	}
	defer first.Unlock()
	log.Info().Str("task", name).Str("resource", first.Name()).Msg("locked")

	hold(ctx, opts.Clock, opts.Hold)
	start.arrive()
	if err := start.wait(ctx); err != nil {
		out.Err = err
		return out
	}

	log.Info().Str("task", name).Str("resource", second.Name()).Msg("waiting")
	if err := second.LockTimeout(ctx, opts.Timeout); err != nil {
		log.Warn().Err(err).Str("task", name).Str("resource", second.Name()).
			Msg("could not acquire, backing off instead of deadlocking")
		out.Err = err
		return out
	}
	log.Info().Str("task", name).Str("resource", second.Name()).Msg("locked")
	second.Unlock()

	out.Acquired = true
	return out
}

// ── Deadlock resolution ──────────────────────────────────────────────────────

// RunSafeDeadlockResolution runs the same inverted pair with every
// acquisition bounded by opts.Timeout. A task that cannot get a resource in
// time releases whatever it already holds, in reverse order, and reports the
// failure. No resource is held once the call returns.
//
// With opts.Retries == 0 a failed attempt is final, so under the forced
// collision both tasks usually fail. Retries back off with jitter; the
// barrier only lines up the first attempt, so retries desynchronize and
// one task at a time gets through.
func RunSafeDeadlockResolution(ctx context.Context, a, b *Resource, opts Options) Report {
	o := opts.withDefaults(DefaultSafeTimeout)
	return runPair(ctx, "resolution", a, b, o, newBarrier(2), safeTask)
}

func safeTask(ctx context.Context, name string, first, second *Resource, opts Options, start *barrier) (out Outcome) {
	out = Outcome{Task: name, First: first.Name(), Second: second.Name()}
	began := opts.Clock.Now()
	defer func() { out.Elapsed = opts.Clock.Since(began) }()

	// Exactly one arrival per task, even if the first lock fails.
	arrive := sync.OnceFunc(start.arrive)
	defer arrive()

	attempt := func() (struct{}, error) {
		out.Attempts++
		var between func(context.Context) error
		if out.Attempts == 1 {
			between = func(ctx context.Context) error {
				log.Info().Str("task", name).Str("resource", first.Name()).Msg("locked")
				hold(ctx, opts.Clock, opts.Hold)
				arrive()
				return start.wait(ctx)
			}
		}

		release, err := AcquirePair(ctx, first, second, opts.Timeout, between)
		if out.Attempts == 1 {
			arrive()
		}
		if err != nil {
			log.Warn().Err(err).Str("task", name).Int("attempt", out.Attempts).
				Msg("released held resources")
			if !errors.Is(err, ErrLockTimeout) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		defer release()

		log.Info().Str("task", name).Str("resource", second.Name()).Msg("locked")
		return struct{}{}, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = opts.Backoff
	policy.MaxInterval = opts.Timeout

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(opts.Retries)+1),
	)
	out.Err = err
	out.Acquired = err == nil
	return out
}

// ── Ordered locking ──────────────────────────────────────────────────────────

// RunOrderedDemo runs the same inverted pair through LockOrdered. Both tasks
// lock in the global order whichever way round they were handed the
// resources, so one simply waits for the other and both succeed without any
// timeout.
func RunOrderedDemo(ctx context.Context, a, b *Resource, opts Options) Report {
	o := opts.withDefaults(DefaultSafeTimeout)
	return runPair(ctx, "ordered", a, b, o, nil, orderedTask)
}

func orderedTask(ctx context.Context, name string, first, second *Resource, opts Options, _ *barrier) (out Outcome) {
	out = Outcome{Task: name, First: first.Name(), Second: second.Name(), Attempts: 1}
	began := opts.Clock.Now()
	defer func() { out.Elapsed = opts.Clock.Since(began) }()

	release, err := LockOrdered(ctx, first, second)
	if err != nil {
		out.Err = err
		return out
	}
	defer release()

	log.Info().Str("task", name).Str("first", first.Name()).Str("second", second.Name()).
		Msg("locked both in global order")
	hold(ctx, opts.Clock, opts.Hold)

	out.Acquired = true
	return out
}
