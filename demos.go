package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/marcodamonte/concurrency/lockdemo/bank"
	"github.com/marcodamonte/concurrency/lockdemo/config"
	"github.com/marcodamonte/concurrency/lockdemo/counter"
	"github.com/marcodamonte/concurrency/lockdemo/diag"
	"github.com/marcodamonte/concurrency/lockdemo/locking"
)

func section(w io.Writer, title string) {
	fmt.Fprintf(w, "\n━━━ %s ━━━\n", title)
}

func (a *app) demoOptions(timeout time.Duration) locking.Options {
	return locking.Options{
		Timeout: timeout,
		Hold:    a.cfg.DeadlockHold(),
		Retries: a.cfg.Deadlock.Retries,
		Backoff: a.cfg.DeadlockBackoff(),
	}
}

// ── Counter ──────────────────────────────────────────────────────────────────

func runCounter(ctx context.Context, w io.Writer, workers, increments int) error {
	section(w, "Multi-threading counter")
	fmt.Fprintf(w, "  %d goroutines × %d increments\n", workers, increments)

	c := counter.NewCounter()
	if err := counter.RunWorkers(ctx, c, workers, increments); err != nil {
		return err
	}
	fmt.Fprintf(w, "Final counter value: %d\n", c.Value())
	return nil
}

// ── Lock scenarios ───────────────────────────────────────────────────────────

func printReport(w io.Writer, r locking.Report) {
	for _, o := range r.Outcomes {
		switch {
		case o.Acquired:
			fmt.Fprintf(w, "  %s: locked %s, then %s (attempts: %d, %s)\n",
				o.Task, o.First, o.Second, o.Attempts, o.Elapsed.Round(time.Millisecond))
		case o.BackedOff():
			fmt.Fprintf(w, "  %s: backed off to avoid deadlock after %s: %v\n",
				o.Task, o.Elapsed.Round(time.Millisecond), o.Err)
		default:
			fmt.Fprintf(w, "  %s: stopped: %v\n", o.Task, o.Err)
		}
	}
}

func runDeadlock(ctx context.Context, w io.Writer, opts locking.Options, dump bool) {
	section(w, "Deadlock scenario")
	fmt.Fprintf(w, "  task1 locks A then B, task2 locks B then A; second lock times out after %s\n", opts.Timeout)

	ra, rb := locking.NewResource("A"), locking.NewResource("B")

	// Both tasks are parked on their second resource from shortly after the
	// hold until the timeout, so halfway through is inside that window.
	dumped := make(chan struct{})
	var timer *time.Timer
	if dump {
		timer = time.AfterFunc(opts.Hold+opts.Timeout/2, func() {
			defer close(dumped)
			section(w, "Goroutines while blocked")
			gs := diag.Snapshot()
			if err := diag.Write(w, gs, diag.DefaultFrames); err != nil {
				log.Warn().Err(err).Msg("goroutine dump failed")
			}
			parked := 0
			for _, g := range gs {
				if g.Blocked() {
					parked++
				}
			}
			fmt.Fprintf(w, "  %d goroutines parked on a lock\n", parked)
		})
	}

	r := locking.RunUnsafeDeadlockDemo(ctx, ra, rb, opts)

	if timer != nil && !timer.Stop() {
		<-dumped
	}
	printReport(w, r)
	fmt.Fprintln(w, "Deadlock scenario executed.")
}

func runResolve(ctx context.Context, w io.Writer, opts locking.Options) {
	section(w, "Deadlock resolution")
	fmt.Fprintf(w, "  every acquisition bounded by %s, retries: %d\n", opts.Timeout, opts.Retries)

	r := locking.RunSafeDeadlockResolution(ctx, locking.NewResource("A"), locking.NewResource("B"), opts)
	printReport(w, r)
	fmt.Fprintln(w, "Deadlock resolved.")
}

func runOrdered(ctx context.Context, w io.Writer, opts locking.Options) {
	section(w, "Ordered locking")

	a, b := locking.NewResource("A"), locking.NewResource("B")
	first, second := locking.Order(a, b)
	fmt.Fprintf(w, "  both tasks lock %s before %s\n", first.Name(), second.Name())

	r := locking.RunOrderedDemo(ctx, a, b, opts)
	printReport(w, r)
	if r.AllAcquired() {
		fmt.Fprintln(w, "Both tasks completed without timeouts.")
	}
}

// ── Bank ─────────────────────────────────────────────────────────────────────

func openAccounts(cfg config.Bank) (*bank.Account, *bank.Account, error) {
	a, err := bank.NewAccount(cfg.BalanceA, bank.WithName("A"))
	if err != nil {
		return nil, nil, err
	}
	b, err := bank.NewAccount(cfg.BalanceB, bank.WithName("B"))
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func runBank(ctx context.Context, w io.Writer, cfg config.Bank, hold time.Duration) error {
	section(w, "Banking system")

	a, b, err := openAccounts(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  A=%d B=%d; A→B %d and B→A %d at the same time\n",
		a.Balance(), b.Balance(), cfg.AmountAB, cfg.AmountBA)

	moves := []struct {
		from, to *bank.Account
		amount   int64
	}{
		{a, b, cfg.AmountAB},
		{b, a, cfg.AmountBA},
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Transfer failures are part of the demo, so the group never aborts.
	var g errgroup.Group
	errs := make([]error, len(moves))
	for i, m := range moves {
		g.Go(func() error {
			errs[i] = bank.Transfer(m.from, m.to, m.amount, bank.WithHold(hold))
			return nil
		})
	}
	_ = g.Wait()

	for i, m := range moves {
		if errs[i] != nil {
			fmt.Fprintf(w, "  Transfer of %d from %s to %s failed: %v\n", m.amount, m.from.Name(), m.to.Name(), errs[i])
			continue
		}
		fmt.Fprintf(w, "  Transferred %d from %s to %s\n", m.amount, m.from.Name(), m.to.Name())
	}
	total, err := bank.Sum(a, b)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Final balance - Account A: %d, Account B: %d (sum %d)\n", a.Balance(), b.Balance(), total)
	return nil
}

func runStress(ctx context.Context, w io.Writer, bcfg config.Bank, scfg config.Stress) error {
	section(w, "Transfer stress")

	a, b, err := openAccounts(bcfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  %d random transfers over %d workers\n", scfg.Transfers, scfg.Workers)

	start := time.Now()
	res, err := bank.Stress(ctx, a, b, bank.StressConfig{
		Transfers: scfg.Transfers,
		Workers:   scfg.Workers,
		MaxAmount: scfg.MaxAmount,
		Rate:      scfg.Rate,
	})

	fmt.Fprintf(w, "  succeeded: %d, insufficient funds: %d, failed: %d\n",
		res.Succeeded, res.Insufficient, res.Metrics.Failed)
	fmt.Fprintf(w, "  consistent snapshots taken while running: %d\n", res.Audits)
	fmt.Fprintf(w, "Sum before: %d, after: %d (%s)\n", res.SumBefore, res.SumAfter, time.Since(start).Round(time.Millisecond))

	switch {
	case errors.Is(err, bank.ErrInvariantViolated):
		return err
	case err != nil:
		fmt.Fprintf(w, "  stopped early: %v\n", err)
	}
	return nil
}
