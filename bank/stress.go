package bank

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/marcodamonte/concurrency/lockdemo/workerpool"
)

// StressConfig drives Stress.
type StressConfig struct {
	// Logger is handed to the worker pool. Defaults to the global logger.
	Logger *zerolog.Logger

	// Transfers is how many random transfers to submit.
	Transfers int

	// MaxAmount bounds each transfer's amount, inclusive. Defaults to 100.
	MaxAmount int64

	// Workers is the pool size. Defaults to 8.
	Workers int

	// Rate caps submissions per second. Zero means unlimited.
	Rate float64

	// Hold is passed to every transfer as WithHold.
	Hold time.Duration
}

// StressResult summarizes a Stress run.
type StressResult struct {
	Metrics      workerpool.Metrics
	Succeeded    int64
	Insufficient int64
	Audits       int64 // consistent Sum snapshots taken while transfers ran
	SumBefore    int64
	SumAfter     int64
}

// Stress fires cfg.Transfers random transfers in both directions between a
// and b from a worker pool while an auditor keeps taking Sum snapshots. It
// returns an error wrapping ErrInvariantViolated if any snapshot, or the
// final total, differs from the starting total.
func Stress(ctx context.Context, a, b *Account, cfg StressConfig) (StressResult, error) {
	if a == nil || b == nil {
		return StressResult{}, ErrNilAccount
	}
	if a == b || a.key == b.key {
		return StressResult{}, fmt.Errorf("%w: %s", ErrSameAccount, a.Name())
	}
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	before := sum(a, b)
	res := StressResult{SumBefore: before}

	var succeeded, insufficient, audits atomic.Int64
	var violation atomic.Pointer[error]

	stopAudit := make(chan struct{})
	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		for {
			select {
			case <-stopAudit:
				return
			default:
			}
			if got := sum(a, b); got != before {
				err := fmt.Errorf("%w: snapshot %d, want %d", ErrInvariantViolated, got, before)
				violation.CompareAndSwap(nil, &err)
			}
			audits.Add(1)
			time.Sleep(time.Millisecond)
		}
	}()

	pool := workerpool.New(workerpool.Config{
		Logger:    cfg.Logger,
		Workers:   cfg.Workers,
		QueueSize: cfg.Workers,
	})

	var submitErr error
	for i := range cfg.Transfers {
		if err := limiter.Wait(ctx); err != nil {
			submitErr = err
			break
		}

		from, to := a, b
		if rand.IntN(2) == 1 {
			from, to = b, a
		}
		amount := rand.Int64N(cfg.MaxAmount) + 1

		err := pool.Submit(ctx, func(context.Context) error {
			err := Transfer(from, to, amount, WithHold(cfg.Hold))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				return err
			}
			return nil
		})
		if err != nil {
			log.Debug().Err(err).Int("submitted", i).Msg("stress submission stopped")
			submitErr = err
			break
		}
	}

	shutdownErr := pool.Shutdown()
	close(stopAudit)
	<-auditDone

	res.Metrics = pool.Metrics()
	res.Succeeded = succeeded.Load()
	res.Insufficient = insufficient.Load()
	res.Audits = audits.Load()
	res.SumAfter = sum(a, b)

	if v := violation.Load(); v != nil {
		return res, *v
	}
	if res.SumAfter != res.SumBefore {
		return res, fmt.Errorf("%w: final %d, want %d", ErrInvariantViolated, res.SumAfter, res.SumBefore)
	}
	if submitErr != nil {
		return res, submitErr
	}
	return res, shutdownErr
}
