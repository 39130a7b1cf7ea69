package bank

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/marcodamonte/concurrency/lockdemo/locking"
)

// TransferState is a step of the transfer protocol.
//
//	Idle → AcquiredFirst → AcquiredSecond → Withdrawing → Depositing → Done
//	                                             └──────→ Failed
//
// Done and Failed are entered after both guards have been released.
type TransferState int

const (
	StateIdle TransferState = iota
	StateAcquiredFirst
	StateAcquiredSecond
	StateWithdrawing
	StateDepositing
	StateDone
	StateFailed
)

func (s TransferState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiredFirst:
		return "acquired-first"
	case StateAcquiredSecond:
		return "acquired-second"
	case StateWithdrawing:
		return "withdrawing"
	case StateDepositing:
		return "depositing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("TransferState(%d)", int(s))
	}
}

type transferConfig struct {
	observe func(TransferState)
	hold    time.Duration
	clock   clockwork.Clock
}

// TransferOption configures a single Transfer call.
type TransferOption func(*transferConfig)

// WithObserver calls fn on every state the transfer enters, from the
// transferring goroutine.
func WithObserver(fn func(TransferState)) TransferOption {
	return func(c *transferConfig) {
		c.observe = fn
	}
}

// WithHold simulates work while only the first guard is held. It widens the
// window in which an opposite transfer could grab the other account.
func WithHold(d time.Duration) TransferOption {
	return func(c *transferConfig) {
		c.hold = d
	}
}

// WithClock sets the clock used for WithHold.
func WithClock(clock clockwork.Clock) TransferOption {
	return func(c *transferConfig) {
		c.clock = clock
	}
}

// Transfer moves amount from one account to another, atomically: either
// both balances change or neither does.
//
// The two guards are taken in locking.Order, never in argument order, so a
// Transfer(a, b) racing a Transfer(b, a) cannot end up each holding one
// guard and waiting for the other. Acquisition blocks without a bound; the
// ordering alone rules out deadlock.
//
// Invalid requests are rejected before any guard is touched. Insufficient
// funds are reported as an error wrapping ErrInsufficientFunds.
func Transfer(from, to *Account, amount int64, opts ...TransferOption) error {
	switch {
	case from == nil || to == nil:
		return ErrNilAccount
	case amount < 0:
		return fmt.Errorf("%w: transfer %d", ErrInvalidAmount, amount)
	case from == to || from.key == to.key:
		return fmt.Errorf("%w: %s", ErrSameAccount, from.Name())
	}

	cfg := transferConfig{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&cfg)
	}

	t := transfer{cfg: cfg, from: from, to: to, amount: amount}
	return t.run()
}

type transfer struct {
	cfg    transferConfig
	from   *Account
	to     *Account
	amount int64
}

func (t *transfer) enter(s TransferState) {
	log.Trace().Str("from", t.from.Name()).Str("to", t.to.Name()).
		Int64("amount", t.amount).Stringer("state", s).Msg("transfer")
	if t.cfg.observe != nil {
		t.cfg.observe(s)
	}
}

func (t *transfer) run() error {
	t.enter(StateIdle)

	if err := t.locked(); err != nil {
		t.enter(StateFailed)
		log.Info().Err(err).Msg("transfer failed")
		return fmt.Errorf("transfer %s -> %s: %w", t.from.Name(), t.to.Name(), err)
	}

	t.enter(StateDone)
	log.Info().Str("from", t.from.Name()).Str("to", t.to.Name()).
		Int64("amount", t.amount).Msg("transferred")
	return nil
}

// locked is the critical section. Deferred unlocks release the guards in
// reverse acquisition order on every path.
func (t *transfer) locked() error {
	first, second := locking.Order(t.from, t.to)

	first.mu.Lock()
	defer first.mu.Unlock()
	t.enter(StateAcquiredFirst)

	if t.cfg.hold > 0 {
		t.cfg.clock.Sleep(t.cfg.hold)
	}

	second.mu.Lock()
	defer second.mu.Unlock()
	t.enter(StateAcquiredSecond)

	t.enter(StateWithdrawing)
	if err := t.from.withdrawLocked(t.amount); err != nil {
		return err
	}

	t.enter(StateDepositing)
	t.to.depositLocked(t.amount)
	return nil
}

// Sum returns a's and b's balances added together, read under both guards
// in the same order Transfer uses. The result is a consistent snapshot even
// while transfers between the two are in flight.
//
// Two distinct accounts sharing a key have no lock order, so Sum rejects
// them with ErrSameAccount, as Transfer does.
func Sum(a, b *Account) (int64, error) {
	switch {
	case a == nil || b == nil:
		return 0, ErrNilAccount
	case a == b:
		return a.Balance(), nil
	case a.key == b.key:
		return 0, fmt.Errorf("%w: %s", ErrSameAccount, a.Name())
	}
	return sum(a, b), nil
}

// sum is Sum for accounts already known to have distinct keys.
func sum(a, b *Account) int64 {
	first, second := locking.Order(a, b)
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	return first.balance + second.balance
}
