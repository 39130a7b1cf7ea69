// Package bank implements accounts whose balances can be moved between each
// other by any number of goroutines without deadlock and without ever
// changing the total.
package bank

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/marcodamonte/concurrency/lockdemo/locking"
	"github.com/marcodamonte/concurrency/lockdemo/syncutil"
)

// Account holds a non-negative balance behind its own mutex. The mutex is
// never exposed: every exported method takes it internally, and Transfer
// takes it as part of an ordered pair.
type Account struct {
	key     locking.Key
	mu      syncutil.Mutex
	balance int64
}

// AccountOption configures a new Account.
type AccountOption func(*Account)

// WithName sets the display name, which is also the secondary ordering key.
func WithName(name string) AccountOption {
	return func(a *Account) {
		a.key.Name = name
	}
}

// WithID fixes the account's identity instead of generating one.
func WithID(id uuid.UUID) AccountOption {
	return func(a *Account) {
		a.key.ID = id
	}
}

// NewAccount opens an account with the given starting balance.
func NewAccount(initial int64, opts ...AccountOption) (*Account, error) {
	if initial < 0 {
		return nil, fmt.Errorf("%w: initial balance %d", ErrInvalidAmount, initial)
	}

	a := &Account{balance: initial}
	for _, opt := range opts {
		opt(a)
	}
	if a.key.ID == uuid.Nil {
		a.key.ID = uuid.Must(uuid.NewV7())
	}
	if a.key.Name == "" {
		a.key.Name = "acct-" + a.key.ID.String()[:8]
	}
	return a, nil
}

// ID is assigned at creation and never changes.
func (a *Account) ID() uuid.UUID { return a.key.ID }

func (a *Account) Name() string { return a.key.Name }

// LockKey makes accounts orderable by locking.Order.
func (a *Account) LockKey() locking.Key { return a.key }

// Balance returns the current balance.
func (a *Account) Balance() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// Withdraw takes amount out of the account. If the balance is too small it
// returns an error wrapping ErrInsufficientFunds and changes nothing.
func (a *Account) Withdraw(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: withdraw %d", ErrInvalidAmount, amount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.withdrawLocked(amount)
}

// Deposit adds amount to the account.
func (a *Account) Deposit(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: deposit %d", ErrInvalidAmount, amount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.depositLocked(amount)
	return nil
}

// a.mu must be held.
func (a *Account) withdrawLocked(amount int64) error {
	if a.balance < amount {
		log.Debug().Str("account", a.Name()).Int64("balance", a.balance).
			Int64("amount", amount).Msg("insufficient funds")
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, a.Name(), a.balance, amount)
	}

	old := a.balance
	a.balance -= amount
	log.Debug().Str("account", a.Name()).Int64("amount", amount).
		Int64("old", old).Int64("new", a.balance).Msg("withdrawn")
	return nil
}

// a.mu must be held.
func (a *Account) depositLocked(amount int64) {
	old := a.balance
	a.balance += amount
	log.Debug().Str("account", a.Name()).Int64("amount", amount).
		Int64("old", old).Int64("new", a.balance).Msg("deposited")
}
