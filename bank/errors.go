package bank

import "errors"

// Sentinel errors returned by accounts and transfers. None of them is fatal:
// each leaves every balance exactly as it was.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrSameAccount       = errors.New("transfer source and destination are the same account")
	ErrNilAccount        = errors.New("nil account")
	ErrInvariantViolated = errors.New("total balance changed")
)
