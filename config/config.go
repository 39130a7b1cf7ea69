// Package config loads the demo settings from an optional TOML file.
//
// Durations are stored as strings ("1s", "100ms") and parsed on access, so
// the file stays readable and the zero value of a field means "unset".
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
)

// ErrInvalidConfig wraps every load or validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Values is the whole config file. TimeUnit scales the deadlock demos:
// the unsafe scenario waits two units for its second lock, the resolution
// one unit for each.
type Values struct {
	Log      Log      `toml:"log"`
	TimeUnit string   `toml:"time_unit" validate:"required,positive_duration"`
	Counter  Counter  `toml:"counter"`
	Bank     Bank     `toml:"bank"`
	Deadlock Deadlock `toml:"deadlock"`
	Stress   Stress   `toml:"stress"`
}

// Log selects the log level and an optional rotating log file.
type Log struct {
	Level string `toml:"level" validate:"oneof=trace debug info warn error disabled"`
	File  string `toml:"file,omitempty"`
}

// Counter sizes the shared counter demo.
type Counter struct {
	Workers    int `toml:"workers" validate:"min=1"`
	Increments int `toml:"increments" validate:"min=0"`
}

// Bank holds the opening balances and the two opposing transfers. Hold is
// simulated work done while a transfer holds its first guard.
type Bank struct {
	Hold     string `toml:"hold" validate:"duration"`
	BalanceA int64  `toml:"balance_a" validate:"min=0"`
	BalanceB int64  `toml:"balance_b" validate:"min=0"`
	AmountAB int64  `toml:"amount_ab" validate:"min=0"`
	AmountBA int64  `toml:"amount_ba" validate:"min=0"`
}

// Deadlock tunes the lock scenarios. Retries applies to the resolution
// only; zero keeps it to a single attempt.
type Deadlock struct {
	Hold    string `toml:"hold" validate:"duration"`
	Backoff string `toml:"backoff" validate:"duration"`
	Retries int    `toml:"retries" validate:"min=0,max=100"`
}

// Stress drives the random transfer run. Rate is in transfers per second,
// zero for unlimited.
type Stress struct {
	Transfers int     `toml:"transfers" validate:"min=0"`
	Workers   int     `toml:"workers" validate:"min=1"`
	MaxAmount int64   `toml:"max_amount" validate:"min=1"`
	Rate      float64 `toml:"rate" validate:"min=0"`
}

// Defaults returns the settings the demos use without a config file: one
// second time unit, the 1000/500 accounts with 200/300 transfers, and ten
// workers of a thousand increments each.
func Defaults() Values {
	return Values{
		Log:      Log{Level: "info"},
		TimeUnit: "1s",
		Counter:  Counter{Workers: 10, Increments: 1000},
		Bank: Bank{
			Hold:     "100ms",
			BalanceA: 1000,
			BalanceB: 500,
			AmountAB: 200,
			AmountBA: 300,
		},
		Deadlock: Deadlock{Hold: "100ms", Backoff: "50ms"},
		Stress:   Stress{Transfers: 1000, Workers: 8, MaxAmount: 100},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", validateDuration)
	_ = v.RegisterValidation("positive_duration", validatePositiveDuration)
	return v
}

// validateDuration accepts an empty string or any non-negative duration.
func validateDuration(fl validator.FieldLevel) bool {
	val := fl.Field().String()
	if val == "" {
		return true
	}
	d, err := time.ParseDuration(val)
	return err == nil && d >= 0
}

func validatePositiveDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// Validate checks every field against its constraints.
func (v *Values) Validate() error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Load reads path from fs on top of Defaults. Keys missing from the file keep
// their default. An empty path returns the defaults; a path that does not
// exist is an error.
func Load(fs afero.Fs, path string) (Values, error) {
	vals := Defaults()
	if path == "" {
		return vals, nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Values{}, fmt.Errorf("%w: %s not found", ErrInvalidConfig, path)
		}
		return Values{}, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &vals); err != nil {
		return Values{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}

	if err := vals.Validate(); err != nil {
		return Values{}, err
	}
	return vals, nil
}

// Save writes vals to path as TOML.
func Save(fs afero.Fs, path string, vals Values) error {
	if err := vals.Validate(); err != nil {
		return err
	}
	data, err := toml.Marshal(&vals)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Encode writes vals to w as TOML.
func Encode(w io.Writer, vals Values) error {
	if err := toml.NewEncoder(w).Encode(&vals); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// parse is only called on validated values, so a parse error means the
// field was empty.
func parse(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Unit is the base time unit of the deadlock demos.
func (v *Values) Unit() time.Duration {
	return parse(v.TimeUnit)
}

// UnsafeTimeout bounds the second acquisition in the deadlock scenario.
func (v *Values) UnsafeTimeout() time.Duration {
	return 2 * v.Unit()
}

// SafeTimeout bounds each acquisition in the deadlock resolution.
func (v *Values) SafeTimeout() time.Duration {
	return v.Unit()
}

func (v *Values) DeadlockHold() time.Duration {
	return parse(v.Deadlock.Hold)
}

func (v *Values) DeadlockBackoff() time.Duration {
	return parse(v.Deadlock.Backoff)
}

func (v *Values) BankHold() time.Duration {
	return parse(v.Bank.Hold)
}
