package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/marcodamonte/concurrency/lockdemo/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fastConfig shrinks every timing so the scenarios finish in milliseconds.
const fastConfig = `
time_unit = "50ms"

[deadlock]
hold = "5ms"
backoff = "5ms"

[bank]
hold = "1ms"

[stress]
transfers = 50
workers = 4
`

// run executes the CLI with args against fs. The commands replace the global
// logger, so callers must not run in parallel.
func run(t *testing.T, fs afero.Fs, stdin string, args ...string) (string, error) {
	t.Helper()

	saved := log.Logger
	t.Cleanup(func() { log.Logger = saved })

	if fs == nil {
		fs = afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "fast.toml", []byte(fastConfig), 0o600))
		args = append([]string{"--config", "fast.toml"}, args...)
	}

	var out bytes.Buffer
	cmd := newRootCmd(fs)
	cmd.SetArgs(append([]string{"--log-level", "disabled"}, args...))
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)

	err := cmd.Execute()
	return out.String(), err
}

func TestCounterCommand(t *testing.T) {
	out, err := run(t, nil, "", "counter")
	require.NoError(t, err)
	assert.Contains(t, out, "Final counter value: 10000")

	out, err = run(t, nil, "", "counter", "--workers", "4", "--increments", "250")
	require.NoError(t, err)
	assert.Contains(t, out, "Final counter value: 1000")
}

func TestCounterFlagOverridesConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "c.toml", []byte("[counter]\nworkers = 2\nincrements = 3\n"), 0o600))

	out, err := run(t, fs, "", "--config", "c.toml", "counter")
	require.NoError(t, err)
	assert.Contains(t, out, "Final counter value: 6")

	out, err = run(t, fs, "", "--config", "c.toml", "counter", "--increments", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Final counter value: 10")
}

func TestDeadlockCommand(t *testing.T) {
	out, err := run(t, nil, "", "deadlock")
	require.NoError(t, err)
	assert.Contains(t, out, "backed off to avoid deadlock")
	assert.Contains(t, out, "Deadlock scenario executed.")
	assert.NotContains(t, out, "Goroutines while blocked")
}

func TestDeadlockCommandDump(t *testing.T) {
	out, err := run(t, nil, "", "deadlock", "--dump")
	require.NoError(t, err)
	assert.Contains(t, out, "Goroutines while blocked")
	assert.Contains(t, out, "goroutine ")
	assert.Regexp(t, `[1-9]\d* goroutines parked on a lock`, out)
	assert.Contains(t, out, "Deadlock scenario executed.")
}

func TestResolveCommand(t *testing.T) {
	out, err := run(t, nil, "", "resolve")
	require.NoError(t, err)
	assert.Contains(t, out, "retries: 0")
	assert.Contains(t, out, "Deadlock resolved.")

	out, err = run(t, nil, "", "resolve", "--retries", "20")
	require.NoError(t, err)
	assert.Contains(t, out, "retries: 20")
	assert.Equal(t, 2, strings.Count(out, "locked A, then B")+strings.Count(out, "locked B, then A"))
}

func TestOrderedCommand(t *testing.T) {
	out, err := run(t, nil, "", "ordered")
	require.NoError(t, err)
	assert.Contains(t, out, "Both tasks completed without timeouts.")
}

func TestBankCommand(t *testing.T) {
	out, err := run(t, nil, "", "bank")
	require.NoError(t, err)
	assert.Contains(t, out, "Transferred 200 from A to B")
	assert.Contains(t, out, "Transferred 300 from B to A")
	assert.Contains(t, out, "Final balance - Account A: 1100, Account B: 400 (sum 1500)")
}

func TestBankCommandInsufficientFunds(t *testing.T) {
	out, err := run(t, nil, "", "bank", "--a", "10", "--b", "0", "--ab", "0", "--ba", "50")
	require.NoError(t, err)
	assert.Contains(t, out, "Transfer of 50 from B to A failed")
	assert.Contains(t, out, "Final balance - Account A: 10, Account B: 0 (sum 10)")
}

func TestStressCommand(t *testing.T) {
	out, err := run(t, nil, "", "stress")
	require.NoError(t, err)
	assert.Contains(t, out, "50 random transfers over 4 workers")
	assert.Contains(t, out, "Sum before: 1500, after: 1500")
}

func TestAllCommand(t *testing.T) {
	out, err := run(t, nil, "", "all")
	require.NoError(t, err)

	order := []string{
		"Final counter value: 10000",
		"Deadlock scenario executed.",
		"Deadlock resolved.",
		"Final balance - Account A: 1100",
	}
	last := -1
	for _, want := range order {
		i := strings.Index(out, want)
		require.NotEqual(t, -1, i, "missing %q", want)
		assert.Greater(t, i, last, "%q out of order", want)
		last = i
	}
}

func TestMenu(t *testing.T) {
	out, err := run(t, nil, "1\n9\n5\n4\n")
	require.NoError(t, err)
	assert.Contains(t, out, "Final counter value: 10000")
	assert.Contains(t, out, "Invalid option. Please select again.")
	assert.Contains(t, out, "Exiting program...")
	assert.NotContains(t, out, "Final balance", "input after 5 must not run")
}

func TestMenuEndOfInput(t *testing.T) {
	out, err := run(t, nil, "")
	require.NoError(t, err)
	assert.Contains(t, out, "Select an option:")
}

func TestConfigCommand(t *testing.T) {
	out, err := run(t, nil, "", "config")
	require.NoError(t, err)
	assert.Contains(t, out, "50ms")
	assert.Contains(t, out, "[counter]")
}

// TestConfigWrite saves the effective config, flags included, and loads it
// back as the config of a later run.
func TestConfigWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "in.toml", []byte(fastConfig), 0o600))

	out, err := run(t, fs, "", "--config", "in.toml", "--log-level", "warn", "config", "--write", "out.toml")
	require.NoError(t, err)
	assert.Contains(t, out, "Config written to out.toml")

	saved, err := config.Load(fs, "out.toml")
	require.NoError(t, err)
	assert.Equal(t, "50ms", saved.TimeUnit)
	assert.Equal(t, "warn", saved.Log.Level)
	assert.Equal(t, 50, saved.Stress.Transfers)

	out, err = run(t, fs, "", "--config", "out.toml", "counter", "--workers", "2", "--increments", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Final counter value: 4")
}

func TestInvalidConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "bad.toml", []byte(`time_unit = "never"`), 0o600))

	_, err := run(t, fs, "", "--config", "bad.toml", "counter")
	require.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = run(t, fs, "", "--config", "missing.toml", "counter")
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestInvalidFlagValue(t *testing.T) {
	_, err := run(t, nil, "", "counter", "--workers", "0")
	require.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = run(t, nil, "", "--log-level", "loud", "counter")
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}
