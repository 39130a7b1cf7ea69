package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/marcodamonte/concurrency/lockdemo/config"
	"github.com/marcodamonte/concurrency/lockdemo/logging"
	"github.com/marcodamonte/concurrency/lockdemo/syncutil"
)

// app is the state shared by every subcommand: the loaded config and the
// log file to close on exit.
type app struct {
	fs        afero.Fs
	closeLog  func() error
	cfgPath   string
	logLevel  string
	logFile   string
	overrides []override
	cfg       config.Values
}

// override copies a flag into the loaded config when the user set it on the
// command being run. Flags cannot write into cfg directly because the
// config file is read after flag parsing.
type override struct {
	owner *cobra.Command
	name  string
	apply func()
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	a := &app{fs: fs, cfg: config.Defaults()}

	root := &cobra.Command{
		Use:   "lockdemo",
		Short: "Lock safety demonstrations",
		Long: `Runs the shared counter, deadlock scenario, deadlock resolution and
banking demonstrations. Without a subcommand an interactive menu is shown.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.teardown()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.menu(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgPath, "config", "", "path to a TOML config file")
	flags.StringVar(&a.logLevel, "log-level", "", "trace, debug, info, warn, error or disabled")
	flags.StringVar(&a.logFile, "log-file", "", "also write JSON logs to this rotating file")

	root.AddCommand(
		a.counterCmd(),
		a.deadlockCmd(),
		a.resolveCmd(),
		a.orderedCmd(),
		a.bankCmd(),
		a.stressCmd(),
		a.allCmd(),
		a.configCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.fs, a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if cmd.Flags().Changed("log-level") {
		a.cfg.Log.Level = a.logLevel
	}
	if cmd.Flags().Changed("log-file") {
		a.cfg.Log.File = a.logFile
	}
	for _, o := range a.overrides {
		if o.owner == cmd && cmd.Flags().Changed(o.name) {
			o.apply()
		}
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	cfg = a.cfg

	closeLog, err := logging.Init(logging.Options{
		Console: cmd.ErrOrStderr(),
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
	})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	a.closeLog = closeLog

	log.Debug().Str("config", a.cfgPath).Str("time_unit", cfg.TimeUnit).
		Str("locks", syncutil.Detector).Msg("lockdemo starting")
	return nil
}

func (a *app) teardown() error {
	if a.closeLog == nil {
		return nil
	}
	err := a.closeLog()
	a.closeLog = nil
	return err
}

func (a *app) counterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Increment a shared counter from many goroutines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCounter(cmd.Context(), cmd.OutOrStdout(), a.cfg.Counter.Workers, a.cfg.Counter.Increments)
		},
	}
	a.intFlag(cmd, &a.cfg.Counter.Workers, "workers", "number of goroutines")
	a.intFlag(cmd, &a.cfg.Counter.Increments, "increments", "increments per goroutine")
	return cmd
}

func (a *app) deadlockCmd() *cobra.Command {
	var dump bool
	cmd := &cobra.Command{
		Use:   "deadlock",
		Short: "Lock two resources in opposite orders and back off on timeout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runDeadlock(cmd.Context(), cmd.OutOrStdout(), a.demoOptions(a.cfg.UnsafeTimeout()), dump)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dump, "dump", false, "print a goroutine dump while both tasks are blocked")
	return cmd
}

func (a *app) resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Bound every acquisition and release everything on failure",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runResolve(cmd.Context(), cmd.OutOrStdout(), a.demoOptions(a.cfg.SafeTimeout()))
			return nil
		},
	}
	a.intFlag(cmd, &a.cfg.Deadlock.Retries, "retries", "extra attempts after a failed one")
	return cmd
}

func (a *app) orderedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ordered",
		Short: "Lock two resources in a global order from both tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runOrdered(cmd.Context(), cmd.OutOrStdout(), a.demoOptions(a.cfg.SafeTimeout()))
			return nil
		},
	}
}

func (a *app) bankCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bank",
		Short: "Transfer money between two accounts in both directions at once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBank(cmd.Context(), cmd.OutOrStdout(), a.cfg.Bank, a.cfg.BankHold())
		},
	}
	a.int64Flag(cmd, &a.cfg.Bank.BalanceA, "a", "initial balance of account A")
	a.int64Flag(cmd, &a.cfg.Bank.BalanceB, "b", "initial balance of account B")
	a.int64Flag(cmd, &a.cfg.Bank.AmountAB, "ab", "amount to move from A to B")
	a.int64Flag(cmd, &a.cfg.Bank.AmountBA, "ba", "amount to move from B to A")
	return cmd
}

func (a *app) stressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run many random transfers through a worker pool and audit the total",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStress(cmd.Context(), cmd.OutOrStdout(), a.cfg.Bank, a.cfg.Stress)
		},
	}
	a.intFlag(cmd, &a.cfg.Stress.Transfers, "transfers", "number of transfers")
	a.intFlag(cmd, &a.cfg.Stress.Workers, "workers", "worker pool size")
	a.float64Flag(cmd, &a.cfg.Stress.Rate, "rate", "transfers per second, 0 for unlimited")
	return cmd
}

func (a *app) allCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the counter, deadlock, resolution and bank demos in order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, choice := range []string{"1", "2", "3", "4"} {
				if err := a.runChoice(cmd, choice); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (a *app) configCmd() *cobra.Command {
	var write string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML, or save it with --write",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if write == "" {
				return config.Encode(cmd.OutOrStdout(), a.cfg)
			}
			if err := config.Save(a.fs, write, a.cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", write)
			return nil
		},
	}
	cmd.Flags().StringVar(&write, "write", "", "save the effective configuration to this file")
	return cmd
}

// intFlag registers a flag whose default is the current value of dst and
// which overwrites dst after the config file is loaded.
func (a *app) intFlag(cmd *cobra.Command, dst *int, name, usage string) {
	v := new(int)
	cmd.Flags().IntVar(v, name, *dst, usage)
	a.overrides = append(a.overrides, override{owner: cmd, name: name, apply: func() { *dst = *v }})
}

func (a *app) int64Flag(cmd *cobra.Command, dst *int64, name, usage string) {
	v := new(int64)
	cmd.Flags().Int64Var(v, name, *dst, usage)
	a.overrides = append(a.overrides, override{owner: cmd, name: name, apply: func() { *dst = *v }})
}

func (a *app) float64Flag(cmd *cobra.Command, dst *float64, name, usage string) {
	v := new(float64)
	cmd.Flags().Float64Var(v, name, *dst, usage)
	a.overrides = append(a.overrides, override{owner: cmd, name: name, apply: func() { *dst = *v }})
}
