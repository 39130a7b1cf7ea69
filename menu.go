package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

const menuText = `
Select an option:
  1) Multi-threading counter
  2) Deadlock scenario
  3) Deadlock resolution
  4) Banking system
  5) Exit
> `

// menu reads choices from stdin until "5" or end of input.
func (a *app) menu(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	in := bufio.NewScanner(cmd.InOrStdin())

	for {
		fmt.Fprint(out, menuText)
		if !in.Scan() {
			return in.Err()
		}

		choice := strings.TrimSpace(in.Text())
		if choice == "5" {
			fmt.Fprintln(out, "Exiting program...")
			return nil
		}
		if err := a.runChoice(cmd, choice); err != nil {
			return err
		}
		if err := cmd.Context().Err(); err != nil {
			return err
		}
	}
}

func (a *app) runChoice(cmd *cobra.Command, choice string) error {
	ctx, out := cmd.Context(), cmd.OutOrStdout()

	switch choice {
	case "1":
		return runCounter(ctx, out, a.cfg.Counter.Workers, a.cfg.Counter.Increments)
	case "2":
		runDeadlock(ctx, out, a.demoOptions(a.cfg.UnsafeTimeout()), false)
	case "3":
		runResolve(ctx, out, a.demoOptions(a.cfg.SafeTimeout()))
	case "4":
		return runBank(ctx, out, a.cfg.Bank, a.cfg.BankHold())
	default:
		fmt.Fprintln(out, "Invalid option. Please select again.")
	}
	return nil
}
