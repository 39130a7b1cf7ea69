// Command lockdemo runs the lock-safety demonstrations: a shared counter, a
// lock-order inversion that backs off on timeout, its bounded resolution,
// globally ordered locking, and a two-account bank.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(afero.NewOsFs()).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
