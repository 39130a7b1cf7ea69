//go:build deadlock

package syncutil

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	deadlock "github.com/sasha-s/go-deadlock"
)

type (
	Mutex   = deadlock.Mutex
	RWMutex = deadlock.RWMutex
)

// Detector names the lock implementation compiled in.
const Detector = "go-deadlock"

// WaitLimit is how long a Lock call may wait before it is reported. It is
// well above the demos' longest bounded wait.
const WaitLimit = 30 * time.Second

func init() {
	deadlock.Opts.DeadlockTimeout = WaitLimit
	deadlock.Opts.LogBuf = reportWriter{}
}

// reportWriter forwards go-deadlock reports to whatever log.Logger is at
// the time of the report, not at init.
type reportWriter struct{}

func (reportWriter) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		log.Error().Str("detector", Detector).Msg(msg)
	}
	return len(p), nil
}
