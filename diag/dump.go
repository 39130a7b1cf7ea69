// Package diag prints goroutine snapshots so a stuck lock can be seen by
// its blocking state, the same labels the runtime prints on
// "all goroutines are asleep - deadlock!".
//
// States worth recognising:
//
//	[running]       currently executing
//	[runnable]      ready, waiting for a thread
//	[semacquire]    blocked on sync.Mutex.Lock
//	[sync.Mutex.Lock] same, on newer runtimes
//	[select]        blocked in select, every case blocking; also how a
//	                semaphore.Weighted waiter shows up
//	[chan receive]  blocked on <-ch
//	[sleep]         inside time.Sleep
package diag

import (
	"fmt"
	"io"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// DefaultFrames is how many stack lines DumpGoroutines prints per goroutine.
const DefaultFrames = 4

// Goroutine is one entry of a runtime stack dump.
type Goroutine struct {
	State string
	Lines []string
	ID    int
}

// Blocked reports whether the goroutine is parked on a lock: a sync mutex,
// or a weighted semaphore, which waits in a select on its own channel.
func (g Goroutine) Blocked() bool {
	switch {
	case strings.HasPrefix(g.State, "semacquire"),
		strings.HasPrefix(g.State, "sync.Mutex.Lock"),
		strings.HasPrefix(g.State, "sync.RWMutex"):
		return true
	case strings.HasPrefix(g.State, "select"):
		return g.calls(semaphoreAcquire)
	}
	return false
}

const semaphoreAcquire = "semaphore.(*Weighted).Acquire("

func (g Goroutine) calls(fn string) bool {
	for _, line := range g.Lines {
		if strings.Contains(line, fn) {
			return true
		}
	}
	return false
}

var header = regexp.MustCompile(`^goroutine (\d+) \[([^\]]+)\]:`)

// Snapshot captures every goroutine via runtime.Stack.
func Snapshot() []Goroutine {
	buf := make([]byte, 256*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return Parse(string(buf[:n]))
		}
		buf = make([]byte, 2*len(buf))
	}
}

// Parse splits raw runtime.Stack output into goroutines. Blocks without a
// recognisable header are skipped.
func Parse(raw string) []Goroutine {
	var out []Goroutine
	for _, block := range strings.Split(strings.TrimSpace(raw), "\n\n") {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		m := header.FindStringSubmatch(lines[0])
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, Goroutine{ID: id, State: m[2], Lines: lines[1:]})
	}
	return out
}

// DumpGoroutines writes a snapshot of all goroutines to w, each with its
// header and the top DefaultFrames stack lines.
func DumpGoroutines(w io.Writer) error {
	return Write(w, Snapshot(), DefaultFrames)
}

// Write formats gs with at most frames stack lines per goroutine. frames <= 0
// uses DefaultFrames.
func Write(w io.Writer, gs []Goroutine, frames int) error {
	if frames <= 0 {
		frames = DefaultFrames
	}

	for _, g := range gs {
		if _, err := fmt.Fprintf(w, "  goroutine %d [%s]:\n", g.ID, g.State); err != nil {
			return err
		}
		limit := min(len(g.Lines), frames)
		for _, line := range g.Lines[:limit] {
			if _, err := fmt.Fprintf(w, "  %s\n", line); err != nil {
				return err
			}
		}
		if len(g.Lines) > limit {
			if _, err := fmt.Fprintf(w, "  ... (+%d lines)\n", len(g.Lines)-limit); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}
