package diag

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcodamonte/concurrency/lockdemo/locking"
)

const sample = `goroutine 1 [running]:
main.main()
	/tmp/main.go:10 +0x1d

goroutine 7 [semacquire]:
sync.runtime_SemacquireMutex(0xc000012345?, 0x0?, 0x1?)
	/usr/local/go/src/runtime/sema.go:77 +0x25
sync.(*Mutex).lockSlow(0xc000012340)
	/usr/local/go/src/sync/mutex.go:171 +0x15d
sync.(*Mutex).Lock(...)
	/usr/local/go/src/sync/mutex.go:90

garbage without a header

goroutine 9 [select, 2 minutes]:
main.wait()
	/tmp/main.go:20 +0x99

goroutine 12 [select]:
golang.org/x/sync/semaphore.(*Weighted).Acquire(0xc0000a2000, {0x5f1e28, 0xc0000b4000}, 0x1)
	/go/pkg/mod/golang.org/x/sync@v0.20.0/semaphore/semaphore.go:74 +0x2b4
main.task()
	/tmp/main.go:31 +0x45
`

func TestParse(t *testing.T) {
	t.Parallel()

	gs := Parse(sample)
	require.Len(t, gs, 4)

	assert.Equal(t, 1, gs[0].ID)
	assert.Equal(t, "running", gs[0].State)
	assert.False(t, gs[0].Blocked())

	assert.Equal(t, 7, gs[1].ID)
	assert.True(t, gs[1].Blocked())
	assert.Len(t, gs[1].Lines, 6)

	assert.Equal(t, "select, 2 minutes", gs[2].State)
	assert.False(t, gs[2].Blocked())

	assert.Equal(t, 12, gs[3].ID)
	assert.Equal(t, "select", gs[3].State)
	assert.True(t, gs[3].Blocked(), "semaphore waiter")
}

func TestWriteTruncatesFrames(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Parse(sample), 2))

	out := buf.String()
	assert.Contains(t, out, "goroutine 7 [semacquire]:")
	assert.Contains(t, out, "... (+4 lines)")
	assert.NotContains(t, out, "lockSlow")
}

func TestDumpShowsBlockedGoroutine(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	mu.Lock()
	done := make(chan struct{})
	go func() {
		mu.Lock()
		mu.Unlock()
		close(done)
	}()

	found := waitBlocked(t, "TestDumpShowsBlockedGoroutine")

	var buf bytes.Buffer
	require.NoError(t, DumpGoroutines(&buf))
	assert.Contains(t, buf.String(), "goroutine ")

	mu.Unlock()
	<-done
	assert.True(t, found, "no goroutine parked on the mutex")
}

// waitBlocked polls snapshots until a goroutine whose stack mentions fn is
// parked on a lock. A waiter may spin briefly before it parks.
func waitBlocked(t *testing.T, fn string) bool {
	t.Helper()

	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
		for _, g := range Snapshot() {
			if g.Blocked() && strings.Contains(strings.Join(g.Lines, "\n"), fn) {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestSnapshotShowsResourceWaiter(t *testing.T) {
	t.Parallel()

	r := locking.NewResource("R")
	require.True(t, r.TryLock())

	done := make(chan error, 1)
	go func() {
		done <- r.Lock(context.Background())
	}()

	found := waitBlocked(t, "TestSnapshotShowsResourceWaiter")

	r.Unlock()
	require.NoError(t, <-done)
	r.Unlock()
	assert.True(t, found, "no goroutine parked on the resource")
}
