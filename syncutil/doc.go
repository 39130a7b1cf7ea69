// Package syncutil picks the lock types every guard in this module uses.
//
// A normal build uses the sync package. Building with -tags=deadlock swaps
// in github.com/sasha-s/go-deadlock, which reports lock-order inversions
// and locks waited on longer than WaitLimit through the global logger.
//
// RWMutex is only used by the worker pool's closed flag.
package syncutil
