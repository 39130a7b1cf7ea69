//go:build !deadlock

package syncutil

import "sync"

type (
	Mutex   = sync.Mutex
	RWMutex = sync.RWMutex
)

// Detector names the lock implementation compiled in.
const Detector = "sync"
