package locking

import (
	"bytes"
	"strings"

	"github.com/google/uuid"
)

// Key identifies a lockable value for ordering. ID is assigned once at
// creation and never changes; Name only breaks ties between keys sharing an
// ID. Two distinct lockables must never share a full Key.
type Key struct {
	ID   uuid.UUID
	Name string
}

// NewKey returns a Key with a fresh time-ordered (v7) ID, so lockables
// created one after another compare in creation order.
func NewKey(name string) Key {
	return Key{ID: uuid.Must(uuid.NewV7()), Name: name}
}

// Compare returns -1, 0 or +1 depending on whether k sorts before, equal to,
// or after o.
func (k Key) Compare(o Key) int {
	if c := bytes.Compare(k.ID[:], o.ID[:]); c != 0 {
		return c
	}
	return strings.Compare(k.Name, o.Name)
}

func (k Key) String() string {
	return k.Name + "/" + k.ID.String()
}

// Keyed is anything that can take part in ordered locking.
type Keyed interface {
	LockKey() Key
}

// Order sorts a pair of lockables into the global acquisition order.
// Order(x, y) and Order(y, x) return the same pair, which is what keeps two
// goroutines locking the same pair from waiting on each other in a cycle.
// That only holds for distinct keys: callers must reject pairs whose keys
// compare equal before locking them.
func Order[T Keyed](a, b T) (first, second T) {
	if b.LockKey().Compare(a.LockKey()) < 0 {
		return b, a
	}
	return a, b
}
