// Package locks provides per-key mutual exclusion for trade processing.
//
// The contention unit is the (user, security) tuple: two sells against
// the same tuple must not both read the same FIFO lot ordering and
// independently decide how much of each lot to consume, or quantity
// conservation breaks. Different tuples are fully independent and run in
// parallel.
package locks

import "sync"

// Keyed is a set of mutexes addressed by (user, security) tuple.
// The zero value is not usable; call NewKeyed.
type Keyed struct {
	mu    sync.Mutex
	locks map[key]*entry
}

type key struct {
	userID     int64
	securityID int64
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyed creates an empty keyed lock set.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[key]*entry)}
}

// Lock acquires the mutex for the tuple and returns the unlock func.
// Entries are reference-counted and removed when the last holder
// releases, so the map does not grow with the key space.
func (k *Keyed) Lock(userID, securityID int64) func() {
	id := key{userID: userID, securityID: securityID}

	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &entry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
