// Package services implements the ticket-session state machine and the
// deploy correlator. This file provides the per-key mutual exclusion that
// serializes all transitions for a given (chat,user) session key.
package services

import "sync"

// KeyedLocks hands out one mutex per session key. Entries are reference
// counted and removed once the last holder releases, so the map stays
// bounded by the number of concurrently locked keys rather than by the
// number of keys ever seen.
//
// This type is safe for concurrent use.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLocks constructs an empty lock table.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[string]*keyLock)}
}

// Lock acquires the mutex for key, blocking until it is available, and
// returns the matching unlock function.
func (k *KeyedLocks) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
