// Package keylock provides a mutex per string key.
package keylock

import "sync"

type refLock struct {
	mu   sync.Mutex
	refs int
}

// Locker serializes work per key. Locks for idle keys are released so the
// set does not grow with the number of keys ever seen.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*refLock)}
}

// Lock acquires the lock for key and returns its release function.
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	rl, ok := l.locks[key]
	if !ok {
		rl = &refLock{}
		l.locks[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of keys currently held or waited on.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
