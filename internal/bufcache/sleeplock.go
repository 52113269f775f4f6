package bufcache

import "sync"

// sleepLock is the per-buffer exclusive lock. It may be held across device
// I/O, so waiters park on a condition variable rather than spinning, and
// unlike sync.Mutex it can report whether it is currently held, which the
// lock-discipline checks need.
type sleepLock struct {
	mu     sync.Mutex
	cond   sync.Cond
	locked bool
}

func (l *sleepLock) init() {
	l.cond.L = &l.mu
}

// acquire blocks until the lock is free, then takes it.
func (l *sleepLock) acquire() {
	l.mu.Lock()
	for l.locked {
		l.cond.Wait()
	}
	l.locked = true
	l.mu.Unlock()
}

// release frees the lock and wakes one waiter. Panics with ErrNotLocked if
// the lock is not held.
func (l *sleepLock) release() {
	l.mu.Lock()
	if !l.locked {
		l.mu.Unlock()
		panic(ErrNotLocked)
	}
	l.locked = false
	l.cond.Signal()
	l.mu.Unlock()
}

// held reports whether the lock is currently held.
func (l *sleepLock) held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}
