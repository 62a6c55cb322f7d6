package drop

import "sync/atomic"

// Lock is the global drop lock: a single holder, no reentrancy, no waiting.
// It is held from arming (or a placed-drop reservation) until the session
// reaches a terminal state.
type Lock struct {
	held atomic.Bool
}

// TryAcquire takes the lock and reports whether it succeeded.
func (l *Lock) TryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

// Release frees the lock. Releasing a free lock is a bug and panics.
func (l *Lock) Release() {
	if !l.held.CompareAndSwap(true, false) {
		panic("drop: release of unheld lock")
	}
}

// Held reports whether a session currently owns the lock.
func (l *Lock) Held() bool {
	return l.held.Load()
}
