package torrent

import (
	"fmt"
	"sync"

	xsync "github.com/anacrolix/sync"
)

// lockWithDeferreds is a sync.RWMutex wrapper that lets code running under
// the write lock schedule actions (via Defer) to run just after the lock
// is released, rather than inline while still holding it. This
// keeps user-facing callbacks and similar side effects from running while
// the Client's core lock is held, without every call site needing its own
// "run this after unlocking" bookkeeping.
type lockWithDeferreds struct {
	internal    xsync.RWMutex
	deferred    []func()
	writeLocked bool
}

func (l *lockWithDeferreds) Lock() {
	l.internal.Lock()
	if l.writeLocked {
		panic("lockWithDeferreds: Lock called while already write-locked")
	}
	l.writeLocked = true
}

func (l *lockWithDeferreds) Unlock() {
	if !l.writeLocked {
		panic("lockWithDeferreds: Unlock called without a matching Lock")
	}
	l.writeLocked = false
	deferred := l.deferred
	l.deferred = nil
	l.internal.Unlock()
	for _, action := range deferred {
		action()
	}
}

func (l *lockWithDeferreds) RLock() {
	l.internal.RLock()
}

func (l *lockWithDeferreds) RUnlock() {
	l.internal.RUnlock()
}

// Defer schedules action to run after the current Unlock releases the
// write lock. Must be called while holding the write lock.
func (l *lockWithDeferreds) Defer(action func()) {
	if !l.writeLocked {
		panic("lockWithDeferreds: Defer called without holding the write lock")
	}
	l.deferred = append(l.deferred, action)
}

func (l *lockWithDeferreds) runDeferred() {
	startLen := len(l.deferred)
	for i := 0; i < len(l.deferred); i++ {
		l.deferred[i]()
	}
	if startLen != len(l.deferred) {
		panic(fmt.Sprintf("lockWithDeferreds: deferred count changed while running: %v -> %v", startLen, len(l.deferred)))
	}
	l.deferred = l.deferred[:0]
}

// FlushDeferred runs any pending deferred actions immediately, while still
// holding the write lock, instead of waiting for Unlock.
func (l *lockWithDeferreds) FlushDeferred() {
	if !l.writeLocked {
		panic("lockWithDeferreds: FlushDeferred called without holding the write lock")
	}
	l.runDeferred()
}

var _ sync.Locker = (*lockWithDeferreds)(nil)
