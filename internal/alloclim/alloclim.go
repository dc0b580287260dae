// Package alloclim keeps a running byte total for in-flight but not yet
// disk-written peer request payloads. Reserve adds to the total and a
// Reservation's Drop takes it back out. The total is only recorded:
// nothing blocks or refuses a reservation when it exceeds the limiter's
// configured maximum.
package alloclim

import "sync"

// Limiter counts reserved bytes against a configured maximum. It does not
// block or refuse reservations past that maximum; Allocated reports the
// current total.
type Limiter struct {
	mu        sync.Mutex
	max       int64
	allocated int64
}

func NewLimiter(maxBytes int64) *Limiter {
	return &Limiter{max: maxBytes}
}

// Reserve adds n bytes to the limiter's total and returns immediately,
// even when the total then exceeds the configured maximum. A nil limiter
// or one with no configured maximum counts nothing and returns a no-op
// Reservation. The bytes are released by the Reservation's Drop.
func (l *Limiter) Reserve(n int64) *Reservation {
	if l == nil || l.max <= 0 {
		return &Reservation{}
	}
	l.mu.Lock()
	l.allocated += n
	l.mu.Unlock()
	return &Reservation{lim: l, n: n}
}

func (l *Limiter) Allocated() int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allocated
}

// Reservation is a held claim against a Limiter's budget, released by
// Drop. The zero value is a valid no-op reservation (used when a peer
// has no limiter configured).
type Reservation struct {
	lim *Limiter
	n   int64
}

// Drop releases the reservation. Safe to call on a nil *Reservation and
// safe to call more than once (subsequent calls are no-ops).
func (r *Reservation) Drop() {
	if r == nil || r.lim == nil {
		return
	}
	r.lim.mu.Lock()
	r.lim.allocated -= r.n
	r.lim.mu.Unlock()
	r.lim = nil
}
