package torrent

import "net"

// peerRegistry is the session-wide connection admission control of
// spec.md §4.10 (C10): every accepted or dialed connection registers
// here once its handshake has completed (completeHandshakeAndAdd calls
// admitHalfOpen and then promote), so the client can enforce a global
// connection cap (with a configurable slack allowance above it) and
// reject connections from banned IPs, independent of which Torrent they
// end up belonging to.
// The teacher has no equivalent centralized registry (it caps connections
// per-Torrent); this is built fresh from spec.md's description, but reuses
// the corpus's small-struct-plus-mutex-free-field style since registry.go
// is always called with the Client lock held, like every other component
// in this file.
type peerRegistry struct {
	maxConnections  int
	connectionSlack int

	// banned holds individual banned IPs (from smart-ban) as a set.
	banned map[string]struct{}

	// half are connections admitted by admitHalfOpen but not yet moved
	// over by promote; full are promoted. Both count against
	// maxConnections, but half-open connections alone may exceed it by up
	// to connectionSlack (so a burst of incoming dials doesn't stall
	// already-established peers).
	half map[*Peer]struct{}
	full map[*Peer]struct{}

	// cursor supports round-robin eviction: when at capacity and a higher
	// priority connection arrives, we evict starting from cursor through
	// the established set, rather than always the same peer.
	cursor int
}

func newPeerRegistry(maxConnections, connectionSlack int) *peerRegistry {
	return &peerRegistry{
		maxConnections:  maxConnections,
		connectionSlack: connectionSlack,
		banned:          make(map[string]struct{}),
		half:            make(map[*Peer]struct{}),
		full:            make(map[*Peer]struct{}),
	}
}

func (r *peerRegistry) isBanned(addr net.IP) bool {
	if addr == nil {
		return false
	}
	_, ok := r.banned[addr.String()]
	return ok
}

func (r *peerRegistry) ban(addr net.IP) {
	if addr == nil {
		return
	}
	r.banned[addr.String()] = struct{}{}
}

func (r *peerRegistry) unban(addr net.IP) {
	delete(r.banned, addr.String())
}

// admitHalfOpen reserves a connection slot for p; completeHandshakeAndAdd
// calls it once p's handshake has completed. Returns false if the remote is banned or the registry is already at its
// hard cap (maxConnections + connectionSlack).
func (r *peerRegistry) admitHalfOpen(p *Peer) bool {
	if r.isBanned(p.remoteIp()) {
		return false
	}
	if len(r.half)+len(r.full) >= r.maxConnections+r.connectionSlack {
		return false
	}
	r.half[p] = struct{}{}
	return true
}

// promote moves a connection from half-open to fully established. If
// that pushes the established count over maxConnections, it evicts the
// lowest-trust established peer (by Peer.trust; a peer class's
// connectionLimitFactor is not consulted) so the working set settles
// back at capacity.
func (r *peerRegistry) promote(p *Peer) (evicted *Peer) {
	delete(r.half, p)
	r.full[p] = struct{}{}
	if len(r.full) <= r.maxConnections {
		return nil
	}
	return r.evictOne()
}

// evictOne drops the least-trusted established connection, advancing the
// round-robin cursor so repeated evictions under sustained pressure don't
// always target the same connection first.
func (r *peerRegistry) evictOne() *Peer {
	peers := make([]*Peer, 0, len(r.full))
	for p := range r.full {
		peers = append(peers, p)
	}
	if len(peers) == 0 {
		return nil
	}
	if r.cursor >= len(peers) {
		r.cursor = 0
	}
	worst := peers[r.cursor]
	worstTrust := worst.trust()
	for _, p := range peers {
		if p.trust().Cmp(worstTrust) < 0 {
			worst = p
			worstTrust = p.trust()
		}
	}
	delete(r.full, worst)
	r.cursor++
	return worst
}

// remove drops p from whichever set it's in (half-open or established),
// called on connection close regardless of how far it got.
func (r *peerRegistry) remove(p *Peer) {
	delete(r.half, p)
	delete(r.full, p)
}

func (r *peerRegistry) numConnections() int {
	return len(r.half) + len(r.full)
}
