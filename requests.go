package torrent

import "time"

// requestTimeout is how long a block request may sit outstanding before
// timeoutRequests cancels it and snubs its peer, matching spec.md §4.7's
// request_timeout().
const requestTimeout = 20 * time.Second

// timeoutRequests is the periodic C7 tick: any block still outstanding
// past requestTimeout is cancelled and its peer marked snubbed, which
// collapses that peer's nominalMaxRequests down to 1 (Peer.snubbed) until
// it starts delivering chunks again and the snub is lifted by
// receiveChunk. Run under the Client lock by Client.backgroundLoop.
func (t *Torrent) timeoutRequests(now time.Time) {
	var timedOut []RequestIndex
	for r, rs := range t.requestState {
		if rs.peer == nil {
			continue
		}
		if now.Sub(rs.when) < requestTimeout {
			continue
		}
		timedOut = append(timedOut, r)
	}
	for _, r := range timedOut {
		p := t.requestState[r].peer
		p.snubbed = true
		p.cancel(r)
	}
}
