package torrent

import "time"

// backgroundTickInterval is how often Client.backgroundLoop drives the
// per-tick C3 bandwidth distribution and C7 request-timeout sweep; the
// slower C9 unchoke cycle (defaultUnchokeCyclePeriod) is paced separately
// per Torrent via nextUnchokeAt so it isn't re-run on every tick.
const backgroundTickInterval = time.Second

// backgroundLoop is the single suspension point spec.md §5 requires for
// the bandwidth manager: without it, bandwidthManager.updateQuotas,
// Torrent.timeoutRequests and the unchoke cycle would never run, and the
// operations they gate (bandwidth distribution, stuck-request recovery,
// choke/unchoke reciprocation) would simply never happen in a live
// client. Runs for the lifetime of the Client, exiting once Close is
// called.
func (cl *Client) backgroundLoop() {
	ticker := time.NewTicker(backgroundTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cl.closed.Done():
			return
		case now := <-ticker.C:
			cl.runBackgroundTick(now)
		}
	}
}

func (cl *Client) runBackgroundTick(now time.Time) {
	cl.lock()
	defer cl.unlock()
	cl.bandwidth.updateQuotas(backgroundTickInterval)
	for _, t := range cl.torrents {
		t.timeoutRequests(now)
		t.runUnchokeCycle(now)
	}
}
