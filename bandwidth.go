package torrent

import (
	"time"

	"golang.org/x/time/rate"
)

// This file implements the hierarchical bandwidth scheduling described in
// spec.md §4.2/§4.3 (C2/C3), grounded on libtorrent's bandwidth_manager
// (original_source include/libtorrent/aux_/bandwidth_manager.hpp) and
// bandwidth_queue_entry.hpp's bw_request. The teacher repo has no
// equivalent hierarchical scheduler; it rate-limits with a single flat
// golang.org/x/time/rate.Limiter per direction (see issue211_test.go). We
// keep that primitive as the leaf-level token source and layer the
// original's channel hierarchy and priority-weighted distribution on top
// of it, exactly as bandwidth_manager.hpp layers multiple bandwidth_limit
// channels (global, local, per torrent, per peer class) over a single
// request.

// maxBandwidthChannels bounds how many channels a single request can be
// charged against simultaneously, matching bw_request::channel[10] in
// bandwidth_queue_entry.hpp.
const maxBandwidthChannels = 10

// bandwidthSocket is the callback surface a request holder must provide,
// mirroring bandwidth_socket.hpp. assign_bandwidth there doesn't return a
// value; here we also report whether the socket is still interested,
// letting the manager drop stale requests instead of granting bandwidth a
// disconnecting peer can't use.
type bandwidthSocket interface {
	// assignBandwidth is called once this socket's request has been
	// granted amount bytes of quota.
	assignBandwidth(amount int)
	// isDisconnecting reports whether the socket should be skipped when
	// distributing bandwidth, matching bandwidth_socket::is_disconnecting.
	isDisconnecting() bool
}

// bandwidthChannel is a single node in the scheduling hierarchy: a shared
// pool of quota with an optional throttle (bytes/sec cap) and a limited
// burst, replenished every tick by updateQuotas. It corresponds to
// bandwidth_channel (bandwidth_queue_entry.hpp's companion header,
// declared alongside bw_request).
type bandwidthChannel struct {
	// limiter provides the actual token bucket; rate.Inf means unthrottled
	// (the original's throttle() == 0 sentinel for "no limit").
	limiter *rate.Limiter

	// distributeQuota is the amount made available to requests this tick,
	// computed by updateQuotas from the limiter and burst cap, then drained
	// as the manager grants it out to queued requests.
	distributeQuota int
}

// newBandwidthChannel builds a channel. ratePerSec <= 0 means unthrottled.
func newBandwidthChannel(ratePerSec, burst int) *bandwidthChannel {
	lim := rate.NewLimiter(rate.Inf, burst)
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return &bandwidthChannel{limiter: lim}
}

func (c *bandwidthChannel) setThrottle(ratePerSec int) {
	if ratePerSec <= 0 {
		c.limiter.SetLimit(rate.Inf)
		return
	}
	c.limiter.SetLimit(rate.Limit(ratePerSec))
}

// bwRequest mirrors bw_request: a pending demand for bandwidth against a
// set of channels, with a priority weight, a TTL in ticks after which an
// unfinished request has its priority boosted (see updateQuotas), and
// the amount already assigned so far (for requests serviced in several
// partial grants across ticks).
type bwRequest struct {
	socket      bandwidthSocket
	channel     [maxBandwidthChannels]*bandwidthChannel
	numChannels int
	priority    int
	requestSize int
	assigned    int
	ttl         int // ticks remaining before the next priority boost
}

// bandwidthManager is the scheduler proper: it queues bwRequests and, on
// each updateQuotas(dt) tick, distributes each channel's replenished quota
// across its queued requests in proportion to their priorities, matching
// bandwidth_manager::update_quotas.
type bandwidthManager struct {
	queue []*bwRequest

	// historyWindow is the TTL assigned to fresh requests, in ticks. A
	// request still unfinished when its ttl runs out has its priority
	// raised by half (plus one) and its ttl reset to historyWindow, so it
	// wins a larger share of later ticks. It stays queued: it is neither
	// removed nor granted more than its channels replenish.
	historyWindow int
}

func newBandwidthManager(historyWindowTicks int) *bandwidthManager {
	if historyWindowTicks <= 0 {
		historyWindowTicks = 10
	}
	return &bandwidthManager{historyWindow: historyWindowTicks}
}

// requestBandwidth enqueues a demand for requestSize bytes against the
// every channel in chans (at most maxBandwidthChannels; more panics), at
// the given priority weight: a higher priority wins a proportionally
// larger share of each tick's quota. Matches
// bandwidth_manager::request_bandwidth.
func (m *bandwidthManager) requestBandwidth(s bandwidthSocket, requestSize int, priority int, chans ...*bandwidthChannel) {
	if len(chans) > maxBandwidthChannels {
		panic("too many bandwidth channels for one request")
	}
	r := &bwRequest{
		socket:      s,
		numChannels: len(chans),
		priority:    priority,
		requestSize: requestSize,
		ttl:         m.historyWindow,
	}
	copy(r.channel[:], chans)
	m.queue = append(m.queue, r)
}

// updateQuotas runs one scheduling tick: replenish every channel touched
// by a queued request, then water-fill each channel's replenished quota
// across its queued requests in proportion to priority (spec.md §4.3
// step 3: distribute_quota × priority / Σ priorities), repeating until no
// request can make further progress. A request straddling several
// channels is bounded by whichever gives it the smallest share — the
// hierarchical part, matching bandwidth_manager.hpp's
// assign-to-the-limiting-channel behavior — without ever handing out more
// than a channel actually replenished this tick, so bandwidth
// conservation holds even for requests sitting at their ttl deadline.
func (m *bandwidthManager) updateQuotas(dt time.Duration) {
	touched := map[*bandwidthChannel]bool{}
	active := make([]*bwRequest, 0, len(m.queue))
	for _, r := range m.queue {
		if r.socket.isDisconnecting() {
			continue
		}
		for i := 0; i < r.numChannels; i++ {
			touched[r.channel[i]] = true
		}
		r.ttl--
		active = append(active, r)
	}
	for ch := range touched {
		ch.distributeQuota = ch.tokensForInterval(dt)
	}

	granted := make(map[*bwRequest]int, len(active))
	// At least one channel's weight drops to zero (saturated) per pass,
	// so maxBandwidthChannels+1 passes is always enough to converge.
	for pass := 0; pass <= maxBandwidthChannels; pass++ {
		weight := map[*bandwidthChannel]int{}
		for _, r := range active {
			if r.assigned+granted[r] >= r.requestSize {
				continue
			}
			for i := 0; i < r.numChannels; i++ {
				weight[r.channel[i]] += r.priority
			}
		}
		if len(weight) == 0 {
			break
		}
		progressed := false
		for _, r := range active {
			need := r.requestSize - r.assigned - granted[r]
			if need <= 0 {
				continue
			}
			share := need
			for i := 0; i < r.numChannels; i++ {
				ch := r.channel[i]
				w := weight[ch]
				if w == 0 {
					continue
				}
				if s := ch.distributeQuota * r.priority / w; s < share {
					share = s
				}
			}
			if share <= 0 {
				continue
			}
			// The served request's priority leaves each channel's weight,
			// so later requests in this pass split what remains by their
			// own priorities rather than against an already-spent total.
			for i := 0; i < r.numChannels; i++ {
				r.channel[i].distributeQuota -= share
				weight[r.channel[i]] -= r.priority
			}
			granted[r] += share
			progressed = true
		}
		if !progressed {
			break
		}
	}

	var remaining []*bwRequest
	for _, r := range active {
		r.assigned += granted[r]
		if r.ttl <= 0 && r.assigned < r.requestSize {
			// Starved past its deadline: rather than bypass the channel
			// caps above (which would hand out bandwidth a channel never
			// actually had, violating conservation), boost its priority
			// so it wins a proportionally larger share of future ticks.
			r.priority += r.priority/2 + 1
			r.ttl = m.historyWindow
		}
		r.socket.assignBandwidth(granted[r])
		if r.assigned < r.requestSize {
			remaining = append(remaining, r)
		}
	}
	m.queue = remaining
}

func (c *bandwidthChannel) tokensForInterval(dt time.Duration) int {
	if c.limiter.Limit() == rate.Inf {
		return c.limiter.Burst()
	}
	n := int(float64(c.limiter.Limit()) * dt.Seconds())
	if n > c.limiter.Burst() {
		n = c.limiter.Burst()
	}
	if n < 0 {
		n = 0
	}
	return n
}
