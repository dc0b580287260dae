package torrent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeBandwidthSocket struct {
	disconnecting bool
	total         int
}

func (s *fakeBandwidthSocket) assignBandwidth(amount int) { s.total += amount }
func (s *fakeBandwidthSocket) isDisconnecting() bool       { return s.disconnecting }

// Scenario from spec.md §8: two equal-priority peers sharing a single
// 20,000 B/s channel each request 400,000 bytes; after 20 one-second ticks
// they should have converged to roughly even shares of the channel's
// accumulated 400,000 bytes of quota, not one peer draining the request
// and the other starving until it's dequeued.
func TestBandwidthManagerFairShareConvergence(t *testing.T) {
	m := newBandwidthManager(10)
	ch := newBandwidthChannel(20000, 20000)

	a := &fakeBandwidthSocket{}
	b := &fakeBandwidthSocket{}
	m.requestBandwidth(a, 400000, 200, ch)
	m.requestBandwidth(b, 400000, 200, ch)

	for i := 0; i < 20; i++ {
		m.updateQuotas(time.Second)
	}

	assert.InDelta(t, 200000, a.total, 1000)
	assert.InDelta(t, 200000, b.total, 1000)
	assert.Equal(t, a.total+b.total, 400000)
}

// A higher-priority request should win a proportionally larger share of a
// contended channel, matching spec.md §4.3 step 3's priority-weighted
// fair share instead of a strict priority-order drain.
func TestBandwidthManagerPriorityWeighting(t *testing.T) {
	m := newBandwidthManager(10)
	ch := newBandwidthChannel(30000, 30000)

	hi := &fakeBandwidthSocket{}
	lo := &fakeBandwidthSocket{}
	m.requestBandwidth(hi, 1<<20, 200, ch)
	m.requestBandwidth(lo, 1<<20, 100, ch)

	m.updateQuotas(time.Second)

	assert.InDelta(t, 20000, hi.total, 5)
	assert.InDelta(t, 10000, lo.total, 5)
}

// A request spanning a fast and a slow channel is bounded by the slow one,
// the hierarchical min-across-channels behavior C2/C3 exist for.
func TestBandwidthManagerHierarchicalMin(t *testing.T) {
	m := newBandwidthManager(10)
	fast := newBandwidthChannel(1<<20, 1<<20)
	slow := newBandwidthChannel(5000, 5000)

	s := &fakeBandwidthSocket{}
	m.requestBandwidth(s, 1<<20, 100, fast, slow)

	m.updateQuotas(time.Second)

	assert.Equal(t, 5000, s.total)
}

// A request isn't granted more than a channel actually replenished, even
// once its ttl has expired: the starvation guard boosts priority for
// future ticks instead of bypassing the cap.
func TestBandwidthManagerTTLBoostsPriorityNotCap(t *testing.T) {
	m := newBandwidthManager(2)
	ch := newBandwidthChannel(1000, 1000)

	starved := &fakeBandwidthSocket{}
	m.requestBandwidth(starved, 1<<20, 1, ch)

	for i := 0; i < 3; i++ {
		m.updateQuotas(time.Second)
		assert.LessOrEqual(t, starved.total, 1000*(i+1))
	}
}

func TestBandwidthManagerSkipsDisconnectingSocket(t *testing.T) {
	m := newBandwidthManager(10)
	ch := newBandwidthChannel(10000, 10000)

	gone := &fakeBandwidthSocket{disconnecting: true}
	m.requestBandwidth(gone, 5000, 100, ch)

	m.updateQuotas(time.Second)

	assert.Equal(t, 0, gone.total)
}
