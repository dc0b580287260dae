package torrent

import (
	"math/rand"
	"sort"
	"time"
)

// This file implements the unchoke/optimistic-unchoke selector of
// spec.md §4.9 (C9). The teacher has no multi-algorithm unchoker (it
// relies on a simpler per-torrent heuristic inline in its request
// strategy); the four named algorithms are built fresh from spec.md's
// description, in the plain-struct-plus-method style the rest of this
// core uses.

type unchokeAlgorithm int

const (
	unchokeFixedSlots unchokeAlgorithm = iota
	unchokeAutoExpand
	unchokeRateBased
	unchokeBittyrant
)

const (
	defaultUnchokeCyclePeriod    = 15 * time.Second
	defaultOptimisticCyclePeriod = 30 * time.Second
)

// unchokeCandidate is the minimal view of a peer the selector needs,
// decoupled from *Peer so the algorithm can be unit tested without a
// live connection.
type unchokeCandidate struct {
	peer *Peer

	interested   bool
	disconnecting bool
	connecting    bool
	torrentPaused bool

	uploadRate          float64 // bytes/sec we've sent them recently
	downloadFromThem     float64 // bytes/sec they've sent us recently (rate-based)
	estReciprocationRate float64 // bittyrant

	ignoreSlots bool // peer class opts out of the slot budget (C4)

	lastOptimisticUnchoke time.Time
}

// unchokeSelector holds the adaptive state auto-expand needs across
// cycles (the current slot count) and bittyrant needs per peer
// (est_reciprocation_rate, persisted on unchokeCandidate by the caller
// between cycles).
type unchokeSelector struct {
	algorithm unchokeAlgorithm

	configuredSlots int
	currentSlots    int // auto-expand's adapted value; starts at configuredSlots

	numOptimisticSlots int

	rng *rand.Rand
}

func newUnchokeSelector(algo unchokeAlgorithm, configuredSlots, numOptimisticSlots int) *unchokeSelector {
	return &unchokeSelector{
		algorithm:          algo,
		configuredSlots:    configuredSlots,
		currentSlots:       configuredSlots,
		numOptimisticSlots: numOptimisticSlots,
		rng:                rand.New(rand.NewSource(1)),
	}
}

// runCycle selects which candidates to unchoke this cycle, given all
// peers currently connected. It mutates nothing on the candidates; the
// caller applies the result (choke/unchoke messages) and should persist
// lastOptimisticUnchoke updates for the chosen optimistic peer(s).
func (u *unchokeSelector) runCycle(all []unchokeCandidate) (unchoked []*Peer, optimistic []*Peer) {
	var candidates []unchokeCandidate
	for _, c := range all {
		if !c.interested || c.disconnecting || c.connecting || c.torrentPaused {
			continue
		}
		candidates = append(candidates, c)
	}

	slots := u.slotsForCycle(candidates)
	if slots < 0 {
		slots = 0
	}
	numOptimistic := u.numOptimisticSlots
	if numOptimistic > slots {
		numOptimistic = slots
	}
	regularSlots := slots - numOptimistic

	// Optimistic selection: rotate by oldest-last-optimistic-unchoke,
	// exempting peers already exempt from the slot budget.
	optimisticPool := make([]unchokeCandidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.ignoreSlots {
			optimisticPool = append(optimisticPool, c)
		}
	}
	sort.Slice(optimisticPool, func(i, j int) bool {
		return optimisticPool[i].lastOptimisticUnchoke.Before(optimisticPool[j].lastOptimisticUnchoke)
	})
	chosenOptimistic := map[*Peer]bool{}
	for i := 0; i < numOptimistic && i < len(optimisticPool); i++ {
		optimistic = append(optimistic, optimisticPool[i].peer)
		chosenOptimistic[optimisticPool[i].peer] = true
	}

	// Regular selection, sorted per the active algorithm; tie-break by
	// random shuffle (spec.md §4.9 step 2).
	u.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	sort.SliceStable(candidates, func(i, j int) bool { return u.less(candidates[i], candidates[j]) })

	for _, c := range candidates {
		if c.ignoreSlots {
			unchoked = append(unchoked, c.peer)
			continue
		}
		if chosenOptimistic[c.peer] {
			continue
		}
		if regularSlots <= 0 {
			continue
		}
		unchoked = append(unchoked, c.peer)
		regularSlots--
	}
	unchoked = append(unchoked, optimistic...)
	return
}

// less orders candidates best-first per the active algorithm.
func (u *unchokeSelector) less(a, b unchokeCandidate) bool {
	switch u.algorithm {
	case unchokeRateBased:
		return a.downloadFromThem > b.downloadFromThem
	case unchokeBittyrant:
		return a.estReciprocationRate > b.estReciprocationRate
	default: // fixed-slots, auto-expand: reward current reciprocation
		return a.uploadRate > b.uploadRate
	}
}

// runUnchokeCycle applies one cycle of the Client's unchoke selector to
// this torrent's connections: build the candidate list, ask the selector
// who to unchoke, and push any resulting choke/unchoke state changes out
// over the wire. Only webseed connections (which never upload and have
// no choke/unchoke wire state) are skipped; everything else participates
// even if it's not currently interesting, so an uninterested peer that's
// still unchoked from a previous cycle gets choked back.
//
// The optimistic slot is only reselected every defaultOptimisticCyclePeriod;
// on the ticks in between, whichever peers hold it stay unchoked
// (provided they're still connected and interested) regardless of how
// they'd rank on upload rate alone, so they get a real chance to
// reciprocate before being judged.
func (t *Torrent) runUnchokeCycle(now time.Time) {
	sel := t.cl.unchoker
	if sel == nil || !now.After(t.nextUnchokeAt) {
		return
	}
	t.nextUnchokeAt = now.Add(defaultUnchokeCyclePeriod)

	candidates := make([]unchokeCandidate, 0, len(t.conns))
	for p := range t.conns {
		if _, ok := p.TryAsPeerConn(); !ok {
			continue
		}
		candidates = append(candidates, unchokeCandidate{
			peer:                  p,
			interested:            p.peerInterested,
			disconnecting:         p.closed.IsSet(),
			uploadRate:            p.peerImpl.lastWriteUploadRate(),
			downloadFromThem:      p.downloadRate(),
			lastOptimisticUnchoke: p.lastOptimisticUnchoke,
		})
	}

	reselectOptimistic := now.Sub(t.lastOptimisticCycle) >= defaultOptimisticCyclePeriod
	savedOptimisticSlots := sel.numOptimisticSlots
	if !reselectOptimistic {
		sel.numOptimisticSlots = 0
	}
	unchoked, optimistic := sel.runCycle(candidates)
	sel.numOptimisticSlots = savedOptimisticSlots

	unchokedSet := make(map[*Peer]bool, len(unchoked))
	for _, p := range unchoked {
		unchokedSet[p] = true
	}
	if reselectOptimistic {
		t.lastOptimisticCycle = now
		t.currentOptimistic = make(map[*Peer]bool, len(optimistic))
		for _, p := range optimistic {
			p.lastOptimisticUnchoke = now
			t.currentOptimistic[p] = true
			unchokedSet[p] = true
		}
	} else {
		for p := range t.currentOptimistic {
			if _, ok := t.conns[p]; ok && p.peerInterested {
				unchokedSet[p] = true
			}
		}
	}

	for _, c := range candidates {
		choke := !unchokedSet[c.peer]
		if c.peer.choking == choke {
			continue
		}
		c.peer.choking = choke
		c.peer.legacyPeerImpl.writeChoke(choke)
	}
}

// slotsForCycle computes this cycle's slot count per the active
// algorithm, matching spec.md §4.9's per-algorithm descriptions.
func (u *unchokeSelector) slotsForCycle(candidates []unchokeCandidate) int {
	switch u.algorithm {
	case unchokeFixedSlots:
		return u.configuredSlots

	case unchokeAutoExpand:
		var totalUpload float64
		saturated := true
		for _, c := range candidates {
			totalUpload += c.uploadRate
		}
		limit := float64(u.configuredSlots) // baseline proxy for rate limit
		queueSize := len(candidates)
		if totalUpload < 0.9*limit && queueSize < 2 && saturated {
			u.currentSlots++
		} else {
			u.currentSlots--
			if u.currentSlots < u.configuredSlots {
				u.currentSlots = u.configuredSlots
			}
		}
		return u.currentSlots

	case unchokeRateBased:
		sorted := make([]unchokeCandidate, len(candidates))
		copy(sorted, candidates)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].downloadFromThem > sorted[j].downloadFromThem })
		count := 0
		for i, c := range sorted {
			threshold := 1024.0 + 1024.0*float64(i)
			if c.downloadFromThem > threshold {
				count++
			} else {
				break
			}
		}
		return count

	case unchokeBittyrant:
		// Greedily unchoke while our upload budget (proxied here by
		// configuredSlots-as-budget) isn't exhausted, ordered by
		// estimated reciprocation rate (best reciprocators first).
		return u.configuredSlots

	default:
		return u.configuredSlots
	}
}
