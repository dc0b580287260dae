package torrent

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/nimblepeer/torrent/metainfo"
	pp "github.com/nimblepeer/torrent/peer_protocol"
	requestStrategy "github.com/nimblepeer/torrent/request-strategy"
	"github.com/nimblepeer/torrent/storage"
)

// flagBool is a plain bool wrapped so it can be read through a `.Bool()`
// accessor at call sites that were written expecting an atomic-flag type;
// every access here happens with the Client lock held, so no atomicity is
// actually needed, and adding one would just be stdlib ceremony around a
// value that's already protected by the single-I/O-thread invariant.
type flagBool bool

func (f flagBool) Bool() bool { return bool(f) }

// Torrent is a single swarm: spec.md §4 centers C6 through C9 on the
// per-peer connection, but every one of those operations acts on shared,
// torrent-scoped state (which pieces exist, which are complete, who's
// requesting what) gathered here, mirroring how the teacher's Torrent
// aggregates the same concerns.
type Torrent struct {
	cl *Client

	infoHash [20]byte
	info     *metainfo.Info

	storage *storage.Torrent

	pieces    []Piece
	chunkSize pp.Integer
	// pieceRequestIndexOffsets[i] is the first RequestIndex belonging to
	// piece i; pieceRequestIndexOffsets[numPieces()] is one past the last
	// valid RequestIndex. Built once info is known.
	pieceRequestIndexOffsets []RequestIndex

	connStats ConnStats

	requestState map[RequestIndex]requestState

	_pendingPieces roaring.Bitmap

	dataDownloadDisallowed flagBool

	smartBanCache *smartBanCache

	closed chansync.SetOnce

	conns map[*Peer]struct{}

	pieceAvailability []int64

	pieceStateChangeSubs []func(pieceIndex)

	logger log.Logger

	// currentOptimistic is the set of peers the unchoke selector (C9) most
	// recently granted the optimistic slot(s) to; runUnchokeCycle keeps
	// them unchoked across the regular-cycle ticks between optimistic
	// reselections so they get defaultOptimisticCyclePeriod to reciprocate
	// before being judged on upload rate like everyone else.
	currentOptimistic map[*Peer]bool
	// lastOptimisticCycle is when currentOptimistic was last recomputed.
	lastOptimisticCycle time.Time
	// nextUnchokeAt gates how often runUnchokeCycle actually does work,
	// independent of how often Client.backgroundLoop's tick fires.
	nextUnchokeAt time.Time
}

func newTorrent(cl *Client, infoHash [20]byte) *Torrent {
	return &Torrent{
		cl:                cl,
		infoHash:          infoHash,
		requestState:      make(map[RequestIndex]requestState),
		smartBanCache:     newSmartBanCache(),
		conns:             make(map[*Peer]struct{}),
		currentOptimistic: make(map[*Peer]bool),
		logger:            log.Default,
	}
}

// SetInfo attaches the torrent's metainfo once known (either supplied up
// front or fetched via the ut_metadata extension), building the storage
// handle and the derived per-piece bookkeeping every other operation
// needs.
func (t *Torrent) SetInfo(info *metainfo.Info, st *storage.Client) error {
	t.info = info
	t.chunkSize = pp.DefaultBlockSize
	t.pieces = make([]Piece, info.NumPieces())
	t.pieceAvailability = make([]int64, info.NumPieces())
	t.pieceRequestIndexOffsets = make([]RequestIndex, info.NumPieces()+1)

	var offset RequestIndex
	for i := range t.pieces {
		piece := info.Piece(i)
		t.pieces[i] = newPiece(t, i, piece)
		t.pieceRequestIndexOffsets[i] = offset
		offset += RequestIndex(numChunksForPieceLength(piece.Length(), t.chunkSize))
	}
	t.pieceRequestIndexOffsets[len(t.pieces)] = offset

	if st != nil {
		sto, err := st.OpenTorrent(context.Background(), info, t.infoHash)
		if err != nil {
			return errors.Wrap(err, "opening torrent storage")
		}
		t.storage = sto
		for i := range t.pieces {
			t.pieces[i].storage = sto.Piece(info.Piece(i))
		}
	}
	t.initPieceRequestOrder()
	for i := range t.pieces {
		t.addRequestOrderPiece(i)
	}
	return nil
}

func numChunksForPieceLength(pieceLength int64, chunkSize pp.Integer) int {
	n := pieceLength / int64(chunkSize)
	if pieceLength%int64(chunkSize) != 0 {
		n++
	}
	return int(n)
}

func (t *Torrent) haveInfo() bool { return t.info != nil }

func (t *Torrent) numPieces() pieceIndex { return len(t.pieces) }

func (t *Torrent) pieceRequestIndexOffset(i pieceIndex) RequestIndex {
	return t.pieceRequestIndexOffsets[i]
}

func (t *Torrent) pieceIndexOfRequestIndex(r RequestIndex) pieceIndex {
	offsets := t.pieceRequestIndexOffsets
	// Largest i such that offsets[i] <= r.
	i := sort.Search(len(offsets), func(i int) bool { return offsets[i] > r }) - 1
	if i < 0 {
		i = 0
	}
	return i
}

func chunkIndexFromChunkSpec(cs ChunkSpec, chunkSize pp.Integer) int {
	return int(cs.Begin / chunkSize)
}

func (t *Torrent) requestIndexToRequest(r RequestIndex) Request {
	pi := t.pieceIndexOfRequestIndex(r)
	chunkIndex := int(r - t.pieceRequestIndexOffsets[pi])
	begin := pp.Integer(chunkIndex) * t.chunkSize
	length := t.chunkSize
	pieceLen := pp.Integer(t.pieces[pi].length())
	if begin+length > pieceLen {
		length = pieceLen - begin
	}
	return Request{Index: pp.Integer(pi), ChunkSpec: ChunkSpec{Begin: begin, Length: length}}
}

func (t *Torrent) requestIndexFromRequest(r Request) RequestIndex {
	return t.pieceRequestIndexOffsets[int(r.Index)] + RequestIndex(chunkIndexFromChunkSpec(r.ChunkSpec, t.chunkSize))
}

func newRequestFromMessage(msg *pp.Message) Request {
	return Request{
		Index:     msg.Index,
		ChunkSpec: ChunkSpec{Begin: msg.Begin, Length: pp.Integer(len(msg.Piece))},
	}
}

func (t *Torrent) checkValidReceiveChunk(r Request) error {
	if !t.haveInfo() {
		return fmt.Errorf("don't have torrent info yet")
	}
	if int(r.Index) < 0 || int(r.Index) >= t.numPieces() {
		return fmt.Errorf("piece index %v out of range", r.Index)
	}
	if chunkOverflowsPiece(r.ChunkSpec, pp.Integer(t.pieces[r.Index].length())) {
		return fmt.Errorf("chunk overflows piece bounds")
	}
	return nil
}

func (t *Torrent) peerIsActive(p *Peer) bool {
	_, ok := t.conns[p]
	return ok
}

func (t *Torrent) hashingPiece(pi pieceIndex) bool { return t.pieces[pi].hashing }

func (t *Torrent) pieceQueuedForHash(pi pieceIndex) bool { return t.pieces[pi].queuedForHash }

func (t *Torrent) haveChunk(r Request) bool {
	p := &t.pieces[r.Index]
	if p.complete {
		return true
	}
	ci := chunkIndexFromChunkSpec(r.ChunkSpec, t.chunkSize)
	return !p.chunkPending(ci)
}

func (t *Torrent) requestingPeer(r RequestIndex) *Peer {
	return t.requestState[r].peer
}

func (t *Torrent) writeChunk(index int, begin int64, data []byte) error {
	piece := &t.pieces[index]
	if piece.storage == nil {
		return fmt.Errorf("piece %d has no storage", index)
	}
	_, err := piece.storage.WriteAt(data, begin)
	return err
}

func (t *Torrent) pendRequest(r RequestIndex) {
	pi := t.pieceIndexOfRequestIndex(r)
	ci := int(r - t.pieceRequestIndexOffsets[pi])
	t.pieces[pi].pendChunkIndex(ci)
}

func (t *Torrent) onWriteChunkErr(err error) {
	t.logger.Printf("error writing chunk: %v", err)
}

func (t *Torrent) pieceAllDirty(pi pieceIndex) bool {
	return t.pieces[pi].allChunksDirty()
}

func (t *Torrent) queuePieceCheck(pi pieceIndex) {
	p := &t.pieces[pi]
	if p.queuedForHash || p.hashing {
		return
	}
	p.queuedForHash = true
	go t.hashPiece(pi)
}

// hashPiece verifies a piece's bytes against its expected hash, runs
// without the Client lock held (storage reads can block on disk I/O), and
// reacquires it only to record the result.
func (t *Torrent) hashPiece(pi pieceIndex) {
	p := &t.pieces[pi]
	expected := t.info.Piece(pi).Hash()
	ok := hashPieceBytes(p, expected)

	t.cl.lock()
	defer t.cl.unlock()
	p.queuedForHash = false
	p.hashing = false
	if ok {
		p.complete = true
		p.dirtyChunks = nil
		if err := p.storage.MarkComplete(); err != nil {
			t.logger.Printf("marking piece %d complete: %v", pi, err)
		}
		t.deletePieceFromRequestOrder(pi)
	} else {
		p.complete = false
		p.resetDirty()
		t.addRequestOrderPiece(pi)
		for peer := range p.dirtiers {
			peer._stats.PiecesDirtiedBad.Add(1)
		}
	}
	t.publishPieceStateChangeImmediate(pi)
	t.cl.event.Broadcast()
}

func (t *Torrent) deletePieceFromRequestOrder(pi pieceIndex) {
	pro := t.getPieceRequestOrder()
	if pro == nil {
		return
	}
	pro.Delete(t.pieceRequestOrderKey(pi))
	t._pendingPieces.Remove(uint32(pi))
}

func (t *Torrent) publishPieceStateChange(pi pieceIndex)          { t.publishPieceStateChangeImmediate(pi) }
func (t *Torrent) publishPieceStateChangeImmediate(pi pieceIndex) {
	for _, f := range t.pieceStateChangeSubs {
		f(pi)
	}
}

func (t *Torrent) decPeerPieceAvailability(p *Peer) {
	if !t.haveInfo() {
		return
	}
	p.peerPieces().Iterate(func(x uint32) bool {
		if int(x) < len(t.pieceAvailability) {
			t.pieceAvailability[x]--
		}
		return true
	})
}

func (t *Torrent) incPieceAvailability(pi pieceIndex) {
	if pi >= 0 && pi < len(t.pieceAvailability) {
		t.pieceAvailability[pi]++
	}
}

func (t *Torrent) iterPeers(f func(*Peer)) {
	for p := range t.conns {
		f(p)
	}
}

func (t *Torrent) seeding() bool { return t.haveAllPieces() }

func (t *Torrent) haveAllPieces() bool {
	if !t.haveInfo() {
		return false
	}
	for i := range t.pieces {
		if !t.pieces[i].complete {
			return false
		}
	}
	return true
}

func (t *Torrent) ignorePieceForRequests(pi pieceIndex) bool {
	if !t.haveInfo() {
		return true
	}
	p := &t.pieces[pi]
	return p.complete || p.priority == PiecePriorityNone
}

func (t *Torrent) hasStorageCap() bool {
	if t.storage == nil {
		return false
	}
	_, ok := t.storage.Capacity()
	return ok
}

func (t *Torrent) canonicalShortInfohash() *requestStrategy.InfoHashLite {
	return &t.infoHash
}

func (t *Torrent) pieceRequestOrderKey(pi int) requestStrategy.PieceRequestOrderKey {
	return requestStrategy.PieceRequestOrderKey{
		InfoHash: g.Some(requestStrategy.InfoHashLite(t.infoHash)),
		Index:    pi,
	}
}

func (t *Torrent) requestStrategyPieceOrderState(pi int) requestStrategy.PieceRequestOrderState {
	return requestStrategy.PieceRequestOrderState{
		Priority:     t.pieces[pi].priority,
		Availability: t.pieceAvailability[pi],
	}
}

func (t *Torrent) pieceForOffset(off int64) *Piece {
	if !t.haveInfo() {
		return nil
	}
	for i := range t.pieces {
		info := t.pieces[i].Info()
		if off >= info.Offset() && off < info.Offset()+info.Length() {
			return &t.pieces[i]
		}
	}
	return nil
}

func (t *Torrent) requestOffset(r Request) int64 {
	return t.info.Piece(int(r.Index)).Offset() + int64(r.Begin)
}

func (t *Torrent) setPiecePriority(pi pieceIndex, prio PiecePriority) {
	t.pieces[pi].priority = prio
	t.updatePieceRequestOrderPiece(pi)
}
