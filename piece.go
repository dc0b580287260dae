package torrent

import (
	"crypto/sha1"

	"github.com/nimblepeer/torrent/metainfo"
	"github.com/nimblepeer/torrent/storage"
)

// Piece is one piece of a Torrent: its verification state, which of its
// chunks have been written (spec.md §4.7's per-piece chunk bitmap), and
// the storage handle chunk writes land in. storage.go and peer.go both
// reach into this directly (piece.Storage(), piece.dirtiers), matching
// the teacher's convention of a plain exported-field-light struct rather
// than an interface.
type Piece struct {
	t     *Torrent
	index pieceIndex
	info  metainfo.Piece

	storage storage.PieceImpl

	priority PiecePriority

	complete      bool
	hashing       bool
	queuedForHash bool

	// dirtyChunks[i] is true once chunk i has either been written to
	// storage or (unpendChunkIndex) is in flight and shouldn't be
	// requested again.
	dirtyChunks []bool

	pendingWrites int

	// dirtiers is the set of peers that have contributed a chunk to this
	// piece; when the piece fails its hash check, each of them is charged
	// one PiecesDirtiedBad. PiecesDirtiedGood is not incremented from it.
	dirtiers map[*Peer]struct{}
}

func newPiece(t *Torrent, index pieceIndex, info metainfo.Piece) Piece {
	return Piece{
		t:           t,
		index:       index,
		info:        info,
		dirtyChunks: make([]bool, numChunksForPieceLength(info.Length(), t.chunkSize)),
	}
}

func (p *Piece) length() int64 { return p.info.Length() }

func (p *Piece) Info() metainfo.Piece { return p.info }

func (p *Piece) Storage() storage.PieceImpl { return p.storage }

func (p *Piece) incrementPendingWrites() { p.pendingWrites++ }

func (p *Piece) decrementPendingWrites() {
	p.pendingWrites--
	if p.pendingWrites == 0 {
		p.t.cl.event.Broadcast()
	}
}

// waitNoPendingWrites blocks until every chunk write in flight for this
// piece has landed in storage, acquiring the Client lock itself since
// callers (e.g. an application reading the torrent as a file) generally
// don't already hold it.
func (p *Piece) waitNoPendingWrites() {
	p.t.cl.lock()
	for p.pendingWrites != 0 {
		p.t.cl.event.Wait(p.t.cl.locker())
	}
	p.t.cl.unlock()
}

func (p *Piece) unpendChunkIndex(ci int) {
	if ci >= 0 && ci < len(p.dirtyChunks) {
		p.dirtyChunks[ci] = true
	}
}

func (p *Piece) pendChunkIndex(ci int) {
	if ci >= 0 && ci < len(p.dirtyChunks) {
		p.dirtyChunks[ci] = false
	}
}

func (p *Piece) chunkPending(ci int) bool {
	if ci < 0 || ci >= len(p.dirtyChunks) {
		return false
	}
	return !p.dirtyChunks[ci]
}

func (p *Piece) allChunksDirty() bool {
	for _, d := range p.dirtyChunks {
		if !d {
			return false
		}
	}
	return true
}

func (p *Piece) resetDirty() {
	for i := range p.dirtyChunks {
		p.dirtyChunks[i] = false
	}
}

// hashPieceBytes reads the piece's full content from storage and compares
// its SHA-1 digest against expected. Run without the Client lock held
// (see Torrent.hashPiece).
func hashPieceBytes(p *Piece, expected [20]byte) bool {
	if p.storage == nil {
		return false
	}
	buf := make([]byte, p.length())
	n, err := p.storage.ReadAt(buf, 0)
	if err != nil && n < len(buf) {
		return false
	}
	return sha1.Sum(buf) == expected
}
