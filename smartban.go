package torrent

import "crypto/sha1"

// smartBanCache implements the smart-ban heuristic: when a piece fails its
// hash check, we want to know which of the several peers that contributed
// blocks to it sent the bad data, without re-requesting the whole piece
// from a single peer to bisect the fault. We do this by remembering a
// short digest of every block each peer claimed to have sent for a given
// request. Suspects compares those digests against a verified-good copy
// of a block and returns the addresses whose digest disagrees. Nothing in
// Torrent.hashPiece calls Suspects or ForgetPiece: a failed hash check
// does not by itself ban anyone or clear the recorded digests.
//
// Grounded directly on spec.md §4.12's smart-ban description; the teacher
// has no equivalent (it doesn't implement this heuristic), so this is
// built fresh in the small plain-map style the rest of the core's
// bookkeeping types use.
type smartBanCache struct {
	// blockHash[req][addr] is the digest of the bytes addr sent us for req.
	blockHash map[RequestIndex]map[bannableAddr][20]byte
}

func newSmartBanCache() *smartBanCache {
	return &smartBanCache{blockHash: make(map[RequestIndex]map[bannableAddr][20]byte)}
}

// RecordBlock remembers the digest of blockData received from addr for
// req, so a later piece-hash failure can identify which peer lied.
func (c *smartBanCache) RecordBlock(addr bannableAddr, req RequestIndex, blockData []byte) {
	if c.blockHash == nil {
		c.blockHash = make(map[RequestIndex]map[bannableAddr][20]byte)
	}
	byAddr, ok := c.blockHash[req]
	if !ok {
		byAddr = make(map[bannableAddr][20]byte)
		c.blockHash[req] = byAddr
	}
	byAddr[addr] = sha1.Sum(blockData)
}

// ForgetPiece drops every recorded block digest for requests belonging to
// piece, once that piece has verified or been permanently abandoned.
func (c *smartBanCache) ForgetPiece(t *Torrent, piece pieceIndex) {
	lo := t.pieceRequestIndexOffset(piece)
	hi := t.pieceRequestIndexOffset(piece + 1)
	for req := range c.blockHash {
		if req >= lo && req < hi {
			delete(c.blockHash, req)
		}
	}
}

// Suspects returns the addresses that sent a different digest than good
// for req, i.e. the peers that must have sent bad data if good is the
// verified-correct content.
func (c *smartBanCache) Suspects(req RequestIndex, good []byte) []bannableAddr {
	byAddr, ok := c.blockHash[req]
	if !ok {
		return nil
	}
	goodHash := sha1.Sum(good)
	var suspects []bannableAddr
	for addr, h := range byAddr {
		if h != goodHash {
			suspects = append(suspects, addr)
		}
	}
	return suspects
}
