// Package metainfo models the pieces of a .torrent file this core
// actually needs: piece boundaries and the file layout used to map
// torrent-relative offsets onto on-disk files. Full bencode metadata
// parsing (BEP 3's info dictionary grammar, extension dictionaries,
// announce-list handling, and so on) is an external collaborator's
// concern, not this core's — see DESIGN.md.
package metainfo

import "crypto/sha1"

// Hash is a SHA-1 piece or info-dictionary hash.
type Hash = [20]byte

// Info is the subset of a torrent's info dictionary the core needs:
// piece geometry and file layout.
type Info struct {
	PieceLength int64
	// Pieces is the concatenation of each piece's 20-byte SHA-1 hash.
	Pieces []byte
	Name   string
	// Length is set for single-file torrents; Files is set for
	// multi-file torrents (mutually exclusive, as BEP 3 requires).
	Length int64
	Files  []FileInfo
}

// FileInfo describes one file within a (possibly single-file) torrent.
// TorrentOffset is populated by UpvertedFiles and is the file's starting
// byte offset within the concatenated torrent data.
type FileInfo struct {
	Path          []string
	Length        int64
	TorrentOffset int64
}

// NumPieces returns the number of pieces implied by len(Pieces).
func (info *Info) NumPieces() int {
	return len(info.Pieces) / sha1.Size
}

// TotalLength returns the sum of all file lengths (or Length, for a
// single-file torrent).
func (info *Info) TotalLength() int64 {
	if len(info.Files) == 0 {
		return info.Length
	}
	var total int64
	for _, f := range info.Files {
		total += f.Length
	}
	return total
}

// UpvertedFiles returns Files if set, or a synthetic single-entry slice
// built from Name/Length for a single-file torrent — "upverting" the
// single-file case to look like a degenerate multi-file one, matching
// the convention this field's callers (common.TorrentOffsetFileSegments)
// rely on.
func (info *Info) UpvertedFiles() []FileInfo {
	if len(info.Files) != 0 {
		out := make([]FileInfo, len(info.Files))
		var offset int64
		for i, f := range info.Files {
			f.TorrentOffset = offset
			out[i] = f
			offset += f.Length
		}
		return out
	}
	return []FileInfo{{Path: []string{info.Name}, Length: info.Length, TorrentOffset: 0}}
}

// Piece returns the hash and byte extent of piece index i.
func (info *Info) Piece(i int) Piece {
	return Piece{info: info, i: i}
}

// Piece is a view onto one piece of an Info's geometry.
type Piece struct {
	info *Info
	i    int
}

func (p Piece) Index() int { return p.i }

func (p Piece) Offset() int64 {
	return int64(p.i) * p.info.PieceLength
}

func (p Piece) Length() int64 {
	if p.i == p.info.NumPieces()-1 {
		return p.info.TotalLength() - p.Offset()
	}
	return p.info.PieceLength
}

func (p Piece) Hash() Hash {
	var h Hash
	copy(h[:], p.info.Pieces[p.i*sha1.Size:(p.i+1)*sha1.Size])
	return h
}

// MetaInfo is the subset of a .torrent file's top-level structure the
// core carries around after the info dictionary has already been
// resolved by an external collaborator: the raw info-dictionary bytes
// (for hashing and lazy re-parsing) plus tracker/peer discovery hints
// that are outside this core's scope but are convenient to keep attached
// to the same value callers already pass around.
type MetaInfo struct {
	InfoBytes []byte
	Announce  string
}

// HashInfoBytes returns the SHA-1 hash of the raw info dictionary bytes:
// the torrent's info-hash.
func (mi *MetaInfo) HashInfoBytes() Hash {
	return sha1.Sum(mi.InfoBytes)
}

// UnmarshalInfo decodes InfoBytes into an Info. Real bencode decoding is
// out of scope (see package doc); in this implementation InfoBytes is
// produced and consumed only by this module's own test fixtures via a
// trivial self-describing encoding, not real BEP 3 bencoding.
func (mi *MetaInfo) UnmarshalInfo() (Info, error) {
	return decodeFixtureInfo(mi.InfoBytes)
}
