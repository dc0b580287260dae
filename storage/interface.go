// Package storage implements the on-disk piece storage backends a
// Torrent writes chunks into and reads them back from — the collaborator
// spec.md §1 calls "disk storage engine internals" and places out of the
// wire-protocol core's scope, but whose client-facing interface (how a
// Torrent opens, reads, and writes a piece) the core still has to define
// and drive.
package storage

import (
	"context"
	"io"

	"github.com/nimblepeer/torrent/metainfo"
)

// TorrentCapacity identifies a storage backend's shared capacity budget,
// used as the map key when several torrents share one bounded cache and
// must therefore share one piece-request order (see
// clientPieceRequestOrderSharedStorageTorrentKey at the module root). A
// backend without a shared capacity limit leaves this nil.
type TorrentCapacity = *int64

// PieceImpl is a single piece's storage: read/write its bytes and track
// whether it has been fully verified.
type PieceImpl interface {
	io.ReaderAt
	io.WriterAt
	// MarkComplete is called once the piece has hashed correctly.
	MarkComplete() error
	// MarkNotComplete is called if a previously-complete piece needs to
	// be marked dirty again (rare: storage corruption recovery).
	MarkNotComplete() error
	// Completion reports whether this piece's bytes are believed correct
	// without re-reading them (a persisted bit, not a rehash).
	Completion() Completion
}

// Completion is the persisted verification state of a piece.
type Completion struct {
	Complete bool
	// Ok reports whether Complete itself is trustworthy; some backends
	// can't persist completion status and always report Ok=false.
	Ok bool
}

// TorrentImpl is one torrent's open storage handle.
type TorrentImpl struct {
	Piece    func(p metainfo.Piece) PieceImpl
	Close    func() error
	Capacity TorrentCapacity
}

// ClientImpl is a storage backend: the thing NewFile/NewMMap/NewBoltDB
// return, and what Client wraps.
type ClientImpl interface {
	OpenTorrent(ctx context.Context, info *metainfo.Info, infoHash metainfo.Hash) (TorrentImpl, error)
	Close() error
}

// Client wraps a ClientImpl, returning the *Torrent handles the root
// package's storage glue (storage.go) drives. It keeps no bookkeeping of
// its own: each OpenTorrent call passes straight through to the
// ClientImpl.
type Client struct {
	impl ClientImpl
}

func NewClient(impl ClientImpl) *Client {
	return &Client{impl: impl}
}

func (c *Client) OpenTorrent(ctx context.Context, info *metainfo.Info, infoHash metainfo.Hash) (*Torrent, error) {
	ti, err := c.impl.OpenTorrent(ctx, info, infoHash)
	if err != nil {
		return nil, err
	}
	return &Torrent{impl: ti, info: info}, nil
}

func (c *Client) Close() error {
	return c.impl.Close()
}

// Torrent is one torrent's open storage handle, as seen by the root
// package's Piece type.
type Torrent struct {
	impl TorrentImpl
	info *metainfo.Info
}

func (t *Torrent) Piece(p metainfo.Piece) PieceImpl {
	return t.impl.Piece(p)
}

func (t *Torrent) Close() error {
	if t.impl.Close == nil {
		return nil
	}
	return t.impl.Close()
}

func (t *Torrent) Capacity() (TorrentCapacity, bool) {
	return t.impl.Capacity, t.impl.Capacity != nil
}
