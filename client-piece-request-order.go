package torrent

import (
	"github.com/nimblepeer/torrent/storage"
)

type clientPieceRequestOrderKeyTypes interface {
	storage.TorrentCapacity | *Torrent
}

type clientPieceRequestOrderKey[T clientPieceRequestOrderKeyTypes] struct {
	inner T
}

func (me clientPieceRequestOrderKey[T]) isAClientPieceRequestOrderKeyType() {}

type clientPieceRequestOrderKeySumType interface {
	isAClientPieceRequestOrderKeyType()
}

// clientPieceRequestOrderRegularTorrentKey keys the request order by
// Torrent identity: the common case, where the torrent has its own
// private storage and thus its own independent piece ordering.
type clientPieceRequestOrderRegularTorrentKey = clientPieceRequestOrderKey[*Torrent]

// clientPieceRequestOrderSharedStorageTorrentKey keys the request order
// by the underlying storage capacity instead: torrents sharing a
// capacity-limited storage backend (e.g. a bounded cache shared across
// several torrents) must compete for request priority against each other
// within one combined order, not get independent ones.
type clientPieceRequestOrderSharedStorageTorrentKey = clientPieceRequestOrderKey[storage.TorrentCapacity]
