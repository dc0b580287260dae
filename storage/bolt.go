package storage

import (
	"context"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/nimblepeer/torrent/metainfo"
)

// boltClientImpl stores every piece as a key in a single bbolt database,
// keyed by (infohash bucket, piece index) — go.etcd.io/bbolt is a direct
// dependency in the teacher's stack but otherwise unused by the core, so
// this gives it a concrete home: a durable, crash-safe alternative
// backend alongside the flat-file and mmap ones.
type boltClientImpl struct {
	db *bolt.DB
}

func NewBoltDB(dir string) ClientImpl {
	db, err := bolt.Open(filepath.Join(dir, "storage.db"), 0o644, nil)
	if err != nil {
		panic(err)
	}
	return &boltClientImpl{db: db}
}

func (c *boltClientImpl) OpenTorrent(ctx context.Context, info *metainfo.Info, infoHash metainfo.Hash) (TorrentImpl, error) {
	bucketName := []byte(hexHash(infoHash))
	err := c.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return TorrentImpl{}, err
	}
	bt := &boltTorrent{db: c.db, bucket: bucketName}
	return TorrentImpl{
		Piece: func(p metainfo.Piece) PieceImpl {
			return &boltPiece{bt: bt, index: p.Index(), length: p.Length()}
		},
		Close: func() error { return nil },
	}, nil
}

func (c *boltClientImpl) Close() error {
	return c.db.Close()
}

type boltTorrent struct {
	db     *bolt.DB
	bucket []byte
}

type boltPiece struct {
	bt       *boltTorrent
	index    int
	length   int64
	complete bool
}

func (p *boltPiece) key() []byte {
	k := make([]byte, 4)
	i := uint32(p.index)
	k[0], k[1], k[2], k[3] = byte(i>>24), byte(i>>16), byte(i>>8), byte(i)
	return k
}

func (p *boltPiece) ReadAt(b []byte, off int64) (n int, err error) {
	err = p.bt.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(p.bt.bucket).Get(p.key())
		if int64(len(data)) < off {
			return nil
		}
		n = copy(b, data[off:])
		return nil
	})
	return
}

func (p *boltPiece) WriteAt(b []byte, off int64) (n int, err error) {
	err = p.bt.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(p.bt.bucket)
		existing := bucket.Get(p.key())
		buf := make([]byte, p.length)
		copy(buf, existing)
		n = copy(buf[off:], b)
		return bucket.Put(p.key(), buf)
	})
	return
}

func (p *boltPiece) MarkComplete() error    { p.complete = true; return nil }
func (p *boltPiece) MarkNotComplete() error { p.complete = false; return nil }
func (p *boltPiece) Completion() Completion {
	return Completion{Complete: p.complete, Ok: true}
}
