package torrent

import "io"

// NewReader returns an io.ReaderAt spanning the whole torrent, transparently
// crossing piece boundaries. It's the read-side counterpart to
// writeChunk: an embedding application with a complete (or partially
// complete) torrent can use it to serve bytes back out — streaming
// playback, HTTP range requests, etc. — without doing its own
// piece/chunk bookkeeping. Reads into a region that isn't yet complete
// block until any in-flight chunk writes for the pieces involved land.
func (t *Torrent) NewReader() storageReader {
	return t.storageReader()
}

func (t *Torrent) storageReader() storageReader {
	return storagePieceReader{t: t}
}

type storageReader interface {
	io.ReaderAt
	io.Closer
}

type storagePieceReader struct {
	t *Torrent
}

func (storagePieceReader) Close() error { return nil }

func (me storagePieceReader) ReadAt(b []byte, off int64) (n int, err error) {
	for len(b) > 0 {
		piece := me.t.pieceForOffset(off)
		if piece == nil {
			err = io.EOF
			return
		}
		piece.waitNoPendingWrites()
		info := piece.Info()
		pieceOffset := off - info.Offset()
		pieceLen := info.Length()
		if pieceOffset >= pieceLen {
			err = io.EOF
			return
		}
		max := pieceLen - pieceOffset
		if int64(len(b)) < max {
			max = int64(len(b))
		}
		storagePiece := piece.Storage()
		n1, err1 := storagePiece.ReadAt(b[:max], pieceOffset)
		n += n1
		off += int64(n1)
		b = b[n1:]
		if err1 != nil {
			if err1 == io.EOF && len(b) > 0 {
				err = io.ErrUnexpectedEOF
			} else {
				err = err1
			}
			return
		}
		if int64(n1) < max {
			err = io.ErrUnexpectedEOF
			return
		}
	}
	return
}
