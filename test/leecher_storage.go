// Package test holds storage-backend conformance tests shared across the
// storage package's backend-specific test files, matching the teacher's
// convention of a small top-level test package rather than duplicating
// the same read/write/complete exercise per backend.
package test

import (
	"context"
	"os"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/nimblepeer/torrent/internal/testutil"
	"github.com/nimblepeer/torrent/storage"
)

// LeecherStorageTestCase names one backend constructor under test.
// Capacity is reserved for backends with a bounded shared cache; 0 means
// unbounded.
type LeecherStorageTestCase struct {
	Name       string
	NewStorage func(dir string) storage.ClientImpl
	Capacity   int64
}

// TestLeecherStorage exercises the basic write-then-read contract every
// storage.ClientImpl must satisfy: open a torrent, write a piece's
// bytes, read them back identical, then mark it complete.
func TestLeecherStorage(t *testing.T, tc LeecherStorageTestCase) {
	c := qt.New(t)
	dataDir, mi := testutil.GreetingTestTorrent()
	defer os.RemoveAll(dataDir)

	storageDir, err := os.MkdirTemp("", "nimblepeer-storage-")
	c.Assert(err, qt.IsNil)
	defer os.RemoveAll(storageDir)

	impl := tc.NewStorage(storageDir)
	defer func() { c.Check(impl.Close(), qt.IsNil) }()

	info, err := mi.UnmarshalInfo()
	c.Assert(err, qt.IsNil)
	ih := mi.HashInfoBytes()

	ts, err := impl.OpenTorrent(context.Background(), &info, ih)
	c.Assert(err, qt.IsNil)
	defer func() { c.Check(ts.Close(), qt.IsNil) }()

	for i := 0; i < info.NumPieces(); i++ {
		piece := info.Piece(i)
		pi := ts.Piece(piece)

		want := testutil.GreetingFileContents[piece.Offset() : piece.Offset()+piece.Length()]
		n, err := pi.WriteAt(want, 0)
		c.Assert(err, qt.IsNil)
		c.Assert(n, qt.Equals, len(want))

		got := make([]byte, len(want))
		n, err = pi.ReadAt(got, 0)
		c.Assert(err, qt.IsNil)
		c.Assert(n, qt.Equals, len(want))
		c.Assert(got, qt.DeepEquals, want)

		c.Assert(pi.MarkComplete(), qt.IsNil)
		c.Assert(pi.Completion().Complete, qt.IsTrue)
	}
}
