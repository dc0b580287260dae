package torrent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimblepeer/torrent/internal/testutil"
	"github.com/nimblepeer/torrent/storage"
)

// Regression test: hashPiece must not panic when the torrent's storage has
// already been closed out from under it (e.g. the torrent was dropped while
// a hash check was still queued).
func TestHashPieceAfterStorageClosed(t *testing.T) {
	cl, err := NewClient(nil)
	require.NoError(t, err)

	cs := storage.NewFile(t.TempDir())
	defer cs.Close()
	sc := storage.NewClient(cs)

	mi := testutil.GreetingMetaInfo()
	info, err := mi.UnmarshalInfo()
	require.NoError(t, err)

	tt := newTorrent(cl, mi.HashInfoBytes())
	require.NoError(t, tt.SetInfo(&info, sc))
	require.NoError(t, tt.storage.Close())

	tt.hashPiece(0)
}
