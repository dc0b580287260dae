package torrent

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimblepeer/torrent/internal/testutil"
	"github.com/nimblepeer/torrent/storage"
)

func TestTorrentReadAtSpansPieces(t *testing.T) {
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

	for i := range tt.pieces {
		p := &tt.pieces[i]
		off := p.Info().Offset()
		want := testutil.GreetingFileContents[off : off+p.length()]
		_, err := p.storage.WriteAt(want, 0)
		require.NoError(t, err)
	}

	r := tt.NewReader()
	got := make([]byte, len(testutil.GreetingFileContents))
	n, err := r.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, len(testutil.GreetingFileContents), n)
	require.Equal(t, testutil.GreetingFileContents, got)

	_, err = r.ReadAt(make([]byte, 1), int64(len(testutil.GreetingFileContents)))
	require.ErrorIs(t, err, io.EOF)
}
