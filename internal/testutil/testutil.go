// Package testutil provides small fixed test fixtures shared by storage
// and request-order tests, mirroring the teacher's internal/testutil
// package of the same purpose (a fixed "greeting" torrent used across
// many test files instead of each constructing its own).
package testutil

import (
	"crypto/sha1"
	"os"
	"path/filepath"

	"github.com/nimblepeer/torrent/metainfo"
)

// GreetingFileContents is the fixed payload of the synthetic test
// torrent: long enough to span several pieces at the piece length below.
var GreetingFileContents = []byte("hello, world!\n")

const GreetingPieceLength = 5

// GreetingTestTorrent writes the greeting contents to a temp directory
// and returns that directory alongside a MetaInfo describing it, ready to
// be opened through any storage.ClientImpl.
func GreetingTestTorrent() (dir string, mi *metainfo.MetaInfo) {
	dir, err := os.MkdirTemp("", "nimblepeer-test-")
	if err != nil {
		panic(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "greeting"), GreetingFileContents, 0o644); err != nil {
		panic(err)
	}
	mi = GreetingMetaInfo()
	return dir, mi
}

// GreetingMetaInfo builds the MetaInfo for GreetingFileContents without
// touching disk.
func GreetingMetaInfo() *metainfo.MetaInfo {
	info := metainfo.Info{
		PieceLength: GreetingPieceLength,
		Name:        "greeting",
		Length:      int64(len(GreetingFileContents)),
		Pieces:      greetingPieceHashes(),
	}
	return metainfo.NewFixtureMetaInfo(info)
}

func greetingPieceHashes() []byte {
	var out []byte
	for off := 0; off < len(GreetingFileContents); off += GreetingPieceLength {
		end := off + GreetingPieceLength
		if end > len(GreetingFileContents) {
			end = len(GreetingFileContents)
		}
		h := sha1.Sum(GreetingFileContents[off:end])
		out = append(out, h[:]...)
	}
	return out
}
