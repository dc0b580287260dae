package storage_test

import (
	"testing"

	"github.com/nimblepeer/torrent/storage"
	"github.com/nimblepeer/torrent/test"
)

func TestBoltLeecherStorage(t *testing.T) {
	test.TestLeecherStorage(t, test.LeecherStorageTestCase{"Boltdb", storage.NewBoltDB, 0})
}
