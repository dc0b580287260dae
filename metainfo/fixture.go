package metainfo

import "bytes"
import "encoding/gob"

// decodeFixtureInfo/encodeFixtureInfo are the self-contained
// (MetaInfo.InfoBytes) <-> Info codec used by this module's own test
// fixtures (internal/testutil). They deliberately don't implement real
// BEP 3 bencoding: metadata parsing is out of this core's scope (see
// metainfo.go's package doc), and nothing outside this module's own
// tests ever needs to read InfoBytes produced here.
func encodeFixtureInfo(info Info) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(info); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func decodeFixtureInfo(b []byte) (Info, error) {
	var info Info
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&info)
	return info, err
}

// NewFixtureMetaInfo builds a MetaInfo whose InfoBytes round-trips info
// through UnmarshalInfo, for use by test fixtures.
func NewFixtureMetaInfo(info Info) *MetaInfo {
	return &MetaInfo{InfoBytes: encodeFixtureInfo(info)}
}
