// Package segments maps a flat, concatenated torrent byte range onto the
// file(s) it spans, independent of how those files are laid out
// on-disk. Shared by storage and common.TorrentOffsetFileSegments.
package segments

// Length is a byte length of one segment (typically one file) in a
// concatenated layout.
type Length = int64

// LengthIter yields each segment's length in order.
type LengthIter func(yield func(Length) bool)

// Extent is a (start, length) byte range within the concatenated
// layout, or within a single file once resolved.
type Extent struct {
	Start  int64
	Length int64
}

// End returns the exclusive end offset of the extent.
func (e Extent) End() int64 { return e.Start + e.Length }

// Scan locates every segment (as produced by lengths) touched by the
// extent [off, off+n), in order, calling f with the segment's index and
// the portion of [off, off+n) that falls within it (expressed in
// segment-local coordinates). Iteration stops early if f returns false.
func Scan(lengths LengthIter, off, n int64, f func(i int, local Extent) bool) {
	var segStart int64
	i := 0
	want := Extent{Start: off, Length: n}
	lengths(func(segLen Length) bool {
		segEnd := segStart + segLen
		lo := max64(want.Start, segStart)
		hi := min64(want.End(), segEnd)
		if lo < hi {
			if !f(i, Extent{Start: lo - segStart, Length: hi - lo}) {
				return false
			}
		}
		segStart = segEnd
		i++
		return segStart < want.End()
	})
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
