package torrent

// chainedBuffer is the zero-copy send queue described in spec.md §4.1 (C1),
// grounded directly on libtorrent's chained_buffer (original_source
// include/libtorrent/chained_buffer.hpp, src/chained_buffer.cpp). It holds
// an ordered, FIFO sequence of heterogeneously-owned byte regions: a
// region's backing storage may be a freshly allocated []byte, or a slice
// borrowed from a disk-cache block, or anything else — chainedBuffer only
// needs to know how to release it once every byte has been popped.
//
// A chainedBuffer is peer-local and has no internal synchronization: the
// message writer touches its buffers under peerConnMsgWriter.mu, and the
// front buffer it is draining is used by the writer goroutine alone.
type chainedBuffer struct {
	entries []bufferEntry

	// totalBytes is the sum of used_size across entries: the number of
	// readable, unconsumed bytes.
	totalBytes int
	// totalCapacity is the sum of capacity across entries, including the
	// unused suffix of the tail entry.
	totalCapacity int
}

// bufferEntry mirrors the C++ buffer_t: a borrowed []byte window plus an
// opaque release function standing in for the "aligned storage holding a
// Holder destructed via a function pointer" trick the original uses to
// erase the type of the backing allocation.
type bufferEntry struct {
	// buf is the full backing region; buf[startOffset:startOffset+usedSize]
	// is the readable window. capacity is len(buf) - startOffset, i.e. the
	// region's remaining useful length (shrinks on partial pop-front,
	// exactly as spec.md §3 describes).
	buf         []byte
	startOffset int
	usedSize    int
	capacity    int

	// release is called exactly once, when the entry's bytes have all been
	// popped or the buffer is cleared/dropped. Nil for plain heap slices
	// that need no cleanup (the common append_bytes/allocate_appendix case).
	release func()
}

// appendOwned pushes a new entry at the tail, taking ownership of region.
// used is the number of leading bytes in region that are considered
// readable "now"; the rest is spare capacity a later allocateAppendix can
// claim. release is invoked exactly once when the entry is fully
// consumed or the buffer is cleared; it may be nil.
func (b *chainedBuffer) appendOwned(region []byte, used int, release func()) {
	if used > len(region) {
		panic("used exceeds region capacity")
	}
	b.entries = append(b.entries, bufferEntry{
		buf:      region,
		usedSize: used,
		capacity: len(region),
		release:  release,
	})
	b.totalBytes += used
	b.totalCapacity += len(region)
}

// prependOwned pushes a new entry at the front, used for small protocol
// headers that must precede an already-queued payload (spec.md §4.1).
func (b *chainedBuffer) prependOwned(region []byte, used int, release func()) {
	if used > len(region) {
		panic("used exceeds region capacity")
	}
	entry := bufferEntry{
		buf:      region,
		usedSize: used,
		capacity: len(region),
		release:  release,
	}
	b.entries = append(b.entries, bufferEntry{})
	copy(b.entries[1:], b.entries[:len(b.entries)-1])
	b.entries[0] = entry
	b.totalBytes += used
	b.totalCapacity += len(region)
}

// spaceInLastEntry returns the number of free bytes at the end of the tail
// entry (0 if the buffer is empty).
func (b *chainedBuffer) spaceInLastEntry() int {
	if len(b.entries) == 0 {
		return 0
	}
	e := &b.entries[len(b.entries)-1]
	return e.capacity - e.usedSize
}

// appendBytes tries to copy src into the tail entry's free suffix. It never
// allocates a new entry; ok is false if there isn't enough room, in which
// case nothing was written.
func (b *chainedBuffer) appendBytes(src []byte) (ok bool) {
	return b.allocateAppendixInto(src)
}

// allocateAppendix reserves n bytes of contiguous space at the tail entry's
// suffix and returns a writable slice into it, or nil if there isn't enough
// room. The caller fills the returned slice directly; the bytes become
// readable immediately (mirrors libtorrent's allocate_appendix, which
// counts the reservation as used space up front).
func (b *chainedBuffer) allocateAppendix(n int) []byte {
	if len(b.entries) == 0 {
		return nil
	}
	e := &b.entries[len(b.entries)-1]
	insertAt := e.startOffset + e.usedSize
	if e.usedSize+n > e.capacity {
		return nil
	}
	e.usedSize += n
	b.totalBytes += n
	return e.buf[insertAt : insertAt+n]
}

func (b *chainedBuffer) allocateAppendixInto(src []byte) bool {
	dst := b.allocateAppendix(len(src))
	if dst == nil {
		return false
	}
	copy(dst, src)
	return true
}

// popFront advances the consumer cursor by n bytes, releasing any entry
// that becomes fully consumed. Panics if n exceeds totalBytes (the debug
// assertion the original makes; release builds of libtorrent instead
// silently misbehave, but a Go rewrite has no such escape hatch worth
// keeping).
func (b *chainedBuffer) popFront(n int) {
	if n > b.totalBytes {
		panic("pop_front exceeds buffered bytes")
	}
	for n > 0 && len(b.entries) > 0 {
		e := &b.entries[0]
		if e.usedSize > n {
			e.startOffset += n
			e.usedSize -= n
			e.capacity -= n
			b.totalBytes -= n
			b.totalCapacity -= n
			n = 0
			break
		}
		if e.release != nil {
			e.release()
		}
		b.totalBytes -= e.usedSize
		b.totalCapacity -= e.capacity
		n -= e.usedSize
		b.entries = b.entries[1:]
	}
}

// buildIOVec produces a scatter-gather view of up to limit readable bytes
// without copying. The returned slices alias chainedBuffer's internal
// storage and are only valid until the next mutating call.
func (b *chainedBuffer) buildIOVec(limit int) [][]byte {
	var vec [][]byte
	remaining := limit
	for i := range b.entries {
		if remaining <= 0 {
			break
		}
		e := &b.entries[i]
		window := e.buf[e.startOffset : e.startOffset+e.usedSize]
		if len(window) > remaining {
			vec = append(vec, window[:remaining])
			break
		}
		vec = append(vec, window)
		remaining -= len(window)
	}
	return vec
}

// clear drops all entries, running every release function exactly once.
func (b *chainedBuffer) clear() {
	for i := range b.entries {
		if b.entries[i].release != nil {
			b.entries[i].release()
		}
	}
	b.entries = nil
	b.totalBytes = 0
	b.totalCapacity = 0
}

func (b *chainedBuffer) empty() bool { return b.totalBytes == 0 }
func (b *chainedBuffer) size() int   { return b.totalBytes }
func (b *chainedBuffer) capacity() int {
	return b.totalCapacity
}
