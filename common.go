package torrent

import (
	"fmt"
	"net"
	"time"

	"github.com/RoaringBitmap/roaring"
	pp "github.com/nimblepeer/torrent/peer_protocol"
	requestStrategy "github.com/nimblepeer/torrent/request-strategy"
)

// pieceIndex is a torrent-local piece number.
type pieceIndex = int

// RequestIndex is the flat, torrent-global block numbering used by C7's
// request/cancelled sets. Re-exported from request-strategy so the root
// package has a single name for it.
type RequestIndex = requestStrategy.RequestIndex

// ChunkSpec identifies a block within a piece by its offset and length.
type ChunkSpec struct {
	Begin, Length pp.Integer
}

// Request identifies a block globally within a torrent: the piece it
// belongs to plus the ChunkSpec within that piece.
type Request struct {
	Index pp.Integer
	ChunkSpec
}

func (r Request) String() string {
	return fmt.Sprintf("piece %d, begin %d, length %d", r.Index, r.Begin, r.Length)
}

// maxRequests is the type used for peer request-queue size accounting
// (spec.md §4.7's desired_queue_size / PeerMaxRequests).
type maxRequests = int

// PiecePriority orders pieces for the request strategy; higher values are
// fetched first. Matches the conventional libtorrent/rain priority bands
// adapted to this implementation's four-level scheme. Aliased from
// request-strategy so a PieceRequestOrderState built there compares equal
// to the priority a Torrent assigns here.
type PiecePriority = requestStrategy.PiecePriority

const (
	PiecePriorityNone   = requestStrategy.PiecePriorityNone
	PiecePriorityNormal = requestStrategy.PiecePriorityNormal
	PiecePriorityHigh   = requestStrategy.PiecePriorityHigh
	PiecePriorityNow    = requestStrategy.PiecePriorityNow
)

// IpPort is a (net.IP, port) pair, used for BEP 40 local-peer-discovery
// priority calculation. Its IP field is a slice, so IpPort is not
// comparable with == and cannot be a map key.
type IpPort struct {
	IP   net.IP
	Port uint16
}

func (ip IpPort) String() string {
	return net.JoinHostPort(ip.IP.String(), fmt.Sprint(ip.Port))
}

// peerPriority is the BEP 40 "canonical peer priority" value used to
// deterministically order symmetric connections.
type peerPriority uint32

// bep40Priority computes the BEP 40 priority for a (remote, local)
// address pair: XOR the first four bytes of the two addresses (the whole
// IPv4 address, or the leading 32 bits of an IPv6 one, with no prefix
// masking), then XOR in both ports, producing a value both ends of a
// connection compute identically regardless of who dialed whom.
func bep40Priority(remote, local IpPort) (peerPriority, error) {
	r := remote.IP.To4()
	l := local.IP.To4()
	if r == nil || l == nil {
		r = remote.IP.To16()
		l = local.IP.To16()
		if r == nil || l == nil {
			return 0, fmt.Errorf("invalid address pair")
		}
	}
	var acc uint32
	for i := 0; i < len(r) && i < len(l) && i < 4; i++ {
		acc = acc<<8 | uint32(r[i]^l[i])
	}
	acc ^= uint32(remote.Port) ^ uint32(local.Port)
	return peerPriority(acc), nil
}

func tryIpPortFromNetAddr(addr PeerRemoteAddr) (net.TCPAddr, bool) {
	if addr == nil {
		return net.TCPAddr{}, false
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.TCPAddr{}, false
	}
	ip := net.ParseIP(host)
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return net.TCPAddr{IP: ip, Port: port}, ip != nil
}

// bannableAddr identifies an address for smart-ban purposes, independent
// of port (a peer can reconnect from a new port but not a new address).
type bannableAddr = string

// ConnStats accumulates the monotonically increasing per-connection (and,
// aggregated, per-torrent and per-client) counters spec.md §4.12 (C12)
// describes: "Counters ... are monotonic u64s accumulated in-thread and
// read lock-free by status snapshots." Count (atomic-count.go) is exactly
// that: a lock-free monotonic accumulator.
type ConnStats struct {
	BytesRead                   Count
	BytesReadUsefulData         Count
	BytesReadUsefulIntendedData Count
	BytesWritten                Count

	ChunksRead        Count
	ChunksReadUseful  Count
	ChunksReadWasted  Count
	ChunksWritten     Count

	PiecesDirtiedGood Count
	PiecesDirtiedBad  Count
}

func (cs *ConnStats) Copy() ConnStats {
	return copyCountFields(cs)
}

func (cs *ConnStats) receivedChunk(size int64) {
	cs.ChunksRead.Add(1)
	cs.BytesRead.Add(size)
}

func add(n int64, f func(*ConnStats) *Count) func(*ConnStats) {
	return func(cs *ConnStats) { f(cs).Add(n) }
}

// PeerStats is the public, point-in-time snapshot returned by Peer.Stats.
type PeerStats struct {
	ConnStats
	DownloadRate        float64
	LastWriteUploadRate float64
	RemotePieceCount    pieceIndex
}

// Event payloads delivered to Callbacks subscribers (C12's "typed events
// ... posted to an external dispatch function", specialized here to
// Go-idiomatic function-slice callbacks rather than a generic bounded
// event queue, matching the teacher's existing Callbacks shape).
type (
	PeerRequestEvent struct {
		Peer    *Peer
		Request Request
	}
	PeerMessageEvent struct {
		Peer    *Peer
		Message *pp.Message
	}
	ReceivedUsefulDataEvent struct {
		Peer    *Peer
		Message *pp.Message
	}
)

// Callbacks lets an embedding application observe connection lifecycle
// and request events without modifying the core. The request and message
// slices are invoked synchronously while the Client lock is held, matching
// the single I/O-thread invariant of spec.md §5: those callbacks must not
// block or re-enter the client. PeerClosed is the exception: Peer.close
// defers it through lockWithDeferreds.Defer, so it runs just after the
// lock is released.
type Callbacks struct {
	PeerClosed        []func(*Peer)
	SentRequest        []func(PeerRequestEvent)
	DeletedRequest      []func(PeerRequestEvent)
	ReceivedRequested  []func(PeerMessageEvent)
	ReceivedUsefulData []func(ReceivedUsefulDataEvent)
}

// requestState tracks, at the Torrent level, which peer currently holds a
// given RequestIndex outstanding and since when — used to resolve
// cross-peer duplicate requests (endgame mode, spec.md §4.8) and for
// request-timeout accounting (spec.md §4.7's timeout_requests).
type requestState struct {
	peer *Peer
	when time.Time
}

const localClientReqq = 250

const debugMetricsEnabled = false

func maxInt(vs ...int) int {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minInt(vs ...int) int {
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// orderedBitmap is a RequestIndex set backed by a roaring bitmap, used as
// the concrete type behind requestStrategy.RequestBitmap.
type orderedBitmap[T ~uint32] struct {
	bm roaring.Bitmap
}

func (b *orderedBitmap[T]) IsEmpty() bool          { return b.bm.IsEmpty() }
func (b *orderedBitmap[T]) GetCardinality() uint64 { return b.bm.GetCardinality() }
func (b *orderedBitmap[T]) Contains(v T) bool      { return b.bm.Contains(uint32(v)) }
func (b *orderedBitmap[T]) Add(v T)                { b.bm.Add(uint32(v)) }
func (b *orderedBitmap[T]) CheckedAdd(v T) bool     { return b.bm.CheckedAdd(uint32(v)) }
func (b *orderedBitmap[T]) CheckedRemove(v T) bool  { return b.bm.CheckedRemove(uint32(v)) }
func (b *orderedBitmap[T]) Iterate(f func(T) bool) {
	it := b.bm.Iterator()
	for it.HasNext() {
		if !f(T(it.Next())) {
			return
		}
	}
}
func (b *orderedBitmap[T]) IterateSnapshot(f func(T) bool) {
	snapshot := b.bm.Clone()
	it := snapshot.Iterator()
	for it.HasNext() {
		if !f(T(it.Next())) {
			return
		}
	}
}

var _ requestStrategy.RequestBitmap = (*orderedBitmap[RequestIndex])(nil)
