package torrent

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"

	pp "github.com/nimblepeer/torrent/peer_protocol"
)

// legacyPeerImpl is the set of behaviours a peer connection kind (a real
// TCP/uTP PeerConn, or a webseedPeer) must provide so the shared Peer
// struct (peer.go, C8) can drive it uniformly: issuing the wire
// request/cancel, reporting interest, and telling the generic state
// machine what it currently believes about the remote's piece set. This
// mirrors the teacher's split between Peer (protocol-agnostic state
// machine) and the concrete connection kind.
type legacyPeerImpl interface {
	onClose()
	_request(Request) bool
	_cancel(RequestIndex) bool
	writeInterested(bool) bool
	// writeChoke sends our choke (true) or unchoke (false) state to the
	// peer; the unchoke selector (C9) calls this whenever it flips
	// Peer.choking. A webseed connection never uploads so its
	// implementation is a no-op.
	writeChoke(choked bool) bool
	connectionFlags() string
	peerImplStatusLines() []string
	peerPieces() *roaring.Bitmap
	peerHasAllPieces() (all, known bool)
	handleUpdateRequests()
}

// newHotPeerImpl carries the one piece of per-connection-kind state that's
// genuinely hot-path (read on every Stats() call): the measured upload
// rate, which only a real socket connection tracks (webseeds never
// upload).
type newHotPeerImpl interface {
	lastWriteUploadRate() float64
}

// PeerConn is a real TCP/uTP wire connection implementing C6 (codec), C8
// (state machine, via the embedded Peer) and C11 (cork/write pipeline,
// via messageWriter below).
type PeerConn struct {
	Peer

	conn net.Conn
	r    *bufio.Reader
	w    io.Writer

	PeerExtensionIDs map[pp.ExtensionName]byte
	PeerListenPort   int
	PeerId           [20]byte

	recv recvBuffer

	messageWriter peerConnMsgWriter

	_peerPieces     roaring.Bitmap
	peerSentHaveAll bool

	// fastEnabled is true once both sides have negotiated the BEP 6 FAST
	// extension during the handshake; it gates whether a refused request
	// must get an explicit reject-request (FAST) or can simply be dropped
	// (pre-FAST clients interpret an un-acked request as eventually timing
	// out on their own).
	fastEnabled bool
}

var (
	_ legacyPeerImpl  = (*PeerConn)(nil)
	_ newHotPeerImpl  = (*PeerConn)(nil)
)

func newPeerConn(t *Torrent, conn net.Conn, outgoing bool) *PeerConn {
	pc := &PeerConn{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    conn,
		recv: *newRecvBuffer(int(pp.MaxAllowedLength)),
	}
	pc.Peer = Peer{
		t:          t,
		legacyPeerImpl: pc,
		peerImpl:   pc,
		callbacks:  &t.cl.config.Callbacks,
		outgoing:   outgoing,
		Network:    conn.RemoteAddr().Network(),
		RemoteAddr: connRemoteAddr{conn},
		choking:    true,
		peerChoking: true,
		logger:     log.Default,
	}
	pc.Peer.initRequestState()
	return pc
}

type connRemoteAddr struct{ net.Conn }

func (c connRemoteAddr) String() string { return c.Conn.RemoteAddr().String() }

func (pc *PeerConn) onClose() {
	pc.cancelAllRequests()
	if pc.t != nil {
		delete(pc.t.conns, &pc.Peer)
		pc.t.cl.registry.remove(&pc.Peer)
	}
	if pc.conn != nil {
		pc.conn.Close()
	}
}

func (pc *PeerConn) _request(r Request) bool {
	return pc.messageWriter.write(pp.MakeRequestMessage(r.Index, r.Begin, r.Length))
}

func (pc *PeerConn) _cancel(r RequestIndex) bool {
	req := pc.t.requestIndexToRequest(r)
	return pc.messageWriter.write(makeCancelMessage(req))
}

func (pc *PeerConn) writeInterested(interested bool) bool {
	typ := pp.NotInterested
	if interested {
		typ = pp.Interested
	}
	return pc.messageWriter.write(pp.Message{Type: typ})
}

func (pc *PeerConn) writeChoke(choked bool) bool {
	typ := pp.Unchoke
	if choked {
		typ = pp.Choke
	}
	return pc.messageWriter.write(pp.Message{Type: typ})
}

func (pc *PeerConn) connectionFlags() string {
	flags := "O"
	if !pc.outgoing {
		flags = "I"
	}
	if pc.headerEncrypted {
		flags += "E"
	}
	return flags
}

func (pc *PeerConn) peerImplStatusLines() []string {
	return []string{
		fmt.Sprintf("%v, %v extensions", pc.RemoteAddr, len(pc.PeerExtensionIDs)),
		fmt.Sprintf("%s/s up", humanize.Bytes(uint64(pc.lastWriteUploadRate()))),
	}
}

func (pc *PeerConn) peerPieces() *roaring.Bitmap { return &pc._peerPieces }

func (pc *PeerConn) peerHasAllPieces() (all, known bool) {
	if pc.peerSentHaveAll {
		return true, true
	}
	return false, pc.t != nil && pc.t.haveInfo()
}

func (pc *PeerConn) lastWriteUploadRate() float64 {
	pc.messageWriter.mu.Lock()
	defer pc.messageWriter.mu.Unlock()
	return pc.messageWriter.dataUploadRate
}

// useful reports whether this connection is doing anything worth keeping
// alive for: either side is interested in the other's data.
func (pc *PeerConn) useful() bool {
	return pc.peerInterested || pc.requestState.Interested
}

func (pc *PeerConn) handleUpdateRequests() {
	pc.maybeUpdateActualRequestState()
}

// validateIncomingRequest applies spec.md §4.8's "On request" checks
// before a peer's request is queued for upload: the block must fall
// within the piece's actual bounds, we must not currently be choking this
// peer, and our own per-connection upload queue must have room. Any
// failure here means the request is refused — with an explicit
// reject-request if the connection negotiated FAST, otherwise left for
// the peer's own request timeout to notice.
func (pc *PeerConn) validateIncomingRequest(r Request) error {
	if err := pc.t.checkValidReceiveChunk(r); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	if pc.choking {
		return fmt.Errorf("refusing request: choking this peer")
	}
	if len(pc.peerRequests) >= localClientReqq {
		return fmt.Errorf("refusing request: upload queue full")
	}
	return nil
}

// fillWriteBuffer is called by the message-writer goroutine (C11) whenever
// it has spare buffer capacity: it issues new block requests (if we need
// more) and serves any pending upload requests the remote has made of us.
func (pc *PeerConn) fillWriteBuffer() {
	pc.maybeUpdateActualRequestState()
	for req, prs := range pc.peerRequests {
		if pc.choking {
			break
		}
		if int(req.Index) < 0 || int(req.Index) >= len(pc.t.pieces) {
			delete(pc.peerRequests, req)
			continue
		}
		if prs.data == nil {
			data := make([]byte, req.Length)
			piece := &pc.t.pieces[req.Index]
			if piece.storage != nil {
				if _, err := piece.storage.ReadAt(data, int64(req.Begin)); err != nil {
					delete(pc.peerRequests, req)
					continue
				}
			}
			prs.data = data
		}
		ok := pc.messageWriter.write(pp.Message{
			Type:  pp.Piece,
			Index: req.Index,
			Begin: req.Begin,
			Piece: prs.data,
		})
		delete(pc.peerRequests, req)
		pc.lastChunkSent = time.Now()
		pc.allStats(add(1, func(cs *ConnStats) *Count { return &cs.ChunksWritten }))
		if !ok {
			break
		}
	}
}

// maybeUpdateActualRequestState issues new requests up to this peer's
// nominal request-queue size (spec.md §4.7), walking the torrent's piece
// request order (C7) and skipping pieces/chunks the peer doesn't have or
// we already hold. Shared between PeerConn and webseedPeer.
func (cn *Peer) maybeUpdateActualRequestState() {
	if cn.needRequestUpdate == "" {
		return
	}
	cn.needRequestUpdate = ""
	t := cn.t
	if t == nil || !t.haveInfo() {
		return
	}
	desired := cn.nominalMaxRequests()
	have := maxRequests(cn.requestState.Requests.GetCardinality())
	if have >= desired {
		return
	}
	pro := t.getPieceRequestOrder()
	if pro == nil {
		return
	}
	for item := range pro.Iter() {
		if have >= desired {
			break
		}
		pi := item.Key.Index
		if !cn.peerHasPiece(pi) {
			continue
		}
		lo := t.pieceRequestIndexOffset(pi)
		hi := t.pieceRequestIndexOffset(pi + 1)
		for r := lo; r < hi && have < desired; r++ {
			if cn.requestState.Requests.Contains(r) {
				continue
			}
			if t.haveChunk(t.requestIndexToRequest(r)) {
				continue
			}
			if cn.mustRequest(r) {
				have++
			}
		}
	}
	if have > 0 {
		cn.setInterested(true)
	}
}

// readLoop decodes incoming messages off the wire, using recvBuffer (C5)
// to frame the length-prefixed body, and dispatches each to handleMessage.
// Run as its own goroutine for the lifetime of the connection.
func (pc *PeerConn) readLoop() error {
	defer pc.close()
	readBuf := make([]byte, 1<<15)
	for {
		var lengthBytes [4]byte
		if _, err := io.ReadFull(pc.r, lengthBytes[:]); err != nil {
			return err
		}
		length := int(pp.Integer(lengthBytes[0])<<24 | pp.Integer(lengthBytes[1])<<16 | pp.Integer(lengthBytes[2])<<8 | pp.Integer(lengthBytes[3]))
		pc.locker().Lock()
		pc.lastMessageReceived = time.Now()
		pc.locker().Unlock()
		if length == 0 {
			continue // keepalive
		}
		if pp.Integer(length) > pp.MaxAllowedLength {
			return fmt.Errorf("message length %d exceeds maximum", length)
		}
		if err := pc.recv.reset(length); err != nil {
			return err
		}
		// Pull bytes off the wire in chunks, handing each to recvBuffer
		// (C5) to accumulate until the declared frame is complete; never
		// request more than the frame still needs, so no residual bytes
		// spill into the next frame.
		for pc.recv.bytesRemaining() > 0 {
			need := pc.recv.bytesRemaining()
			if need > len(readBuf) {
				need = len(readBuf)
			}
			n, err := io.ReadFull(pc.r, readBuf[:need])
			if n > 0 {
				pc.recv.write(readBuf[:n])
			}
			if err != nil {
				return err
			}
		}
		body := pc.recv.packet()
		msg, err := pp.UnmarshalMessageBody(pp.MessageType(body[0]), pp.Integer(length), body[1:])
		pc.recv.clearPacket()
		if err != nil {
			return err
		}
		pc.locker().Lock()
		err = pc.handleMessage(&msg)
		pc.locker().Unlock()
		if err != nil {
			return err
		}
	}
}

// handleMessage applies one decoded message's effect to the connection's
// C8 state machine. Called with the Client lock held.
func (pc *PeerConn) handleMessage(msg *pp.Message) error {
	switch msg.Type {
	case pp.Choke:
		pc.peerChoking = true
		pc.cancelAllRequests()
	case pp.Unchoke:
		pc.peerChoking = false
		pc.updateRequests("PeerConn.unchoke")
	case pp.Interested:
		pc.peerInterested = true
	case pp.NotInterested:
		pc.peerInterested = false
		for req := range pc.peerRequests {
			delete(pc.peerRequests, req)
		}
	case pp.Have:
		pc._peerPieces.Add(uint32(msg.Index))
		pc.t.incPieceAvailability(pieceIndex(msg.Index))
	case pp.Bitfield:
		for i, b := range msg.Bitfield {
			for bit := 0; bit < 8; bit++ {
				if b&(0x80>>uint(bit)) != 0 {
					pc._peerPieces.Add(uint32(i*8 + bit))
				}
			}
		}
	case pp.HaveAll:
		pc.peerSentHaveAll = true
	case pp.HaveNone:
		pc.peerSentHaveAll = false
		pc._peerPieces.Clear()
	case pp.Request:
		r := Request{Index: msg.Index, ChunkSpec: ChunkSpec{Begin: msg.Begin, Length: msg.Length}}
		if err := pc.validateIncomingRequest(r); err != nil {
			if pc.fastEnabled {
				pc.messageWriter.write(pp.MakeRejectMessage(r.Index, r.Begin, r.Length))
			}
			break
		}
		if pc.peerRequests == nil {
			pc.peerRequests = make(map[Request]*peerRequestState)
		}
		pc.peerRequests[r] = &peerRequestState{}
		pc.messageWriter.wake()
	case pp.Cancel:
		r := Request{Index: msg.Index, ChunkSpec: ChunkSpec{Begin: msg.Begin, Length: msg.Length}}
		delete(pc.peerRequests, r)
	case pp.Piece:
		return pc.receiveChunk(msg, time.Now())
	case pp.Reject:
		r := Request{Index: msg.Index, ChunkSpec: ChunkSpec{Begin: msg.Begin, Length: msg.Length}}
		pc.remoteRejectedRequest(pc.t.requestIndexFromRequest(r))
	case pp.Port:
		// DHT port advertisement; no DHT client is wired into this core.
	case pp.AllowedFast:
		pc.peerAllowedFast.Add(pieceIndex(msg.Index))
	case pp.Extended:
		// BEP 10 extension messages (ut_metadata, ut_pex, ...) are an
		// embedding application's concern; the core only needs to parse
		// the envelope, which peer_protocol already does.
	}
	return nil
}
