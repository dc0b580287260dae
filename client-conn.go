package torrent

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/log"

	pp "github.com/nimblepeer/torrent/peer_protocol"
)

const defaultHandshakeTimeout = 20 * time.Second

// peerIDPrefix identifies this implementation in the Azureus-style peer ID
// convention every BitTorrent client follows: a fixed client/version tag
// followed by random bytes unique to the running process.
const peerIDPrefix = "-NP0001-"

func generatePeerID() (id [20]byte) {
	copy(id[:], peerIDPrefix)
	rand.Read(id[len(peerIDPrefix):])
	return
}

// Listen opens a socket on addr for every network in networks (see
// network.go) and starts accepting incoming connections on each,
// dispatching them to whichever Torrent matches the handshake's infohash.
func (cl *Client) Listen(networks []network, addr string, disableUTP bool) ([]socket, error) {
	cl.lock()
	logger := cl.logger
	cl.unlock()
	ss, err := listenAll(networks, func(string) string { return addr }, 0, cl.firewallCallbackFn, logger, disableUTP)
	if err != nil {
		return nil, err
	}
	for _, s := range ss {
		go cl.acceptLoop(s)
	}
	return ss, nil
}

func (cl *Client) acceptLoop(s socket) {
	for {
		conn, err := s.Accept()
		if err != nil {
			return
		}
		go cl.runIncomingConn(conn)
	}
}

func (cl *Client) firewallCallbackFn(addr net.Addr) bool {
	cl.lock()
	defer cl.unlock()
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	return cl.registry.isBanned(net.ParseIP(host))
}

func (cl *Client) runIncomingConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			cl.logger.Printf("panic handling incoming connection: %v", r)
			conn.Close()
		}
	}()
	conn.SetDeadline(time.Now().Add(cl.config.HandshakeTimeout))
	theirs, err := pp.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return
	}
	cl.lock()
	t, ok := cl.torrentByShortHash(theirs.InfoHash)
	if !ok {
		cl.unlock()
		conn.Close()
		return
	}
	cl.unlock()
	cl.completeHandshakeAndAdd(t, conn, theirs, false)
}

// DialAndAddPeer dials addr, performs the handshake for this torrent, and
// on success registers the resulting PeerConn exactly as an incoming
// connection would be.
func (t *Torrent) DialAndAddPeer(ctx context.Context, addr string) error {
	d := t.cl.config.Dialer
	if d == nil {
		d = DefaultNetDialer
	}
	conn, err := d.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dialing %v: %w", addr, err)
	}
	conn.SetDeadline(time.Now().Add(t.cl.config.HandshakeTimeout))
	return t.cl.completeHandshakeAndAdd(t, conn, pp.HandshakeMessage{}, true)
}

// completeHandshakeAndAdd finishes the handshake exchange and registers the
// resulting PeerConn. For an outgoing connection, theirs is the zero value
// and is read from conn here. For an incoming connection, the caller (which
// had to read the remote's handshake already, to route by infohash to the
// right Torrent) passes the already-read handshake in theirs so the wire is
// never read twice.
func (cl *Client) completeHandshakeAndAdd(t *Torrent, conn net.Conn, theirs pp.HandshakeMessage, outgoing bool) error {
	infoHash := t.infoHash
	ours := pp.HandshakeMessage{InfoHash: infoHash, PeerId: cl.peerID}
	ours.SetExtended(true)
	ours.SetFast(!cl.config.DisableFast)

	var err error
	if outgoing {
		err = ours.WriteTo(conn)
		if err == nil {
			theirs, err = pp.ReadHandshake(conn)
		}
	} else {
		err = ours.WriteTo(conn)
	}
	if err != nil {
		conn.Close()
		return err
	}
	if theirs.InfoHash != infoHash {
		conn.Close()
		return errors.New("infohash mismatch")
	}
	conn.SetDeadline(time.Time{})

	pc := newPeerConn(t, conn, outgoing)
	pc.PeerId = theirs.PeerId
	pc.fastEnabled = !cl.config.DisableFast && theirs.FastActive()

	cl.lock()
	defer cl.unlock()
	if !cl.registry.admitHalfOpen(&pc.Peer) {
		cl.unlock()
		conn.Close()
		cl.lock()
		return errors.New("connection rejected: registry full or banned")
	}
	if evicted := cl.registry.promote(&pc.Peer); evicted != nil {
		evicted.close()
	}
	t.conns[&pc.Peer] = struct{}{}
	if t.haveInfo() {
		pc.postHandshakeStats(func(*ConnStats) {})
	}
	pc.startMessageWriter()
	go func() {
		if err := pc.readLoop(); err != nil {
			log.Levelf(log.Debug, "peer connection %v closed: %v", pc.RemoteAddr, err)
		}
	}()
	return nil
}
