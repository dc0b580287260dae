package torrent

import (
	"context"
	"net"

	"github.com/anacrolix/log"
	"github.com/anacrolix/utp"
)

// utpSocket is the subset of *utp.Socket this package drives: listening
// for incoming uTP streams and dialing outgoing ones on the same UDP
// socket, so one bound port serves both directions the way BEP 29
// expects.
type utpSocket interface {
	net.Listener
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewUtpSocket opens a uTP socket bound to addr, wrapping it so a
// firewall callback can veto an accepted connection's remote address
// before it ever reaches the peer-connection state machine (C8).
func NewUtpSocket(network, addr string, fc firewallCallback, logger log.Logger) (utpSocket, error) {
	s, err := utp.NewSocket(network, addr)
	if err != nil {
		return nil, err
	}
	return firewalledUtpSocket{s, fc}, nil
}

type firewalledUtpSocket struct {
	*utp.Socket
	fc firewallCallback
}

func (s firewalledUtpSocket) Accept() (net.Conn, error) {
	for {
		conn, err := s.Socket.Accept()
		if err != nil {
			return nil, err
		}
		if s.fc != nil && s.fc(conn.RemoteAddr()) {
			conn.Close()
			continue
		}
		return conn, nil
	}
}
