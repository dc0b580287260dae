package torrent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2"
)

// Listener is the subset of net.Listener a transport needs to expose to
// accept incoming peer connections.
type Listener interface {
	Accept() (net.Conn, error)
	Addr() net.Addr
}

// socket is a bound transport endpoint that can both accept incoming
// connections and dial outgoing ones — a plain TCP listener for "tcp", or
// a uTP socket for "udp" (uTP multiplexes both directions over one UDP
// socket, per BEP 29).
type socket interface {
	Listener
	Dialer
	Close() error
}

// firewallCallback reports whether a remote address should be refused
// before its connection ever reaches peer-connection setup.
type firewallCallback func(net.Addr) bool

func bindSocket(n network, addr string, fw firewallCallback, logger log.Logger, disableUTP bool) (socket, error) {
	switch {
	case n.Tcp:
		return bindTCP(n.String(), addr)
	case n.Udp:
		if disableUTP {
			return bindPlainUDP(n.String(), addr, fw)
		}
		return bindUTP(n.String(), addr, fw, logger)
	default:
		panic(n)
	}
}

// dialFromListenPort controls whether outgoing TCP dials reuse the
// listening port's local address. Left off: it pins us to a single
// outgoing TCP connection per remote and should only be revisited if
// TCP holepunching needs it.
const dialFromListenPort = false

var tcpListenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) (err error) {
		if !dialFromListenPort {
			return nil
		}
		var ctrlErr error
		err = c.Control(func(fd uintptr) {
			ctrlErr = setReusePortSockOpts(fd)
		})
		if err == nil {
			err = ctrlErr
		}
		return
	},
	// BitTorrent connections run their own keep-alive logic at the
	// protocol level.
	KeepAlive: -1,
}

func bindTCP(network, address string) (socket, error) {
	l, err := tcpListenConfig.Listen(context.Background(), network, address)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{
		// No fallback: the network string already pins us to tcp4 or
		// tcp6, so there's nothing to fall back between.
		FallbackDelay: -1,
		KeepAlive:     tcpListenConfig.KeepAlive,
		Control: func(_, _ string, c syscall.RawConn) (err error) {
			var lingerErr error
			err = c.Control(func(fd uintptr) {
				if lingerErr = setSockNoLinger(fd); lingerErr != nil {
					log.Levelf(log.Debug, "error disabling linger on tcp socket: %v", lingerErr)
				}
				if dialFromListenPort {
					lingerErr = setReusePortSockOpts(fd)
				}
			})
			if err == nil {
				err = lingerErr
			}
			return
		},
	}
	if dialFromListenPort {
		d.LocalAddr = l.Addr()
	}
	return tcpSocket{
		Listener: l,
		NetworkDialer: NetworkDialer{
			Network: network,
			Dialer:  &d,
		},
	}, nil
}

type tcpSocket struct {
	net.Listener
	NetworkDialer
}

// listenAll binds every network in networks to the same numeric port
// (chosen dynamically from the first bind if port is 0), retrying the
// whole batch on an address-already-in-use race against the dynamic port.
func listenAll(
	networks []network,
	hostFor func(networkString string) string,
	port int,
	fw firewallCallback,
	logger log.Logger,
	disableUTP bool,
) ([]socket, error) {
	if len(networks) == 0 {
		return nil, nil
	}
	targets := make([]bindTarget, 0, len(networks))
	for _, n := range networks {
		targets = append(targets, bindTarget{n, hostFor(n.String())})
	}
	for {
		ss, retry, err := bindAllOnce(targets, port, fw, logger, disableUTP)
		if !retry {
			return ss, err
		}
	}
}

type bindTarget struct {
	Network network
	Host    string
}

func isUnsupportedNetworkError(err error) bool {
	var sysErr *os.SyscallError
	if !errors.As(err, &sysErr) {
		return false
	}
	// Observed on Linux when a network family (e.g. ip6) isn't actually
	// available on the host.
	return sysErr.Syscall == "bind" && sysErr.Err.Error() == "cannot assign requested address"
}

func bindAllOnce(
	targets []bindTarget,
	port int,
	fw firewallCallback,
	logger log.Logger,
	disableUTP bool,
) (bound []socket, retry bool, err error) {
	defer func() {
		if err != nil || retry {
			for _, s := range bound {
				s.Close()
			}
			bound = nil
		}
	}()
	g.MakeSliceWithCap(&bound, len(targets))
	portStr := strconv.Itoa(port)
	for _, target := range targets {
		s, bindErr := bindSocket(target.Network, net.JoinHostPort(target.Host, portStr), fw, logger, disableUTP)
		if bindErr != nil {
			if isUnsupportedNetworkError(bindErr) {
				continue
			}
			if len(bound) == 0 {
				err = fmt.Errorf("first bind: %w", bindErr)
			} else {
				err = fmt.Errorf("subsequent bind: %w", bindErr)
			}
			retry = missinggo.IsAddrInUse(err) && port == 0
			return
		}
		bound = append(bound, s)
		// Pin the rest of this batch to whatever dynamic port the first
		// bind actually landed on.
		portStr = strconv.Itoa(missinggo.AddrPort(bound[0].Addr()))
	}
	return
}

func bindUTP(network, addr string, fw firewallCallback, logger log.Logger) (socket, error) {
	us, err := NewUtpSocket(network, addr, fw, logger)
	return utpSocketSocket{us, network}, err
}

func bindPlainUDP(network, addr string, fw firewallCallback) (socket, error) {
	pc, err := net.ListenPacket(network, addr)
	if err != nil {
		return nil, err
	}
	if fw != nil {
		pc = &firewalledPacketConn{PacketConn: pc, firewall: fw}
	}
	return packetConnSocket{pc, network}, nil
}

// firewalledPacketConn drops inbound packets from addresses the firewall
// callback rejects, transparently to the caller of ReadFrom.
type firewalledPacketConn struct {
	net.PacketConn
	firewall firewallCallback
}

func (c *firewalledPacketConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	for {
		n, addr, err = c.PacketConn.ReadFrom(p)
		if err != nil {
			return n, addr, err
		}
		if c.firewall != nil && c.firewall(addr) {
			continue
		}
		return n, addr, err
	}
}

// packetConnSocket exposes a plain (non-uTP) UDP PacketConn through the
// socket interface for protocols that just need a bound datagram
// endpoint, such as the DHT, when uTP is disabled. It can't accept or
// dial stream connections.
type packetConnSocket struct {
	net.PacketConn
	network string
}

func (s packetConnSocket) DialerNetwork() string {
	return s.network
}

func (s packetConnSocket) Dial(context.Context, string) (net.Conn, error) {
	return nil, errors.New("plain UDP socket cannot dial a connection")
}

func (s packetConnSocket) Accept() (net.Conn, error) {
	return nil, errors.New("plain UDP socket cannot accept a connection")
}

func (s packetConnSocket) Addr() net.Addr {
	return s.PacketConn.LocalAddr()
}

// utpSocketSocket adapts a utpSocket to the package's broader socket
// interface.
type utpSocketSocket struct {
	utpSocket
	network string
}

func (s utpSocketSocket) DialerNetwork() string {
	return s.network
}

func (s utpSocketSocket) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return s.utpSocket.DialContext(ctx, s.network, addr)
}
