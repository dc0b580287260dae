// Package dialer abstracts the one capability a socket needs to offer
// outgoing connections: dial a remote address on whatever network that
// socket is bound to. A plain TCP listener dials plain TCP; a uTP socket
// dials uTP over the same UDP port it listens on.
package dialer

import (
	"context"
	"net"
)

// T is what the outgoing-connection path needs from a socket: enough to
// dial an address and report which network it dials on.
type T interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
	DialerNetwork() string
}

// dialContexter is satisfied by *net.Dialer and by go-libutp/anacrolix/utp
// sockets, which all expose the same DialContext shape.
type dialContexter interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// WithNetwork pairs a dialer with the fixed network name it should dial
// with and report, adapting it to T.
type WithNetwork struct {
	Network string
	Dialer  dialContexter
}

func (me WithNetwork) DialerNetwork() string { return me.Network }

func (me WithNetwork) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return me.Dialer.DialContext(ctx, me.Network, addr)
}

// Default dials plain TCP using a zero-value net.Dialer.
var Default = WithNetwork{Network: "tcp", Dialer: &net.Dialer{}}
