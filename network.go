package torrent

// network names a transport plus address family this package can bind a
// socket to, e.g. "tcp4" or "udp6". A single logical listen request (one
// port) typically needs one socket per address family, since a dual-stack
// wildcard bind behaves inconsistently across platforms for BitTorrent's
// purposes (we want to know which family a peer actually arrived on).
type network struct {
	Tcp, Udp   bool
	Ipv4, Ipv6 bool
}

func (n network) String() string {
	proto := "tcp"
	if n.Udp {
		proto = "udp"
	}
	switch {
	case n.Ipv4 && !n.Ipv6:
		return proto + "4"
	case n.Ipv6 && !n.Ipv4:
		return proto + "6"
	default:
		return proto
	}
}

var (
	tcp4Network = network{Tcp: true, Ipv4: true}
	tcp6Network = network{Tcp: true, Ipv6: true}
	udp4Network = network{Udp: true, Ipv4: true}
	udp6Network = network{Udp: true, Ipv6: true}
)

// allListenNetworks is the default set of sockets a Client opens per port:
// both IP versions, and TCP always (uTP rides the UDP socket instead).
func allListenNetworks() []network {
	return []network{tcp4Network, tcp6Network, udp4Network, udp6Network}
}
