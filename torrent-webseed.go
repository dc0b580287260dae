package torrent

import (
	"github.com/nimblepeer/torrent/webseed"
)

// numWebseedRequesters is the number of concurrent in-flight range requests
// a single webseed.Client is allowed, mirroring the handful of concurrent
// connections a real HTTP/1.1 client keeps open to one origin.
const numWebseedRequesters = 3

// AddWebSeed registers a BEP 19 HTTP seed for this torrent: a URL serving
// the torrent's content directly via range requests, treated by the rest
// of the core exactly like any other peer connection (C8) via the
// webseedPeer adapter.
func (t *Torrent) AddWebSeed(url string) *webseedPeer {
	ws := &webseedPeer{
		client: webseed.Client{Url: url},
		activeRequests: make(map[Request]webseed.Request),
		requesterWakeup: make(chan struct{}, 1),
		requesterClosed: make(chan struct{}),
	}
	ws.peer = Peer{
		t:              t,
		legacyPeerImpl: ws,
		peerImpl:       ws,
		callbacks:      &t.cl.config.Callbacks,
		Network:        "webseed",
		RemoteAddr:     webseedRemoteAddr(url),
		Discovery:      PeerSourceDirect,
		trusted:        true,
		logger:         t.logger,
	}
	ws.peer.initRequestState()
	if t.haveInfo() {
		ws.onGotInfo(t.info)
	}
	t.conns[&ws.peer] = struct{}{}
	for i := 0; i < numWebseedRequesters; i++ {
		go ws.requester(i)
	}
	return ws
}

type webseedRemoteAddr string

func (a webseedRemoteAddr) String() string { return string(a) }
