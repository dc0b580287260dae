package torrent

import (
	"net"
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"

	"github.com/nimblepeer/torrent/dialer"
	requestStrategy "github.com/nimblepeer/torrent/request-strategy"
)

// Client is the session singleton spec.md §3 describes: "the session
// singleton hosts peer classes, bandwidth manager, and counters ...
// treat as an owning context object threaded through the peer
// constructor; do not use process-globals in the rewrite." It owns every
// Torrent, the peer-class registry (C4), the bandwidth manager (C2/C3),
// the session-level peer registry (C10), and the client-wide counters
// (C12).
type Client struct {
	_mu   lockWithDeferreds
	event Event

	config ClientConfig
	logger log.Logger
	peerID [20]byte

	connStats ConnStats

	torrents map[[20]byte]*Torrent

	// pieceRequestOrder groups the piece request orders (C7) either per
	// Torrent or per shared storage capacity, matching
	// client-piece-request-order.go's key sum type.
	pieceRequestOrder map[clientPieceRequestOrderKeySumType]*requestStrategy.PieceRequestOrder

	peerClasses *peerClassRegistry
	bandwidth   *bandwidthManager
	unchoker    *unchokeSelector

	registry *peerRegistry

	counters Counters

	closed chansync.SetOnce
}

// ClientConfig is the subset of session-wide configuration the core
// reads directly (connection caps, timeouts, unchoke algorithm, default
// peer class rates); it is deliberately small — torrent-level policy
// (seeding ratios, piece priority defaults, download directories) is an
// application concern layered on top, not the wire-protocol core's.
type ClientConfig struct {
	Callbacks Callbacks

	MaxConnections    int
	ConnectionSlack   int
	HandshakeTimeout  time.Duration
	KeepAliveTimeout  time.Duration
	DisableFast       bool
	Dialer            Dialer

	UnchokeAlgorithm    unchokeAlgorithm
	AllowedUploadSlots  int
	NumOptimisticSlots  int

	DefaultUploadRate   int
	DefaultDownloadRate int
	DefaultBurst        int
}

func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxConnections:      200,
		ConnectionSlack:     10,
		HandshakeTimeout:    defaultHandshakeTimeout,
		KeepAliveTimeout:    2 * time.Minute,
		UnchokeAlgorithm:    unchokeFixedSlots,
		AllowedUploadSlots:  4,
		NumOptimisticSlots:  1,
		DefaultUploadRate:   0,
		DefaultDownloadRate: 0,
		DefaultBurst:        1 << 18,
	}
}

func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	cl := &Client{
		config:            *cfg,
		logger:            log.Default,
		peerID:            generatePeerID(),
		torrents:          make(map[[20]byte]*Torrent),
		pieceRequestOrder: make(map[clientPieceRequestOrderKeySumType]*requestStrategy.PieceRequestOrder),
		peerClasses:       newPeerClassRegistry(),
		bandwidth:         newBandwidthManager(10),
		unchoker:          newUnchokeSelector(cfg.UnchokeAlgorithm, cfg.AllowedUploadSlots, cfg.NumOptimisticSlots),
		registry:          newPeerRegistry(cfg.MaxConnections, cfg.ConnectionSlack),
	}
	cl.peerClasses.create("default", cfg.DefaultUploadRate, cfg.DefaultDownloadRate, cfg.DefaultBurst)
	go cl.backgroundLoop()
	return cl, nil
}

// Close shuts down the client's background bandwidth/unchoke/request-timeout
// loop. Torrents and their connections are not themselves torn down here;
// callers that want a clean shutdown should Drop their torrents first.
func (cl *Client) Close() error {
	cl.closed.Set()
	return nil
}

func (cl *Client) locker() *lockWithDeferreds { return &cl._mu }

func (cl *Client) lock()   { cl._mu.Lock() }
func (cl *Client) unlock() { cl._mu.Unlock() }

// Torrents returns every torrent currently known to the client.
func (cl *Client) Torrents() []*Torrent {
	cl.lock()
	defer cl.unlock()
	ret := make([]*Torrent, 0, len(cl.torrents))
	for _, t := range cl.torrents {
		ret = append(ret, t)
	}
	return ret
}

func (cl *Client) addTorrent(t *Torrent) {
	cl.torrents[t.infoHash] = t
}

func (cl *Client) torrentByShortHash(h [20]byte) (*Torrent, bool) {
	t, ok := cl.torrents[h]
	return t, ok
}

// Counters are the client-wide monotonic accumulators of C12.
type Counters struct {
	ConnectAttempts Count
	BannedPeers     Count
	NumPieceRequests Count
	TooManyConnectionsRejections Count
}

var _ net.Addr = (*net.TCPAddr)(nil)
var _ sync.Locker = (*lockWithDeferreds)(nil)
