package webseed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSeed is an alternate transport for BEP 19 content fetches: some
// webseed hosts (WebTorrent-style "ws-seeds") expose a single persistent
// WebSocket instead of plain HTTP range requests, multiplexing many
// concurrent range fetches as small JSON-framed request/response messages
// over one connection. wsRequest/wsResponse below are that framing.
type WebSocketSeed struct {
	Url string

	conn    *websocket.Conn
	pending map[int64]chan<- Result
	nextID  int64
}

type wsRequest struct {
	ID     int64 `json:"id"`
	Start  int64 `json:"start"`
	Length int64 `json:"length"`
}

type wsResponse struct {
	ID    int64  `json:"id"`
	Error string `json:"error,omitempty"`
}

// Dial opens the persistent WebSocket connection and starts the read pump
// that demultiplexes responses back to their originating StartNewRequest
// caller.
func (s *WebSocketSeed) Dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.Url, nil)
	if err != nil {
		return fmt.Errorf("dialing webseed websocket %v: %w", s.Url, err)
	}
	s.conn = conn
	s.pending = make(map[int64]chan<- Result)
	go s.readPump()
	return nil
}

func (s *WebSocketSeed) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// readPump demultiplexes incoming frames: a JSON text frame carrying the
// response header (id, optional error) immediately followed by a binary
// frame carrying the payload, matching the simple two-message-per-response
// framing a WebTorrent-style ws-seed uses in place of HTTP headers/body.
func (s *WebSocketSeed) readPump() {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			s.failAllPending(err)
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		var resp wsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		ch, ok := s.pending[resp.ID]
		if !ok {
			continue
		}
		delete(s.pending, resp.ID)
		if resp.Error != "" {
			ch <- Result{Err: fmt.Errorf("webseed websocket: %s", resp.Error)}
			continue
		}
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			ch <- Result{Err: err}
			continue
		}
		ch <- Result{Bytes: payload}
	}
}

func (s *WebSocketSeed) failAllPending(err error) {
	for id, ch := range s.pending {
		ch <- Result{Err: err}
		delete(s.pending, id)
	}
}

// StartNewRequest has the same signature as Client.StartNewRequest and
// returns the same Request/Result shape. webseedPeer holds a
// webseed.Client, so webseed-peer.go always fetches over HTTP.
func (s *WebSocketSeed) StartNewRequest(spec RequestSpec) Request {
	result := make(chan Result, 1)
	id := s.nextID
	s.nextID++
	s.pending[id] = result
	req := wsRequest{ID: id, Start: spec.Start, Length: spec.Length}
	payload, err := json.Marshal(req)
	if err != nil {
		delete(s.pending, id)
		result <- Result{Err: err}
		return Request{Result: result}
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		delete(s.pending, id)
		result <- Result{Err: err}
	}
	return Request{Result: result}
}

// keepalive periodically pings the connection so intermediate proxies don't
// recycle an idle ws-seed connection while a torrent is merely paused.
func (s *WebSocketSeed) keepalive(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
