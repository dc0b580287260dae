// Package webseed implements BEP 19 HTTP seeding: fetching torrent
// data directly from an HTTP server via range requests instead of from
// peers. Supplements the wire-protocol core (BEP 19 is outside the
// distilled spec's scope but present in the teacher and worth giving a
// home, since webseed-peer.go already expects this package's shape).
package webseed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/RoaringBitmap/roaring"

	"github.com/nimblepeer/torrent/metainfo"
)

// ErrTooFast is returned (via Result.Err) when the server signals
// backpressure (HTTP 429) and the requester should back off, matching
// webseed-peer.go's errors.Is(err, webseed.ErrTooFast) check.
var ErrTooFast = errors.New("webseed: too many requests")

// RequestSpec names a byte range of the overall torrent content to fetch.
type RequestSpec struct {
	Start, Length int64
}

// Result is delivered once on Request.Result.
type Result struct {
	Bytes []byte
	Err   error
}

// Request is a single in-flight range fetch.
type Request struct {
	Result chan Result
	cancel context.CancelFunc
}

// Cancel aborts the underlying HTTP request.
func (r Request) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Client fetches torrent content from a single webseed URL (BEP 19's
// "url-list" entry), presenting itself to the core as though it had every
// piece the info currently describes.
type Client struct {
	Url        string
	HttpClient *http.Client
	Pieces     roaring.Bitmap

	info *metainfo.Info
}

func (c *Client) SetInfo(info *metainfo.Info) {
	c.info = info
	c.Pieces = roaring.Bitmap{}
	if info != nil {
		c.Pieces.AddRange(0, uint64(info.NumPieces()))
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HttpClient != nil {
		return c.HttpClient
	}
	return http.DefaultClient
}

// StartNewRequest issues an HTTP range request for spec, returning
// immediately with a Request whose Result channel is written to exactly
// once from a background goroutine.
func (c *Client) StartNewRequest(spec RequestSpec) Request {
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan Result, 1)
	req := Request{Result: result, cancel: cancel}
	go c.do(ctx, spec, result)
	return req
}

func (c *Client) do(ctx context.Context, spec RequestSpec, result chan<- Result) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Url, nil)
	if err != nil {
		result <- Result{Err: err}
		return
	}
	httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", spec.Start, spec.Start+spec.Length-1))
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		result <- Result{Err: err}
		return
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusTooManyRequests:
		result <- Result{Err: ErrTooFast}
		return
	default:
		result <- Result{Err: fmt.Errorf("webseed: unexpected status %v", resp.Status)}
		return
	}
	buf := make([]byte, spec.Length)
	n, err := io.ReadFull(resp.Body, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		result <- Result{Err: err}
		return
	}
	result <- Result{Bytes: buf[:n]}
}
