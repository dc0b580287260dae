package torrent

import (
	"io"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	pp "github.com/nimblepeer/torrent/peer_protocol"
)

func (pc *PeerConn) initMessageWriter() {
	w := &pc.messageWriter
	*w = peerConnMsgWriter{
		fillWriteBuffer: func() {
			pc.locker().Lock()
			defer pc.locker().Unlock()
			if pc.closed.IsSet() {
				return
			}
			pc.fillWriteBuffer()
		},
		closed: &pc.closed,
		logger: pc.logger,
		w:      pc.w,
		keepAlive: func() bool {
			pc.locker().RLock()
			defer pc.locker().RUnlock()
			return pc.useful()
		},
		writeBuffer: new(peerConnMsgWriterBuffer),
		minFillGap:  10 * time.Millisecond, // Coalesce writes within 10ms
	}
}

func (pc *PeerConn) startMessageWriter() {
	pc.initMessageWriter()
	go pc.messageWriterRunner()
}

func (pc *PeerConn) messageWriterRunner() {
	defer pc.close()
	defer func() {
		if r := recover(); r != nil {
			pc.logger.Printf("panic in message writer for %v: %v", pc.RemoteAddr, r)
		}
	}()
	pc.messageWriter.run(pc.t.cl.config.KeepAliveTimeout)
}

// peerConnMsgWriterBuffer is the outgoing cork/write pipeline's queue
// (spec.md §4.1/§4.11, C1+C11): a chainedBuffer (C1) holds the
// already-encoded wire bytes of each queued message as its own owned
// region, so a large piece payload queued here is never copied again on
// its way out — only appended once and popped off the front as it's
// written to the socket.
type peerConnMsgWriterBuffer struct {
	// pieceDataBytes is the number of bytes in the buffer that are part of
	// a piece message payload, tallied separately so upload-rate tracking
	// doesn't count protocol overhead as delivered data.
	pieceDataBytes int
	buf            chainedBuffer
}

func (b *peerConnMsgWriterBuffer) Len() int { return b.buf.size() }

// appendEncoded takes ownership of an already-marshalled message and
// queues it as a new chainedBuffer entry.
func (b *peerConnMsgWriterBuffer) appendEncoded(encoded []byte, pieceBytes int) {
	b.buf.appendOwned(encoded, len(encoded), nil)
	b.pieceDataBytes += pieceBytes
}

type peerConnMsgWriter struct {
	// Must not be called with the local mutex held, as it will call back into the write method.
	fillWriteBuffer func()
	closed          *chansync.SetOnce
	logger          log.Logger
	w               io.Writer
	keepAlive       func() bool

	mu        sync.Mutex
	writeCond chansync.BroadcastCond
	// Pointer so we can swap with the "front buffer".
	writeBuffer *peerConnMsgWriterBuffer

	totalWriteDuration    time.Duration
	totalBytesWritten     int64
	totalDataBytesWritten int64
	dataUploadRate        float64

	// Write coalescing to reduce lock frequency
	lastBufferFill time.Time
	minFillGap     time.Duration
}

// Routine that writes to the peer. Some of what to write is buffered by
// activity elsewhere in the Client, and some is determined locally when the
// connection is writable.
func (cn *peerConnMsgWriter) run(keepAliveTimeout time.Duration) {
	lastWrite := time.Now()
	keepAliveTimer := time.NewTimer(keepAliveTimeout)
	frontBuf := new(peerConnMsgWriterBuffer)
	for {
		if cn.closed.IsSet() {
			return
		}

		// Only call fillWriteBuffer if we have space and might need more data
		cn.mu.Lock()
		bufferHasSpace := cn.writeBuffer.Len() < writeBufferHighWaterLen
		shouldCoalesce := cn.minFillGap > 0 && time.Since(cn.lastBufferFill) < cn.minFillGap
		cn.mu.Unlock()

		if bufferHasSpace && !shouldCoalesce {
			cn.fillWriteBuffer()
			cn.mu.Lock()
			cn.lastBufferFill = time.Now()
			cn.mu.Unlock()
		}

		cn.mu.Lock()
		// Only calculate keepAlive if buffer is empty and we might need one
		var needKeepAlive bool
		bufferEmpty := cn.writeBuffer.Len() == 0
		if bufferEmpty && time.Since(lastWrite) >= keepAliveTimeout {
			needKeepAlive = cn.keepAlive()
		}

		if bufferEmpty && needKeepAlive {
			cn.writeBuffer.appendEncoded(pp.Message{Keepalive: true}.MustMarshalBinary(), 0)
			if debugMetricsEnabled {
				torrent.Add("written keepalives", 1)
			}
			bufferEmpty = false
		}
		if bufferEmpty {
			writeCond := cn.writeCond.Signaled()
			cn.mu.Unlock()
			select {
			case <-cn.closed.Done():
			case <-writeCond:
			case <-keepAliveTimer.C:
			}
			continue
		}
		// Flip the buffers.
		frontBuf, cn.writeBuffer = cn.writeBuffer, frontBuf
		cn.mu.Unlock()
		if frontBuf.Len() == 0 {
			panic("expected non-empty front buffer")
		}
		var err error
		startedWriting := time.Now()
		startingBufLen := frontBuf.Len()

		// Drain the chained buffer via its scatter-gather view (C1):
		// each entry is handed to the socket in turn and popped off the
		// front as bytes land, so a multi-megabyte piece payload queued
		// as one entry is written (and released) without ever being
		// copied into a second contiguous buffer.
		for frontBuf.buf.size() > 0 {
			vec := frontBuf.buf.buildIOVec(frontBuf.buf.size())
			progressed := false
			for _, chunk := range vec {
				n, writeErr := cn.w.Write(chunk)
				if n > 0 {
					frontBuf.buf.popFront(n)
					progressed = true
				}
				if writeErr != nil {
					err = writeErr
					break
				}
				if n < len(chunk) {
					err = io.ErrShortWrite
					break
				}
			}
			if err != nil {
				break
			}
			if !progressed {
				err = io.ErrShortWrite
				break
			}
		}

		if err != nil {
			cn.logger.WithDefaultLevel(log.Debug).Printf("error writing: %v", err)
			return
		}
		// Track what was sent and how long it took.
		writeDuration := time.Since(startedWriting)
		cn.mu.Lock()
		if writeDuration.Seconds() > 0 {
			cn.dataUploadRate = float64(frontBuf.pieceDataBytes) / writeDuration.Seconds()
		}
		cn.totalWriteDuration += writeDuration
		cn.totalBytesWritten += int64(startingBufLen)
		cn.totalDataBytesWritten += int64(frontBuf.pieceDataBytes)
		cn.mu.Unlock()
		frontBuf.pieceDataBytes = 0
		lastWrite = time.Now()
		keepAliveTimer.Reset(keepAliveTimeout)
	}
}

func (cn *peerConnMsgWriter) writeToBuffer(msg pp.Message) error {
	encoded, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	cn.writeBuffer.appendEncoded(encoded, len(msg.Piece))
	return nil
}

func (cn *peerConnMsgWriter) write(msg pp.Message) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	// A marshal failure only happens for a malformed Message the caller
	// built itself (e.g. an unknown Type), so there's nothing to revert:
	// writeToBuffer only touches the buffer on success.
	cn.writeToBuffer(msg)
	cn.writeCond.Broadcast()
	return !cn.writeBufferFull()
}

// wake nudges the writer goroutine to re-poll fillWriteBuffer immediately,
// for state changes that don't go through write() directly (e.g. a new
// peer upload request landing in PeerConn.peerRequests).
func (cn *peerConnMsgWriter) wake() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.writeCond.Broadcast()
}

func (cn *peerConnMsgWriter) writeBufferFull() bool {
	return cn.writeBuffer.Len() >= writeBufferHighWaterLen
}
