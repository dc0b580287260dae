package peer_protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Decoder reads framed messages off a stream. It's a thin convenience over
// the receive-buffer framing contract used by PeerConn (see recvbuffer.go
// at the module root) — tests and simple collaborators that don't need
// the full re-slotting receive buffer can use it directly.
type Decoder struct {
	r         io.Reader
	maxLength Integer
}

func NewDecoder(r io.Reader, maxLength Integer) *Decoder {
	return &Decoder{r: r, maxLength: maxLength}
}

// ReadMessage reads one length-prefixed message, or returns a Message with
// Keepalive set for a zero-length frame.
func (d *Decoder) ReadMessage() (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := Integer(binary.BigEndian.Uint32(lenBuf[:]))
	if length < 0 {
		return Message{}, fmt.Errorf("%w: negative length %d", ErrInvalidMessageLength, length)
	}
	if length == 0 {
		return Message{Keepalive: true}, nil
	}
	if length > d.maxLength {
		return Message{}, fmt.Errorf("%w: %d exceeds max allowed %d", ErrInvalidMessageLength, length, d.maxLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Message{}, err
	}
	id := MessageType(body[0])
	return UnmarshalMessageBody(id, length, body[1:])
}
