package peer_protocol

import (
	"fmt"
	"io"
)

// HandshakeMessage is the fixed 68-byte handshake exchanged before any
// length-prefixed message. Reserved bit layout is documented in protocol.go.
type HandshakeMessage struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerId   [20]byte
}

// SetExtended sets or clears the BEP 10 extension-protocol reserved bit.
func (h *HandshakeMessage) SetExtended(on bool) {
	setReservedBit(&h.Reserved, ReservedByteExtended, ReservedBitExtended, on)
}

// SetFast sets or clears the BEP 6 FAST-extension reserved bit.
func (h *HandshakeMessage) SetFast(on bool) {
	setReservedBit(&h.Reserved, ReservedByteFast, ReservedBitFast, on)
}

// SetDht sets or clears the DHT reserved bit.
func (h *HandshakeMessage) SetDht(on bool) {
	setReservedBit(&h.Reserved, ReservedByteDht, ReservedBitDht, on)
}

func (h HandshakeMessage) ExtendedActive() bool {
	return h.Reserved[ReservedByteExtended]&ReservedBitExtended != 0
}

func (h HandshakeMessage) FastActive() bool {
	return h.Reserved[ReservedByteFast]&ReservedBitFast != 0
}

func (h HandshakeMessage) DhtActive() bool {
	return h.Reserved[ReservedByteDht]&ReservedBitDht != 0
}

func setReservedBit(reserved *[8]byte, byteIndex int, bit byte, on bool) {
	if on {
		reserved[byteIndex] |= bit
	} else {
		reserved[byteIndex] &^= bit
	}
}

// Bytes encodes the handshake in its exact 68 byte wire form.
func (h HandshakeMessage) Bytes() []byte {
	b := make([]byte, 0, HandshakeLen)
	b = append(b, byte(len(Protocol)))
	b = append(b, Protocol...)
	b = append(b, h.Reserved[:]...)
	b = append(b, h.InfoHash[:]...)
	b = append(b, h.PeerId[:]...)
	return b
}

// WriteTo writes the handshake's wire form.
func (h HandshakeMessage) WriteTo(w io.Writer) error {
	_, err := w.Write(h.Bytes())
	return err
}

// ReadHandshake reads and validates a 68-byte handshake from r. It tolerates
// the bytes arriving in arbitrarily small reads (spec.md §8 invariant 10),
// since callers are expected to use io.ReadFull.
func ReadHandshake(r io.Reader) (h HandshakeMessage, err error) {
	var fixed [HandshakeLen]byte
	if _, err = io.ReadFull(r, fixed[:]); err != nil {
		return
	}
	pstrlen := int(fixed[0])
	if pstrlen != len(Protocol) {
		err = fmt.Errorf("unexpected protocol string length %d", pstrlen)
		return
	}
	if string(fixed[1:1+pstrlen]) != Protocol {
		err = fmt.Errorf("unexpected protocol string %q", fixed[1:1+pstrlen])
		return
	}
	off := 1 + pstrlen
	copy(h.Reserved[:], fixed[off:off+8])
	off += 8
	copy(h.InfoHash[:], fixed[off:off+20])
	off += 20
	copy(h.PeerId[:], fixed[off:off+20])
	return
}
