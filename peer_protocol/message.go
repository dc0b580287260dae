package peer_protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Message is a single BitTorrent wire message. Only the fields relevant to
// Type are meaningful; the zero value with Keepalive unset and Type left at
// its zero value (Choke) is never emitted on its own — callers always set
// either Keepalive or Type.
type Message struct {
	Keepalive bool
	Type      MessageType

	// piece index: have / suggest / allowed-fast, and request / piece /
	// cancel / reject
	Index Integer
	// request / piece / cancel / reject
	Begin  Integer
	Length Integer
	// piece payload. For outgoing piece messages this may be a slice
	// pointing directly at disk-cache-owned memory; callers that need to
	// retain the message across a send should treat Piece as borrowed
	// unless they copy it.
	Piece []byte
	// bitfield payload, MSB-first, one bit per piece.
	Bitfield []byte
	// dht-port
	Port uint16

	// BEP 10 extended message sub-id and raw bencoded payload.
	ExtendedID      byte
	ExtendedPayload []byte
}

func (m Message) String() string {
	if m.Keepalive {
		return "keepalive"
	}
	return m.Type.String()
}

// MarshalBinary encodes the message in wire form: [u32 length][u8 id][payload].
func (m Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustMarshalBinary panics on error. Used for messages whose encoding can
// never fail (fixed-shape control messages), matching the teacher's usage
// at initialization time to precompute message lengths.
func (m Message) MustMarshalBinary() []byte {
	b, err := m.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// WriteTo writes the wire encoding of the message to w.
func (m Message) WriteTo(w io.Writer) error {
	if m.Keepalive {
		return binary.Write(w, binary.BigEndian, int32(0))
	}
	payload, err := m.payload()
	if err != nil {
		return err
	}
	length := int32(1 + len(payload))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(m.Type)}); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err = w.Write(payload)
	return err
}

func (m Message) payload() ([]byte, error) {
	switch m.Type {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		return nil, nil
	case Have, Suggest, AllowedFast:
		return beUint32(uint32(m.Index)), nil
	case Bitfield:
		return m.Bitfield, nil
	case Request, Cancel, Reject:
		b := make([]byte, 0, 12)
		b = append(b, beUint32(uint32(m.Index))...)
		b = append(b, beUint32(uint32(m.Begin))...)
		b = append(b, beUint32(uint32(m.Length))...)
		return b, nil
	case Piece:
		b := make([]byte, 0, 8+len(m.Piece))
		b = append(b, beUint32(uint32(m.Index))...)
		b = append(b, beUint32(uint32(m.Begin))...)
		b = append(b, m.Piece...)
		return b, nil
	case Port:
		return []byte{byte(m.Port >> 8), byte(m.Port)}, nil
	case Extended:
		b := make([]byte, 0, 1+len(m.ExtendedPayload))
		b = append(b, m.ExtendedID)
		b = append(b, m.ExtendedPayload...)
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownMessageType, m.Type)
	}
}

func beUint32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// UnmarshalMessageBody decodes a message body (everything after the id
// byte) given its id, returning the fully populated Message. length is the
// total declared wire length (including the id byte); it is not consulted:
// fixed-shape payloads are validated, and variable-length ones (bitfield,
// piece, extended) sized, from len(body).
func UnmarshalMessageBody(id MessageType, length Integer, body []byte) (Message, error) {
	m := Message{Type: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		if len(body) != 0 {
			return m, fmt.Errorf("%w: %v with non-empty body", ErrInvalidMessageLength, id)
		}
	case Have, Suggest, AllowedFast:
		if len(body) != 4 {
			return m, fmt.Errorf("%w: %v expects 4 byte body", ErrInvalidMessageLength, id)
		}
		m.Index = Integer(binary.BigEndian.Uint32(body))
	case Bitfield:
		m.Bitfield = body
	case Request, Cancel, Reject:
		if len(body) != 12 {
			return m, fmt.Errorf("%w: %v expects 12 byte body", ErrInvalidMessageLength, id)
		}
		m.Index = Integer(binary.BigEndian.Uint32(body[0:4]))
		m.Begin = Integer(binary.BigEndian.Uint32(body[4:8]))
		m.Length = Integer(binary.BigEndian.Uint32(body[8:12]))
	case Piece:
		if len(body) < 8 {
			return m, fmt.Errorf("%w: piece expects at least 8 byte body", ErrInvalidMessageLength)
		}
		m.Index = Integer(binary.BigEndian.Uint32(body[0:4]))
		m.Begin = Integer(binary.BigEndian.Uint32(body[4:8]))
		m.Piece = body[8:]
	case Port:
		if len(body) != 2 {
			return m, fmt.Errorf("%w: dht-port expects 2 byte body", ErrInvalidMessageLength)
		}
		m.Port = uint16(body[0])<<8 | uint16(body[1])
	case Extended:
		if len(body) < 1 {
			return m, fmt.Errorf("%w: extended expects at least 1 byte body", ErrInvalidMessageLength)
		}
		m.ExtendedID = body[0]
		m.ExtendedPayload = body[1:]
	default:
		return m, fmt.Errorf("%w: %v", ErrUnknownMessageType, id)
	}
	return m, nil
}

// MakeCancelMessage builds a cancel message for the given block coordinates.
func MakeCancelMessage(index, begin, length Integer) Message {
	return Message{Type: Cancel, Index: index, Begin: begin, Length: length}
}

// MakeRequestMessage builds a request message for the given block coordinates.
func MakeRequestMessage(index, begin, length Integer) Message {
	return Message{Type: Request, Index: index, Begin: begin, Length: length}
}

// MakeRejectMessage builds a BEP 6 reject-request message for the given
// block coordinates, sent in place of a piece when a FAST-enabled peer's
// request is refused.
func MakeRejectMessage(index, begin, length Integer) Message {
	return Message{Type: Reject, Index: index, Begin: begin, Length: length}
}
