// Package peer_protocol implements the BitTorrent wire protocol: the fixed
// handshake, the length-prefixed message envelope, and the BEP 3 (base
// protocol) + BEP 6 (FAST extension) + BEP 10 (extension protocol envelope)
// message set.
package peer_protocol

import (
	"errors"
	"fmt"
)

// Integer is the wire integer type (BEP 3 uses 32-bit big-endian integers
// throughout).
type Integer = int32

// IntegerMax is the largest representable wire Integer, used by overflow
// checks on chunk bounds.
const IntegerMax = math_MaxInt32

const math_MaxInt32 = 1<<31 - 1

// MessageType identifies a message's id byte. The values are exactly the
// wire ids from BEP 3, BEP 6 and BEP 10.
type MessageType byte

const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	Bitfield      MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8
	Port          MessageType = 9

	Suggest        MessageType = 13
	HaveAll        MessageType = 14
	HaveNone       MessageType = 15
	Reject         MessageType = 16
	AllowedFast    MessageType = 17
	Extended       MessageType = 20
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "dht-port"
	case Suggest:
		return "suggest"
	case HaveAll:
		return "have-all"
	case HaveNone:
		return "have-none"
	case Reject:
		return "reject-request"
	case AllowedFast:
		return "allowed-fast"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// ExtensionName identifies an optional capability negotiated either through
// the handshake reserved bytes or the BEP 10 extension handshake.
type ExtensionName string

const (
	ExtensionNameFast     ExtensionName = "fast"
	ExtensionNameDht      ExtensionName = "dht"
	ExtensionNameExtended ExtensionName = "extended"
)

// Reserved bit positions within the 8 handshake reserved bytes, indexed
// [byte][bit], matching BEP 10 (byte 5, bit 0x10), BEP 6 (byte 7, bit 0x04)
// and the DHT extension (byte 7, bit 0x01).
const (
	ReservedByteExtended      = 5
	ReservedBitExtended  byte = 0x10
	ReservedByteFast          = 7
	ReservedBitFast      byte = 0x04
	ReservedByteDht           = 7
	ReservedBitDht       byte = 0x01
)

var (
	ErrInvalidMessageLength = errors.New("invalid message length prefix")
	ErrUnknownMessageType   = errors.New("unknown message id")
)

// Protocol is the fixed BEP 3 protocol identifier string.
const Protocol = "BitTorrent protocol"

// HandshakeLen is the length in bytes of the fixed handshake message.
const HandshakeLen = 1 + len(Protocol) + 8 + 20 + 20

// MaxAllowedLength bounds the wire length prefix accepted for a message,
// guarding against a peer declaring an absurd allocation. It must
// accommodate the largest legitimate piece block plus the piece header.
var MaxAllowedLength = Integer(DefaultBlockSize + 13)

// DefaultBlockSize is the conventional block size requested/served by this
// implementation; peers may request smaller blocks.
const DefaultBlockSize = 1 << 14 // 16 KiB
