// Package mse implements just enough of BEP 8 Message Stream Encryption
// to negotiate and name an obfuscation method on a connection; the
// core's concern (spec.md §4.8) is only tracking which method, if any,
// is active on a given Peer, not performing the RC4/handshake exchange
// itself (an external collaborator per spec.md's transport non-goals).
package mse

// CryptoMethod identifies the stream cipher (if any) negotiated for a
// connection.
type CryptoMethod int

const (
	CryptoMethodPlaintext CryptoMethod = 1 << iota
	CryptoMethodRC4
)

func (m CryptoMethod) String() string {
	switch m {
	case CryptoMethodPlaintext:
		return "plaintext"
	case CryptoMethodRC4:
		return "rc4"
	default:
		return "unknown"
	}
}
