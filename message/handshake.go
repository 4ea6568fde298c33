package message

import (
	"fmt"
	"io"
)

// Handshake string consists of (in order):
//   - 1 byte for pstr length (length of protocol identifier - has to be 19)
//   - 19 bytes for pstr (protocol identifier - BitTorrent protocol)
//   - 8 reserved bytes for extension support (none supported here)
//   - 20 bytes for infohash (SHA-1 of bencoded metainfo file)
//   - 20 bytes for peerID (random id to identify ourselves)
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

const pstr = "BitTorrent protocol"

// length of handshake string in bytes
const HandshakeLen = 68

// Put together a handshake string.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(pstr))
	curr := 1
	curr += copy(buf[curr:], pstr)
	curr += copy(buf[curr:], make([]byte, 8))
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

// DecodeHandshake parses a handshake from the front of buf. Like Decode it
// returns ErrIncomplete while fewer than HandshakeLen bytes are available.
func DecodeHandshake(buf []byte) (*Handshake, error) {
	if len(buf) >= 1 && int(buf[0]) != len(pstr) {
		return nil, fmt.Errorf("%w: pstr length should be 19 (0x13) but is %d", ErrMalformed, buf[0])
	}
	if len(buf) < HandshakeLen {
		return nil, ErrIncomplete
	}
	if string(buf[1:20]) != pstr {
		return nil, fmt.Errorf("%w: unexpected protocol %q", ErrMalformed, buf[1:20])
	}

	h := Handshake{}
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return &h, nil
}

// Convert raw handshake string into a Handshake struct
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return nil, err
	}
	if _, err := DecodeHandshake(buf[:1]); err != nil && err != ErrIncomplete {
		return nil, err
	}
	if _, err := io.ReadFull(r, buf[1:]); err != nil {
		return nil, err
	}
	return DecodeHandshake(buf)
}
