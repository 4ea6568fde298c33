// Package announce encodes and decodes the UDP tracker packets of BEP-15.
package announce

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Actions shared by requests and responses.
const (
	ActionConnect  uint32 = 0
	ActionAnnounce uint32 = 1
	ActionError    uint32 = 3
)

// Events as numbered on the wire.
const (
	EventNone      uint32 = 0
	EventCompleted uint32 = 1
	EventStarted   uint32 = 2
	EventStopped   uint32 = 3
)

const (
	announceLen    = 98
	announceResLen = 20
	peerSize       = 6
)

var ErrShortPacket = errors.New("announce: short packet")

type Announce struct {
	Action        uint32 // request & response
	TransactionID uint32 // request & response

	ConnectionID uint64   // request
	InfoHash     [20]byte // request
	PeerID       [20]byte // request
	Downloaded   uint64   // request
	Left         uint64   // request
	Uploaded     uint64   // request
	Event        uint32   // request
	IP           uint32   // request
	Key          uint32   // request
	NumWant      int32    // request
	Port         uint16   // request

	Interval uint32 // response
	Leechers uint32 // response
	Seeders  uint32 // response
	Peers    []byte // response, compact 6-byte entries
}

func (a *Announce) Serialize() []byte {
	buf := make([]byte, announceLen)
	binary.BigEndian.PutUint64(buf[0:8], a.ConnectionID)
	binary.BigEndian.PutUint32(buf[8:12], ActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], a.TransactionID)
	copy(buf[16:36], a.InfoHash[:])
	copy(buf[36:56], a.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], a.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], a.Left)
	binary.BigEndian.PutUint64(buf[72:80], a.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], a.Event)
	binary.BigEndian.PutUint32(buf[84:88], a.IP)
	binary.BigEndian.PutUint32(buf[88:92], a.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(a.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], a.Port)
	return buf
}

// Read parses an announce response. Trailing bytes that do not form a whole
// 6-byte peer entry are dropped.
func Read(buf []byte) (*Announce, error) {
	if len(buf) < announceResLen {
		return nil, fmt.Errorf("%w: announce response of %d bytes", ErrShortPacket, len(buf))
	}

	numPeers := (len(buf) - announceResLen) / peerSize
	peers := make([]byte, numPeers*peerSize)
	copy(peers, buf[announceResLen:])

	return &Announce{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: binary.BigEndian.Uint32(buf[4:8]),
		Interval:      binary.BigEndian.Uint32(buf[8:12]),
		Leechers:      binary.BigEndian.Uint32(buf[12:16]),
		Seeders:       binary.BigEndian.Uint32(buf[16:20]),
		Peers:         peers,
	}, nil
}

// ReadHeader extracts the action and transaction id every response starts
// with, so callers can match and route a packet before parsing it fully.
func ReadHeader(buf []byte) (action, transactionID uint32, err error) {
	if len(buf) < 8 {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(buf))
	}
	return binary.BigEndian.Uint32(buf[0:4]), binary.BigEndian.Uint32(buf[4:8]), nil
}

// ReadError returns the message carried by an action=3 packet.
func ReadError(buf []byte) string {
	if len(buf) <= 8 {
		return ""
	}
	return string(buf[8:])
}

// SerializeResponse builds an announce response packet. Used by trackers
// and test fixtures.
func (a *Announce) SerializeResponse() []byte {
	buf := make([]byte, announceResLen+len(a.Peers))
	binary.BigEndian.PutUint32(buf[0:4], ActionAnnounce)
	binary.BigEndian.PutUint32(buf[4:8], a.TransactionID)
	binary.BigEndian.PutUint32(buf[8:12], a.Interval)
	binary.BigEndian.PutUint32(buf[12:16], a.Leechers)
	binary.BigEndian.PutUint32(buf[16:20], a.Seeders)
	copy(buf[20:], a.Peers)
	return buf
}

// ParseRequest decodes an announce request packet; the tracker side of
// Serialize.
func ParseRequest(buf []byte) (*Announce, error) {
	if len(buf) < announceLen {
		return nil, fmt.Errorf("%w: announce request of %d bytes", ErrShortPacket, len(buf))
	}
	a := &Announce{
		ConnectionID:  binary.BigEndian.Uint64(buf[0:8]),
		Action:        binary.BigEndian.Uint32(buf[8:12]),
		TransactionID: binary.BigEndian.Uint32(buf[12:16]),
		Downloaded:    binary.BigEndian.Uint64(buf[56:64]),
		Left:          binary.BigEndian.Uint64(buf[64:72]),
		Uploaded:      binary.BigEndian.Uint64(buf[72:80]),
		Event:         binary.BigEndian.Uint32(buf[80:84]),
		IP:            binary.BigEndian.Uint32(buf[84:88]),
		Key:           binary.BigEndian.Uint32(buf[88:92]),
		NumWant:       int32(binary.BigEndian.Uint32(buf[92:96])),
		Port:          binary.BigEndian.Uint16(buf[96:98]),
	}
	copy(a.InfoHash[:], buf[16:36])
	copy(a.PeerID[:], buf[36:56])
	return a, nil
}
