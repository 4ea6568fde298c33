package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"leech/bitfield"
)

type messageID uint8

// Generally every two minutes a message of length zero (keepalive) is sent.
//
// All non-keepalive messages with their IDs:
//   - choke 0 (communication channel not ready to receive messages)
//   - unchoke 1 (communication channel ready to receive messages)
//   - interested 2 (communication channel ready to send messages)
//   - not interested 3 (communication channel not ready to send messages)
//   - have 4 (piece index downloader/peer downloaded/has)
//   - bitfield 5 (encode which piece peer is able to send)
//   - request 6 (message payload of the form <index><begin><length> requesting a piece)
//   - piece 7 (message payload of the form <index><begin><block> containing a piece)
//   - cancel 8 (identical to request message used to cancel block requests)
const (
	Choke         messageID = 0
	Unchoke       messageID = 1
	Interested    messageID = 2
	NotInterested messageID = 3
	Have          messageID = 4
	Bitfield      messageID = 5
	Request       messageID = 6
	Piece         messageID = 7
	Cancel        messageID = 8
)

const (
	// MaxBlockSize is the block length this client requests.
	MaxBlockSize = 16 * 1024
	// MaxRequestLength is the largest request/cancel length accepted from a peer.
	MaxRequestLength = 128 * 1024
	// MaxMessageLength bounds the length prefix so a peer cannot make us
	// allocate arbitrary amounts of memory.
	MaxMessageLength = 2 * 1024 * 1024
)

var (
	ErrIncomplete       = errors.New("message: need more bytes")
	ErrMalformed        = errors.New("message: malformed")
	ErrOversizedRequest = errors.New("message: oversized request")
)

// Every message is of the following form:
// | Message Length | Message ID | Optional Payload |
//
// Message length is not stored but is derived from the variant. A nil
// *Message is a keep-alive. Only the fields of the variant selected by ID
// are meaningful.
type Message struct {
	ID       messageID
	Index    uint32            // have, request, piece, cancel
	Begin    uint32            // request, piece, cancel
	Length   uint32            // request, cancel
	Block    []byte            // piece
	Bitfield bitfield.Bitfield // bitfield
}

func NewRequest(index, begin, length int) *Message {
	return &Message{ID: Request, Index: uint32(index), Begin: uint32(begin), Length: uint32(length)}
}

func NewCancel(index, begin, length int) *Message {
	return &Message{ID: Cancel, Index: uint32(index), Begin: uint32(begin), Length: uint32(length)}
}

// Creates peer message with ID of 4 (HAVE).
//
// Format of the message: <length=5><id=4><payload>
func NewHave(index int) *Message {
	return &Message{ID: Have, Index: uint32(index)}
}

func NewPiece(index, begin int, block []byte) *Message {
	return &Message{ID: Piece, Index: uint32(index), Begin: uint32(begin), Block: block}
}

func NewBitfield(bf bitfield.Bitfield) *Message {
	return &Message{ID: Bitfield, Bitfield: bf}
}

func (msg *Message) payloadLen() int {
	switch msg.ID {
	case Have:
		return 4
	case Bitfield:
		return len(msg.Bitfield)
	case Request, Cancel:
		return 12
	case Piece:
		return 8 + len(msg.Block)
	default:
		return 0
	}
}

// Put together a message.
func (msg *Message) Serialize() []byte {
	// keepalive
	if msg == nil {
		return make([]byte, 4)
	}

	length := uint32(msg.payloadLen() + 1) // payload + ID (1 byte)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)

	payload := buf[5:]
	switch msg.ID {
	case Have:
		binary.BigEndian.PutUint32(payload[0:4], msg.Index)
	case Bitfield:
		copy(payload, msg.Bitfield)
	case Request, Cancel:
		binary.BigEndian.PutUint32(payload[0:4], msg.Index)
		binary.BigEndian.PutUint32(payload[4:8], msg.Begin)
		binary.BigEndian.PutUint32(payload[8:12], msg.Length)
	case Piece:
		binary.BigEndian.PutUint32(payload[0:4], msg.Index)
		binary.BigEndian.PutUint32(payload[4:8], msg.Begin)
		copy(payload[8:], msg.Block)
	}
	return buf
}

// Decode parses the first message in buf and reports how many bytes it
// consumed. A keep-alive decodes to a nil message with n == 4.
//
// ErrIncomplete means buf holds a prefix of a message and the caller should
// retry once more bytes have arrived; any other error is fatal for the
// connection.
func Decode(buf []byte) (msg *Message, n int, err error) {
	if len(buf) < 4 {
		return nil, 0, ErrIncomplete
	}
	length := binary.BigEndian.Uint32(buf[0:4])

	// keepalive
	if length == 0 {
		return nil, 4, nil
	}

	if length > MaxMessageLength {
		return nil, 0, fmt.Errorf("%w: length prefix %d exceeds %d", ErrMalformed, length, MaxMessageLength)
	}
	if uint64(len(buf)-4) < uint64(length) {
		return nil, 0, ErrIncomplete
	}

	msg, err = parse(messageID(buf[4]), buf[5:4+length])
	if err != nil {
		return nil, 0, err
	}
	return msg, 4 + int(length), nil
}

func parse(id messageID, payload []byte) (*Message, error) {
	msg := &Message{ID: id}

	expect := func(n int) error {
		if len(payload) != n {
			return fmt.Errorf("%w: %s payload of length %d, expected %d", ErrMalformed, msg.name(), len(payload), n)
		}
		return nil
	}

	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if err := expect(0); err != nil {
			return nil, err
		}
	case Have:
		if err := expect(4); err != nil {
			return nil, err
		}
		msg.Index = binary.BigEndian.Uint32(payload)
	case Bitfield:
		msg.Bitfield = append(bitfield.Bitfield(nil), payload...)
	case Request, Cancel:
		if err := expect(12); err != nil {
			return nil, err
		}
		msg.Index = binary.BigEndian.Uint32(payload[0:4])
		msg.Begin = binary.BigEndian.Uint32(payload[4:8])
		msg.Length = binary.BigEndian.Uint32(payload[8:12])
		if msg.Length > MaxRequestLength {
			return nil, fmt.Errorf("%w: %s for %d bytes", ErrOversizedRequest, msg.name(), msg.Length)
		}
	case Piece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("%w: piece payload too short: %d < 8", ErrMalformed, len(payload))
		}
		msg.Index = binary.BigEndian.Uint32(payload[0:4])
		msg.Begin = binary.BigEndian.Uint32(payload[4:8])
		msg.Block = append([]byte(nil), payload[8:]...)
	default:
		return nil, fmt.Errorf("%w: unknown message ID %d", ErrMalformed, id)
	}
	return msg, nil
}

func (msg *Message) name() string {
	if msg == nil {
		return "KeepAlive"
	}
	switch msg.ID {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	default:
		return fmt.Sprintf("unknown message type with ID: %d", msg.ID)
	}
}

func (msg *Message) String() string {
	if msg == nil {
		return msg.name()
	}

	return fmt.Sprintf("%s [%d]", msg.name(), msg.payloadLen())
}
