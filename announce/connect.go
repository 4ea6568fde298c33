package announce

import (
	"encoding/binary"
	"fmt"
)

// ProtocolID is the magic constant that opens every connect request.
const ProtocolID uint64 = 0x41727101980

const connectLen = 16

type Connect struct {
	ProtocolID    uint64 // request
	Action        uint32 // request & response
	TransactionID uint32 // request & response

	ConnectionID uint64 // response
}

func NewConnect(transactionID uint32) *Connect {
	return &Connect{
		ProtocolID:    ProtocolID,
		Action:        ActionConnect,
		TransactionID: transactionID,
	}
}

func (c *Connect) Serialize() []byte {
	buf := make([]byte, connectLen)
	binary.BigEndian.PutUint64(buf[0:8], c.ProtocolID)
	binary.BigEndian.PutUint32(buf[8:12], c.Action)
	binary.BigEndian.PutUint32(buf[12:16], c.TransactionID)
	return buf
}

func ReadConnect(buf []byte) (*Connect, error) {
	if len(buf) < connectLen {
		return nil, fmt.Errorf("%w: connect response of %d bytes", ErrShortPacket, len(buf))
	}
	return &Connect{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: binary.BigEndian.Uint32(buf[4:8]),
		ConnectionID:  binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// SerializeResponse builds the tracker's reply to a connect request.
func (c *Connect) SerializeResponse() []byte {
	buf := make([]byte, connectLen)
	binary.BigEndian.PutUint32(buf[0:4], ActionConnect)
	binary.BigEndian.PutUint32(buf[4:8], c.TransactionID)
	binary.BigEndian.PutUint64(buf[8:16], c.ConnectionID)
	return buf
}

// ParseConnectRequest decodes a connect request; the tracker side of
// Serialize.
func ParseConnectRequest(buf []byte) (*Connect, error) {
	if len(buf) < connectLen {
		return nil, fmt.Errorf("%w: connect request of %d bytes", ErrShortPacket, len(buf))
	}
	return &Connect{
		ProtocolID:    binary.BigEndian.Uint64(buf[0:8]),
		Action:        binary.BigEndian.Uint32(buf[8:12]),
		TransactionID: binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}
