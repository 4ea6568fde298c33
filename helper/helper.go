package helper

import (
	"math/rand"
)

// ClientPrefix identifies this client in the peer id (Azureus style).
const ClientPrefix = "-LE0100-"

const symbols = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"

// GeneratePeerID returns ClientPrefix followed by random alphanumerics.
func GeneratePeerID() [20]byte {
	peerID := [20]byte{}
	copy(peerID[:], ClientPrefix)
	for i := len(ClientPrefix); i < len(peerID); i++ {
		peerID[i] = symbols[rand.Intn(len(symbols))]
	}
	return peerID
}

// GenerateTransactionID returns a random 32-bit id for UDP tracker exchanges.
func GenerateTransactionID() uint32 {
	return rand.Uint32()
}
