package bitfield

// Is only sent as the first message immediately after handshake.
// Used to efficiently encode which pieces peers are able to send.
// Note: pieces are zero indexed
//
// Example:
//   - [0 0 1 0 1 0 0 0] (only pieces 2 and 4 are available)
//   - [1 1 1 1 1 1 1 1] (only pieces in the interval [0, 7] are available)
//   - [0 0 0 0 0 0 0 0] [0 0 0 0 0 0 0 1] (only piece 15 is available)
type Bitfield []byte

// New returns an empty bitfield large enough for n pieces.
func New(n int) Bitfield {
	return make(Bitfield, (n+7)/8)
}

// Check if piece at the given index can be sent by peer(s).
func (bf Bitfield) HasPiece(index int) bool {
	bfIndex := index / 8 // determine which byte we need
	offset := index % 8  // determine offset within that byte
	if index < 0 || bfIndex >= len(bf) {
		return false
	}

	return bf[bfIndex]>>(7-offset)&1 != 0
}

// Set piece at the given index as available to be sent by peer(s).
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8
	if index < 0 || byteIndex >= len(bf) {
		return
	}

	bf[byteIndex] |= 1 << (7 - offset)
}

// Pieces lists the indices of all set bits in ascending order.
func (bf Bitfield) Pieces() []int {
	var indices []int
	for i := 0; i < len(bf)*8; i++ {
		if bf.HasPiece(i) {
			indices = append(indices, i)
		}
	}
	return indices
}

// Valid reports whether bf is a well-formed bitfield for a torrent of n
// pieces: exactly ceil(n/8) bytes with the spare trailing bits cleared.
func (bf Bitfield) Valid(n int) bool {
	if len(bf) != (n+7)/8 {
		return false
	}
	for i := n; i < len(bf)*8; i++ {
		if bf.HasPiece(i) {
			return false
		}
	}
	return true
}
