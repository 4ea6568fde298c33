package piece

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"

	"github.com/kelindar/bitmap"
	"github.com/samber/lo"
)

var (
	ErrHashMismatch = errors.New("piece: hash mismatch")
	ErrUnrequested  = errors.New("piece: block was not requested from this peer")
	ErrBlockLength  = errors.New("piece: wrong block length")
	ErrLayout       = errors.New("piece: piece hashes do not match the torrent length")
)

// Manager is the shared download state: piece status, which peer has which
// pieces, and which blocks are claimed by which peer. Every method is
// atomic with respect to the others.
type Manager struct {
	mu           sync.Mutex
	pieces       []*pieceState
	pieceLength  int64
	totalLength  int64
	claims       map[blockKey]string      // outstanding block -> peer
	peers        map[string]bitmap.Bitmap // peer -> advertised pieces
	availability []int                    // piece -> number of peers advertising it

	verified      int
	verifiedBytes int64
}

type Stats struct {
	Pieces        int
	Verified      int
	VerifiedBytes int64
	Left          int64
	Claimed       int
}

func NewManager(hashes [][20]byte, pieceLength, totalLength int64) (*Manager, error) {
	if pieceLength <= 0 || totalLength < 0 {
		return nil, fmt.Errorf("%w: piece length %d, total length %d", ErrLayout, pieceLength, totalLength)
	}
	if want := (totalLength + pieceLength - 1) / pieceLength; int64(len(hashes)) != want {
		return nil, fmt.Errorf("%w: %d hashes for %d pieces", ErrLayout, len(hashes), want)
	}

	m := &Manager{
		pieces:       make([]*pieceState, len(hashes)),
		pieceLength:  pieceLength,
		totalLength:  totalLength,
		claims:       make(map[blockKey]string),
		peers:        make(map[string]bitmap.Bitmap),
		availability: make([]int, len(hashes)),
	}
	for i, hash := range hashes {
		begin := int64(i) * pieceLength
		end := begin + pieceLength
		if end > totalLength {
			end = totalLength
		}
		m.pieces[i] = &pieceState{index: i, hash: hash, length: int(end - begin)}
	}
	return m, nil
}

// NumPieces is fixed for the lifetime of the manager.
func (m *Manager) NumPieces() int {
	return len(m.pieces)
}

// Register records that peer advertises the given pieces. Unknown indices
// are ignored and registering a piece twice has no effect.
func (m *Manager) Register(peer string, indices []int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bm := m.peers[peer]
	for _, i := range indices {
		if i < 0 || i >= len(m.pieces) || bm.Contains(uint32(i)) {
			continue
		}
		bm.Set(uint32(i))
		m.availability[i]++
	}
	m.peers[peer] = bm
}

// Interesting reports whether peer advertises a piece that is not verified.
func (m *Manager) Interesting(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bm, ok := m.peers[peer]
	if !ok {
		return false
	}
	for _, p := range m.pieces {
		if p.status != Verified && bm.Contains(uint32(p.index)) {
			return true
		}
	}
	return false
}

// Claim picks the next block to request from peer. Pieces already in
// progress come first so partially downloaded buffers are finished before
// new ones are opened; otherwise the rarest missing piece the peer has is
// started. It returns false when the peer has nothing useful right now.
func (m *Manager) Claim(peer string) (Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bm, ok := m.peers[peer]
	if !ok {
		return Block{}, false
	}

	for _, p := range m.pieces {
		if p.status != InProgress || !bm.Contains(uint32(p.index)) {
			continue
		}
		if b, ok := m.nextBlock(p); ok {
			m.claims[b.key()] = peer
			return b, true
		}
	}

	candidates := lo.Filter(m.pieces, func(p *pieceState, _ int) bool {
		return p.status == Missing && bm.Contains(uint32(p.index))
	})
	if len(candidates) == 0 {
		return Block{}, false
	}
	rarest := lo.MinBy(candidates, func(a, b *pieceState) bool {
		return m.availability[a.index] < m.availability[b.index]
	})

	rarest.start()
	b := rarest.block(0)
	m.claims[b.key()] = peer
	return b, true
}

func (m *Manager) nextBlock(p *pieceState) (Block, bool) {
	for i, done := range p.received {
		if done {
			continue
		}
		b := p.block(i)
		if _, claimed := m.claims[b.key()]; !claimed {
			return b, true
		}
	}
	return Block{}, false
}

// Submit stores a block received from peer. When the block completes its
// piece the piece is hashed: on a match the assembled bytes are returned and
// the piece becomes verified, on a mismatch the piece goes back to missing
// and ErrHashMismatch is returned. A nil slice with a nil error means the
// piece still has blocks outstanding.
func (m *Manager) Submit(peer string, index, begin int, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := blockKey{index, begin}
	if owner, ok := m.claims[key]; !ok || owner != peer {
		return nil, fmt.Errorf("%w: piece %d offset %d", ErrUnrequested, index, begin)
	}
	delete(m.claims, key)

	p := m.pieces[index]
	blk := begin / BlockSize
	if want := p.block(blk).Length; len(data) != want {
		return nil, fmt.Errorf("%w: piece %d offset %d has %d bytes, expected %d", ErrBlockLength, index, begin, len(data), want)
	}
	if p.received[blk] {
		return nil, nil
	}

	copy(p.buffer[begin:], data)
	p.received[blk] = true
	p.numReceived++
	if p.numReceived < len(p.received) {
		return nil, nil
	}

	if sha1.Sum(p.buffer) != p.hash {
		p.reset()
		m.dropClaims(index)
		return nil, fmt.Errorf("%w: piece %d", ErrHashMismatch, index)
	}

	buf := p.buffer
	p.verify()
	m.verified++
	m.verifiedBytes += int64(p.length)
	return buf, nil
}

// Release gives up peer's claim on a block so another peer can request it.
func (m *Manager) Release(peer string, index, begin int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := blockKey{index, begin}
	if m.claims[key] == peer {
		delete(m.claims, key)
	}
}

// RemovePeer releases every claim peer still holds and forgets which pieces
// it advertised. Received blocks and verified pieces are kept.
func (m *Manager) RemovePeer(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, owner := range m.claims {
		if owner == peer {
			delete(m.claims, key)
		}
	}

	bm, ok := m.peers[peer]
	if !ok {
		return
	}
	for i := range m.availability {
		if bm.Contains(uint32(i)) {
			m.availability[i]--
		}
	}
	delete(m.peers, peer)
}

// MarkVerified records a piece that was verified outside the manager, such
// as data already present on disk.
func (m *Manager) MarkVerified(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return
	}
	p := m.pieces[index]
	if p.status == Verified {
		return
	}
	m.dropClaims(index)
	p.verify()
	m.verified++
	m.verifiedBytes += int64(p.length)
}

func (m *Manager) dropClaims(index int) {
	for key := range m.claims {
		if key.index == index {
			delete(m.claims, key)
		}
	}
}

// Status returns the current status of piece index.
func (m *Manager) Status(index int) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pieces[index].status
}

// IsComplete returns true if all pieces are verified.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verified == len(m.pieces)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Pieces:        len(m.pieces),
		Verified:      m.verified,
		VerifiedBytes: m.verifiedBytes,
		Left:          m.totalLength - m.verifiedBytes,
		Claimed:       len(m.claims),
	}
}
