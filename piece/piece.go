package piece

// data is downloaded in blocks (16kB) and not pieces
const BlockSize = 16 * 1024

type Status int

const (
	Missing Status = iota
	InProgress
	Verified
)

func (s Status) String() string {
	switch s {
	case InProgress:
		return "in progress"
	case Verified:
		return "verified"
	default:
		return "missing"
	}
}

// Block identifies one request-sized range of a piece.
type Block struct {
	Index  int
	Begin  int
	Length int
}

type blockKey struct {
	index int
	begin int
}

func (b Block) key() blockKey {
	return blockKey{b.Index, b.Begin}
}

type pieceState struct {
	index       int
	hash        [20]byte
	length      int
	status      Status
	received    []bool // per block, only while in progress
	numReceived int
	buffer      []byte // only while in progress
}

func (p *pieceState) numBlocks() int {
	return (p.length + BlockSize - 1) / BlockSize
}

func (p *pieceState) block(i int) Block {
	begin := i * BlockSize
	length := BlockSize
	// last block might be smaller
	if begin+length > p.length {
		length = p.length - begin
	}
	return Block{Index: p.index, Begin: begin, Length: length}
}

func (p *pieceState) start() {
	p.status = InProgress
	p.buffer = make([]byte, p.length)
	p.received = make([]bool, p.numBlocks())
	p.numReceived = 0
}

func (p *pieceState) reset() {
	p.status = Missing
	p.buffer = nil
	p.received = nil
	p.numReceived = 0
}

func (p *pieceState) verify() {
	p.status = Verified
	p.buffer = nil
	p.received = nil
	p.numReceived = 0
}
