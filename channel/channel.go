package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"leech/bitfield"
	"leech/message"
	"leech/piece"
)

var (
	ErrHandshakeFailed = errors.New("channel: handshake failed")
	ErrRequestTimeout  = errors.New("channel: request timed out")
	ErrIdle            = errors.New("channel: peer idle")
	ErrMalformed       = errors.New("channel: malformed message")
)

type State int

const (
	Connecting State = iota
	Handshaking
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	default:
		return "closed"
	}
}

// Scheduler hands out blocks to request and collects the received ones.
// *piece.Manager implements it.
type Scheduler interface {
	Register(peer string, indices []int)
	Interesting(peer string) bool
	Claim(peer string) (piece.Block, bool)
	Submit(peer string, index, begin int, data []byte) ([]byte, error)
	Release(peer string, index, begin int)
	RemovePeer(peer string)
}

type Config struct {
	InfoHash  [20]byte
	PeerID    [20]byte
	NumPieces int

	PipelineDepth    int
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	KeepAlive        time.Duration

	// OnPiece receives every verified piece. An error closes the channel
	// and is returned from Run unchanged.
	OnPiece func(index int, data []byte) error
	Log     *logrus.Entry
}

type request struct {
	block piece.Block
	sent  time.Time
}

type blockKey struct {
	index int
	begin int
}

// Represents the communication channel between client and peer. Everything
// but the connection is owned by the goroutine running Run.
type Channel struct {
	Conn  net.Conn
	Addr  string
	State State

	Choked         bool // peer is choking us
	Interested     bool // we are interested in the peer
	PeerChoked     bool // we are choking the peer
	PeerInterested bool // peer is interested in us
	Bitfield       bitfield.Bitfield

	cfg       Config
	sched     Scheduler
	log       *logrus.Entry
	pending   map[blockKey]request
	lastRead  time.Time
	lastWrite time.Time
	stopped   *atomic.Bool // set once the context passed to Run is done
}

// Dial opens a TCP connection to addr and wraps it in a channel.
func Dial(ctx context.Context, addr string, timeout time.Duration, cfg Config, sched Scheduler) (*Channel, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn, addr, cfg, sched), nil
}

// New wraps an established connection. The peer is identified towards the
// scheduler by addr.
func New(conn net.Conn, addr string, cfg Config, sched Scheduler) *Channel {
	if cfg.PipelineDepth <= 0 {
		cfg.PipelineDepth = 5
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 2 * time.Minute
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Channel{
		Conn:       conn,
		Addr:       addr,
		State:      Connecting,
		Choked:     true,
		PeerChoked: true,
		Bitfield:   bitfield.New(cfg.NumPieces),
		cfg:        cfg,
		sched:      sched,
		log:        log.WithField("peer", addr),
		pending:    make(map[blockKey]request),
		stopped:    atomic.NewBool(false),
	}
}

// Run performs the handshake and exchanges messages until the context is
// cancelled, the peer misbehaves or goes away, or OnPiece fails. The
// connection is closed and every claim is released when Run returns.
func (ch *Channel) Run(ctx context.Context) (err error) {
	defer func() {
		ch.close()
		ch.log.WithError(err).Debug("channel closed")
	}()

	// cancellation interrupts blocked reads and writes
	stop := context.AfterFunc(ctx, func() {
		ch.stopped.Store(true)
		ch.Conn.SetDeadline(time.Now())
	})
	defer stop()

	ch.State = Handshaking
	if err := ch.completeHandshake(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	ch.State = Active
	ch.log.Debug("completed handshake")

	now := time.Now()
	ch.lastRead, ch.lastWrite = now, now

	msgs := make(chan *message.Message)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go ch.readLoop(msgs, errc, done)

	ticker := time.NewTicker(ch.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case msg := <-msgs:
			ch.lastRead = time.Now()
			if err := ch.handle(msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		case now := <-ticker.C:
			if err := ch.tick(now); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}
	}
}

func (ch *Channel) close() {
	ch.State = Closed
	ch.Conn.Close()
	for key := range ch.pending {
		ch.sched.Release(ch.Addr, key.index, key.begin)
	}
	ch.pending = make(map[blockKey]request)
	ch.sched.RemovePeer(ch.Addr)
}

func (ch *Channel) completeHandshake() error {
	if err := ch.setDeadline(ch.Conn.SetDeadline, ch.cfg.HandshakeTimeout); err != nil {
		return err
	}
	defer ch.setDeadline(ch.Conn.SetDeadline, 0)

	request := message.Handshake{InfoHash: ch.cfg.InfoHash, PeerID: ch.cfg.PeerID}
	if _, err := ch.Conn.Write(request.Serialize()); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	result, err := message.ReadHandshake(ch.Conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	// check if info hash sent equals to the one received
	if !bytes.Equal(result.InfoHash[:], ch.cfg.InfoHash[:]) {
		return fmt.Errorf("%w: expected infohash %x but got %x", ErrHandshakeFailed, ch.cfg.InfoHash, result.InfoHash)
	}
	return nil
}

func (ch *Channel) readLoop(msgs chan<- *message.Message, errc chan<- error, done <-chan struct{}) {
	r := message.NewReader(ch.Conn)
	for {
		msg, err := r.Read()
		if err != nil {
			if errors.Is(err, message.ErrMalformed) || errors.Is(err, message.ErrOversizedRequest) {
				err = fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			errc <- err
			return
		}
		select {
		case msgs <- msg:
		case <-done:
			return
		}
	}
}

func (ch *Channel) tickInterval() time.Duration {
	d := ch.cfg.RequestTimeout
	if ch.cfg.KeepAlive < d {
		d = ch.cfg.KeepAlive
	}
	d /= 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func (ch *Channel) tick(now time.Time) error {
	for _, req := range ch.pending {
		if now.Sub(req.sent) > ch.cfg.RequestTimeout {
			ch.sched.Release(ch.Addr, req.block.Index, req.block.Begin)
			delete(ch.pending, blockKey{req.block.Index, req.block.Begin})
			return fmt.Errorf("%w: piece %d offset %d", ErrRequestTimeout, req.block.Index, req.block.Begin)
		}
	}
	if now.Sub(ch.lastRead) > 2*ch.cfg.KeepAlive {
		return fmt.Errorf("%w: nothing received for %s", ErrIdle, now.Sub(ch.lastRead).Round(time.Millisecond))
	}
	if now.Sub(ch.lastWrite) >= ch.cfg.KeepAlive {
		if err := ch.send(nil); err != nil {
			return err
		}
	}
	// claims released elsewhere are picked up without waiting for the peer
	if !ch.Choked && len(ch.pending) < ch.cfg.PipelineDepth {
		if err := ch.updateInterest(); err != nil {
			return err
		}
		return ch.fill()
	}
	return nil
}

// setDeadline applies a deadline d from now, or clears it when d is zero.
// Once Run's context is done the deadline stays in the past.
func (ch *Channel) setDeadline(set func(time.Time) error, d time.Duration) error {
	var t time.Time
	if d > 0 {
		t = time.Now().Add(d)
	}
	set(t)
	if ch.stopped.Load() {
		set(time.Now())
		return net.ErrClosed
	}
	return nil
}

func (ch *Channel) send(msg *message.Message) error {
	if err := ch.setDeadline(ch.Conn.SetWriteDeadline, ch.cfg.RequestTimeout); err != nil {
		return err
	}
	if _, err := ch.Conn.Write(msg.Serialize()); err != nil {
		return err
	}
	ch.lastWrite = time.Now()
	return nil
}

func (ch *Channel) handle(msg *message.Message) error {
	// keep-alive
	if msg == nil {
		return ch.fill()
	}

	switch msg.ID {
	case message.Choke:
		ch.Choked = true
		// a choking peer discards our requests
		for key := range ch.pending {
			ch.sched.Release(ch.Addr, key.index, key.begin)
		}
		ch.pending = make(map[blockKey]request)
		return nil
	case message.Unchoke:
		ch.Choked = false
	case message.Interested:
		ch.PeerInterested = true
		return nil
	case message.NotInterested:
		ch.PeerInterested = false
		return nil
	case message.Have:
		index := int(msg.Index)
		if index >= ch.cfg.NumPieces {
			return fmt.Errorf("%w: have for piece %d of %d", ErrMalformed, index, ch.cfg.NumPieces)
		}
		ch.Bitfield.SetPiece(index)
		ch.sched.Register(ch.Addr, []int{index})
	case message.Bitfield:
		if !msg.Bitfield.Valid(ch.cfg.NumPieces) {
			return fmt.Errorf("%w: bitfield of %d bytes for %d pieces", ErrMalformed, len(msg.Bitfield), ch.cfg.NumPieces)
		}
		ch.Bitfield = msg.Bitfield
		ch.sched.Register(ch.Addr, msg.Bitfield.Pieces())
	case message.Piece:
		if err := ch.receive(msg); err != nil {
			return err
		}
	default:
		// uploading is not supported, requests and cancels are dropped
		return nil
	}

	if err := ch.updateInterest(); err != nil {
		return err
	}
	return ch.fill()
}

func (ch *Channel) receive(msg *message.Message) error {
	index, begin := int(msg.Index), int(msg.Begin)
	if index >= ch.cfg.NumPieces {
		return fmt.Errorf("%w: block for piece %d of %d", ErrMalformed, index, ch.cfg.NumPieces)
	}

	key := blockKey{index, begin}
	req, ok := ch.pending[key]
	if !ok {
		ch.log.WithFields(logrus.Fields{"piece": index, "begin": begin}).Debug("ignoring unrequested block")
		return nil
	}
	delete(ch.pending, key)
	if len(msg.Block) != req.block.Length {
		ch.sched.Release(ch.Addr, index, begin)
		return fmt.Errorf("%w: block of %d bytes, requested %d", ErrMalformed, len(msg.Block), req.block.Length)
	}

	data, err := ch.sched.Submit(ch.Addr, index, begin, msg.Block)
	switch {
	case errors.Is(err, piece.ErrHashMismatch):
		ch.log.WithField("piece", index).Warn("piece failed integrity check")
		return nil
	case err != nil:
		ch.log.WithError(err).Debug("block discarded")
		return nil
	case data == nil:
		return nil
	}

	if ch.cfg.OnPiece != nil {
		if err := ch.cfg.OnPiece(index, data); err != nil {
			return err
		}
	}
	return ch.send(message.NewHave(index))
}

func (ch *Channel) updateInterest() error {
	interested := ch.sched.Interesting(ch.Addr)
	if interested == ch.Interested {
		return nil
	}
	ch.Interested = interested
	if interested {
		return ch.send(&message.Message{ID: message.Interested})
	}
	return ch.send(&message.Message{ID: message.NotInterested})
}

// fill keeps up to PipelineDepth requests outstanding.
func (ch *Channel) fill() error {
	for !ch.Choked && ch.Interested && len(ch.pending) < ch.cfg.PipelineDepth {
		b, ok := ch.sched.Claim(ch.Addr)
		if !ok {
			return nil
		}
		if err := ch.send(message.NewRequest(b.Index, b.Begin, b.Length)); err != nil {
			ch.sched.Release(ch.Addr, b.Index, b.Begin)
			return err
		}
		ch.pending[blockKey{b.Index, b.Begin}] = request{block: b, sent: time.Now()}
	}
	return nil
}
