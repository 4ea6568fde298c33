package torrent

import (
	"errors"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"leech/file"
	"leech/helper"
	"leech/piece"
	"leech/tracker"
)

// ErrNoPeers is returned by Download when the trackers keep failing and no
// peer has ever been learned.
var ErrNoPeers = errors.New("torrent: no peers reachable")

type Torrent struct {
	torrentFile *file.TorrentFile
	outputPath  string
	peerID      [20]byte
	key         uint32
	config      Config
	log         *logrus.Logger

	pieces  *piece.Manager
	tracker *tracker.Client
	writer  *file.Writer

	active     mapset.Set // addresses with a running channel
	downloaded *atomic.Int64
	piecesDone *atomic.Int64

	done     chan struct{}
	doneOnce sync.Once
	fatal    chan error
}

func New(tf *file.TorrentFile, outputPath string, config Config) (*Torrent, error) {
	config, err := NewConfig(config)
	if err != nil {
		return nil, err
	}
	pieces, err := piece.NewManager(tf.PieceHashes, int64(tf.PieceLength), int64(tf.Length))
	if err != nil {
		return nil, err
	}

	return &Torrent{
		torrentFile: tf,
		outputPath:  outputPath,
		peerID:      helper.GeneratePeerID(),
		key:         helper.GenerateTransactionID(),
		config:      config,
		log:         config.Logger,
		pieces:      pieces,
		tracker: tracker.NewClient(tracker.Config{
			HTTPTimeout: config.TrackerTimeout,
			UDPTimeout:  tracker.DefaultConfig.UDPTimeout,
			UDPRetries:  config.TrackerRetries,
		}),
		active:     mapset.NewSet(),
		downloaded: atomic.NewInt64(0),
		piecesDone: atomic.NewInt64(0),
		done:       make(chan struct{}),
		fatal:      make(chan error, 1),
	}, nil
}

// IsComplete reports whether every piece has been verified.
func (t *Torrent) IsComplete() bool {
	return t.pieces.IsComplete()
}

func (t *Torrent) Stats() piece.Stats {
	return t.pieces.Stats()
}

// Downloaded is the number of verified bytes received from peers in this
// run, excluding pieces found on disk at startup.
func (t *Torrent) Downloaded() int64 {
	return t.downloaded.Load()
}

func (t *Torrent) ActivePeers() int {
	return t.active.Cardinality()
}

func (t *Torrent) complete() {
	t.doneOnce.Do(func() { close(t.done) })
}

// fail records the first fatal error; later ones are dropped.
func (t *Torrent) fail(err error) {
	select {
	case t.fatal <- err:
	default:
	}
}
