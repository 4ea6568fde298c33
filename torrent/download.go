package torrent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"leech/channel"
	"leech/file"
	"leech/tracker"
)

// Download fetches every missing piece into the output file. It returns nil
// once all pieces are verified and written, ctx.Err() when cancelled, and
// the fatal error otherwise: a file.ErrWrite from storing a piece or
// ErrNoPeers from the tracker loop.
func (t *Torrent) Download(ctx context.Context) (err error) {
	tf := t.torrentFile
	t.writer, err = file.Create(t.outputPath, int64(tf.Length), int64(tf.PieceLength))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := t.writer.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	verified, err := t.writer.Verify(tf.PieceHashes)
	if err != nil {
		return err
	}
	for _, index := range verified {
		t.pieces.MarkVerified(index)
	}
	if len(verified) > 0 {
		t.log.WithField("pieces", len(verified)).Info("resuming from existing data")
	}
	if t.pieces.IsComplete() {
		return nil
	}

	var progressBar *uiprogress.Bar
	if t.config.ShowDownloadProgress {
		progressBar = t.downloadProgress()
		defer uiprogress.Stop()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session := tracker.NewSession(t.tracker, tf.Announce, tf.AnnounceList)
	defer t.tracker.Close()
	peers := make(chan []tracker.Peer)
	loopErr := make(chan error, 1)
	go func() { loopErr <- t.requestTrackerPeers(ctx, session, peers) }()
	loopDone := false

	limit := rate.Inf
	if t.config.DialInterval > 0 {
		limit = rate.Every(t.config.DialInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	var wg sync.WaitGroup
	onPiece := func(index int, data []byte) error {
		if err := t.writer.WritePiece(index, data); err != nil {
			return err
		}
		t.downloaded.Add(int64(len(data)))
		t.piecesDone.Inc()
		if progressBar != nil {
			progressBar.Incr()
		}
		if t.pieces.IsComplete() {
			t.complete()
		}
		return nil
	}

	// the last announced peers are dialed again once every channel has
	// closed, instead of waiting out the tracker interval
	var known []tracker.Peer
	redial := time.NewTicker(t.config.RetryInterval)
	defer redial.Stop()

Loop:
	for {
		select {
		case list := <-peers:
			known = list
			for _, peer := range list {
				t.startDownloader(ctx, &wg, limiter, peer.String(), onPiece)
			}
		case <-redial.C:
			if t.ActivePeers() > 0 || len(known) == 0 {
				continue
			}
			t.log.WithField("peers", len(known)).Debug("no active peers, reconnecting")
			for _, peer := range known {
				t.startDownloader(ctx, &wg, limiter, peer.String(), onPiece)
			}
		case <-t.done:
			break Loop
		case err = <-t.fatal:
			break Loop
		case err = <-loopErr:
			loopDone = true
			if err == nil {
				err = ctx.Err()
			}
			break Loop
		case <-ctx.Done():
			err = ctx.Err()
			break Loop
		}
	}

	cancel()
	wg.Wait()
	if !loopDone {
		<-loopErr
	}

	// a channel may have written the last piece while the loop was
	// stopping for another reason
	if t.pieces.IsComplete() && !errors.Is(err, file.ErrWrite) {
		err = nil
	}

	event := tracker.EventStopped
	if err == nil {
		event = tracker.EventCompleted
		t.log.WithFields(logrus.Fields{
			"pieces": t.piecesDone.Load(),
			"bytes":  t.downloaded.Load(),
		}).Info("download complete")
	}
	// no tracker ever answered, so none knows about us
	if session.URL != "" {
		t.finalAnnounce(session, event)
	}
	return err
}

// startDownloader runs a channel to addr unless one is already running or
// MaxPeers channels are active. Dials are paced by limiter.
func (t *Torrent) startDownloader(ctx context.Context, wg *sync.WaitGroup, limiter *rate.Limiter, addr string, onPiece func(int, []byte) error) {
	if t.active.Cardinality() >= t.config.MaxPeers || !t.active.Add(addr) {
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer t.active.Remove(addr)

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		log := t.log.WithField("peer", addr)
		ch, err := channel.Dial(ctx, addr, t.config.DialTimeout, channel.Config{
			InfoHash:         t.torrentFile.InfoHash,
			PeerID:           t.peerID,
			NumPieces:        t.pieces.NumPieces(),
			PipelineDepth:    t.config.PipelineDepth,
			HandshakeTimeout: t.config.HandshakeTimeout,
			RequestTimeout:   t.config.RequestTimeout,
			KeepAlive:        t.config.KeepAlive,
			OnPiece:          onPiece,
			Log:              logrus.NewEntry(t.log),
		}, t.pieces)
		if err != nil {
			log.WithError(err).Debug("could not connect")
			return
		}

		err = ch.Run(ctx)
		switch {
		case errors.Is(err, file.ErrWrite):
			t.fail(err)
		case ctx.Err() != nil:
		default:
			log.WithError(err).Debug("disconnected")
		}
	}()
}
