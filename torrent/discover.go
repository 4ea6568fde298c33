package torrent

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"leech/tracker"
)

func (t *Torrent) announceRequest(event tracker.Event) tracker.Request {
	return tracker.Request{
		InfoHash:   t.torrentFile.InfoHash,
		PeerID:     t.peerID,
		Port:       t.config.Port,
		Downloaded: t.downloaded.Load(),
		Left:       t.pieces.Stats().Left,
		Event:      event,
		NumWant:    -1,
		Key:        t.key,
	}
}

// nextAnnounce is the configured override if any, otherwise the tracker's
// interval raised to its min interval.
func (t *Torrent) nextAnnounce(res *tracker.Response) time.Duration {
	if t.config.AnnounceInterval > 0 {
		return t.config.AnnounceInterval
	}
	interval := res.Interval
	if res.MinInterval > interval {
		interval = res.MinInterval
	}
	if interval <= 0 {
		interval = t.config.RetryInterval
	}
	return interval
}

// Get list of peers from the trackers until the context ends. The first
// successful announce carries event=started. A failed announce keeps the
// previous peer list and is retried after RetryInterval; once
// MaxTrackerFailures announces in a row have failed and no peer was ever
// learned the loop gives up with ErrNoPeers.
func (t *Torrent) requestTrackerPeers(ctx context.Context, session *tracker.Session, peers chan<- []tracker.Peer) error {
	event := tracker.EventStarted
	for {
		res, err := session.Announce(ctx, t.announceRequest(event))
		wait := t.config.RetryInterval

		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			t.log.WithError(err).WithField("failures", session.Failures).Warn("announce failed")
			if session.Failures >= t.config.MaxTrackerFailures && len(session.Peers) == 0 && t.active.Cardinality() == 0 {
				return fmt.Errorf("%w: %d announces failed in a row", ErrNoPeers, session.Failures)
			}
		default:
			event = tracker.EventNone
			wait = t.nextAnnounce(res)
			t.log.WithFields(logrus.Fields{
				"tracker":  session.URL,
				"peers":    len(res.Peers),
				"seeders":  res.Seeders,
				"leechers": res.Leechers,
				"interval": wait,
			}).Debug("announced")
			if res.Warning != "" {
				t.log.WithField("tracker", session.URL).Warn(res.Warning)
			}

			select {
			case peers <- res.Peers:
			case <-ctx.Done():
				return nil
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// finalAnnounce tells the trackers the download completed or stopped. It is
// best effort and bounded by TrackerTimeout.
func (t *Torrent) finalAnnounce(session *tracker.Session, event tracker.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.TrackerTimeout)
	defer cancel()

	if _, err := session.Announce(ctx, t.announceRequest(event)); err != nil {
		t.log.WithError(err).WithField("event", event).Debug("final announce failed")
	}
}
