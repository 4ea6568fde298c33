package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/samber/lo"
)

// Session is the announce state for one torrent: the tracker URLs in
// preference order, the last peer list and the interval the tracker asked
// for. It is owned by a single goroutine.
type Session struct {
	client *Client
	urls   []string

	URL         string
	Kind        Kind
	Peers       []Peer
	Interval    time.Duration
	MinInterval time.Duration
	Failures    int // consecutive failed announces
}

// NewSession collects the announce URL and the flattened announce-list,
// dropping empty and duplicate entries.
func NewSession(client *Client, announceURL string, announceList []string) *Session {
	urls := lo.Uniq(lo.Filter(append([]string{announceURL}, announceList...), func(u string, _ int) bool {
		return u != ""
	}))
	return &Session{client: client, urls: urls}
}

// URLs returns the tracker URLs in their current preference order.
func (s *Session) URLs() []string {
	return append([]string(nil), s.urls...)
}

// Announce tries every tracker in order and stops at the first success,
// which is moved to the front for subsequent announces. On failure the
// previous peer list is kept.
func (s *Session) Announce(ctx context.Context, req Request) (*Response, error) {
	if len(s.urls) == 0 {
		s.Failures++
		return nil, fmt.Errorf("%w: no tracker urls", ErrProtocol)
	}

	var errs []error
	for i, announceURL := range s.urls {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		res, err := s.client.Announce(ctx, announceURL, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", announceURL, err))
			continue
		}

		if i > 0 {
			rest := append(append([]string{}, s.urls[:i]...), s.urls[i+1:]...)
			s.urls = append([]string{announceURL}, rest...)
		}
		s.URL = announceURL
		if u, err := url.Parse(announceURL); err == nil {
			s.Kind, _ = KindOf(u)
		}
		s.Peers = res.Peers
		s.Interval = res.Interval
		s.MinInterval = res.MinInterval
		s.Failures = 0
		return res, nil
	}

	s.Failures++
	return nil, errors.Join(errs...)
}
