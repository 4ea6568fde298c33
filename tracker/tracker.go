package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

var (
	ErrUnreachable = errors.New("tracker unreachable")
	ErrProtocol    = errors.New("tracker protocol error")
	ErrTimeout     = errors.New("tracker timeout")
)

type Event int

const (
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// Kind is the transport a tracker URL speaks.
type Kind int

const (
	HTTP Kind = iota
	UDP
)

func (k Kind) String() string {
	if k == UDP {
		return "udp"
	}
	return "http"
}

// KindOf maps a URL scheme to a tracker transport.
func KindOf(u *url.URL) (Kind, error) {
	switch u.Scheme {
	case "http", "https":
		return HTTP, nil
	case "udp":
		return UDP, nil
	default:
		return 0, fmt.Errorf("%w: bad or unsupported url scheme %q", ErrProtocol, u.Scheme)
	}
}

type Request struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int32
	Key        uint32
}

type Response struct {
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int
	Leechers    int
	Warning     string
	Peers       []Peer
}

type Config struct {
	HTTPTimeout time.Duration
	// UDPTimeout is the wait for the first UDP attempt; each retry doubles it.
	UDPTimeout time.Duration
	UDPRetries int
}

var DefaultConfig = Config{
	HTTPTimeout: 15 * time.Second,
	UDPTimeout:  5 * time.Second,
	UDPRetries:  3,
}

// connectionIDTTL is how long a UDP tracker honours a connection id.
const connectionIDTTL = 60 * time.Second

type connection struct {
	id       uint64
	obtained time.Time
}

// Client announces to HTTP and UDP trackers. It is safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client

	mu    sync.Mutex
	conns map[string]connection // udp host -> connection id
	now   func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.UDPRetries < 0 {
		cfg.UDPRetries = 0
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.HTTPTimeout},
		conns: make(map[string]connection),
		now:   time.Now,
	}
}

// Announce sends req to the tracker at announceURL.
func (c *Client) Announce(ctx context.Context, announceURL string, req Request) (*Response, error) {
	base, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	kind, err := KindOf(base)
	if err != nil {
		return nil, err
	}

	var res *Response
	switch kind {
	case UDP:
		res, err = c.announceUDP(ctx, base.Host, req)
	default:
		res, err = c.announceHTTP(ctx, base, req)
	}
	if err != nil {
		return nil, err
	}
	res.Peers = usable(res.Peers)
	return res, nil
}

// Close releases idle HTTP connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
