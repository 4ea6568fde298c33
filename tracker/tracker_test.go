package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackpal/bencode-go"

	"leech/announce"
)

var testRequest = Request{
	InfoHash: [20]byte{1, 2, 3, 0xff},
	PeerID:   [20]byte{'-', 'L', 'E'},
	Port:     6881,
	Left:     40000,
	Event:    EventStarted,
}

func bencoded(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, v); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestHTTPAnnounceCompact(t *testing.T) {
	compact := []byte{127, 0, 0, 1, 0x1a, 0xe1, 10, 0, 0, 7, 0x1a, 0xe2, 127, 0, 0, 1, 0x1a, 0xe1}
	body := bencoded(t, map[string]interface{}{
		"interval":     900,
		"min interval": 60,
		"complete":     3,
		"incomplete":   4,
		"peers":        string(compact),
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("info_hash") != string(testRequest.InfoHash[:]) {
			t.Errorf("info_hash = %q", q.Get("info_hash"))
		}
		if q.Get("event") != "started" || q.Get("port") != "6881" || q.Get("left") != "40000" || q.Get("compact") != "1" {
			t.Errorf("unexpected query %v", q)
		}
		if q.Get("passkey") != "secret" {
			t.Errorf("existing query parameter lost: %v", q)
		}
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(DefaultConfig)
	res, err := c.Announce(context.Background(), srv.URL+"/announce?passkey=secret", testRequest)
	if err != nil {
		t.Fatal(err)
	}
	if res.Interval != 900*time.Second || res.MinInterval != time.Minute || res.Seeders != 3 || res.Leechers != 4 {
		t.Errorf("unexpected response %+v", res)
	}
	got := []string{}
	for _, p := range res.Peers {
		got = append(got, p.String())
	}
	if !reflect.DeepEqual(got, []string{"127.0.0.1:6881", "10.0.0.7:6882"}) {
		t.Errorf("peers = %v", got)
	}
}

func TestHTTPAnnounceDictPeers(t *testing.T) {
	body := bencoded(t, map[string]interface{}{
		"interval": 1800,
		"peers": []interface{}{
			map[string]interface{}{"ip": "192.168.1.2", "port": 51413, "peer id": "xxxxxxxxxxxxxxxxxxxx"},
			map[string]interface{}{"ip": "::1", "port": 6881},
		},
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	res, err := NewClient(DefaultConfig).Announce(context.Background(), srv.URL, testRequest)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Peers) != 2 || res.Peers[0].String() != "192.168.1.2:51413" || res.Peers[1].String() != "[::1]:6881" {
		t.Errorf("peers = %v", res.Peers)
	}
}

func TestHTTPAnnounceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   []byte
		want   error
	}{
		{"not bencode", 200, []byte("<html>oops</html>"), ErrProtocol},
		{"failure reason", 200, []byte("d14:failure reason9:not founde"), ErrProtocol},
		{"missing interval", 200, []byte("d5:peers0:e"), ErrProtocol},
		{"bad compact length", 200, []byte("d8:intervali5e5:peers5:abcdee"), ErrProtocol},
		{"http status", 500, []byte("d8:intervali5e5:peers0:e"), ErrProtocol},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write(tt.body)
		}))
		_, err := NewClient(DefaultConfig).Announce(context.Background(), srv.URL, testRequest)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
		srv.Close()
	}
}

func TestHTTPAnnounceRecoversAfterMalformed(t *testing.T) {
	var calls int32
	good := bencoded(t, map[string]interface{}{"interval": 10, "peers": string([]byte{1, 2, 3, 4, 0, 80})})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Write([]byte("garbage"))
			return
		}
		w.Write(good)
	}))
	defer srv.Close()

	c := NewClient(DefaultConfig)
	if _, err := c.Announce(context.Background(), srv.URL, testRequest); !errors.Is(err, ErrProtocol) {
		t.Fatalf("first announce: got %v, want ErrProtocol", err)
	}
	res, err := c.Announce(context.Background(), srv.URL, testRequest)
	if err != nil {
		t.Fatalf("second announce: %v", err)
	}
	if len(res.Peers) != 1 || res.Peers[0].String() != "1.2.3.4:80" {
		t.Errorf("peers = %v", res.Peers)
	}
}

func TestHTTPAnnounceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewClient(DefaultConfig).Announce(context.Background(), addr, testRequest)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("got %v, want ErrUnreachable", err)
	}
}

func TestUnsupportedScheme(t *testing.T) {
	_, err := NewClient(DefaultConfig).Announce(context.Background(), "wss://tracker.example/announce", testRequest)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got %v, want ErrProtocol", err)
	}
}

// udpTracker is a loopback BEP-15 tracker. With mismatch set it answers
// every packet with a transaction id that is off by one.
type udpTracker struct {
	conn      net.PacketConn
	mismatch  bool
	peers     []byte
	connects  int32
	announces int32
	lastEvent uint32
}

const testConnectionID = 0x1234

func startUDPTracker(t *testing.T, mismatch bool, peers []byte) *udpTracker {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	tr := &udpTracker{conn: conn, mismatch: mismatch, peers: peers}
	t.Cleanup(func() { conn.Close() })
	go tr.serve()
	return tr
}

func (tr *udpTracker) url() string {
	return "udp://" + tr.conn.LocalAddr().String() + "/announce"
}

func (tr *udpTracker) serve() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := tr.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := buf[:n]

		if n == 16 && binary.BigEndian.Uint64(pkt[0:8]) == announce.ProtocolID {
			req, _ := announce.ParseConnectRequest(pkt)
			atomic.AddInt32(&tr.connects, 1)
			tid := req.TransactionID
			if tr.mismatch {
				tid++
			}
			tr.conn.WriteTo((&announce.Connect{TransactionID: tid, ConnectionID: testConnectionID}).SerializeResponse(), addr)
			continue
		}

		req, err := announce.ParseRequest(pkt)
		if err != nil {
			continue
		}
		atomic.AddInt32(&tr.announces, 1)
		atomic.StoreUint32(&tr.lastEvent, req.Event)
		if req.ConnectionID != testConnectionID {
			errPkt := make([]byte, 8)
			binary.BigEndian.PutUint32(errPkt[0:4], announce.ActionError)
			binary.BigEndian.PutUint32(errPkt[4:8], req.TransactionID)
			tr.conn.WriteTo(append(errPkt, "bad connection id"...), addr)
			continue
		}
		res := &announce.Announce{TransactionID: req.TransactionID, Interval: 1800, Seeders: 1, Leechers: 1, Peers: tr.peers}
		tr.conn.WriteTo(res.SerializeResponse(), addr)
	}
}

func TestUDPAnnounce(t *testing.T) {
	peers := []byte{127, 0, 0, 1, 0x1a, 0xe1, 0, 0, 0, 0, 0, 0}
	tr := startUDPTracker(t, false, peers)

	c := NewClient(Config{UDPTimeout: time.Second, UDPRetries: 1})
	res, err := c.Announce(context.Background(), tr.url(), testRequest)
	if err != nil {
		t.Fatal(err)
	}
	if res.Interval != 30*time.Minute {
		t.Errorf("interval = %v", res.Interval)
	}
	if len(res.Peers) != 1 || res.Peers[0].String() != "127.0.0.1:6881" {
		t.Errorf("peers = %v (zero entries must be dropped)", res.Peers)
	}
	if ev := atomic.LoadUint32(&tr.lastEvent); ev != announce.EventStarted {
		t.Errorf("event = %d", ev)
	}
}

func TestUDPMismatchedTransactionTimesOut(t *testing.T) {
	tr := startUDPTracker(t, true, nil)

	c := NewClient(Config{UDPTimeout: 20 * time.Millisecond, UDPRetries: 2})
	start := time.Now()
	_, err := c.Announce(context.Background(), tr.url(), testRequest)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if got := atomic.LoadInt32(&tr.connects); got != 3 {
		t.Errorf("tracker saw %d connect attempts, want 3", got)
	}
	// 20ms + 40ms + 80ms of exponential backoff
	if elapsed := time.Since(start); elapsed < 140*time.Millisecond {
		t.Errorf("gave up after %v, backoff not applied", elapsed)
	}
}

func TestUDPConnectionIDReuseAndExpiry(t *testing.T) {
	tr := startUDPTracker(t, false, nil)

	now := time.Now()
	c := NewClient(Config{UDPTimeout: time.Second, UDPRetries: 1})
	c.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if _, err := c.Announce(context.Background(), tr.url(), testRequest); err != nil {
			t.Fatal(err)
		}
	}
	if got := atomic.LoadInt32(&tr.connects); got != 1 {
		t.Fatalf("connect exchanges = %d, want 1 while the id is fresh", got)
	}

	now = now.Add(61 * time.Second)
	if _, err := c.Announce(context.Background(), tr.url(), testRequest); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&tr.connects); got != 2 {
		t.Fatalf("connect exchanges = %d, want 2 after expiry", got)
	}
	if got := atomic.LoadInt32(&tr.announces); got != 3 {
		t.Fatalf("announces = %d, want 3", got)
	}
}

func TestUDPCancelled(t *testing.T) {
	tr := startUDPTracker(t, true, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := NewClient(Config{UDPTimeout: 10 * time.Second, UDPRetries: 3})
	_, err := c.Announce(ctx, tr.url(), testRequest)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestSessionFailoverAndPromotion(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	var fail int32
	good := bencoded(t, map[string]interface{}{"interval": 120, "peers": string([]byte{10, 0, 0, 1, 0, 99})})
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&fail) == 1 {
			w.Write([]byte("nope"))
			return
		}
		w.Write(good)
	}))
	defer live.Close()

	s := NewSession(NewClient(DefaultConfig), deadURL, []string{deadURL, live.URL, ""})
	if !reflect.DeepEqual(s.URLs(), []string{deadURL, live.URL}) {
		t.Fatalf("urls = %v", s.URLs())
	}

	if _, err := s.Announce(context.Background(), testRequest); err != nil {
		t.Fatal(err)
	}
	if s.URL != live.URL || s.Kind != HTTP || s.Interval != 2*time.Minute || len(s.Peers) != 1 {
		t.Errorf("session not updated: %+v", s)
	}
	if s.URLs()[0] != live.URL {
		t.Errorf("working tracker not promoted: %v", s.URLs())
	}

	atomic.StoreInt32(&fail, 1)
	_, err := s.Announce(context.Background(), testRequest)
	if !errors.Is(err, ErrProtocol) || !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected joined protocol and unreachable errors, got %v", err)
	}
	if s.Failures != 1 {
		t.Errorf("failures = %d", s.Failures)
	}
	if len(s.Peers) != 1 || s.Peers[0].String() != "10.0.0.1:99" {
		t.Errorf("previous peer list not kept: %v", s.Peers)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	peers := []Peer{{IP: net.IPv4(1, 2, 3, 4), Port: 5}, {IP: net.ParseIP("::1"), Port: 6}}
	got, err := Unmarshal(Marshal(peers))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].String() != "1.2.3.4:5" {
		t.Errorf("got %v", got)
	}
}
