package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"leech/announce"
	"leech/helper"
)

const maxPacketLen = 2048

var udpEvents = map[Event]uint32{
	EventNone:      announce.EventNone,
	EventStarted:   announce.EventStarted,
	EventCompleted: announce.EventCompleted,
	EventStopped:   announce.EventStopped,
}

func (c *Client) announceUDP(ctx context.Context, host string, req Request) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.Close()

	// unblock a pending read when the caller gives up
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	connectionID, err := c.connectionID(ctx, conn, host)
	if err != nil {
		return nil, err
	}

	announceReq := &announce.Announce{
		ConnectionID: connectionID,
		InfoHash:     req.InfoHash,
		PeerID:       req.PeerID,
		Downloaded:   uint64(req.Downloaded),
		Left:         uint64(req.Left),
		Uploaded:     uint64(req.Uploaded),
		Event:        udpEvents[req.Event],
		Key:          req.Key,
		NumWant:      -1,
		Port:         req.Port,
	}
	if req.NumWant > 0 {
		announceReq.NumWant = req.NumWant
	}

	buf, err := c.roundTrip(ctx, conn, announce.ActionAnnounce, func(tid uint32) []byte {
		announceReq.TransactionID = tid
		return announceReq.Serialize()
	})
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			c.forget(host)
		}
		return nil, err
	}

	announceRes, err := announce.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	peers, err := Unmarshal(announceRes.Peers)
	if err != nil {
		return nil, err
	}
	return &Response{
		Interval: time.Duration(announceRes.Interval) * time.Second,
		Seeders:  int(announceRes.Seeders),
		Leechers: int(announceRes.Leechers),
		Peers:    peers,
	}, nil
}

// connectionID returns a cached connection id for host or performs the
// connect step to obtain a fresh one.
func (c *Client) connectionID(ctx context.Context, conn net.Conn, host string) (uint64, error) {
	c.mu.Lock()
	cached, ok := c.conns[host]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.obtained) < connectionIDTTL {
		return cached.id, nil
	}

	buf, err := c.roundTrip(ctx, conn, announce.ActionConnect, func(tid uint32) []byte {
		return announce.NewConnect(tid).Serialize()
	})
	if err != nil {
		return 0, err
	}

	connectRes, err := announce.ReadConnect(buf)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	c.mu.Lock()
	c.conns[host] = connection{id: connectRes.ConnectionID, obtained: c.now()}
	c.mu.Unlock()
	return connectRes.ConnectionID, nil
}

func (c *Client) forget(host string) {
	c.mu.Lock()
	delete(c.conns, host)
	c.mu.Unlock()
}

// roundTrip sends the packet built for a fresh transaction id and waits for
// the matching response. Packets carrying another transaction id are
// ignored. An attempt that sees no match before its deadline is retried
// with a doubled timeout until the retries are used up.
func (c *Client) roundTrip(ctx context.Context, conn net.Conn, action uint32, build func(tid uint32) []byte) ([]byte, error) {
	timeout := c.cfg.UDPTimeout
	buf := make([]byte, maxPacketLen)

	for attempt := 0; attempt <= c.cfg.UDPRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tid := helper.GenerateTransactionID()
		if _, err := conn.Write(build(tid)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		conn.SetReadDeadline(time.Now().Add(timeout))

		for {
			n, err := conn.Read(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					break
				}
				return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
			}

			gotAction, gotTID, err := announce.ReadHeader(buf[:n])
			if err != nil || gotTID != tid {
				continue
			}
			if gotAction == announce.ActionError {
				return nil, fmt.Errorf("%w: %s", ErrProtocol, announce.ReadError(buf[:n]))
			}
			if gotAction != action {
				return nil, fmt.Errorf("%w: expected action %d, received %d", ErrProtocol, action, gotAction)
			}
			return append([]byte(nil), buf[:n]...), nil
		}
		timeout *= 2
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: no matching response after %d attempts", ErrTimeout, c.cfg.UDPRetries+1)
}
