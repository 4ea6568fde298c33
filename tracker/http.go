package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
)

func (c *Client) announceHTTP(ctx context.Context, base *url.URL, req Request) (*Response, error) {
	u := *base
	params := u.Query() // keep passkeys and the like
	params.Set("info_hash", string(req.InfoHash[:]))
	params.Set("peer_id", string(req.PeerID[:]))
	params.Set("port", strconv.Itoa(int(req.Port)))
	params.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	params.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	params.Set("left", strconv.FormatInt(req.Left, 10))
	params.Set("compact", "1")
	params.Set("key", strconv.FormatUint(uint64(req.Key), 16))
	if req.NumWant > 0 {
		params.Set("numwant", strconv.Itoa(int(req.NumWant)))
	}
	if req.Event != EventNone {
		params.Set("event", req.Event.String())
	}
	u.RawQuery = params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	response, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: tracker returned HTTP %d", ErrProtocol, response.StatusCode)
	}

	return parseHTTPResponse(response.Body)
}

// GET request to tracker URL returns a bencoded dictionary with:
//   - interval (time to send GET request for list of peers again)
//   - peers (compact string or list of dictionaries)
//
// or a single "failure reason".
func parseHTTPResponse(r io.Reader) (*Response, error) {
	raw, err := bencode.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable response: %v", ErrProtocol, err)
	}

	dict, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: expected dictionary, got %T", ErrProtocol, raw)
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("%w: tracker failure: %s", ErrProtocol, reason)
	}

	interval, ok := dict["interval"].(int64)
	if !ok || interval < 0 {
		return nil, fmt.Errorf("%w: missing or invalid interval", ErrProtocol)
	}

	res := &Response{Interval: time.Duration(interval) * time.Second}
	if minInterval, ok := dict["min interval"].(int64); ok && minInterval > 0 {
		res.MinInterval = time.Duration(minInterval) * time.Second
	}
	if complete, ok := dict["complete"].(int64); ok {
		res.Seeders = int(complete)
	}
	if incomplete, ok := dict["incomplete"].(int64); ok {
		res.Leechers = int(incomplete)
	}
	if warning, ok := dict["warning message"].(string); ok {
		res.Warning = warning
	}

	switch peers := dict["peers"].(type) {
	case string:
		res.Peers, err = Unmarshal([]byte(peers))
	case []interface{}:
		res.Peers, err = unmarshalDicts(peers)
	default:
		err = fmt.Errorf("%w: missing or invalid peers (%T)", ErrProtocol, peers)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}
