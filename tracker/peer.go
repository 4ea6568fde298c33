package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/samber/lo"
)

type Peer struct {
	IP   net.IP
	Port uint16
}

// Unmarshal peers list from the tracker.
//
// Each peer is 6 bytes long: 4 for IP and 2 for port number.
// Hence, peers list has to be a multiple of 6.
func Unmarshal(peersBinary []byte) ([]Peer, error) {
	const peerSize = 6
	if len(peersBinary)%peerSize != 0 {
		err := fmt.Errorf("%w: received malformed binary of peers (%d bytes)", ErrProtocol, len(peersBinary))
		return nil, err
	}

	numPeers := len(peersBinary) / peerSize
	peers := make([]Peer, numPeers)
	for i := 0; i < numPeers; i++ {
		offset := i * peerSize
		peers[i].IP = net.IP(append([]byte(nil), peersBinary[offset:offset+4]...))
		peers[i].Port = binary.BigEndian.Uint16(peersBinary[offset+4 : offset+6])
	}

	return peers, nil
}

// Marshal is the inverse of Unmarshal; IPv6 peers are skipped.
func Marshal(peers []Peer) []byte {
	buf := make([]byte, 0, 6*len(peers))
	for _, p := range peers {
		ip4 := p.IP.To4()
		if ip4 == nil {
			continue
		}
		buf = append(buf, ip4...)
		buf = binary.BigEndian.AppendUint16(buf, p.Port)
	}
	return buf
}

// unmarshalDicts parses the non-compact list of {ip, port} dictionaries.
func unmarshalDicts(list []interface{}) ([]Peer, error) {
	peers := make([]Peer, 0, len(list))
	for i, entry := range list {
		dict, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: peer %d is not a dictionary", ErrProtocol, i)
		}

		ipStr, ok := dict["ip"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: peer %d missing ip", ErrProtocol, i)
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			// hostnames are allowed by BEP-3 but not worth a lookup here
			continue
		}

		port, ok := dict["port"].(int64)
		if !ok || port < 0 || port > 65535 {
			return nil, fmt.Errorf("%w: peer %d has invalid port", ErrProtocol, i)
		}
		peers = append(peers, Peer{IP: ip, Port: uint16(port)})
	}
	return peers, nil
}

// usable drops zero entries and duplicate addresses.
func usable(peers []Peer) []Peer {
	peers = lo.Filter(peers, func(p Peer, _ int) bool {
		return p.Port != 0 && !p.IP.IsUnspecified()
	})
	return lo.UniqBy(peers, Peer.String)
}

// Return Peer ip and port with suitable format - ip:port
func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}
