package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/prxssh/rabbit/internal/cast"
)

// decodePeers decodes a tracker's "peers" value, which may be either the
// compact form (a single byte string, 6 bytes per peer: 4-byte IPv4 +
// 2-byte big-endian port) or the original dictionary-list form (a list of
// {ip, port} dictionaries).
func decodePeers(v any) ([]netip.AddrPort, error) {
	if v == nil {
		return nil, nil
	}

	switch x := v.(type) {
	case string:
		return decodeCompactPeers([]byte(x))
	case []byte:
		return decodeCompactPeers(x)
	case []any:
		return decodeDictPeers(x)
	default:
		return nil, fmt.Errorf("tracker: unexpected peers type %T", v)
	}
}

func decodeCompactPeers(raw []byte) ([]netip.AddrPort, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d is not a multiple of 6", len(raw))
	}

	peers := make([]netip.AddrPort, 0, len(raw)/6)
	for i := 0; i+6 <= len(raw); i += 6 {
		addr := netip.AddrFrom4([4]byte{raw[i], raw[i+1], raw[i+2], raw[i+3]})
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, netip.AddrPortFrom(addr, port))
	}
	return peers, nil
}

func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tracker: peers entry is not a dictionary")
		}

		ipStr, err := cast.ToString(entry["ip"])
		if err != nil {
			return nil, fmt.Errorf("tracker: peers entry ip: %w", err)
		}
		port, err := cast.ToInt(entry["port"])
		if err != nil {
			return nil, fmt.Errorf("tracker: peers entry port: %w", err)
		}

		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("tracker: peers entry ip %q: %w", ipStr, err)
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(port)))
	}
	return peers, nil
}
