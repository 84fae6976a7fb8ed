package wire

import (
	"encoding/binary"
	"fmt"
)

// Length-prefixed string and endpoint helpers shared by every protocol
// handler. Every identifier, IP, and session code on the wire is prefixed
// by a single length byte (max 255 bytes); ports are 2-byte big-endian.

// ErrTruncated is returned by the Read* helpers when the declared length
// of a field runs past the end of the buffer.
var ErrTruncated = fmt.Errorf("wire: field declares a length past the end of the payload")

// AppendString writes a length-prefixed (1-byte length) string.
func AppendString(buf []byte, s string) ([]byte, error) {
	if len(s) > 255 {
		return nil, fmt.Errorf("wire: string %q exceeds 255-byte field limit", s)
	}
	buf = append(buf, byte(len(s)))
	buf = append(buf, s...)
	return buf, nil
}

// AppendPort writes a 2-byte big-endian port.
func AppendPort(buf []byte, port uint16) []byte {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], port)
	return append(buf, p[:]...)
}

// ReadString reads a length-prefixed string starting at offset, returning
// the string and the offset just past it.
func ReadString(payload []byte, offset int) (string, int, error) {
	if offset >= len(payload) {
		return "", 0, ErrTruncated
	}
	n := int(payload[offset])
	offset++
	if offset+n > len(payload) {
		return "", 0, ErrTruncated
	}
	return string(payload[offset : offset+n]), offset + n, nil
}

// ReadPort reads a 2-byte big-endian port starting at offset.
func ReadPort(payload []byte, offset int) (uint16, int, error) {
	if offset+2 > len(payload) {
		return 0, 0, ErrTruncated
	}
	return binary.BigEndian.Uint16(payload[offset : offset+2]), offset + 2, nil
}

// Endpoint is an (ip, port) pair as it appears in PEER_LIST, CONNECT, and
// PUNCH_SYNC payloads.
type Endpoint struct {
	IP   string
	Port uint16
}

// AppendEndpoint writes ip_len | ip | port(2B).
func AppendEndpoint(buf []byte, ep Endpoint) ([]byte, error) {
	buf, err := AppendString(buf, ep.IP)
	if err != nil {
		return nil, err
	}
	return AppendPort(buf, ep.Port), nil
}

// ReadEndpoint reads ip_len | ip | port(2B) starting at offset.
func ReadEndpoint(payload []byte, offset int) (Endpoint, int, error) {
	ip, offset, err := ReadString(payload, offset)
	if err != nil {
		return Endpoint{}, 0, err
	}
	port, offset, err := ReadPort(payload, offset)
	if err != nil {
		return Endpoint{}, 0, err
	}
	return Endpoint{IP: ip, Port: port}, offset, nil
}
