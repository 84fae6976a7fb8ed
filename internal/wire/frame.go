// Package wire implements the relay's length-prefixed binary frame
// protocol: a 1-byte type code, a 4-byte big-endian length, and a
// payload. It knows nothing about peers, sessions, or message
// semantics — only how to get bytes on and off the wire.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type is a single-byte wire message type code.
type Type byte

const (
	Register     Type = 0x01
	RegisterAck  Type = 0x02
	PeerList     Type = 0x03
	Connect      Type = 0x04
	ConnectAck   Type = 0x05
	Data         Type = 0x06
	Heartbeat    Type = 0x07
	Disconnect   Type = 0x08
	PunchRequest Type = 0x10
	PunchSync    Type = 0x11
	ExternalAddr Type = 0x12
	ErrorMsg     Type = 0xFF
)

// MaxPayloadSize is the largest payload the relay accepts.
const MaxPayloadSize = 10 * 1024 * 1024 // 10 MiB

// ErrOversize is returned by ReadFrame when the declared length exceeds
// MaxPayloadSize. The caller must terminate the connection without a
// reply.
var ErrOversize = errors.New("wire: frame exceeds maximum payload size")

const headerSize = 1 + 4

// Frame is one decoded protocol message.
type Frame struct {
	Type    Type
	Payload []byte
}

// ReadFrame blocks until a full header and payload have been read from r,
// or returns an error. A clean EOF before any header bytes are read is
// returned as io.EOF; a partial header is returned as io.ErrUnexpectedEOF
// via the underlying io.ReadFull call. A failure while reading the
// payload (io.EOF if no payload bytes arrived, io.ErrUnexpectedEOF if
// some did) is returned wrapped as "wire: reading payload: ...".
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	length := binary.BigEndian.Uint32(header[1:5])
	if length > MaxPayloadSize {
		return Frame{}, ErrOversize
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("wire: reading payload: %w", err)
		}
	}

	return Frame{Type: Type(header[0]), Payload: payload}, nil
}

// WriteFrame encodes and writes a single frame to w.
func WriteFrame(w io.Writer, t Type, payload []byte) error {
	header := make([]byte, headerSize, headerSize+len(payload))
	header[0] = byte(t)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(payload)))
	buf := append(header, payload...)
	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("wire: writing frame: %w", err)
	}
	return nil
}

// Encode returns the wire bytes for a frame without writing them anywhere;
// useful for tests and for callers that need to hand a pre-built buffer to
// a per-peer write queue.
func Encode(t Type, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}
