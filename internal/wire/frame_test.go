package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripFrame(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		payload []byte
	}{
		{"empty payload", Heartbeat, nil},
		{"register", Register, []byte{3, 'a', 'b', 'c', 3, 'x', 'y', 'z'}},
		{"binary data", Data, []byte{0x00, 0xFF, 0x10, 0x00}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, tc.typ, tc.payload))

			got, err := ReadFrame(&buf)
			require.NoError(t, err)
			require.Equal(t, tc.typ, got.Type)
			require.Equal(t, len(tc.payload), len(got.Payload))
			require.True(t, bytes.Equal(tc.payload, got.Payload))
		})
	}
}

func TestReadFrameAcceptsMaxSize(t *testing.T) {
	payload := make([]byte, MaxPayloadSize)
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Data, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Len(t, got.Payload, MaxPayloadSize)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	// Hand-craft a header declaring one byte over the cap; don't actually
	// allocate MaxPayloadSize+1 bytes of payload since ReadFrame must
	// reject before trying to read it.
	header := Encode(Data, nil)[:1]
	header = append(header, 0, 0, 0, 0)
	// length = MaxPayloadSize + 1
	header[1] = byte((MaxPayloadSize + 1) >> 24)
	header[2] = byte((MaxPayloadSize + 1) >> 16)
	header[3] = byte((MaxPayloadSize + 1) >> 8)
	header[4] = byte(MaxPayloadSize + 1)

	_, err := ReadFrame(bytes.NewReader(header))
	require.ErrorIs(t, err, ErrOversize)
}

func TestReadFramePartialHeaderIsUnexpectedEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x01, 0x00}))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEndpointRoundTrip(t *testing.T) {
	var buf []byte
	buf, err := AppendEndpoint(buf, Endpoint{IP: "203.0.113.9", Port: 51820})
	require.NoError(t, err)

	ep, offset, err := ReadEndpoint(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9", ep.IP)
	require.Equal(t, uint16(51820), ep.Port)
	require.Equal(t, len(buf), offset)
}

func TestAppendStringRejectsOverlong(t *testing.T) {
	_, err := AppendString(nil, strings.Repeat("x", 256))
	require.Error(t, err)
}

func TestReadStringTruncated(t *testing.T) {
	// Declares a 10-byte string but the buffer only has 2 bytes after the
	// length prefix.
	_, _, err := ReadString([]byte{10, 'a', 'b'}, 0)
	require.ErrorIs(t, err, ErrTruncated)
}
