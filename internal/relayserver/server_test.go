package relayserver

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omnicloud/relay/internal/registry"
	"github.com/omnicloud/relay/internal/stats"
	"github.com/omnicloud/relay/internal/wire"
)

func registerPayload(peerID, sessionCode string) []byte {
	buf, _ := wire.AppendString(nil, peerID)
	buf, _ = wire.AppendString(buf, sessionCode)
	return buf
}

// dialingServer starts a Server on an ephemeral localhost port for
// end-to-end handler tests.
func dialingServer(t *testing.T) (*Server, string, func()) {
	t.Helper()
	reg := registry.New()
	st := stats.New()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &Server{Registry: reg, Stats: st, listener: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handleConnection(conn)
		}
	}()

	return s, ln.Addr().String(), func() { ln.Close() }
}

func TestRegisterThenHeartbeatRoundTrip(t *testing.T) {
	s, addr, cleanup := dialingServer(t)
	defer cleanup()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteFrame(conn, wire.Register, registerPayload("a", "xyz")))
	f, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.RegisterAck, f.Type)

	require.NoError(t, wire.WriteFrame(conn, wire.Heartbeat, nil))
	f, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.Heartbeat, f.Type)

	require.Equal(t, 1, s.Registry.ActivePeerCount())
}

func TestConnectionCloseRemovesPeerAndNotifiesMate(t *testing.T) {
	s, addr, cleanup := dialingServer(t)
	defer cleanup()

	connA, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(connA, wire.Register, registerPayload("a", "xyz")))
	_, err = wire.ReadFrame(connA)
	require.NoError(t, err)

	connB, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer connB.Close()
	require.NoError(t, wire.WriteFrame(connB, wire.Register, registerPayload("b", "xyz")))
	_, err = wire.ReadFrame(connB)
	require.NoError(t, err)

	connA.Close()

	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := wire.ReadFrame(connB)
	require.NoError(t, err)
	require.Equal(t, wire.Disconnect, f.Type)

	id, _, err := wire.ReadString(f.Payload, 0)
	require.NoError(t, err)
	require.Equal(t, "a", id)

	require.Eventually(t, func() bool {
		return s.Registry.ActivePeerCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestJanitorEvictsStalePeerAndNotifiesMate(t *testing.T) {
	reg := registry.New()

	connA := &fakeNetConn{}
	connB := &fakeNetConn{}
	_, _ = reg.Register("a", "xyz", registry.Endpoint{IP: "1.1.1.1", Port: 1}, registry.Endpoint{}, registry.NewPeerConn(connA))
	recB, _ := reg.Register("b", "xyz", registry.Endpoint{IP: "2.2.2.2", Port: 2}, registry.Endpoint{}, registry.NewPeerConn(connB))

	recA, _ := reg.Find("a")
	recA.LastHeartbeat = time.Now().Add(-100 * time.Second)

	sweepStale(reg, 90*time.Second)

	require.Equal(t, 1, reg.ActivePeerCount())
	_, stillThere := reg.Find("b")
	require.True(t, stillThere)
	require.NotNil(t, recB)

	f, err := wire.ReadFrame(connB.writes())
	require.NoError(t, err)
	require.Equal(t, wire.Disconnect, f.Type)
}

// fakeNetConn is a minimal net.Conn that records writes for inspection
// without touching the network.
type fakeNetConn struct {
	net.Conn
	out []byte
}

func (f *fakeNetConn) Write(b []byte) (int, error) {
	f.out = append(f.out, b...)
	return len(b), nil
}
func (f *fakeNetConn) Close() error { return nil }

func (f *fakeNetConn) writes() *byteReader { return &byteReader{data: f.out} }

// byteReader adapts a byte slice to io.Reader for ReadFrame in tests.
type byteReader struct {
	data []byte
	pos  int
}

func (b *byteReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, net.ErrClosed
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
