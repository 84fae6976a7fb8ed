package registry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal net.Conn for registry tests that never touch the
// network; only Write/Close matter here.
type fakeConn struct {
	net.Conn
	closed bool
}

func (f *fakeConn) Write(b []byte) (int, error) { return len(b), nil }
func (f *fakeConn) Close() error                { f.closed = true; return nil }

func newTestConn() *PeerConn {
	return NewPeerConn(&fakeConn{})
}

func TestRegisterCreatesRecordAndSessionEntry(t *testing.T) {
	r := New()
	rec, mates := r.Register("a", "xyz", Endpoint{IP: "1.2.3.4", Port: 1000}, Endpoint{}, newTestConn())

	require.Equal(t, "a", rec.PeerID)
	require.Equal(t, "xyz", rec.SessionCode)
	require.Empty(t, mates)
	require.Equal(t, 1, r.ActivePeerCount())
	require.Equal(t, 1, r.ActiveSessionCount())
}

func TestRegisterSameIDTwiceEndsUpOnlyUnderLatestSession(t *testing.T) {
	r := New()
	r.Register("p", "s1", Endpoint{}, Endpoint{}, newTestConn())
	r.Register("p", "s2", Endpoint{}, Endpoint{}, newTestConn())

	rec, ok := r.Find("p")
	require.True(t, ok)
	require.Equal(t, "s2", rec.SessionCode)
	require.Equal(t, 1, r.ActiveSessionCount())

	mates := r.SessionMates("p")
	require.Empty(t, mates)
}

func TestRegisterNotifiesExistingSessionMates(t *testing.T) {
	r := New()
	r.Register("a", "xyz", Endpoint{}, Endpoint{}, newTestConn())
	_, mates := r.Register("b", "xyz", Endpoint{}, Endpoint{}, newTestConn())

	require.Len(t, mates, 1)
	require.Equal(t, "a", mates[0].PeerID)
}

func TestSessionMatesExcludesRequester(t *testing.T) {
	r := New()
	r.Register("a", "xyz", Endpoint{}, Endpoint{}, newTestConn())
	r.Register("b", "xyz", Endpoint{}, Endpoint{}, newTestConn())
	r.Register("c", "xyz", Endpoint{}, Endpoint{}, newTestConn())

	mates := r.SessionMates("a")
	require.Len(t, mates, 2)
	for _, m := range mates {
		require.NotEqual(t, "a", m.PeerID)
	}
}

func TestSingleSessionMemberSeesNoMates(t *testing.T) {
	r := New()
	r.Register("solo", "lonely", Endpoint{}, Endpoint{}, newTestConn())
	require.Empty(t, r.SessionMates("solo"))
}

func TestRemoveDropsEmptySessionEntry(t *testing.T) {
	r := New()
	r.Register("a", "xyz", Endpoint{}, Endpoint{}, newTestConn())

	_, mates, ok := r.Remove("a")
	require.True(t, ok)
	require.Empty(t, mates)
	require.Equal(t, 0, r.ActivePeerCount())
	require.Equal(t, 0, r.ActiveSessionCount())

	_, found := r.Find("a")
	require.False(t, found)
}

func TestRemoveNotifiesRemainingMates(t *testing.T) {
	r := New()
	r.Register("a", "xyz", Endpoint{}, Endpoint{}, newTestConn())
	r.Register("b", "xyz", Endpoint{}, Endpoint{}, newTestConn())

	_, mates, ok := r.Remove("a")
	require.True(t, ok)
	require.Len(t, mates, 1)
	require.Equal(t, "b", mates[0].PeerID)
	require.Equal(t, 1, r.ActivePeerCount())
	require.Equal(t, 1, r.ActiveSessionCount())
}

func TestRemoveUnknownPeerIsNoop(t *testing.T) {
	r := New()
	rec, mates, ok := r.Remove("ghost")
	require.False(t, ok)
	require.Nil(t, rec)
	require.Nil(t, mates)
}

func TestRegisterClosesDisplacedConnection(t *testing.T) {
	r := New()
	firstConn := &fakeConn{}
	r.Register("p", "xyz", Endpoint{}, Endpoint{}, NewPeerConn(firstConn))
	r.Register("p", "xyz", Endpoint{}, Endpoint{}, newTestConn())

	require.True(t, firstConn.closed)
}

func TestRemoveByConnNoopsAgainstReplacedRegistration(t *testing.T) {
	r := New()
	first, _ := r.Register("p", "xyz", Endpoint{}, Endpoint{}, newTestConn())
	staleConnID := first.ConnID

	r.Register("p", "xyz", Endpoint{}, Endpoint{}, newTestConn())

	rec, mates, ok := r.RemoveByConn("p", staleConnID)
	require.False(t, ok)
	require.Nil(t, rec)
	require.Nil(t, mates)

	current, found := r.Find("p")
	require.True(t, found)
	require.Equal(t, "p", current.PeerID)
}

func TestRemoveByConnRemovesCurrentRegistration(t *testing.T) {
	r := New()
	rec, _ := r.Register("p", "xyz", Endpoint{}, Endpoint{}, newTestConn())

	removed, _, ok := r.RemoveByConn("p", rec.ConnID)
	require.True(t, ok)
	require.Equal(t, "p", removed.PeerID)

	_, found := r.Find("p")
	require.False(t, found)
}

func TestSameSession(t *testing.T) {
	r := New()
	r.Register("a", "xyz", Endpoint{}, Endpoint{}, newTestConn())
	r.Register("b", "xyz", Endpoint{}, Endpoint{}, newTestConn())
	r.Register("c", "other", Endpoint{}, Endpoint{}, newTestConn())

	require.True(t, r.SameSession("a", "b"))
	require.False(t, r.SameSession("a", "c"))
	require.False(t, r.SameSession("a", "ghost"))
}

func TestTouchHeartbeatUpdatesTimestamp(t *testing.T) {
	r := New()
	r.Register("a", "xyz", Endpoint{}, Endpoint{}, newTestConn())
	rec, _ := r.Find("a")
	before := rec.LastHeartbeat

	time.Sleep(time.Millisecond)
	r.TouchHeartbeat("a")

	rec, _ = r.Find("a")
	require.True(t, rec.LastHeartbeat.After(before))
}

func TestTouchHeartbeatOnUnknownPeerIsNoop(t *testing.T) {
	r := New()
	require.NotPanics(t, func() { r.TouchHeartbeat("ghost") })
}

func TestSetNATType(t *testing.T) {
	r := New()
	r.Register("a", "xyz", Endpoint{}, Endpoint{}, newTestConn())
	r.SetNATType("a", NATSymmetric)

	rec, _ := r.Find("a")
	require.Equal(t, NATSymmetric, rec.NATType)
}

func TestAddRelayedAccumulates(t *testing.T) {
	r := New()
	r.Register("a", "xyz", Endpoint{}, Endpoint{}, newTestConn())
	r.AddRelayed("a", 10)
	r.AddRelayed("a", 5)

	rec, _ := r.Find("a")
	require.EqualValues(t, 15, rec.RelayedBytes)
}

func TestStalePeerIDs(t *testing.T) {
	r := New()
	r.Register("fresh", "xyz", Endpoint{}, Endpoint{}, newTestConn())
	r.Register("stale", "xyz", Endpoint{}, Endpoint{}, newTestConn())

	rec, _ := r.Find("stale")
	rec.LastHeartbeat = time.Now().Add(-100 * time.Second)

	stale := r.StalePeerIDs(90*time.Second, time.Now())
	require.Equal(t, []string{"stale"}, stale)
}

func TestPeerConnSerializesWrites(t *testing.T) {
	pc := newTestConn()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_, _ = pc.Write([]byte("x"))
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		_, _ = pc.Write([]byte("y"))
	}
	<-done
}
