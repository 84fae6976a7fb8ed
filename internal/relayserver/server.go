// Package relayserver owns the TCP accept loop, the per-connection
// AwaitingRegister/Registered/Closing state machine, and the janitor
// that evicts stale peers. It is the glue between internal/wire,
// internal/registry, and internal/protocol.
package relayserver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/omnicloud/relay/internal/protocol"
	"github.com/omnicloud/relay/internal/registry"
	"github.com/omnicloud/relay/internal/relaylog"
	"github.com/omnicloud/relay/internal/stats"
	"github.com/omnicloud/relay/internal/wire"
)

// Server is the relay's TCP listener plus the registry and stats it
// hands to every connection's protocol session.
type Server struct {
	bindAddr string

	Registry *registry.Registry
	Stats    *stats.Stats

	listener net.Listener
}

// New returns a Server bound to host:port (not yet listening).
func New(host string, port int, reg *registry.Registry, st *stats.Stats) *Server {
	return &Server{
		bindAddr: fmt.Sprintf("%s:%d", host, port),
		Registry: reg,
		Stats:    st,
	}
}

// Start listens on the configured bind address and accepts connections
// until ctx is cancelled. Blocks; run it in its own goroutine.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bindAddr)
	if err != nil {
		return fmt.Errorf("relayserver: listen on %s: %w", s.bindAddr, err)
	}
	s.listener = ln
	relaylog.Infof("relay listening on %s", s.bindAddr)

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				relaylog.Infof("relay shutting down")
				return nil
			default:
				relaylog.Warnf("accept error: %v", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

// handleConnection implements the AwaitingRegister -> Registered ->
// Closing state machine for one accepted connection.
func (s *Server) handleConnection(conn net.Conn) {
	peerConn := registry.NewPeerConn(conn)
	sess := &protocol.Session{
		Registry: s.Registry,
		Stats:    s.Stats,
		Conn:     peerConn,
	}

	if host, port, ok := splitHostPort(conn.RemoteAddr()); ok {
		sess.RemoteIP = host
		sess.RemotePort = port
	}

	defer s.closeConnection(conn, sess)

	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			relaylog.Debugf("connection %s closed: %v", conn.RemoteAddr(), err)
			return
		}

		reply, shouldReply := sess.Dispatch(f)
		if !shouldReply {
			continue
		}
		if err := wire.WriteFrame(peerConn, reply.Type, reply.Payload); err != nil {
			relaylog.Debugf("write to %s failed: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

// closeConnection implements the Closing state: if the connection had a
// bound peer id, remove it from the registry and notify session mates.
func (s *Server) closeConnection(conn net.Conn, sess *protocol.Session) {
	conn.Close()
	if sess.PeerID == "" {
		return
	}

	_, mates, ok := s.Registry.RemoveByConn(sess.PeerID, sess.ConnID)
	if !ok {
		return
	}

	payload, err := protocol.Disconnect(sess.PeerID)
	if err != nil {
		return
	}
	for _, mate := range mates {
		if err := wire.WriteFrame(mate.Conn, wire.Disconnect, payload); err != nil {
			relaylog.Debugf("DISCONNECT notify to %q failed: %v", mate.PeerID, err)
		}
	}
	relaylog.Infof("peer %q disconnected", sess.PeerID)
}

func splitHostPort(addr net.Addr) (string, uint16, bool) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", 0, false
	}
	return tcpAddr.IP.String(), uint16(tcpAddr.Port), true
}

// RunJanitor scans the registry on interval, evicting any peer whose
// last heartbeat exceeds threshold and notifying its session mates.
// Runs until ctx is cancelled.
func RunJanitor(ctx context.Context, reg *registry.Registry, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepStale(reg, threshold)
		}
	}
}

func sweepStale(reg *registry.Registry, threshold time.Duration) {
	now := time.Now()
	for _, peerID := range reg.StalePeerIDs(threshold, now) {
		rec, mates, ok := reg.Remove(peerID)
		if !ok {
			continue
		}
		rec.Conn.Close()
		relaylog.Infof("janitor evicted stale peer %q", peerID)

		payload, err := protocol.Disconnect(peerID)
		if err != nil {
			continue
		}
		for _, mate := range mates {
			if err := wire.WriteFrame(mate.Conn, wire.Disconnect, payload); err != nil {
				relaylog.Debugf("DISCONNECT notify to %q failed: %v", mate.PeerID, err)
			}
		}
	}
}
