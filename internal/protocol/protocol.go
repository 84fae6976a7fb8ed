// Package protocol implements the per-message-type handlers that sit
// between the wire codec and the peer registry. Each handler takes the
// registry/stats it needs plus the requester's own connection and raw
// payload bytes, and returns the frame (if any) to write back to the
// requester; cross-connection writes (notifications, relay, punch sync)
// are issued directly against the target's *registry.PeerConn.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/omnicloud/relay/internal/registry"
	"github.com/omnicloud/relay/internal/relaylog"
	"github.com/omnicloud/relay/internal/stats"
	"github.com/omnicloud/relay/internal/wire"
)

// Session is the per-connection state a protocol handler needs: which
// registry/stats to consult, the requester's own write handle, its
// observed public endpoint, and (once bound) its peer id.
type Session struct {
	Registry *registry.Registry
	Stats    *stats.Stats
	Conn     *registry.PeerConn

	RemoteIP   string
	RemotePort uint16

	PeerID string    // empty until REGISTER succeeds
	ConnID uuid.UUID // the registry's id for this connection's record, set on REGISTER
}

// Dispatch routes one decoded frame to its handler per the
// AwaitingRegister / Registered state gating. It returns the frame to
// write back to the requester, or a zero Frame if nothing should be
// written (silent drop, server-originated-only type, or unknown type).
func (s *Session) Dispatch(f wire.Frame) (wire.Frame, bool) {
	if s.PeerID == "" {
		if f.Type != wire.Register {
			return wire.Frame{}, false
		}
		return s.handleRegister(f.Payload)
	}

	switch f.Type {
	case wire.Register:
		// First REGISTER is binding; subsequent ones on the same
		// connection are ignored.
		return wire.Frame{}, false
	case wire.PeerList:
		return s.handlePeerList()
	case wire.Connect:
		return s.handleConnect(f.Payload)
	case wire.Data:
		return s.handleData(f.Payload)
	case wire.Heartbeat:
		return s.handleHeartbeat()
	case wire.PunchRequest:
		return s.handlePunchRequest(f.Payload)
	case wire.ExternalAddr:
		return s.handleExternalAddr(f.Payload)
	default:
		return wire.Frame{}, false
	}
}

func errorFrame(msg string) wire.Frame {
	return wire.Frame{Type: wire.ErrorMsg, Payload: []byte(msg)}
}

func notify(conn *registry.PeerConn, t wire.Type, payload []byte) {
	if err := wire.WriteFrame(conn, t, payload); err != nil {
		relaylog.Debugf("notify write failed: %v", err)
	}
}

// handleRegister decodes a REGISTER frame: peer_id_len | peer_id |
// session_code_len | session_code [ | priv_ip_len | priv_ip |
// priv_port(2B) ]?
func (s *Session) handleRegister(payload []byte) (wire.Frame, bool) {
	peerID, off, err := wire.ReadString(payload, 0)
	if err != nil {
		return errorFrame("malformed REGISTER: " + err.Error()), true
	}
	sessionCode, off, err := wire.ReadString(payload, off)
	if err != nil {
		return errorFrame("malformed REGISTER: " + err.Error()), true
	}

	var priv registry.Endpoint
	if off < len(payload) {
		privIP, next, err := wire.ReadString(payload, off)
		if err != nil {
			return errorFrame("malformed REGISTER: " + err.Error()), true
		}
		privPort, next, err := wire.ReadPort(payload, next)
		if err != nil {
			return errorFrame("malformed REGISTER: " + err.Error()), true
		}
		priv = registry.Endpoint{IP: privIP, Port: privPort}
		off = next
	}

	pub := registry.Endpoint{IP: s.RemoteIP, Port: s.RemotePort}

	rec, mates := s.Registry.Register(peerID, sessionCode, pub, priv, s.Conn)
	s.PeerID = peerID
	s.ConnID = rec.ConnID
	s.Stats.IncConnections()

	joined, err := buildPeerListEntry(peerID, pub)
	if err == nil {
		notifyPayload := append([]byte{1}, joined...)
		for _, mate := range mates {
			notify(mate.Conn, wire.PeerList, notifyPayload)
		}
	}

	relaylog.Infof("peer %q registered under session %q", peerID, sessionCode)
	return wire.Frame{Type: wire.RegisterAck, Payload: []byte("OK")}, true
}

func buildPeerListEntry(peerID string, ep registry.Endpoint) ([]byte, error) {
	var buf []byte
	buf, err := wire.AppendString(buf, peerID)
	if err != nil {
		return nil, err
	}
	return wire.AppendEndpoint(buf, ep)
}

// handlePeerList answers a PEER_LIST request: returns every session
// mate except the requester.
func (s *Session) handlePeerList() (wire.Frame, bool) {
	if _, ok := s.Registry.Find(s.PeerID); !ok {
		return errorFrame("Not registered"), true
	}

	mates := s.Registry.SessionMates(s.PeerID)
	if len(mates) > 255 {
		relaylog.Warnf("peer %q has %d session mates, truncating PEER_LIST to 255", s.PeerID, len(mates))
		mates = mates[:255]
	}
	buf := []byte{byte(len(mates))}
	for _, mate := range mates {
		entry, err := buildPeerListEntry(mate.PeerID, mate.PublicEndpoint)
		if err != nil {
			continue
		}
		buf = append(buf, entry...)
	}
	return wire.Frame{Type: wire.PeerList, Payload: buf}, true
}

// handleConnect handles a CONNECT request, introducing the requester
// to its target.
func (s *Session) handleConnect(payload []byte) (wire.Frame, bool) {
	targetID, _, err := wire.ReadString(payload, 0)
	if err != nil {
		return errorFrame("Peer not found"), true
	}

	requester, ok := s.Registry.Find(s.PeerID)
	if !ok {
		return errorFrame("Not registered"), true
	}
	target, ok := s.Registry.Find(targetID)
	if !ok {
		return errorFrame("Peer not found"), true
	}
	if requester.SessionCode != target.SessionCode {
		return errorFrame("Session mismatch"), true
	}

	toTarget, err := buildConnectDescriptor(requester)
	if err == nil {
		notify(target.Conn, wire.Connect, toTarget)
	}

	toRequester, err := buildConnectDescriptor(target)
	if err != nil {
		return errorFrame("internal error"), true
	}

	s.Stats.IncIntroductions()
	return wire.Frame{Type: wire.ConnectAck, Payload: toRequester}, true
}

// buildConnectDescriptor builds id_len|id|ip_len|ip|port(2B)[|priv_ip_len|
// priv_ip|priv_port(2B)]? for rec.
func buildConnectDescriptor(rec *registry.PeerRecord) ([]byte, error) {
	var buf []byte
	buf, err := wire.AppendString(buf, rec.PeerID)
	if err != nil {
		return nil, err
	}
	buf, err = wire.AppendEndpoint(buf, rec.PublicEndpoint)
	if err != nil {
		return nil, err
	}
	if rec.PrivateEndpoint.IP != "" {
		buf, err = wire.AppendEndpoint(buf, rec.PrivateEndpoint)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// handlePunchRequest coordinates hole-punch timing between two peers.
func (s *Session) handlePunchRequest(payload []byte) (wire.Frame, bool) {
	targetID, _, err := wire.ReadString(payload, 0)
	if err != nil {
		return errorFrame("Peer not found"), true
	}

	requester, ok := s.Registry.Find(s.PeerID)
	if !ok {
		return errorFrame("Not registered"), true
	}
	target, ok := s.Registry.Find(targetID)
	if !ok {
		return errorFrame("Peer not found"), true
	}
	if requester.SessionCode != target.SessionCode {
		return errorFrame("Session mismatch"), true
	}

	punchTime := uint64(time.Now().UnixMilli()) + 500

	toTarget, err := buildPunchSync(punchTime, requester.PublicEndpoint)
	if err == nil {
		notify(target.Conn, wire.PunchSync, toTarget)
	}

	toRequester, err := buildPunchSync(punchTime, target.PublicEndpoint)
	if err != nil {
		return errorFrame("internal error"), true
	}
	return wire.Frame{Type: wire.PunchSync, Payload: toRequester}, true
}

// buildPunchSync builds T(8B BE) || ip_len | ip | port(2B).
func buildPunchSync(t uint64, ep registry.Endpoint) ([]byte, error) {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(t)
		t >>= 8
	}
	return wire.AppendEndpoint(buf, ep)
}

// handleData relays an opaque payload to its target; all failure paths
// are silent drops.
func (s *Session) handleData(payload []byte) (wire.Frame, bool) {
	targetID, off, err := wire.ReadString(payload, 0)
	if err != nil {
		relaylog.Warnf("DATA from %q: malformed payload: %v", s.PeerID, err)
		return wire.Frame{}, false
	}
	opaque := payload[off:]

	target, ok := s.Registry.Find(targetID)
	if !ok {
		relaylog.Warnf("DATA from %q: target %q not found", s.PeerID, targetID)
		return wire.Frame{}, false
	}
	if !s.Registry.SameSession(s.PeerID, targetID) {
		relaylog.Warnf("DATA from %q: session mismatch with target %q", s.PeerID, targetID)
		return wire.Frame{}, false
	}

	relayPayload, err := wire.AppendString(nil, s.PeerID)
	if err != nil {
		return wire.Frame{}, false
	}
	relayPayload = append(relayPayload, opaque...)

	if err := wire.WriteFrame(target.Conn, wire.Data, relayPayload); err != nil {
		relaylog.Debugf("DATA relay to %q failed: %v", targetID, err)
		return wire.Frame{}, false
	}

	s.Stats.AddBytesRelayed(len(opaque))
	s.Registry.AddRelayed(s.PeerID, len(opaque))
	return wire.Frame{}, false
}

// handleHeartbeat refreshes the requester's last-seen timestamp.
func (s *Session) handleHeartbeat() (wire.Frame, bool) {
	s.Registry.TouchHeartbeat(s.PeerID)
	return wire.Frame{Type: wire.Heartbeat}, true
}

// handleExternalAddr records the peer's self-reported external address
// and derives its NAT classification; never replies.
func (s *Session) handleExternalAddr(payload []byte) (wire.Frame, bool) {
	ip, _, err := wire.ReadString(payload, 0)
	if err != nil {
		relaylog.Debugf("EXTERNAL_ADDR from %q: malformed payload: %v", s.PeerID, err)
		return wire.Frame{}, false
	}

	rec, ok := s.Registry.Find(s.PeerID)
	if !ok {
		return wire.Frame{}, false
	}

	natType := registry.NATCone
	if ip != rec.PublicEndpoint.IP {
		natType = registry.NATSymmetric
	}
	s.Registry.SetNATType(s.PeerID, natType)
	return wire.Frame{}, false
}

// Disconnect builds the server-originated DISCONNECT payload naming
// departedID.
func Disconnect(departedID string) ([]byte, error) {
	buf, err := wire.AppendString(nil, departedID)
	if err != nil {
		return nil, fmt.Errorf("protocol: building DISCONNECT: %w", err)
	}
	return buf, nil
}
