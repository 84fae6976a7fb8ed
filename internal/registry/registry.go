// Package registry holds the relay's authoritative in-memory peer and
// session state: the peer table and the session index, kept consistent
// under one exclusive lock so every mutation observes and leaves behind
// the same snapshot across both indices.
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omnicloud/relay/internal/wire"
)

// NAT classification, derived from EXTERNAL_ADDR comparison.
const (
	NATUnknown   = "unknown"
	NATCone      = "cone"
	NATSymmetric = "symmetric"
)

// Endpoint is an (ip, port) pair; it's the same shape as the wire-level
// endpoint descriptor, reused here so registry and protocol agree on one
// representation.
type Endpoint = wire.Endpoint

// PeerConn is the write capability the registry hands out for a peer's
// connection. Writes from this peer's own handler and writes arriving
// from other handlers (relay, notifications) go through the same mutex
// so a frame is never split across two concurrent writers — the wire
// protocol guarantees in-order, non-interleaved bytes per connection.
type PeerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewPeerConn wraps conn for serialized writes.
func NewPeerConn(conn net.Conn) *PeerConn {
	return &PeerConn{conn: conn}
}

// Write serializes access to the underlying connection's Write.
func (p *PeerConn) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Write(b)
}

// Close closes the underlying connection. The janitor calls this after
// evicting a peer, and Register calls it on a displaced connection, so a
// handler blocked reading that connection unblocks. Remove and
// RemoveByConn do not call it.
func (p *PeerConn) Close() error {
	return p.conn.Close()
}

// PeerRecord is one currently connected, successfully registered peer.
type PeerRecord struct {
	PeerID      string
	SessionCode string
	Conn        *PeerConn

	PublicEndpoint  Endpoint
	PrivateEndpoint Endpoint // zero value if not reported

	ConnectedAt    time.Time
	LastHeartbeat  time.Time
	NATType        string
	RelayedBytes   int64

	// ConnID is an internal, wire-invisible identifier of the connection
	// this record was registered on. RemoveByConn compares it so a
	// closing handler only removes its own registration.
	ConnID uuid.UUID
}

// Registry is the peer table and session index, serialized under a
// single exclusive lock.
type Registry struct {
	mu       sync.RWMutex
	peers    map[string]*PeerRecord
	sessions map[string]map[string]struct{}
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		peers:    make(map[string]*PeerRecord),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Register inserts or replaces a peer record. If a record already exists
// for peerID, its prior session membership is dropped first and its
// connection is closed — no displacement notification is sent, but the
// old connection's handler unblocks and exits instead of leaking.
// Returns the new record and the session mates to notify (snapshotted
// while still under lock, to be used by the caller after the lock is
// released).
func (r *Registry) Register(peerID, sessionCode string, pub, priv Endpoint, conn *PeerConn) (*PeerRecord, []*PeerRecord) {
	r.mu.Lock()

	var displaced *PeerConn
	if existing, ok := r.peers[peerID]; ok {
		r.removeFromSession(existing.SessionCode, peerID)
		displaced = existing.Conn
	}

	now := time.Now()
	rec := &PeerRecord{
		PeerID:          peerID,
		SessionCode:     sessionCode,
		Conn:            conn,
		PublicEndpoint:  pub,
		PrivateEndpoint: priv,
		ConnectedAt:     now,
		LastHeartbeat:   now,
		NATType:         NATUnknown,
		ConnID:          uuid.New(),
	}
	r.peers[peerID] = rec

	if r.sessions[sessionCode] == nil {
		r.sessions[sessionCode] = make(map[string]struct{})
	}
	r.sessions[sessionCode][peerID] = struct{}{}

	mates := r.sessionMatesLocked(peerID)
	r.mu.Unlock()

	if displaced != nil && displaced != conn {
		displaced.Close()
	}

	return rec, mates
}

// Remove deletes peerID from both indices. Returns the removed record
// (nil, false if it wasn't present) and the session mates that remain
// after removal, for the caller to notify (outside the lock) via
// DISCONNECT.
func (r *Registry) Remove(peerID string) (*PeerRecord, []*PeerRecord, bool) {
	r.mu.Lock()

	rec, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return nil, nil, false
	}

	r.removeFromSession(rec.SessionCode, peerID)
	delete(r.peers, peerID)

	var mates []*PeerRecord
	for otherID := range r.sessions[rec.SessionCode] {
		if other, ok := r.peers[otherID]; ok {
			mates = append(mates, other)
		}
	}
	r.mu.Unlock()

	return rec, mates, true
}

// RemoveByConn deletes peerID only if its currently registered record
// still belongs to connID — a connection whose peer id has since been
// re-registered over a new connection is a no-op here, so a stale
// handler closing out doesn't evict a live re-registration out from
// under it. Same return shape as Remove.
func (r *Registry) RemoveByConn(peerID string, connID uuid.UUID) (*PeerRecord, []*PeerRecord, bool) {
	r.mu.Lock()

	rec, ok := r.peers[peerID]
	if !ok || rec.ConnID != connID {
		r.mu.Unlock()
		return nil, nil, false
	}

	r.removeFromSession(rec.SessionCode, peerID)
	delete(r.peers, peerID)

	var mates []*PeerRecord
	for otherID := range r.sessions[rec.SessionCode] {
		if other, ok := r.peers[otherID]; ok {
			mates = append(mates, other)
		}
	}
	r.mu.Unlock()

	return rec, mates, true
}

// removeFromSession drops peerID from sessionCode's set and removes the
// set entirely if it becomes empty. Must be called with mu held.
func (r *Registry) removeFromSession(sessionCode, peerID string) {
	set, ok := r.sessions[sessionCode]
	if !ok {
		return
	}
	delete(set, peerID)
	if len(set) == 0 {
		delete(r.sessions, sessionCode)
	}
}

// SessionMates returns every peer sharing requesterID's session, excluding
// the requester itself.
func (r *Registry) SessionMates(requesterID string) []*PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionMatesLocked(requesterID)
}

// sessionMatesLocked must be called with mu held (read or write).
func (r *Registry) sessionMatesLocked(requesterID string) []*PeerRecord {
	requester, ok := r.peers[requesterID]
	if !ok {
		return nil
	}
	var mates []*PeerRecord
	for otherID := range r.sessions[requester.SessionCode] {
		if otherID == requesterID {
			continue
		}
		if other, ok := r.peers[otherID]; ok {
			mates = append(mates, other)
		}
	}
	return mates
}

// Find returns the peer record for peerID, if present.
func (r *Registry) Find(peerID string) (*PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[peerID]
	return rec, ok
}

// SameSession reports whether a and b currently share a session code.
// Both lookups and the comparison happen under one lock acquisition so
// the result reflects one consistent snapshot.
func (r *Registry) SameSession(a, b string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pa, ok := r.peers[a]
	if !ok {
		return false
	}
	pb, ok := r.peers[b]
	if !ok {
		return false
	}
	return pa.SessionCode == pb.SessionCode
}

// TouchHeartbeat updates last_heartbeat to now. A no-op if the peer is
// gone (it may have just been evicted by the janitor).
func (r *Registry) TouchHeartbeat(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.peers[peerID]; ok {
		rec.LastHeartbeat = time.Now()
	}
}

// SetNATType records the peer's derived NAT classification.
func (r *Registry) SetNATType(peerID, natType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.peers[peerID]; ok {
		rec.NATType = natType
	}
}

// AddRelayed increments a peer's cumulative relayed-byte counter.
func (r *Registry) AddRelayed(peerID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.peers[peerID]; ok {
		rec.RelayedBytes += int64(n)
	}
}

// ActivePeerCount returns the number of currently registered peers.
func (r *Registry) ActivePeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// ActiveSessionCount returns the number of sessions with at least one peer.
func (r *Registry) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StalePeerIDs returns the ids of every peer whose last heartbeat is
// older than threshold, as of now. Used by the janitor.
func (r *Registry) StalePeerIDs(threshold time.Duration, now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []string
	for id, rec := range r.peers {
		if now.Sub(rec.LastHeartbeat) > threshold {
			stale = append(stale, id)
		}
	}
	return stale
}
