package sessions

import (
	"encoding/json"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-runtime-go/transport"
)

// CapabilitySet captures the capability surface negotiated at handshake.
// Local holds what this side advertised, Peer what the other side advertised;
// values are the raw capability option objects.
type CapabilitySet struct {
	Local map[string]json.RawMessage `json:"local,omitempty"`
	Peer  map[string]json.RawMessage `json:"peer,omitempty"`
}

// HasLocal reports whether this side advertised the named capability.
func (c CapabilitySet) HasLocal(name string) bool {
	_, ok := c.Local[name]
	return ok
}

// HasPeer reports whether the peer advertised the named capability.
func (c CapabilitySet) HasPeer(name string) bool {
	_, ok := c.Peer[name]
	return ok
}

// Clone returns a deep-enough copy safe to hand to other goroutines.
func (c CapabilitySet) Clone() CapabilitySet {
	return CapabilitySet{Local: maps.Clone(c.Local), Peer: maps.Clone(c.Peer)}
}

// ClientInfo records optional peer identity supplied at initialization.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Session is the registry's record of one logical connection.
type Session struct {
	id              string
	createdAt       time.Time
	protocolVersion string
	capabilities    CapabilitySet
	userID          string
	client          ClientInfo
	transport       transport.Transport
	onEvict         func(reason error)

	lastActivity atomic.Int64 // unix nanoseconds

	mu      sync.Mutex
	cursors map[string]uint64
}

func (s *Session) ID() string                     { return s.id }
func (s *Session) CreatedAt() time.Time           { return s.createdAt }
func (s *Session) ProtocolVersion() string        { return s.protocolVersion }
func (s *Session) Capabilities() CapabilitySet    { return s.capabilities }
func (s *Session) UserID() string                 { return s.userID }
func (s *Session) Client() ClientInfo             { return s.client }
func (s *Session) Transport() transport.Transport { return s.transport }

// LastActivity returns the time of the last Touch (or creation).
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Cursor returns the last acknowledged sequence for an outbound stream.
func (s *Session) Cursor(streamID string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.cursors[streamID]
	return seq, ok
}

// AdvanceCursor records seq as acknowledged for streamID. Cursors only move
// forward; a lower value is ignored and false is returned.
func (s *Session) AdvanceCursor(streamID string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cursors[streamID]; ok && seq <= cur {
		return false
	}
	if s.cursors == nil {
		s.cursors = make(map[string]uint64)
	}
	s.cursors[streamID] = seq
	return true
}
