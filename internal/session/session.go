// ABOUTME: Session entity and status state machine for connected agents
// ABOUTME: A session is one live authenticated connection; closed is terminal

package session

import (
	"context"
	"sync"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusClosing    Status = "closing"
	StatusClosed     Status = "closed"
)

// CanTransition reports whether a transition from s to next is legal.
// Closed is terminal; a session transitions to closed exactly once.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusConnecting:
		return next == StatusActive || next == StatusClosing
	case StatusActive:
		return next == StatusIdle || next == StatusClosing
	case StatusIdle:
		return next == StatusActive || next == StatusClosing
	case StatusClosing:
		return next == StatusClosed
	case StatusClosed:
		return false
	default:
		return false
	}
}

// Transport is the push side of a session's connection. The WebSocket
// handler binds one after the handshake; Push delivers a serialized frame.
type Transport interface {
	Push(ctx context.Context, payload []byte) error
	Close() error
}

// Session represents one live authenticated agent connection.
type Session struct {
	ID           string
	Identity     string
	Capabilities []string

	mu            sync.Mutex
	status        Status
	projectID     string
	protocolKey   string // negotiated protocol name@version, empty until negotiation
	lastHeartbeat time.Time
	transport     Transport

	CreatedAt time.Time
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ProjectID returns the project the session is bound to, empty if unbound.
func (s *Session) ProjectID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectID
}

// ProtocolKey returns the negotiated protocol key, empty before negotiation.
func (s *Session) ProtocolKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolKey
}

// SetProtocolKey records the outcome of protocol negotiation.
func (s *Session) SetProtocolKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolKey = key
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Transport returns the bound transport, nil if none.
func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// BindTransport attaches the connection handle used for server push.
func (s *Session) BindTransport(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}

// HasCapability reports whether the session declared the given capability tag.
func (s *Session) HasCapability(cap string) bool {
	for _, c := range s.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// transition moves the session to next if legal, returning whether it moved.
func (s *Session) transition(next Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.CanTransition(next) {
		return false
	}
	s.status = next
	return true
}
