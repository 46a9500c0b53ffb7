// ABOUTME: Manages connected agent sessions: registration, liveness, close notification
// ABOUTME: Central table for session lookup; reaper sweeps inactive sessions

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateIdentity indicates the identity already holds an active session.
var ErrDuplicateIdentity = errors.New("identity already has an active session")

// ErrSessionNotFound indicates the specified session was not found or is closed.
var ErrSessionNotFound = errors.New("session not found")

// CloseHook is invoked after a session has fully closed. The broker uses it
// to drop pending deliveries; the discussion coordinator to mark the agent
// absent. Hooks run outside the manager lock.
type CloseHook func(sessionID, identity string)

// Options configures a Manager.
type Options struct {
	// AllowReconnect closes an identity's prior session instead of
	// rejecting a re-registration.
	AllowReconnect bool
	// IdleTimeout is how long a session may go without a heartbeat before
	// it is marked idle.
	IdleTimeout time.Duration
	// CloseTimeout is how long an idle session may linger before the
	// reaper closes it.
	CloseTimeout time.Duration
	// SweepInterval is how often the reaper runs. Zero means IdleTimeout/3.
	SweepInterval time.Duration
}

// Manager coordinates all connected sessions.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	byIdentity map[string]string // identity -> session ID

	opts       Options
	closeHooks []CloseHook
	logger     *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 45 * time.Second
	}
	if opts.CloseTimeout == 0 {
		opts.CloseTimeout = 2 * time.Minute
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = opts.IdleTimeout / 3
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		byIdentity: make(map[string]string),
		opts:       opts,
		logger:     logger.With("component", "sessions"),
	}
}

// OnClose registers a hook invoked after any session closes.
func (m *Manager) OnClose(hook CloseHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeHooks = append(m.closeHooks, hook)
}

// Register creates a new session for an authenticated identity.
// Returns ErrDuplicateIdentity if the identity already holds an active
// session, unless reconnection is enabled, in which case the old session is
// closed first and a fresh session (new ID) is created.
func (m *Manager) Register(identity string, capabilities []string) (*Session, error) {
	m.mu.Lock()
	for {
		oldID, exists := m.byIdentity[identity]
		if !exists {
			break
		}
		if !m.opts.AllowReconnect {
			m.mu.Unlock()
			return nil, ErrDuplicateIdentity
		}
		m.mu.Unlock()
		// Close outside the lock so close hooks can run. A concurrent
		// registration for the same identity may land while the lock is
		// dropped, so the table is re-checked until it is clear; the latest
		// registration wins.
		_ = m.Close(oldID)
		m.mu.Lock()
	}

	sess := &Session{
		ID:            uuid.New().String(),
		Identity:      identity,
		Capabilities:  append([]string(nil), capabilities...),
		status:        StatusActive,
		lastHeartbeat: time.Now(),
		CreatedAt:     time.Now(),
	}
	m.sessions[sess.ID] = sess
	m.byIdentity[identity] = sess.ID
	total := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("session registered",
		"session_id", sess.ID,
		"identity", identity,
		"capabilities", capabilities,
		"total_sessions", total,
	)
	return sess, nil
}

// Lookup retrieves a session by ID.
// Returns ErrSessionNotFound for unknown or closed sessions.
func (m *Manager) Lookup(sessionID string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// LookupByIdentity retrieves the active session for an identity.
func (m *Manager) LookupByIdentity(identity string) (*Session, error) {
	m.mu.RLock()
	id, ok := m.byIdentity[identity]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.Lookup(id)
}

// BindProject associates a session with a project after access validation.
func (m *Manager) BindProject(sessionID, projectID string) error {
	sess, err := m.Lookup(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.projectID = projectID
	sess.mu.Unlock()

	m.logger.Debug("session bound to project", "session_id", sessionID, "project_id", projectID)
	return nil
}

// Heartbeat resets a session's liveness timer. An idle session returns to
// active; a closing or closed session cannot be revived.
func (m *Manager) Heartbeat(sessionID string) error {
	sess, err := m.Lookup(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	switch sess.status {
	case StatusClosing, StatusClosed:
		return ErrSessionNotFound
	case StatusIdle:
		sess.status = StatusActive
	case StatusConnecting:
		sess.status = StatusActive
	case StatusActive:
		// already live
	}
	sess.lastHeartbeat = time.Now()
	return nil
}

// Close transitions a session to closed and removes it from the table.
// Idempotent per ID: closing an already-removed session returns
// ErrSessionNotFound but has no other effect. Close hooks run after the
// session is unreachable, so no delivery can race past a completed close.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	if m.byIdentity[sess.Identity] == sessionID {
		delete(m.byIdentity, sess.Identity)
	}
	hooks := append([]CloseHook(nil), m.closeHooks...)
	total := len(m.sessions)
	m.mu.Unlock()

	sess.transition(StatusClosing)
	if t := sess.Transport(); t != nil {
		_ = t.Close()
	}
	sess.transition(StatusClosed)

	for _, hook := range hooks {
		hook(sessionID, sess.Identity)
	}

	m.logger.Info("session closed",
		"session_id", sessionID,
		"identity", sess.Identity,
		"total_sessions", total,
	)
	return nil
}

// List returns a snapshot of all live sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// IsLive reports whether a session exists and is not closing or closed.
// Implements the broker's TargetChecker interface.
func (m *Manager) IsLive(sessionID string) bool {
	sess, err := m.Lookup(sessionID)
	if err != nil {
		return false
	}
	st := sess.Status()
	return st != StatusClosing && st != StatusClosed
}

// Run starts the liveness reaper and blocks until ctx is cancelled.
// Sessions without a heartbeat for IdleTimeout become idle; idle sessions
// past CloseTimeout are closed.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep applies liveness transitions to every session.
func (m *Manager) sweep(now time.Time) {
	m.mu.RLock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		snapshot = append(snapshot, sess)
	}
	m.mu.RUnlock()

	for _, sess := range snapshot {
		sess.mu.Lock()
		status := sess.status
		last := sess.lastHeartbeat
		sess.mu.Unlock()

		switch status {
		case StatusActive:
			if now.Sub(last) > m.opts.IdleTimeout {
				if sess.transition(StatusIdle) {
					m.logger.Debug("session idle", "session_id", sess.ID, "identity", sess.Identity)
				}
			}
		case StatusIdle:
			if now.Sub(last) > m.opts.IdleTimeout+m.opts.CloseTimeout {
				m.logger.Info("reaping inactive session", "session_id", sess.ID, "identity", sess.Identity)
				_ = m.Close(sess.ID)
			}
		case StatusConnecting, StatusClosing, StatusClosed:
			// connecting sessions have their own handshake deadline;
			// closing/closed are already on their way out
		}
	}
}
