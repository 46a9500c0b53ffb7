// ABOUTME: In-memory Store implementation for unit tests
// ABOUTME: Mirrors SQLiteStore behavior including sentinel errors and validation

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MockStore is an in-memory implementation of Store for testing.
type MockStore struct {
	mu sync.RWMutex

	projects        map[string]*Project
	members         map[string][]string // projectID -> agentIDs
	grants          map[string]bool     // "from|to"
	keys            map[string]*APIKey  // by ID
	keysByHash      map[string]*APIKey
	meetings        map[string]*Meeting
	meetingMessages map[string][]*MeetingMessage
	decisions       map[string]*Decision
	communications  []*Communication
	auditEntries    []AuditEntry

	// FailWrites makes all write operations return the given error, for
	// exercising write-through retry paths.
	FailWrites error
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		projects:        make(map[string]*Project),
		members:         make(map[string][]string),
		grants:          make(map[string]bool),
		keys:            make(map[string]*APIKey),
		keysByHash:      make(map[string]*APIKey),
		meetings:        make(map[string]*Meeting),
		meetingMessages: make(map[string][]*MeetingMessage),
		decisions:       make(map[string]*Decision),
	}
}

func (m *MockStore) writeErr() error {
	return m.FailWrites
}

// CreateProject inserts a project, failing with ErrDuplicateProject on conflict.
func (m *MockStore) CreateProject(ctx context.Context, project *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	if _, exists := m.projects[project.ID]; exists {
		return ErrDuplicateProject
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	if project.UpdatedAt.IsZero() {
		project.UpdatedAt = now
	}
	cp := *project
	m.projects[project.ID] = &cp
	return nil
}

// GetProject retrieves a project by ID.
func (m *MockStore) GetProject(ctx context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// UpdateProject updates a project's mutable fields.
func (m *MockStore) UpdateProject(ctx context.Context, project *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	if _, ok := m.projects[project.ID]; !ok {
		return ErrNotFound
	}
	project.UpdatedAt = time.Now().UTC()
	cp := *project
	m.projects[project.ID] = &cp
	return nil
}

// ListProjects returns all projects ordered by creation time.
func (m *MockStore) ListProjects(ctx context.Context) ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AddProjectMember records project membership. Idempotent.
func (m *MockStore) AddProjectMember(ctx context.Context, projectID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	for _, existing := range m.members[projectID] {
		if existing == agentID {
			return nil
		}
	}
	m.members[projectID] = append(m.members[projectID], agentID)
	return nil
}

// ListProjectMembers returns the agent IDs belonging to a project.
func (m *MockStore) ListProjectMembers(ctx context.Context, projectID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.members[projectID]...), nil
}

// CreateGrant records a cross-project grant. Idempotent.
func (m *MockStore) CreateGrant(ctx context.Context, grant *CrossProjectGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	m.grants[grant.FromProject+"|"+grant.ToProject] = true
	return nil
}

// HasGrant reports whether a grant exists.
func (m *MockStore) HasGrant(ctx context.Context, fromProject, toProject string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grants[fromProject+"|"+toProject], nil
}

// CreateAPIKey inserts an API key record.
func (m *MockStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	if key.Status == "" {
		key.Status = KeyStatusActive
	}
	cp := *key
	m.keys[key.ID] = &cp
	m.keysByHash[key.Hash] = &cp
	return nil
}

// GetAPIKeyByHash retrieves a key record by hash.
func (m *MockStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keysByHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

// UpdateAPIKeyStatus transitions a key's status.
func (m *MockStore) UpdateAPIKeyStatus(ctx context.Context, id string, status KeyStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.Status = status
	if status == KeyStatusRevoked && k.RevokedAt == nil {
		now := time.Now().UTC()
		k.RevokedAt = &now
	}
	return nil
}

// ListAPIKeys returns a project's keys, newest first.
func (m *MockStore) ListAPIKeys(ctx context.Context, projectID string) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*APIKey
	for _, k := range m.keys {
		if k.ProjectID == projectID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CreateMeeting inserts a meeting.
func (m *MockStore) CreateMeeting(ctx context.Context, meeting *Meeting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	if meeting.ID == "" {
		meeting.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if meeting.CreatedAt.IsZero() {
		meeting.CreatedAt = now
	}
	if meeting.UpdatedAt.IsZero() {
		meeting.UpdatedAt = now
	}
	if meeting.Status == "" {
		meeting.Status = MeetingPending
	}
	cp := *meeting
	cp.Participants = append([]string(nil), meeting.Participants...)
	m.meetings[meeting.ID] = &cp
	return nil
}

// GetMeeting retrieves a meeting by ID.
func (m *MockStore) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.meetings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mt
	cp.Participants = append([]string(nil), mt.Participants...)
	return &cp, nil
}

// UpdateMeeting persists a meeting's mutable state.
func (m *MockStore) UpdateMeeting(ctx context.Context, meeting *Meeting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	if _, ok := m.meetings[meeting.ID]; !ok {
		return ErrNotFound
	}
	meeting.UpdatedAt = time.Now().UTC()
	cp := *meeting
	cp.Participants = append([]string(nil), meeting.Participants...)
	m.meetings[meeting.ID] = &cp
	return nil
}

// ListMeetings returns a project's meetings, newest first.
func (m *MockStore) ListMeetings(ctx context.Context, projectID string, limit int) ([]*Meeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Meeting
	for _, mt := range m.meetings {
		if mt.ProjectID == projectID {
			cp := *mt
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendMeetingMessage appends to a meeting transcript.
func (m *MockStore) AppendMeetingMessage(ctx context.Context, msg *MeetingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	cp := *msg
	m.meetingMessages[msg.MeetingID] = append(m.meetingMessages[msg.MeetingID], &cp)
	return nil
}

// ListMeetingMessages returns a transcript in sequence order.
func (m *MockStore) ListMeetingMessages(ctx context.Context, meetingID string) ([]*MeetingMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := append([]*MeetingMessage(nil), m.meetingMessages[meetingID]...)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Sequence < msgs[j].Sequence })
	return msgs, nil
}

// CreateDecision inserts a decision after validating invariants.
func (m *MockStore) CreateDecision(ctx context.Context, decision *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	if decision.ID == "" {
		decision.ID = uuid.New().String()
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now().UTC()
	}
	if decision.Status == "" {
		decision.Status = DecisionPending
	}
	if err := decision.Validate(); err != nil {
		return err
	}
	cp := *decision
	m.decisions[decision.ID] = &cp
	return nil
}

// GetDecision retrieves a decision by ID.
func (m *MockStore) GetDecision(ctx context.Context, id string) (*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decisions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// UpdateDecision persists a decision after validation.
func (m *MockStore) UpdateDecision(ctx context.Context, decision *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	if err := decision.Validate(); err != nil {
		return err
	}
	if _, ok := m.decisions[decision.ID]; !ok {
		return ErrNotFound
	}
	cp := *decision
	m.decisions[decision.ID] = &cp
	return nil
}

// ListDecisions returns decisions, newest first.
func (m *MockStore) ListDecisions(ctx context.Context, limit int) ([]*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Decision
	for _, d := range m.decisions {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveCommunication appends a communication record.
func (m *MockStore) SaveCommunication(ctx context.Context, record *Communication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	if record.ID == "" {
		record.ID = ulid.Make().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	cp := *record
	m.communications = append(m.communications, &cp)
	return nil
}

// ListCommunications returns records for a project since a time, oldest first.
func (m *MockStore) ListCommunications(ctx context.Context, projectID string, since time.Time, limit int) ([]*Communication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Communication
	for _, c := range m.communications {
		if c.ProjectID == projectID && !c.CreatedAt.Before(since) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendAuditLog appends an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Outcome == "" {
		entry.Outcome = "ok"
	}
	m.auditEntries = append(m.auditEntries, *entry)
	return nil
}

// ListAuditLog returns audit entries matching the filter, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := normalizeAuditLimit(f.Limit)

	entries := []AuditEntry{}
	for _, e := range m.auditEntries {
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.Actor != nil && e.Actor != *f.Actor {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetType != nil && e.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// AuditEntries returns a copy of all recorded audit entries, for assertions.
func (m *MockStore) AuditEntries() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AuditEntry(nil), m.auditEntries...)
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
