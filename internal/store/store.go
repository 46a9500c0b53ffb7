// ABOUTME: Store interface and data types for parley-gateway persistence
// ABOUTME: Defines Project, APIKey, Meeting, Decision structs and the Store interface

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateProject is returned when trying to create a project that already exists
var ErrDuplicateProject = errors.New("project already exists")

// ErrInvalidDecision is returned when a decision's selected option is not one of its options
var ErrInvalidDecision = errors.New("selected option is not one of the decision's options")

// Project represents a tenant boundary: a named space owning API keys and agents
type Project struct {
	ID                string // human-readable, unique
	Owner             string
	CrossProjectAllow bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// KeyStatus is the lifecycle state of an API key. Transitions are monotonic:
// active -> revoked or active -> expired, never back.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRevoked KeyStatus = "revoked"
	KeyStatusExpired KeyStatus = "expired"
)

// APIKey represents a stored API key record. The plaintext key is never
// stored; only its SHA-256 hash. Prefix is display-only and must never be
// used for authorization.
type APIKey struct {
	ID           string
	ProjectID    string
	Prefix       string
	Hash         string // hex-encoded SHA-256 of the plaintext key
	Capabilities []string
	Status       KeyStatus
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	RevokedAt    *time.Time
}

// CrossProjectGrant allows sessions in FromProject to message sessions in ToProject.
type CrossProjectGrant struct {
	FromProject string
	ToProject   string
	CreatedAt   time.Time
}

// MeetingStatus is the lifecycle state of a meeting.
type MeetingStatus string

const (
	MeetingPending    MeetingStatus = "pending"
	MeetingInProgress MeetingStatus = "in_progress"
	MeetingCompleted  MeetingStatus = "completed"
	MeetingFailed     MeetingStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s MeetingStatus) Terminal() bool {
	return s == MeetingCompleted || s == MeetingFailed
}

// CanTransition reports whether a transition from s to next is legal.
func (s MeetingStatus) CanTransition(next MeetingStatus) bool {
	switch s {
	case MeetingPending:
		return next == MeetingInProgress || next == MeetingFailed
	case MeetingInProgress:
		return next == MeetingCompleted || next == MeetingFailed
	case MeetingCompleted, MeetingFailed:
		return false
	default:
		return false
	}
}

// MeetingType distinguishes operator-created meetings from analyzer-seeded ones.
type MeetingType string

const (
	MeetingUserSpecified MeetingType = "user_specified"
	MeetingAutoGenerated MeetingType = "auto_generated"
)

// Meeting represents a turn-based discussion among a fixed, ordered set of
// participants. Participants and their order are fixed at creation.
type Meeting struct {
	ID           string
	ProjectID    string
	Topic        string
	Status       MeetingStatus
	Type         MeetingType
	Participants []string // agent IDs, turn order
	CurrentTurn  int      // index into Participants for the active round
	Round        int      // 1-based; 0 until the first opinion arrives
	FailReason   string   // set when Status == MeetingFailed
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// MessageKind is the type of a meeting message.
type MessageKind string

const (
	KindOpinion   MessageKind = "opinion"
	KindConsensus MessageKind = "consensus"
	KindMeta      MessageKind = "meta"
)

// MeetingMessage is one append-only entry in a meeting's transcript.
// Sequence is strictly increasing per meeting with no gaps.
type MeetingMessage struct {
	ID        string
	MeetingID string
	Sender    string
	Kind      MessageKind
	Content   string
	Round     int
	Sequence  int
	CreatedAt time.Time
}

// DecisionStatus is the lifecycle state of a decision.
type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
	DecisionDeferred DecisionStatus = "deferred"
)

// Decision represents a choice among named options, optionally bound to a meeting.
type Decision struct {
	ID             string
	MeetingID      *string
	Options        []string // non-empty
	Status         DecisionStatus
	SelectedOption *string // must be a member of Options when set
	DecidedAt      *time.Time
	CreatedAt      time.Time
}

// Validate checks the decision's structural invariants: options must be
// non-empty and the selected option, if set, must be one of the options.
func (d *Decision) Validate() error {
	if len(d.Options) == 0 {
		return fmt.Errorf("decision %s: options must be non-empty", d.ID)
	}
	if d.SelectedOption == nil {
		return nil
	}
	for _, opt := range d.Options {
		if opt == *d.SelectedOption {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidDecision, *d.SelectedOption)
}

// Communication is the durable record of one routed message, kept for audit
// and as the Topic Analyzer's input window.
type Communication struct {
	ID            string
	ProjectID     string
	FromSession   string
	FromIdentity  string // sender agent identity; outlives the session ID
	ToScope       string // target session ID or broadcast scope
	MessageType   string
	Priority      string
	CorrelationID string
	Payload       string
	CreatedAt     time.Time
}

// Store defines the interface for parley-gateway persistence
type Store interface {
	// Projects
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	UpdateProject(ctx context.Context, project *Project) error
	ListProjects(ctx context.Context) ([]*Project, error)
	AddProjectMember(ctx context.Context, projectID, agentID string) error
	ListProjectMembers(ctx context.Context, projectID string) ([]string, error)
	CreateGrant(ctx context.Context, grant *CrossProjectGrant) error
	HasGrant(ctx context.Context, fromProject, toProject string) (bool, error)

	// API keys (content-addressed by hash)
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	UpdateAPIKeyStatus(ctx context.Context, id string, status KeyStatus) error
	ListAPIKeys(ctx context.Context, projectID string) ([]*APIKey, error)

	// Meetings
	CreateMeeting(ctx context.Context, meeting *Meeting) error
	GetMeeting(ctx context.Context, id string) (*Meeting, error)
	UpdateMeeting(ctx context.Context, meeting *Meeting) error
	ListMeetings(ctx context.Context, projectID string, limit int) ([]*Meeting, error)
	AppendMeetingMessage(ctx context.Context, msg *MeetingMessage) error
	ListMeetingMessages(ctx context.Context, meetingID string) ([]*MeetingMessage, error)

	// Decisions
	CreateDecision(ctx context.Context, decision *Decision) error
	GetDecision(ctx context.Context, id string) (*Decision, error)
	UpdateDecision(ctx context.Context, decision *Decision) error
	ListDecisions(ctx context.Context, limit int) ([]*Decision, error)

	// Communications (routed-message history)
	SaveCommunication(ctx context.Context, record *Communication) error
	ListCommunications(ctx context.Context, projectID string, since time.Time, limit int) ([]*Communication, error)

	// Audit log
	AppendAuditLog(ctx context.Context, entry *AuditEntry) error
	ListAuditLog(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)

	// Close releases any resources held by the store
	Close() error
}
