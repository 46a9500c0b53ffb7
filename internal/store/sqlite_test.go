// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers projects, keys, grants, meetings, decisions, communications, and audit

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestStore_CreateAndGetProject(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := &Project{ID: "atlas", Owner: "operator"}
	require.NoError(t, store.CreateProject(ctx, p))
	assert.False(t, p.CreatedAt.IsZero(), "CreateProject should fill CreatedAt")

	got, err := store.GetProject(ctx, "atlas")
	require.NoError(t, err)
	assert.Equal(t, "atlas", got.ID)
	assert.Equal(t, "operator", got.Owner)
	assert.False(t, got.CrossProjectAllow)
}

func TestStore_CreateProject_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateProject(ctx, &Project{ID: "atlas", Owner: "a"}))
	err := store.CreateProject(ctx, &Project{ID: "atlas", Owner: "b"})
	assert.ErrorIs(t, err, ErrDuplicateProject)
}

func TestStore_GetProject_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetProject(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateProject(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := &Project{ID: "atlas", Owner: "operator"}
	require.NoError(t, store.CreateProject(ctx, p))

	p.CrossProjectAllow = true
	require.NoError(t, store.UpdateProject(ctx, p))

	got, err := store.GetProject(ctx, "atlas")
	require.NoError(t, err)
	assert.True(t, got.CrossProjectAllow)
}

func TestStore_UpdateProject_NotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.UpdateProject(context.Background(), &Project{ID: "ghost", Owner: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListProjects(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateProject(ctx, &Project{ID: "atlas", Owner: "a"}))
	require.NoError(t, store.CreateProject(ctx, &Project{ID: "borealis", Owner: "b"}))

	projects, err := store.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
}

func TestStore_ProjectMembers(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateProject(ctx, &Project{ID: "atlas", Owner: "op"}))
	require.NoError(t, store.AddProjectMember(ctx, "atlas", "agent-a"))
	require.NoError(t, store.AddProjectMember(ctx, "atlas", "agent-b"))

	// Re-adding is idempotent
	require.NoError(t, store.AddProjectMember(ctx, "atlas", "agent-a"))

	members, err := store.ListProjectMembers(ctx, "atlas")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, members)
}

func TestStore_Grants(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateGrant(ctx, &CrossProjectGrant{
		FromProject: "atlas",
		ToProject:   "borealis",
	}))

	ok, err := store.HasGrant(ctx, "atlas", "borealis")
	require.NoError(t, err)
	assert.True(t, ok)

	// Grants are directional
	ok, err = store.HasGrant(ctx, "borealis", "atlas")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_APIKeyLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateProject(ctx, &Project{ID: "atlas", Owner: "op"}))

	key := &APIKey{
		ID:           "key-1",
		ProjectID:    "atlas",
		Prefix:       "pk_abc1234",
		Hash:         "deadbeef",
		Capabilities: []string{"chat", "meetings"},
		Status:       KeyStatusActive,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.CreateAPIKey(ctx, key))

	got, err := store.GetAPIKeyByHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "key-1", got.ID)
	assert.Equal(t, "atlas", got.ProjectID)
	assert.Equal(t, []string{"chat", "meetings"}, got.Capabilities)
	assert.Equal(t, KeyStatusActive, got.Status)
	assert.Nil(t, got.ExpiresAt)

	require.NoError(t, store.UpdateAPIKeyStatus(ctx, "key-1", KeyStatusRevoked))

	got, err = store.GetAPIKeyByHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, KeyStatusRevoked, got.Status)
	require.NotNil(t, got.RevokedAt)

	keys, err := store.ListAPIKeys(ctx, "atlas")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestStore_APIKeyExpiry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateProject(ctx, &Project{ID: "atlas", Owner: "op"}))

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	key := &APIKey{
		ID:           "key-2",
		ProjectID:    "atlas",
		Prefix:       "pk_def5678",
		Hash:         "cafef00d",
		Capabilities: []string{"chat"},
		Status:       KeyStatusActive,
		ExpiresAt:    &expires,
	}
	require.NoError(t, store.CreateAPIKey(ctx, key))

	got, err := store.GetAPIKeyByHash(ctx, "cafef00d")
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))
}

func TestStore_GetAPIKeyByHash_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetAPIKeyByHash(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_MeetingLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := &Meeting{
		ProjectID:    "atlas",
		Topic:        "pick a database",
		Type:         MeetingUserSpecified,
		Participants: []string{"agent-a", "agent-b"},
	}
	require.NoError(t, store.CreateMeeting(ctx, m))
	assert.NotEmpty(t, m.ID, "CreateMeeting should generate an ID")
	assert.Equal(t, MeetingPending, m.Status)

	got, err := store.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "pick a database", got.Topic)
	assert.Equal(t, []string{"agent-a", "agent-b"}, got.Participants)
	assert.Equal(t, 0, got.Round)

	now := time.Now().UTC().Truncate(time.Second)
	got.Status = MeetingCompleted
	got.Round = 2
	got.CompletedAt = &now
	require.NoError(t, store.UpdateMeeting(ctx, got))

	updated, err := store.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, MeetingCompleted, updated.Status)
	assert.Equal(t, 2, updated.Round)
	require.NotNil(t, updated.CompletedAt)
	assert.True(t, updated.CompletedAt.Equal(now))
}

func TestStore_GetMeeting_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetMeeting(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListMeetings_FilterAndLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateMeeting(ctx, &Meeting{
			ProjectID:    "atlas",
			Topic:        fmt.Sprintf("topic %d", i),
			Type:         MeetingUserSpecified,
			Participants: []string{"a", "b"},
		}))
	}
	require.NoError(t, store.CreateMeeting(ctx, &Meeting{
		ProjectID:    "borealis",
		Topic:        "other project",
		Type:         MeetingUserSpecified,
		Participants: []string{"c", "d"},
	}))

	meetings, err := store.ListMeetings(ctx, "atlas", 0)
	require.NoError(t, err)
	assert.Len(t, meetings, 3)

	meetings, err = store.ListMeetings(ctx, "atlas", 2)
	require.NoError(t, err)
	assert.Len(t, meetings, 2)

	meetings, err = store.ListMeetings(ctx, "borealis", 0)
	require.NoError(t, err)
	assert.Len(t, meetings, 1)
}

func TestStore_MeetingMessages(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := &Meeting{
		ProjectID:    "atlas",
		Topic:        "transcripts",
		Type:         MeetingUserSpecified,
		Participants: []string{"a", "b"},
	}
	require.NoError(t, store.CreateMeeting(ctx, m))

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.AppendMeetingMessage(ctx, &MeetingMessage{
			ID:        fmt.Sprintf("msg-%d", i),
			MeetingID: m.ID,
			Sender:    "agent-a",
			Kind:      KindOpinion,
			Content:   fmt.Sprintf("opinion %d", i),
			Round:     1,
			Sequence:  i,
		}))
	}

	msgs, err := store.ListMeetingMessages(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, i+1, msg.Sequence)
	}
}

func TestStore_MeetingMessages_DuplicateSequence(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := &Meeting{
		ProjectID:    "atlas",
		Topic:        "dupes",
		Type:         MeetingUserSpecified,
		Participants: []string{"a", "b"},
	}
	require.NoError(t, store.CreateMeeting(ctx, m))

	require.NoError(t, store.AppendMeetingMessage(ctx, &MeetingMessage{
		ID: "msg-1", MeetingID: m.ID, Sender: "a", Kind: KindOpinion, Content: "x", Round: 1, Sequence: 1,
	}))
	err := store.AppendMeetingMessage(ctx, &MeetingMessage{
		ID: "msg-2", MeetingID: m.ID, Sender: "b", Kind: KindOpinion, Content: "y", Round: 1, Sequence: 1,
	})
	assert.Error(t, err, "duplicate sequence within a meeting must be rejected")
}

func TestStore_DecisionLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	d := &Decision{
		Options: []string{"postgres", "sqlite"},
		Status:  DecisionPending,
	}
	require.NoError(t, store.CreateDecision(ctx, d))
	assert.NotEmpty(t, d.ID)

	got, err := store.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionPending, got.Status)
	assert.Nil(t, got.SelectedOption)

	selected := "sqlite"
	now := time.Now().UTC().Truncate(time.Second)
	got.Status = DecisionApproved
	got.SelectedOption = &selected
	got.DecidedAt = &now
	require.NoError(t, store.UpdateDecision(ctx, got))

	updated, err := store.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, updated.Status)
	require.NotNil(t, updated.SelectedOption)
	assert.Equal(t, "sqlite", *updated.SelectedOption)

	list, err := store.ListDecisions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStore_Decision_InvalidOptions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.CreateDecision(ctx, &Decision{Options: nil, Status: DecisionPending})
	assert.Error(t, err, "decisions require at least one option")

	bogus := "mysql"
	err = store.CreateDecision(ctx, &Decision{
		Options:        []string{"postgres", "sqlite"},
		Status:         DecisionApproved,
		SelectedOption: &bogus,
	})
	assert.Error(t, err, "selected option must be one of the options")
}

func TestStore_Communications(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 3; i++ {
		rec := &Communication{
			ProjectID:    "atlas",
			FromSession:  "sess-a",
			FromIdentity: "agent-a",
			ToScope:      "sess-b",
			MessageType:  "chat.message",
			Priority:     "normal",
			Payload:      fmt.Sprintf("m%d", i),
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.SaveCommunication(ctx, rec))
		assert.NotEmpty(t, rec.ID, "SaveCommunication should generate an ID")
	}

	// All records, oldest first
	recs, err := store.ListCommunications(ctx, "atlas", base.Add(-time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "m0", recs[0].Payload)
	assert.Equal(t, "m2", recs[2].Payload)
	assert.Equal(t, "agent-a", recs[0].FromIdentity)

	// Since filter excludes older records
	recs, err = store.ListCommunications(ctx, "atlas", base.Add(90*time.Second), 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// Limit applies
	recs, err = store.ListCommunications(ctx, "atlas", base.Add(-time.Minute), 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	// Other projects are invisible
	recs, err = store.ListCommunications(ctx, "borealis", base.Add(-time.Minute), 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStore_AuditLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	e := &AuditEntry{
		Actor:      "operator",
		Action:     AuditCreateProject,
		TargetType: "project",
		TargetID:   "atlas",
		Detail:     map[string]any{"owner": "operator"},
	}
	require.NoError(t, store.AppendAuditLog(ctx, e))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "ok", e.Outcome)

	require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
		Actor:      "key:pk_abc1234",
		Action:     AuditAuthFailure,
		TargetType: "session",
		TargetID:   "",
		Outcome:    "denied",
	}))

	// Unfiltered list returns both, newest first
	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Filter by action
	action := AuditCreateProject
	entries, err = store.ListAuditLog(ctx, AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "atlas", entries[0].TargetID)
	assert.Equal(t, "operator", entries[0].Detail["owner"])

	// Filter by actor
	actor := "key:pk_abc1234"
	entries, err = store.ListAuditLog(ctx, AuditFilter{Actor: &actor})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "denied", entries[0].Outcome)
}
