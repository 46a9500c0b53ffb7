// ABOUTME: Tests for topic clustering, scoring, and the auto-meeting scheduler
// ABOUTME: Uses fixed clocks and synthetic communication records

package topics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley-gateway/internal/broker"
	"github.com/parley-dev/parley-gateway/internal/meeting"
	"github.com/parley-dev/parley-gateway/internal/store"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestAnalyzer(cfg Config) *Analyzer {
	a := NewAnalyzer(cfg)
	a.now = func() time.Time { return testNow }
	return a
}

func comm(from, msgType, correlationID string, age time.Duration) *store.Communication {
	return &store.Communication{
		ID:            fmt.Sprintf("c-%s-%s-%d", from, msgType, age),
		ProjectID:     "proj-1",
		FromSession:   "01JD5S7N3V8QZ4W-" + from, // session IDs are opaque
		FromIdentity:  from,
		MessageType:   msgType,
		CorrelationID: correlationID,
		CreatedAt:     testNow.Add(-age),
	}
}

func TestAnalyzer_EmptyOnInsufficientData(t *testing.T) {
	a := newTestAnalyzer(Config{MinClusterSize: 3})
	got := a.Analyze([]*store.Communication{
		comm("alice", "review.request", "thread-1", time.Minute),
		comm("bob", "review.request", "thread-1", 2*time.Minute),
	})
	assert.Empty(t, got)
}

func TestAnalyzer_ThreadCluster(t *testing.T) {
	a := newTestAnalyzer(Config{MinClusterSize: 3})
	got := a.Analyze([]*store.Communication{
		comm("alice", "review.request", "thread-1", time.Minute),
		comm("bob", "review.reply", "thread-1", 2*time.Minute),
		comm("carol", "review.reply", "thread-1", 3*time.Minute),
	})
	require.Len(t, got, 1)
	assert.Equal(t, "thread-1", got[0].CorrelationID)
	assert.Equal(t, 3, got[0].MessageCount)
	assert.Equal(t, []string{"alice", "bob", "carol"}, got[0].Participants)
	assert.Equal(t, "review.reply", got[0].MessageType)
	assert.Contains(t, got[0].Topic, "thread-1")
}

func TestAnalyzer_RecencyOutranksStaleFrequency(t *testing.T) {
	a := newTestAnalyzer(Config{MinClusterSize: 3, Window: 48 * time.Hour})

	var comms []*store.Communication
	// A big but day-old thread.
	for i := 0; i < 6; i++ {
		comms = append(comms, comm(fmt.Sprintf("old-%d", i), "deploy.status", "stale-thread", 24*time.Hour+time.Duration(i)*time.Minute))
	}
	// A smaller thread from the last few minutes.
	for i := 0; i < 4; i++ {
		comms = append(comms, comm(fmt.Sprintf("new-%d", i), "incident.report", "fresh-thread", time.Duration(i+1)*time.Minute))
	}

	got := a.Analyze(comms)
	require.Len(t, got, 2)
	assert.Equal(t, "fresh-thread", got[0].CorrelationID)
	assert.Equal(t, "stale-thread", got[1].CorrelationID)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestAnalyzer_WindowExcludesOldMessages(t *testing.T) {
	a := newTestAnalyzer(Config{MinClusterSize: 3, Window: time.Hour})
	got := a.Analyze([]*store.Communication{
		comm("alice", "chat", "thread-1", 2*time.Hour),
		comm("bob", "chat", "thread-1", 3*time.Hour),
		comm("carol", "chat", "thread-1", 4*time.Hour),
	})
	assert.Empty(t, got)
}

func TestAnalyzer_TypeClusterSplitsOnSilence(t *testing.T) {
	a := newTestAnalyzer(Config{MinClusterSize: 3, ProximityGap: 5 * time.Minute})

	// Two bursts of the same type separated by an hour: each burst is its
	// own cluster, and only the first is big enough.
	got := a.Analyze([]*store.Communication{
		comm("alice", "build.failed", "", 90*time.Minute),
		comm("bob", "build.failed", "", 89*time.Minute),
		comm("carol", "build.failed", "", 88*time.Minute),
		comm("dave", "build.failed", "", 2*time.Minute),
		comm("erin", "build.failed", "", time.Minute),
	})
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].MessageCount)
	assert.Equal(t, "", got[0].CorrelationID)
	assert.Contains(t, got[0].Topic, "build.failed")
}

func TestAnalyzer_DeterministicOrdering(t *testing.T) {
	a := newTestAnalyzer(Config{MinClusterSize: 2})
	comms := []*store.Communication{
		comm("alice", "alpha", "t-a", time.Minute),
		comm("bob", "alpha", "t-a", time.Minute),
		comm("alice", "beta", "t-b", time.Minute),
		comm("bob", "beta", "t-b", time.Minute),
	}
	first := a.Analyze(comms)
	for i := 0; i < 10; i++ {
		again := a.Analyze(comms)
		require.Equal(t, first, again)
	}
}

type captureCreator struct {
	calls []struct {
		projectID, topic string
		participants     []string
		mtype            store.MeetingType
	}
	fail error
}

func (c *captureCreator) Create(ctx context.Context, projectID, topic string, participants []string, mtype store.MeetingType, options []string) (*store.Meeting, error) {
	if c.fail != nil {
		return nil, c.fail
	}
	c.calls = append(c.calls, struct {
		projectID, topic string
		participants     []string
		mtype            store.MeetingType
	}{projectID, topic, participants, mtype})
	return &store.Meeting{ID: fmt.Sprintf("m-%d", len(c.calls))}, nil
}

func TestScheduler_CreatesAutoMeetingOnce(t *testing.T) {
	mock := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, mock.CreateProject(ctx, &store.Project{ID: "proj-1", Owner: "op"}))
	for i := 0; i < 4; i++ {
		require.NoError(t, mock.SaveCommunication(ctx, &store.Communication{
			ID:            fmt.Sprintf("c-%d", i),
			ProjectID:     "proj-1",
			FromSession:   fmt.Sprintf("0dc23122-sess-%d", i%2),
			FromIdentity:  fmt.Sprintf("agent-%d", i%2),
			MessageType:   "review.request",
			CorrelationID: "thread-1",
			CreatedAt:     time.Now().UTC().Add(-time.Duration(i) * time.Minute),
		}))
	}

	creator := &captureCreator{}
	sched := NewScheduler(NewAnalyzer(Config{MinClusterSize: 3}), mock, creator, time.Minute, nil)

	sched.Sweep(ctx)
	require.Len(t, creator.calls, 1)
	assert.Equal(t, "proj-1", creator.calls[0].projectID)
	assert.Equal(t, store.MeetingAutoGenerated, creator.calls[0].mtype)
	assert.ElementsMatch(t, []string{"agent-0", "agent-1"}, creator.calls[0].participants)

	// The cooldown suppresses a second meeting for the same topic.
	sched.Sweep(ctx)
	assert.Len(t, creator.calls, 1)
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastTo(_ context.Context, _ *broker.Message, _ string, targets []string) broker.BroadcastResult {
	result := broker.BroadcastResult{Results: make(map[string]broker.EnqueueResult)}
	for _, tg := range targets {
		result.Results[tg] = broker.EnqueueResult{Outcome: broker.OutcomeQueued}
	}
	return result
}

type nopResolver struct{}

func (nopResolver) SessionIDFor(string) (string, bool) { return "", false }

func TestScheduler_AutoMeetingParticipantsCanTakeTurns(t *testing.T) {
	mock := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, mock.CreateProject(ctx, &store.Project{ID: "proj-1", Owner: "op"}))
	// Records carry the opaque session ID and the durable identity; the
	// meeting must be created against the identities.
	for i := 0; i < 4; i++ {
		require.NoError(t, mock.SaveCommunication(ctx, &store.Communication{
			ID:            fmt.Sprintf("c-%d", i),
			ProjectID:     "proj-1",
			FromSession:   fmt.Sprintf("7f3a%04d-0000-4000-8000-000000000000", i%2),
			FromIdentity:  fmt.Sprintf("agent-%c", 'a'+i%2),
			MessageType:   "review.request",
			CorrelationID: "thread-1",
			CreatedAt:     time.Now().UTC().Add(-time.Duration(i) * time.Minute),
		}))
	}

	coord, err := meeting.New(mock, nopBroadcaster{}, nopResolver{}, meeting.Config{}, nil)
	require.NoError(t, err)
	sched := NewScheduler(NewAnalyzer(Config{MinClusterSize: 3}), mock, coord, time.Minute, nil)
	sched.Sweep(ctx)

	meetings, err := mock.ListMeetings(ctx, "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, meetings, 1)
	m := meetings[0]
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, m.Participants)

	// Both participants can take their round-one turn.
	_, err = coord.Submit(ctx, m.ID, "agent-a", store.KindOpinion, "looks ready")
	require.NoError(t, err)
	_, err = coord.Submit(ctx, m.ID, "agent-b", store.KindOpinion, "needs a second pass")
	require.NoError(t, err)
}

func TestScheduler_SkipsSingleParticipantTopics(t *testing.T) {
	mock := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, mock.CreateProject(ctx, &store.Project{ID: "proj-1", Owner: "op"}))
	for i := 0; i < 4; i++ {
		require.NoError(t, mock.SaveCommunication(ctx, &store.Communication{
			ID:            fmt.Sprintf("c-%d", i),
			ProjectID:     "proj-1",
			FromSession:   "86c9e0f4-sess-0",
			FromIdentity:  "loner",
			MessageType:   "heartbeat.debug",
			CorrelationID: "t-1",
			CreatedAt:     time.Now().UTC(),
		}))
	}

	creator := &captureCreator{}
	sched := NewScheduler(NewAnalyzer(Config{MinClusterSize: 3}), mock, creator, time.Minute, nil)
	sched.Sweep(ctx)
	assert.Empty(t, creator.calls)
}
