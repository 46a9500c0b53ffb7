// ABOUTME: Tests for the message router: ordering, backpressure, broadcast isolation
// ABOUTME: Includes a randomized priority-interleaving check of stable delivery order

package broker

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley-gateway/internal/project"
	"github.com/parley-dev/parley-gateway/internal/session"
	"github.com/parley-dev/parley-gateway/internal/store"
)

// fixture wires a router over real session and project components with the
// in-memory store.
type fixture struct {
	router   *Router
	sessions *session.Manager
	registry *project.Registry
	store    *store.MockStore
}

func newFixture(t *testing.T, bound int) *fixture {
	t.Helper()
	st := store.NewMockStore()
	sessions := session.NewManager(session.Options{}, nil)
	registry := project.NewRegistry(st, nil)

	_, err := registry.CreateProject(context.Background(), "owner", "proj-a")
	require.NoError(t, err)

	f := &fixture{
		router:   NewRouter(sessions, registry, st, bound, nil),
		sessions: sessions,
		registry: registry,
		store:    st,
	}
	sessions.OnClose(f.router.DropSession)
	return f
}

// connect registers a session bound to the given project.
func (f *fixture) connect(t *testing.T, identity, projectID string) *session.Session {
	t.Helper()
	sess, err := f.sessions.Register(identity, nil)
	require.NoError(t, err)
	require.NoError(t, f.sessions.BindProject(sess.ID, projectID))
	return sess
}

func TestRouter_Enqueue_Deliver(t *testing.T) {
	f := newFixture(t, 16)
	a := f.connect(t, "agent-a", "proj-a")
	b := f.connect(t, "agent-b", "proj-a")

	msg := NewMessage(a.ID, b.ID, "chat", PriorityNormal, "", []byte(`{"text":"hi"}`))
	res := f.router.Enqueue(context.Background(), msg)
	require.Equal(t, OutcomeQueued, res.Outcome)

	delivered := f.router.Deliver(b.ID)
	require.Len(t, delivered, 1)
	assert.Equal(t, msg.ID, delivered[0].ID)

	// Consumed exactly once.
	assert.Empty(t, f.router.Deliver(b.ID))
}

func TestRouter_Enqueue_TargetNotFound(t *testing.T) {
	f := newFixture(t, 16)
	a := f.connect(t, "agent-a", "proj-a")

	msg := NewMessage(a.ID, "no-such-session", "chat", PriorityNormal, "", nil)
	res := f.router.Enqueue(context.Background(), msg)
	assert.Equal(t, OutcomeTargetNotFound, res.Outcome)
}

func TestRouter_Enqueue_CrossProjectDenied(t *testing.T) {
	f := newFixture(t, 16)
	_, err := f.registry.CreateProject(context.Background(), "owner", "proj-b")
	require.NoError(t, err)

	a := f.connect(t, "agent-a", "proj-a")
	b := f.connect(t, "agent-b", "proj-b")

	msg := NewMessage(a.ID, b.ID, "chat", PriorityNormal, "", nil)
	res := f.router.Enqueue(context.Background(), msg)
	assert.Equal(t, OutcomeAccessDenied, res.Outcome)

	// With a grant in place the same route succeeds.
	require.NoError(t, f.registry.GrantCrossProject(context.Background(), "owner", "proj-a", "proj-b"))
	res = f.router.Enqueue(context.Background(), msg)
	assert.Equal(t, OutcomeQueued, res.Outcome)
}

func TestRouter_DeliveryOrder_PriorityThenFIFO(t *testing.T) {
	f := newFixture(t, 128)
	a := f.connect(t, "agent-a", "proj-a")
	b := f.connect(t, "agent-b", "proj-a")
	ctx := context.Background()

	// Random interleaving of priorities; delivery must sort by priority
	// with FIFO stability inside each class.
	rng := rand.New(rand.NewSource(42))
	priorities := []Priority{PriorityLow, PriorityNormal, PriorityHigh}
	perClass := map[Priority][]string{}

	for i := 0; i < 60; i++ {
		p := priorities[rng.Intn(len(priorities))]
		msg := NewMessage(a.ID, b.ID, "chat", p, "", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		res := f.router.Enqueue(ctx, msg)
		require.Equal(t, OutcomeQueued, res.Outcome)
		perClass[p] = append(perClass[p], msg.ID)
	}

	var want []string
	want = append(want, perClass[PriorityHigh]...)
	want = append(want, perClass[PriorityNormal]...)
	want = append(want, perClass[PriorityLow]...)

	delivered := f.router.Deliver(b.ID)
	got := make([]string, len(delivered))
	for i, m := range delivered {
		got[i] = m.ID
	}
	assert.Equal(t, want, got)
}

func TestRouter_Backpressure_LowRejected(t *testing.T) {
	f := newFixture(t, 2)
	a := f.connect(t, "agent-a", "proj-a")
	b := f.connect(t, "agent-b", "proj-a")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := f.router.Enqueue(ctx, NewMessage(a.ID, b.ID, "chat", PriorityLow, "", nil))
		require.Equal(t, OutcomeQueued, res.Outcome)
	}

	res := f.router.Enqueue(ctx, NewMessage(a.ID, b.ID, "chat", PriorityLow, "", nil))
	assert.Equal(t, OutcomeQueueFull, res.Outcome)

	res = f.router.Enqueue(ctx, NewMessage(a.ID, b.ID, "chat", PriorityNormal, "", nil))
	assert.Equal(t, OutcomeQueueFull, res.Outcome)
}

func TestRouter_Backpressure_HighEvictsOldestLow(t *testing.T) {
	f := newFixture(t, 2)
	a := f.connect(t, "agent-a", "proj-a")
	b := f.connect(t, "agent-b", "proj-a")
	ctx := context.Background()

	first := NewMessage(a.ID, b.ID, "chat", PriorityLow, "", nil)
	second := NewMessage(a.ID, b.ID, "chat", PriorityLow, "", nil)
	require.Equal(t, OutcomeQueued, f.router.Enqueue(ctx, first).Outcome)
	require.Equal(t, OutcomeQueued, f.router.Enqueue(ctx, second).Outcome)

	high := NewMessage(a.ID, b.ID, "alert", PriorityHigh, "", nil)
	res := f.router.Enqueue(ctx, high)
	require.Equal(t, OutcomeQueued, res.Outcome)
	require.NotNil(t, res.Evicted, "eviction must be explicit, not silent")
	assert.Equal(t, first.ID, res.Evicted.ID, "oldest low-priority entry is displaced")

	delivered := f.router.Deliver(b.ID)
	require.Len(t, delivered, 2)
	assert.Equal(t, high.ID, delivered[0].ID)
	assert.Equal(t, second.ID, delivered[1].ID)
}

func TestRouter_Backpressure_HighRejectedWhenNoLowToEvict(t *testing.T) {
	f := newFixture(t, 2)
	a := f.connect(t, "agent-a", "proj-a")
	b := f.connect(t, "agent-b", "proj-a")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := f.router.Enqueue(ctx, NewMessage(a.ID, b.ID, "chat", PriorityHigh, "", nil))
		require.Equal(t, OutcomeQueued, res.Outcome)
	}

	res := f.router.Enqueue(ctx, NewMessage(a.ID, b.ID, "alert", PriorityHigh, "", nil))
	assert.Equal(t, OutcomeQueueFull, res.Outcome)
}

func TestRouter_ClosedSession_NoResurrection(t *testing.T) {
	f := newFixture(t, 16)
	a := f.connect(t, "agent-a", "proj-a")
	b := f.connect(t, "agent-b", "proj-a")
	ctx := context.Background()

	require.Equal(t, OutcomeQueued,
		f.router.Enqueue(ctx, NewMessage(a.ID, b.ID, "chat", PriorityNormal, "", nil)).Outcome)

	require.NoError(t, f.sessions.Close(b.ID))

	// Pending deliveries were dropped with the session.
	assert.Empty(t, f.router.Deliver(b.ID))

	// New sends fail and the queue is never recreated.
	res := f.router.Enqueue(ctx, NewMessage(a.ID, b.ID, "chat", PriorityNormal, "", nil))
	assert.Equal(t, OutcomeTargetNotFound, res.Outcome)
	assert.Empty(t, f.router.Deliver(b.ID))
	assert.Zero(t, f.router.Pending(b.ID))
}

func TestRouter_Broadcast_PerTargetOutcomes(t *testing.T) {
	f := newFixture(t, 16)
	a := f.connect(t, "agent-a", "proj-a")
	b := f.connect(t, "agent-b", "proj-a")
	c := f.connect(t, "agent-c", "proj-a")
	d := f.connect(t, "agent-d", "proj-a")
	ctx := context.Background()

	// One of the three targets is closed mid-flight.
	require.NoError(t, f.sessions.Close(d.ID))

	msg := NewMessage(a.ID, "", "announce", PriorityNormal, "", []byte(`{}`))
	result := f.router.Broadcast(ctx, msg, "proj-a")

	assert.Equal(t, 2, result.Delivered())
	assert.Equal(t, OutcomeQueued, result.Results[b.ID].Outcome)
	assert.Equal(t, OutcomeQueued, result.Results[c.ID].Outcome)
	_, hasClosed := result.Results[d.ID]
	assert.False(t, hasClosed, "closed session is no longer in scope")

	// Sender does not receive its own broadcast.
	_, hasSender := result.Results[a.ID]
	assert.False(t, hasSender)

	require.Len(t, f.router.Deliver(b.ID), 1)
	require.Len(t, f.router.Deliver(c.ID), 1)
}

func TestRouter_Broadcast_FailureIsolation(t *testing.T) {
	f := newFixture(t, 1)
	a := f.connect(t, "agent-a", "proj-a")
	b := f.connect(t, "agent-b", "proj-a")
	c := f.connect(t, "agent-c", "proj-a")
	ctx := context.Background()

	// Fill b's queue so the broadcast rejects there but still reaches c.
	require.Equal(t, OutcomeQueued,
		f.router.Enqueue(ctx, NewMessage(a.ID, b.ID, "chat", PriorityNormal, "", nil)).Outcome)

	msg := NewMessage(a.ID, "", "announce", PriorityNormal, "", nil)
	result := f.router.Broadcast(ctx, msg, "proj-a")

	assert.Equal(t, OutcomeQueueFull, result.Results[b.ID].Outcome)
	assert.Equal(t, OutcomeQueued, result.Results[c.ID].Outcome)
}

func TestRouter_BroadcastTo_ReportsClosedTargets(t *testing.T) {
	f := newFixture(t, 16)
	b := f.connect(t, "agent-b", "proj-a")
	c := f.connect(t, "agent-c", "proj-a")
	d := f.connect(t, "agent-d", "proj-a")
	ctx := context.Background()

	require.NoError(t, f.sessions.Close(d.ID))

	msg := NewMessage("", "", "meeting_result", PriorityHigh, "", []byte(`{}`))
	result := f.router.BroadcastTo(ctx, msg, "proj-a", []string{b.ID, c.ID, d.ID})

	assert.Equal(t, 2, result.Delivered())
	assert.Equal(t, OutcomeQueued, result.Results[b.ID].Outcome)
	assert.Equal(t, OutcomeQueued, result.Results[c.ID].Outcome)
	assert.Equal(t, OutcomeTargetNotFound, result.Results[d.ID].Outcome)
}

func TestRouter_RecordsCommunications(t *testing.T) {
	f := newFixture(t, 16)
	a := f.connect(t, "agent-a", "proj-a")
	b := f.connect(t, "agent-b", "proj-a")
	ctx := context.Background()

	msg := NewMessage(a.ID, b.ID, "chat", PriorityHigh, "corr-1", []byte(`{"x":1}`))
	require.Equal(t, OutcomeQueued, f.router.Enqueue(ctx, msg).Outcome)

	records, err := f.store.ListCommunications(ctx, "proj-a", msg.CreatedAt.Add(-1), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, a.ID, records[0].FromSession)
	assert.Equal(t, "agent-a", records[0].FromIdentity)
	assert.Equal(t, b.ID, records[0].ToScope)
	assert.Equal(t, "high", records[0].Priority)
	assert.Equal(t, "corr-1", records[0].CorrelationID)
}

// countingRecorder fails its first N saves, then succeeds.
type countingRecorder struct {
	failures int
	calls    int
}

func (c *countingRecorder) SaveCommunication(ctx context.Context, record *store.Communication) error {
	c.calls++
	if c.calls <= c.failures {
		return fmt.Errorf("disk full")
	}
	return nil
}

func newRecorderFixture(t *testing.T, rec Recorder) (*Router, *session.Session, *session.Session) {
	t.Helper()
	st := store.NewMockStore()
	sessions := session.NewManager(session.Options{}, nil)
	registry := project.NewRegistry(st, nil)
	_, err := registry.CreateProject(context.Background(), "owner", "proj-a")
	require.NoError(t, err)

	router := NewRouter(sessions, registry, rec, 16, nil)
	a, err := sessions.Register("agent-a", nil)
	require.NoError(t, err)
	require.NoError(t, sessions.BindProject(a.ID, "proj-a"))
	b, err := sessions.Register("agent-b", nil)
	require.NoError(t, err)
	require.NoError(t, sessions.BindProject(b.ID, "proj-a"))
	return router, a, b
}

func TestRouter_RecordRetriesTransientFailure(t *testing.T) {
	rec := &countingRecorder{failures: 2}
	router, a, b := newRecorderFixture(t, rec)

	msg := NewMessage(a.ID, b.ID, "chat", PriorityNormal, "", nil)
	result := router.Enqueue(context.Background(), msg)
	assert.Equal(t, OutcomeQueued, result.Outcome)
	assert.Equal(t, 3, rec.calls)
}

func TestRouter_RecordSurfacesPersistentFailure(t *testing.T) {
	rec := &countingRecorder{failures: 100}
	router, a, b := newRecorderFixture(t, rec)

	msg := NewMessage(a.ID, b.ID, "chat", PriorityNormal, "", nil)
	result := router.Enqueue(context.Background(), msg)
	assert.Equal(t, OutcomePersistFailed, result.Outcome)
	assert.Equal(t, 3, rec.calls)
	assert.Zero(t, router.Pending(b.ID))
}

// closingDirectory reports a session live exactly once, modeling a session
// that closes between queueFor's fast-path check and the write lock.
type closingDirectory struct {
	calls int
}

func (d *closingDirectory) Lookup(string) (*session.Session, error) {
	return nil, fmt.Errorf("no session")
}
func (d *closingDirectory) List() []*session.Session { return nil }
func (d *closingDirectory) IsLive(string) bool {
	d.calls++
	return d.calls == 1
}

func TestRouter_QueueNotRecreatedForSessionClosingMidCheck(t *testing.T) {
	dir := &closingDirectory{}
	router := NewRouter(dir, nil, nil, 16, nil)

	require.Nil(t, router.queueFor("sess-x"))

	router.mu.RLock()
	_, leaked := router.queues["sess-x"]
	router.mu.RUnlock()
	assert.False(t, leaked)
}
