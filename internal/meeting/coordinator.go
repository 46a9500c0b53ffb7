// ABOUTME: Discussion coordinator running sequential turn-taking meetings between agents
// ABOUTME: Drives the pending/in_progress/completed/failed state machine and consensus evaluation

package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/parley-dev/parley-gateway/internal/broker"
	"github.com/parley-dev/parley-gateway/internal/store"
)

var (
	// ErrMeetingNotFound is returned when the meeting ID is unknown to the coordinator.
	ErrMeetingNotFound = errors.New("meeting not found")
	// ErrOutOfTurn is returned when an agent submits while another agent holds the turn.
	ErrOutOfTurn = errors.New("submission out of turn")
	// ErrMeetingTerminal is returned for submissions to a completed or failed meeting.
	ErrMeetingTerminal = errors.New("meeting already terminal")
	// ErrNotParticipant is returned when the sender is not (or no longer) a participant.
	ErrNotParticipant = errors.New("not a meeting participant")
	// ErrInvalidParticipants is returned when the participant list is unusable.
	ErrInvalidParticipants = errors.New("invalid participant list")
)

// Failure reasons recorded on Meeting.FailReason.
const (
	ReasonNoConsensus = "no_consensus"
	ReasonCancelled   = "cancelled"
	ReasonAbandoned   = "abandoned"
)

// Broadcaster fans the final consensus out to participant sessions.
// Implemented by broker.Router.
type Broadcaster interface {
	BroadcastTo(ctx context.Context, msg *broker.Message, scope string, targets []string) broker.BroadcastResult
}

// IdentityResolver maps agent identities to live session IDs for the
// consensus broadcast. The gateway adapts session.Manager to this.
type IdentityResolver interface {
	SessionIDFor(identity string) (string, bool)
}

// Config holds the coordinator's tunables.
type Config struct {
	MaxRounds        int           // rounds before failing with no_consensus
	RoundTimeout     time.Duration // per-turn deadline; 0 disables timers
	AbsenceThreshold int           // consecutive missed rounds before removal
	Policy           string        // consensus policy name
}

// Coordinator owns every live meeting in the process. All turn-taking,
// round accounting, and consensus evaluation happens here; the store holds
// the durable record and the broker carries the final announcement.
type Coordinator struct {
	mu       sync.RWMutex
	meetings map[string]*meetingState

	store     store.Store
	broadcast Broadcaster
	resolver  IdentityResolver
	eval      Evaluator
	cfg       Config
	logger    *slog.Logger
}

// meetingState is the in-memory side of one meeting. Guarded by its own
// mutex so meetings never contend with each other.
type meetingState struct {
	mu sync.Mutex

	m          *store.Meeting
	decisionID string // bound decision, empty if none

	active      []string // rotation for the current round, in turn order
	turn        int      // index into active
	submissions map[string]store.MessageKind
	contents    map[string]string // this round's submission content, by agent
	absences    map[string]int
	offline     map[string]bool
	removed     map[string]bool
	seq         int

	timer    *time.Timer
	timerGen int
}

// New builds a coordinator. The policy name in cfg must be one of the
// registered evaluators.
func New(st store.Store, bc Broadcaster, resolver IdentityResolver, cfg Config, logger *slog.Logger) (*Coordinator, error) {
	eval, err := EvaluatorFor(cfg.Policy)
	if err != nil {
		return nil, err
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 5
	}
	if cfg.AbsenceThreshold <= 0 {
		cfg.AbsenceThreshold = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		meetings:  make(map[string]*meetingState),
		store:     st,
		broadcast: bc,
		resolver:  resolver,
		eval:      eval,
		cfg:       cfg,
		logger:    logger.With("component", "meeting"),
	}, nil
}

// Create registers a new meeting in pending state. The participant list is
// the fixed turn order; it cannot change after creation. When options is
// non-empty a pending Decision is bound to the meeting and resolved on
// completion.
func (c *Coordinator) Create(ctx context.Context, projectID, topic string, participants []string, mtype store.MeetingType, options []string) (*store.Meeting, error) {
	if len(participants) < 2 {
		return nil, fmt.Errorf("%w: need at least two participants, got %d", ErrInvalidParticipants, len(participants))
	}
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p == "" || seen[p] {
			return nil, fmt.Errorf("%w: empty or duplicate participant", ErrInvalidParticipants)
		}
		seen[p] = true
	}

	now := time.Now().UTC()
	m := &store.Meeting{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		Topic:        topic,
		Status:       store.MeetingPending,
		Type:         mtype,
		Participants: append([]string(nil), participants...),
		CurrentTurn:  0,
		Round:        0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.CreateMeeting(ctx, m); err != nil {
		return nil, fmt.Errorf("persisting meeting: %w", err)
	}

	st := &meetingState{
		m:           m,
		active:      append([]string(nil), participants...),
		submissions: make(map[string]store.MessageKind),
		contents:    make(map[string]string),
		absences:    make(map[string]int),
		offline:     make(map[string]bool),
		removed:     make(map[string]bool),
	}

	if len(options) > 0 {
		d := &store.Decision{
			ID:        uuid.New().String(),
			MeetingID: &m.ID,
			Options:   append([]string(nil), options...),
			Status:    store.DecisionPending,
			CreatedAt: now,
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if err := c.store.CreateDecision(ctx, d); err != nil {
			return nil, fmt.Errorf("persisting bound decision: %w", err)
		}
		st.decisionID = d.ID
	}

	c.mu.Lock()
	c.meetings[m.ID] = st
	c.mu.Unlock()

	c.audit(ctx, store.AuditMeetingCreate, m.ID, "ok", map[string]any{
		"topic":        topic,
		"type":         string(mtype),
		"participants": len(participants),
	})
	c.logger.Info("meeting created", "meeting_id", m.ID, "project_id", projectID, "participants", len(participants))
	return m, nil
}

// Submit records one participant's contribution for the current turn.
// The first submission moves the meeting from pending to in_progress and
// opens round 1. Submissions from anyone but the turn holder are rejected
// with ErrOutOfTurn; the turn does not advance and no message is recorded.
func (c *Coordinator) Submit(ctx context.Context, meetingID, agent string, kind store.MessageKind, content string) (*store.MeetingMessage, error) {
	st, err := c.state(meetingID)
	if err != nil {
		return nil, c.missingState(ctx, meetingID)
	}

	var effects []func()
	st.mu.Lock()

	if st.m.Status.Terminal() {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: meeting %s is %s", ErrMeetingTerminal, meetingID, st.m.Status)
	}
	if st.removed[agent] || !contains(st.m.Participants, agent) {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, agent)
	}
	if expected := st.active[st.turn]; expected != agent {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: turn belongs to %s", ErrOutOfTurn, expected)
	}

	if st.m.Status == store.MeetingPending {
		st.m.Status = store.MeetingInProgress
		st.m.Round = 1
	}

	msg := &store.MeetingMessage{
		ID:        ulid.Make().String(),
		MeetingID: meetingID,
		Sender:    agent,
		Kind:      kind,
		Content:   content,
		Round:     st.m.Round,
		Sequence:  st.seq + 1,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.AppendMeetingMessage(ctx, msg); err != nil {
		st.mu.Unlock()
		return nil, fmt.Errorf("persisting meeting message: %w", err)
	}
	st.seq++
	st.submissions[agent] = kind
	st.contents[agent] = content
	st.absences[agent] = 0

	c.advanceLocked(ctx, st, &effects)
	st.mu.Unlock()

	for _, fn := range effects {
		fn()
	}
	return msg, nil
}

// Cancel moves a meeting to failed(cancelled). Cancelling a meeting that is
// already terminal is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, meetingID, actor string) error {
	st, err := c.state(meetingID)
	if err != nil {
		if err := c.missingState(ctx, meetingID); !errors.Is(err, ErrMeetingTerminal) {
			return err
		}
		return nil
	}

	var effects []func()
	st.mu.Lock()
	if st.m.Status.Terminal() {
		st.mu.Unlock()
		return nil
	}
	c.failLocked(ctx, st, ReasonCancelled, &effects)
	st.mu.Unlock()

	for _, fn := range effects {
		fn()
	}
	c.logger.Info("meeting cancelled", "meeting_id", meetingID, "actor", actor)
	return nil
}

// Get returns the durable meeting record.
func (c *Coordinator) Get(ctx context.Context, meetingID string) (*store.Meeting, error) {
	m, err := c.store.GetMeeting(ctx, meetingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMeetingNotFound
	}
	return m, err
}

// List returns a project's meetings, newest first.
func (c *Coordinator) List(ctx context.Context, projectID string, limit int) ([]*store.Meeting, error) {
	return c.store.ListMeetings(ctx, projectID, limit)
}

// Messages returns the full ordered transcript of a meeting.
func (c *Coordinator) Messages(ctx context.Context, meetingID string) ([]*store.MeetingMessage, error) {
	return c.store.ListMeetingMessages(ctx, meetingID)
}

// MarkAbsent flags an agent as offline in every live meeting it participates
// in. If the agent currently holds a turn, the turn is skipped immediately
// with an abstain record. Registered as a session close hook.
func (c *Coordinator) MarkAbsent(sessionID, identity string) {
	ctx := context.Background()
	for _, st := range c.statesFor(identity) {
		var effects []func()
		st.mu.Lock()
		if st.m.Status.Terminal() {
			st.mu.Unlock()
			continue
		}
		st.offline[identity] = true
		if st.m.Status == store.MeetingInProgress && st.active[st.turn] == identity {
			c.abstainLocked(ctx, st, identity, &effects)
			c.advanceLocked(ctx, st, &effects)
		}
		st.mu.Unlock()
		for _, fn := range effects {
			fn()
		}
	}
}

// MarkPresent clears the offline flag set by MarkAbsent. The agent rejoins
// the rotation on its next turn unless it was already removed.
func (c *Coordinator) MarkPresent(identity string) {
	for _, st := range c.statesFor(identity) {
		st.mu.Lock()
		delete(st.offline, identity)
		st.mu.Unlock()
	}
}

// state looks up the in-memory side of a meeting.
func (c *Coordinator) state(meetingID string) (*meetingState, error) {
	c.mu.RLock()
	st, ok := c.meetings[meetingID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMeetingNotFound, meetingID)
	}
	return st, nil
}

// evict drops a terminal meeting's in-memory state. The durable record stays
// in the store; only live meetings occupy the table.
func (c *Coordinator) evict(meetingID string) {
	c.mu.Lock()
	delete(c.meetings, meetingID)
	c.mu.Unlock()
}

// missingState resolves a lookup miss against the durable record: an evicted
// terminal meeting keeps reporting ErrMeetingTerminal, everything else is
// ErrMeetingNotFound.
func (c *Coordinator) missingState(ctx context.Context, meetingID string) error {
	m, err := c.store.GetMeeting(ctx, meetingID)
	if err != nil || !m.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrMeetingNotFound, meetingID)
	}
	return fmt.Errorf("%w: meeting %s is %s", ErrMeetingTerminal, meetingID, m.Status)
}

// statesFor returns every live meeting the identity participates in.
func (c *Coordinator) statesFor(identity string) []*meetingState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*meetingState
	for _, st := range c.meetings {
		if contains(st.m.Participants, identity) {
			out = append(out, st)
		}
	}
	return out
}

// advanceLocked moves the turn pointer forward, skipping offline agents,
// and closes out the round when every active participant has submitted.
// Caller holds st.mu.
func (c *Coordinator) advanceLocked(ctx context.Context, st *meetingState, effects *[]func()) {
	for {
		if st.m.Status.Terminal() {
			return
		}
		next := -1
		for i, a := range st.active {
			if _, done := st.submissions[a]; !done {
				next = i
				break
			}
		}
		if next == -1 {
			if !c.finishRoundLocked(ctx, st, effects) {
				return
			}
			continue
		}
		agent := st.active[next]
		if st.offline[agent] {
			c.abstainLocked(ctx, st, agent, effects)
			continue
		}
		st.turn = next
		st.m.CurrentTurn = indexOf(st.m.Participants, agent)
		st.m.UpdatedAt = time.Now().UTC()
		c.armTimerLocked(st)
		if err := c.store.UpdateMeeting(ctx, st.m); err != nil {
			c.logger.Warn("persisting turn pointer failed", "meeting_id", st.m.ID, "error", err)
		}
		return
	}
}

// finishRoundLocked evaluates the completed round. Returns true when a new
// round was opened and the caller should continue advancing.
func (c *Coordinator) finishRoundLocked(ctx context.Context, st *meetingState, effects *[]func()) bool {
	kinds := make([]store.MessageKind, 0, len(st.active))
	for _, a := range st.active {
		kinds = append(kinds, st.submissions[a])
	}
	if c.eval(kinds) {
		c.completeLocked(ctx, st, effects)
		return false
	}
	if st.m.Round >= c.cfg.MaxRounds {
		c.failLocked(ctx, st, ReasonNoConsensus, effects)
		return false
	}

	// Open the next round: prune removed participants, reset the rotation
	// to the first remaining participant.
	pruned := st.active[:0]
	for _, a := range st.active {
		if !st.removed[a] {
			pruned = append(pruned, a)
		}
	}
	st.active = pruned
	if len(st.active) == 0 {
		c.failLocked(ctx, st, ReasonAbandoned, effects)
		return false
	}
	st.m.Round++
	st.turn = 0
	st.submissions = make(map[string]store.MessageKind)
	st.contents = make(map[string]string)
	return true
}

// abstainLocked records a meta abstain for an agent that missed its turn and
// escalates repeated absence to removal from future rounds. The recorded
// transcript is never altered; removal only affects upcoming rotations.
func (c *Coordinator) abstainLocked(ctx context.Context, st *meetingState, agent string, effects *[]func()) {
	msg := &store.MeetingMessage{
		ID:        ulid.Make().String(),
		MeetingID: st.m.ID,
		Sender:    agent,
		Kind:      store.KindMeta,
		Content:   "abstained: no submission before deadline",
		Round:     st.m.Round,
		Sequence:  st.seq + 1,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.AppendMeetingMessage(ctx, msg); err != nil {
		c.logger.Warn("persisting abstain failed", "meeting_id", st.m.ID, "agent", agent, "error", err)
	} else {
		st.seq++
	}
	st.submissions[agent] = store.KindMeta
	st.absences[agent]++
	if st.absences[agent] >= c.cfg.AbsenceThreshold && !st.removed[agent] {
		st.removed[agent] = true
		id, agentID := st.m.ID, agent
		*effects = append(*effects, func() {
			c.logger.Info("participant removed after repeated absence", "meeting_id", id, "agent", agentID)
		})
	}
}

// completeLocked finalizes a meeting that reached consensus: records the
// consensus message, resolves any bound decision, and queues the broadcast.
func (c *Coordinator) completeLocked(ctx context.Context, st *meetingState, effects *[]func()) {
	if !st.m.Status.CanTransition(store.MeetingCompleted) {
		return
	}
	c.stopTimerLocked(st)

	agreed := c.agreedContentLocked(st)
	summary := &store.MeetingMessage{
		ID:        ulid.Make().String(),
		MeetingID: st.m.ID,
		Sender:    "coordinator",
		Kind:      store.KindConsensus,
		Content:   agreed,
		Round:     st.m.Round,
		Sequence:  st.seq + 1,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.AppendMeetingMessage(ctx, summary); err != nil {
		c.logger.Warn("persisting consensus summary failed", "meeting_id", st.m.ID, "error", err)
	} else {
		st.seq++
	}

	now := time.Now().UTC()
	st.m.Status = store.MeetingCompleted
	st.m.CompletedAt = &now
	st.m.UpdatedAt = now
	if err := c.store.UpdateMeeting(ctx, st.m); err != nil {
		c.logger.Error("persisting meeting completion failed", "meeting_id", st.m.ID, "error", err)
	}

	if st.decisionID != "" {
		c.resolveDecisionLocked(ctx, st, agreed, now)
	}

	meetingID, projectID, topic, rounds := st.m.ID, st.m.ProjectID, st.m.Topic, st.m.Round
	participants := append([]string(nil), st.m.Participants...)
	*effects = append(*effects, func() {
		c.announceConsensus(ctx, meetingID, projectID, topic, agreed, participants)
		c.audit(ctx, store.AuditMeetingComplete, meetingID, "ok", map[string]any{"rounds": rounds})
		c.logger.Info("meeting completed", "meeting_id", meetingID, "rounds", rounds)
		c.evict(meetingID)
	})
}

// failLocked moves a meeting to failed with the given reason.
func (c *Coordinator) failLocked(ctx context.Context, st *meetingState, reason string, effects *[]func()) {
	if !st.m.Status.CanTransition(store.MeetingFailed) {
		return
	}
	c.stopTimerLocked(st)

	now := time.Now().UTC()
	st.m.Status = store.MeetingFailed
	st.m.FailReason = reason
	st.m.UpdatedAt = now
	if err := c.store.UpdateMeeting(ctx, st.m); err != nil {
		c.logger.Error("persisting meeting failure failed", "meeting_id", st.m.ID, "error", err)
	}

	if st.decisionID != "" {
		if d, err := c.store.GetDecision(ctx, st.decisionID); err == nil && d.Status == store.DecisionPending {
			d.Status = store.DecisionRejected
			d.DecidedAt = &now
			if err := c.store.UpdateDecision(ctx, d); err != nil {
				c.logger.Warn("persisting decision rejection failed", "decision_id", d.ID, "error", err)
			}
		}
	}

	meetingID := st.m.ID
	*effects = append(*effects, func() {
		c.audit(ctx, store.AuditMeetingFail, meetingID, "ok", map[string]any{"reason": reason})
		c.logger.Info("meeting failed", "meeting_id", meetingID, "reason", reason)
		c.evict(meetingID)
	})
}

// resolveDecisionLocked approves the bound decision. The selected option is
// set only when the agreeing participants all named the same option.
func (c *Coordinator) resolveDecisionLocked(ctx context.Context, st *meetingState, agreed string, now time.Time) {
	d, err := c.store.GetDecision(ctx, st.decisionID)
	if err != nil {
		c.logger.Warn("loading bound decision failed", "decision_id", st.decisionID, "error", err)
		return
	}
	d.Status = store.DecisionApproved
	d.DecidedAt = &now
	for _, opt := range d.Options {
		if opt == agreed {
			d.SelectedOption = &opt
			break
		}
	}
	if err := c.store.UpdateDecision(ctx, d); err != nil {
		c.logger.Warn("persisting decision approval failed", "decision_id", d.ID, "error", err)
	}
}

// agreedContentLocked returns the content shared by every consensus
// submission of the final round, or a generic summary when they differ.
func (c *Coordinator) agreedContentLocked(st *meetingState) string {
	shared := ""
	for _, a := range st.active {
		if st.submissions[a] != store.KindConsensus {
			continue
		}
		content := st.contents[a]
		if shared == "" {
			shared = content
		} else if shared != content {
			return "consensus reached on: " + st.m.Topic
		}
	}
	if shared == "" {
		return "consensus reached on: " + st.m.Topic
	}
	return shared
}

// announceConsensus pushes the consensus to every participant's live session
// via the broker. Offline participants find the record in the transcript.
func (c *Coordinator) announceConsensus(ctx context.Context, meetingID, projectID, topic, content string, participants []string) {
	if c.broadcast == nil || c.resolver == nil {
		return
	}
	var targets []string
	for _, p := range participants {
		if sid, ok := c.resolver.SessionIDFor(p); ok {
			targets = append(targets, sid)
		}
	}
	if len(targets) == 0 {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"meeting_id": meetingID,
		"topic":      topic,
		"consensus":  content,
	})
	if err != nil {
		c.logger.Warn("marshaling consensus payload failed", "meeting_id", meetingID, "error", err)
		return
	}
	msg := broker.NewMessage("coordinator", "", "meeting.consensus", broker.PriorityHigh, meetingID, payload)
	result := c.broadcast.BroadcastTo(ctx, msg, projectID, targets)
	c.logger.Info("consensus broadcast", "meeting_id", meetingID, "delivered", result.Delivered(), "targets", len(targets))
}

// armTimerLocked schedules the per-turn deadline for the current turn holder.
func (c *Coordinator) armTimerLocked(st *meetingState) {
	if c.cfg.RoundTimeout <= 0 {
		return
	}
	c.stopTimerLocked(st)
	st.timerGen++
	gen := st.timerGen
	id := st.m.ID
	st.timer = time.AfterFunc(c.cfg.RoundTimeout, func() {
		c.handleTimeout(id, gen)
	})
}

func (c *Coordinator) stopTimerLocked(st *meetingState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.timerGen++
}

// handleTimeout fires when the turn holder missed its deadline. A stale
// generation means the turn already advanced; the timer is a no-op then.
func (c *Coordinator) handleTimeout(meetingID string, gen int) {
	st, err := c.state(meetingID)
	if err != nil {
		return
	}
	ctx := context.Background()

	var effects []func()
	st.mu.Lock()
	if st.timerGen != gen || st.m.Status != store.MeetingInProgress {
		st.mu.Unlock()
		return
	}
	agent := st.active[st.turn]
	if _, done := st.submissions[agent]; !done {
		c.abstainLocked(ctx, st, agent, &effects)
		c.advanceLocked(ctx, st, &effects)
	}
	st.mu.Unlock()

	for _, fn := range effects {
		fn()
	}
}

func (c *Coordinator) audit(ctx context.Context, action store.AuditAction, targetID, outcome string, detail map[string]any) {
	entry := &store.AuditEntry{
		Actor:      "coordinator",
		Action:     action,
		TargetType: "meeting",
		TargetID:   targetID,
		Outcome:    outcome,
		Detail:     detail,
	}
	if err := c.store.AppendAuditLog(ctx, entry); err != nil {
		c.logger.Warn("audit append failed", "action", action, "error", err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
