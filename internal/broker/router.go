// ABOUTME: Message router: per-target stable priority queues with backpressure
// ABOUTME: Point-to-point and broadcast delivery with per-target outcome reporting

package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-dev/parley-gateway/internal/session"
	"github.com/parley-dev/parley-gateway/internal/store"
)

const (
	recordRetryAttempts = 3
	recordRetryBaseWait = 50 * time.Millisecond
)

// SessionDirectory exposes the session table to the router.
// Implemented by session.Manager.
type SessionDirectory interface {
	Lookup(sessionID string) (*session.Session, error)
	List() []*session.Session
	IsLive(sessionID string) bool
}

// AccessResolver decides whether a source project may address a target
// project. Implemented by project.Registry.
type AccessResolver interface {
	ResolveAccess(ctx context.Context, sourceProject, targetProject string) bool
}

// Recorder persists communication records for routed messages.
// Implemented by store.Store.
type Recorder interface {
	SaveCommunication(ctx context.Context, record *store.Communication) error
}

// targetQueue holds one session's pending messages: three FIFO lanes, one
// per priority. Draining high before normal before low, each lane in
// enqueue order, yields the stable priority-then-FIFO delivery order.
type targetQueue struct {
	mu     sync.Mutex
	high   []*Message
	normal []*Message
	low    []*Message
	notify chan struct{}
}

func newTargetQueue() *targetQueue {
	return &targetQueue{notify: make(chan struct{}, 1)}
}

func (q *targetQueue) size() int {
	return len(q.high) + len(q.normal) + len(q.low)
}

// push appends a message, applying the backpressure policy when the queue is
// at bound: low and normal messages are rejected; a high-priority message
// displaces the oldest queued low-priority message if one exists, otherwise
// it is rejected too. Returns the outcome and any evicted message.
func (q *targetQueue) push(msg *Message, bound int) (Outcome, *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted *Message
	if q.size() >= bound {
		if msg.Priority != PriorityHigh {
			return OutcomeQueueFull, nil
		}
		if len(q.low) == 0 {
			return OutcomeQueueFull, nil
		}
		evicted = q.low[0]
		q.low = q.low[1:]
	}

	switch msg.Priority {
	case PriorityHigh:
		q.high = append(q.high, msg)
	case PriorityNormal:
		q.normal = append(q.normal, msg)
	case PriorityLow:
		q.low = append(q.low, msg)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return OutcomeQueued, evicted
}

// drain removes and returns all pending messages in delivery order.
func (q *targetQueue) drain() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Message, 0, q.size())
	out = append(out, q.high...)
	out = append(out, q.normal...)
	out = append(out, q.low...)
	q.high, q.normal, q.low = nil, nil, nil
	return out
}

// Router moves messages between sessions with priority ordering and
// backpressure. State is scoped per target: operations on different targets
// never contend on a shared lock beyond the queue-table map.
type Router struct {
	mu     sync.RWMutex
	queues map[string]*targetQueue

	bound    int
	sessions SessionDirectory
	access   AccessResolver
	recorder Recorder
	logger   *slog.Logger
}

// NewRouter creates a router. bound is the per-target pending-queue limit.
func NewRouter(sessions SessionDirectory, access AccessResolver, recorder Recorder, bound int, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if bound <= 0 {
		bound = 256
	}
	return &Router{
		queues:   make(map[string]*targetQueue),
		bound:    bound,
		sessions: sessions,
		access:   access,
		recorder: recorder,
		logger:   logger.With("component", "broker"),
	}
}

// queueFor returns the target's queue, creating it if needed. Returns nil
// for targets that are not live: a closed session's queue is never
// recreated, so delivery to it permanently returns nothing.
func (r *Router) queueFor(target string) *targetQueue {
	if !r.sessions.IsLive(target) {
		return nil
	}

	r.mu.RLock()
	q, ok := r.queues[target]
	r.mu.RUnlock()
	if ok {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok = r.queues[target]; ok {
		return q
	}
	// Re-check under the write lock: the session may have closed (and its
	// queue been dropped) since the check above, and a queue created now
	// would never be reaped.
	if !r.sessions.IsLive(target) {
		return nil
	}
	q = newTargetQueue()
	r.queues[target] = q
	return q
}

// Enqueue routes a point-to-point message to its target session. The
// communication record is persisted before the message becomes deliverable.
func (r *Router) Enqueue(ctx context.Context, msg *Message) EnqueueResult {
	sender, err := r.sessions.Lookup(msg.From)
	if err != nil {
		return EnqueueResult{Outcome: OutcomeTargetNotFound, Reason: "sender session not found"}
	}

	target, err := r.sessions.Lookup(msg.To)
	if err != nil || !r.sessions.IsLive(msg.To) {
		return EnqueueResult{Outcome: OutcomeTargetNotFound, Reason: "target session not found"}
	}

	if !r.access.ResolveAccess(ctx, sender.ProjectID(), target.ProjectID()) {
		return EnqueueResult{Outcome: OutcomeAccessDenied, Reason: "target outside accessible project boundary"}
	}

	if err := r.record(ctx, sender.ProjectID(), sender.Identity, msg); err != nil {
		return EnqueueResult{Outcome: OutcomePersistFailed, Reason: err.Error()}
	}

	return r.enqueueLocked(msg)
}

// enqueueLocked places an already-authorized message on its target's queue.
func (r *Router) enqueueLocked(msg *Message) EnqueueResult {
	q := r.queueFor(msg.To)
	if q == nil {
		return EnqueueResult{Outcome: OutcomeTargetNotFound, Reason: "target session not found"}
	}

	outcome, evicted := q.push(msg, r.bound)
	if outcome == OutcomeQueueFull {
		r.logger.Debug("rejected message, queue full",
			"target", msg.To, "priority", msg.Priority.String())
		return EnqueueResult{Outcome: OutcomeQueueFull, Reason: "target queue full"}
	}
	if evicted != nil {
		r.logger.Info("evicted low-priority message for high-priority delivery",
			"target", msg.To, "evicted_id", evicted.ID, "message_id", msg.ID)
	}
	return EnqueueResult{Outcome: OutcomeQueued, Evicted: evicted}
}

// record persists the communication record with bounded backoff. Failure
// rejects the triggering enqueue without touching queue state. The sender
// identity is stored alongside the session ID because records outlive the
// session and the topic analyzer needs durable participant names.
func (r *Router) record(ctx context.Context, projectID, senderIdentity string, msg *Message) error {
	rec := &store.Communication{
		ID:            msg.ID,
		ProjectID:     projectID,
		FromSession:   msg.From,
		FromIdentity:  senderIdentity,
		ToScope:       msg.To,
		MessageType:   msg.Type,
		Priority:      msg.Priority.String(),
		CorrelationID: msg.CorrelationID,
		Payload:       string(msg.Payload),
		CreatedAt:     msg.CreatedAt,
	}
	var lastErr error
	wait := recordRetryBaseWait
	for attempt := 0; attempt < recordRetryAttempts; attempt++ {
		if lastErr = r.recorder.SaveCommunication(ctx, rec); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	r.logger.Warn("failed to persist communication record", "message_id", msg.ID, "error", lastErr)
	return lastErr
}

// Deliver returns and removes a target's pending messages in priority-then-
// FIFO order. A closed or unknown target yields an empty slice, permanently.
func (r *Router) Deliver(target string) []*Message {
	r.mu.RLock()
	q, ok := r.queues[target]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return q.drain()
}

// Wait returns a channel that receives a signal when the target has pending
// messages. Used by the connection writer to pump deliveries.
func (r *Router) Wait(target string) <-chan struct{} {
	q := r.queueFor(target)
	if q == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return q.notify
}

// Broadcast delivers a message to every live session bound to the scope
// project, excluding the sender. Failure for one target never blocks the
// others; the result reports each target's outcome.
func (r *Router) Broadcast(ctx context.Context, msg *Message, scope string) BroadcastResult {
	result := BroadcastResult{Results: make(map[string]EnqueueResult)}

	sender, err := r.sessions.Lookup(msg.From)
	senderProject, senderIdentity := "", msg.From
	if err == nil {
		senderProject = sender.ProjectID()
		senderIdentity = sender.Identity
	}

	if senderProject != "" && !r.access.ResolveAccess(ctx, senderProject, scope) {
		result.Results[scope] = EnqueueResult{Outcome: OutcomeAccessDenied, Reason: "scope outside accessible project boundary"}
		return result
	}

	if err := r.record(ctx, scope, senderIdentity, msg); err != nil {
		result.Results[scope] = EnqueueResult{Outcome: OutcomePersistFailed, Reason: err.Error()}
		return result
	}

	for _, sess := range r.sessions.List() {
		if sess.ProjectID() != scope || sess.ID == msg.From {
			continue
		}
		if !r.sessions.IsLive(sess.ID) {
			result.Results[sess.ID] = EnqueueResult{Outcome: OutcomeTargetNotFound, Reason: "target session not found"}
			continue
		}
		// Each target consumes its own copy: per-target seq and queue slot.
		cp := *msg
		cp.To = sess.ID
		result.Results[sess.ID] = r.enqueueLocked(&cp)
	}

	r.logger.Debug("broadcast routed",
		"scope", scope, "message_id", msg.ID,
		"targets", len(result.Results), "delivered", result.Delivered())
	return result
}

// BroadcastTo delivers a gateway-originated message (no sender session) to
// an explicit list of target sessions. A closed or unknown target is
// reported as OutcomeTargetNotFound without blocking the others. Used by
// the discussion coordinator to fan out meeting results to participants.
func (r *Router) BroadcastTo(ctx context.Context, msg *Message, scope string, targets []string) BroadcastResult {
	result := BroadcastResult{Results: make(map[string]EnqueueResult)}

	// Gateway-originated messages carry no session; msg.From is already an
	// identity-level name.
	if err := r.record(ctx, scope, msg.From, msg); err != nil {
		result.Results[scope] = EnqueueResult{Outcome: OutcomePersistFailed, Reason: err.Error()}
		return result
	}

	for _, target := range targets {
		if !r.sessions.IsLive(target) {
			result.Results[target] = EnqueueResult{Outcome: OutcomeTargetNotFound, Reason: "target session not found"}
			continue
		}
		cp := *msg
		cp.To = target
		result.Results[target] = r.enqueueLocked(&cp)
	}
	return result
}

// DropSession discards a session's pending queue. Wired to the session
// manager's close hook; once dropped the queue is never recreated because
// queueFor refuses targets that are not live.
func (r *Router) DropSession(sessionID, identity string) {
	r.mu.Lock()
	q, ok := r.queues[sessionID]
	delete(r.queues, sessionID)
	r.mu.Unlock()

	if ok {
		dropped := q.drain()
		if len(dropped) > 0 {
			r.logger.Debug("dropped pending messages for closed session",
				"session_id", sessionID, "count", len(dropped))
		}
	}
}

// Pending reports the number of messages queued for a target.
func (r *Router) Pending(target string) int {
	r.mu.RLock()
	q, ok := r.queues[target]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}
