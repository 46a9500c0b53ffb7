// ABOUTME: Message, priority, and result types for the broker
// ABOUTME: Messages are immutable once constructed and consumed once per target

package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Priority orders delivery to a target: high before normal before low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority parses a wire priority name. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Message is one routed payload between sessions. Immutable once
// constructed; each target consumes it exactly once.
type Message struct {
	ID            string
	From          string // sender session ID
	To            string // target session ID, or broadcast scope
	Type          string
	Priority      Priority
	CorrelationID string
	Payload       json.RawMessage
	CreatedAt     time.Time
}

// NewMessage constructs a message with a fresh sortable ID.
func NewMessage(from, to, msgType string, priority Priority, correlationID string, payload json.RawMessage) *Message {
	return &Message{
		ID:            ulid.Make().String(),
		From:          from,
		To:            to,
		Type:          msgType,
		Priority:      priority,
		CorrelationID: correlationID,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
}

// Outcome describes what happened to a message for one target.
type Outcome string

const (
	OutcomeQueued         Outcome = "queued"
	OutcomeDelivered      Outcome = "delivered"
	OutcomeQueueFull      Outcome = "queue_full"
	OutcomeTargetNotFound Outcome = "target_not_found"
	OutcomeAccessDenied   Outcome = "access_denied"
	OutcomePersistFailed  Outcome = "persist_failed"
)

// Accepted reports whether the outcome represents a successful enqueue.
func (o Outcome) Accepted() bool {
	return o == OutcomeQueued || o == OutcomeDelivered
}

// EnqueueResult reports the outcome of one enqueue call. When a
// high-priority message displaced a queued low-priority message, Evicted
// carries the displaced message so the caller can observe the eviction.
type EnqueueResult struct {
	Outcome Outcome
	Reason  string
	Evicted *Message
}

// BroadcastResult aggregates per-target outcomes of one broadcast.
type BroadcastResult struct {
	Results map[string]EnqueueResult // target session ID -> outcome
}

// Delivered counts targets whose outcome was a successful enqueue.
func (b *BroadcastResult) Delivered() int {
	n := 0
	for _, r := range b.Results {
		if r.Outcome.Accepted() {
			n++
		}
	}
	return n
}
