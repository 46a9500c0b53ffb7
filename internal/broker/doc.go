// Package broker moves messages between agent sessions.
//
// Each target session has its own pending queue, split into three FIFO
// lanes (high, normal, low). Draining high before normal before low yields
// the delivery guarantee: priority order first, enqueue order within a
// priority. Queues are bounded; when full, low- and normal-priority
// messages are rejected with a queue-full outcome and a high-priority
// message may displace the oldest queued low-priority entry. Displacement
// is reported in the enqueue result, never silent.
//
// Point-to-point routing enforces the project boundary through an
// AccessResolver; broadcasts fan out to the scope project's live sessions
// with per-target outcomes, so one slow or closed target never blocks the
// rest. Every routed message is persisted as a communication record before
// it becomes deliverable.
//
// Closing a session drops its queue permanently: after DropSession, Deliver
// returns nothing and the queue is never recreated.
package broker
