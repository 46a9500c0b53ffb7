// Package gateway assembles the parley-gateway server.
//
// It owns component wiring and the HTTP server. Two surfaces share one
// listener:
//
//   - /ws upgrades agent connections. The handshake authenticates a bearer
//     credential (API key or JWT), registers a session, and binds the
//     connection as the session's transport. After a welcome frame the agent
//     negotiates a protocol, heartbeats, and exchanges routed messages as
//     JSON frames. A delivery pump pushes queued messages in priority order.
//
//   - /api/* is the REST control surface: project and key administration,
//     cross-project grants, protocol registration, meeting lifecycle,
//     decisions, topic suggestions, and the audit log. Admin routes require
//     the admin capability; project-scoped reads enforce membership or an
//     explicit grant.
//
// Session close fans out through hooks: the broker drops the queue, the
// protocol registry forgets the negotiation, and the coordinator marks the
// agent absent in its meetings.
package gateway
