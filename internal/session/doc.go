// Package session tracks live authenticated agent connections.
//
// A Session is created on a successful auth handshake and destroyed on
// disconnect or liveness timeout. The Manager owns the session table and
// linearizes heartbeat/close per session: once Close returns, the session is
// unreachable through Lookup and no further deliveries can be bound to it.
//
// Liveness follows active -> idle -> closed: a missing heartbeat past the
// idle timeout marks the session idle, and the reaper (Run) closes idle
// sessions past the close timeout. Closed is terminal and session IDs are
// never reused.
//
// Other subsystems observe closes through OnClose hooks, which fire outside
// the manager lock.
package session
