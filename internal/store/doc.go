// Package store provides persistent storage for parley-gateway using SQLite.
//
// # Architecture
//
// The Store interface covers all durable state: projects and their API keys,
// cross-project grants, meetings and their append-only transcripts, decisions,
// routed-message communication records, and the audit log. SQLiteStore
// implements the full interface in a single struct; MockStore provides an
// in-memory equivalent for unit tests.
//
// # Data Models
//
//   - Project: tenant boundary owning API keys and member agents
//   - APIKey: content-addressed key record (SHA-256 hash, display prefix)
//   - Meeting: turn-based discussion with a fixed, ordered participant list
//   - MeetingMessage: append-only transcript entry with a strict sequence
//   - Decision: choice among named options, optionally bound to a meeting
//   - Communication: durable record of one routed message
//   - AuditEntry: who did what to which resource, and the outcome
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateProject: project ID already taken
//   - ErrInvalidDecision: selected option not among the decision's options
//
// All methods accept context.Context for cancellation support.
package store
