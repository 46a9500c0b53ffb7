// Package meeting coordinates structured discussions between agents.
//
// A meeting is created pending with a fixed, ordered participant list. The
// first submission opens round 1 and moves it to in_progress. Within a round
// each participant speaks exactly once, strictly in list order; submissions
// from anyone but the turn holder are rejected and leave no trace in the
// transcript.
//
// When every active participant has spoken, the round is evaluated against
// the configured consensus policy (unanimous by default). Agreement completes
// the meeting: a consensus record is appended to the transcript, any bound
// decision is resolved, and the result is broadcast to participant sessions
// through the broker. Disagreement opens the next round with the turn reset
// to the first participant, up to the configured round limit, after which the
// meeting fails with no_consensus.
//
// Participants that miss their per-turn deadline are skipped with a meta
// abstain record; repeated absence removes them from future rounds without
// touching recorded history. Cancellation is idempotent and moves any
// non-terminal meeting to failed(cancelled).
//
// All mutation of one meeting happens under that meeting's own lock, so
// concurrent submissions serialize per meeting and distinct meetings never
// contend. Side effects that reach other components (broadcast, audit) run
// after the lock is released.
package meeting
