// ABOUTME: SQLite store methods for meetings, meeting messages, and decisions
// ABOUTME: Meeting transcripts are append-only with a per-meeting sequence invariant

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateMeeting inserts a new meeting. New meetings start pending with
// round 0 and the turn pointer at the first participant.
func (s *SQLiteStore) CreateMeeting(ctx context.Context, meeting *Meeting) error {
	if meeting.ID == "" {
		meeting.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if meeting.CreatedAt.IsZero() {
		meeting.CreatedAt = now
	}
	if meeting.UpdatedAt.IsZero() {
		meeting.UpdatedAt = now
	}
	if meeting.Status == "" {
		meeting.Status = MeetingPending
	}

	participants, err := marshalStrings(meeting.Participants)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO meetings (id, project_id, topic, status, type, participants, current_turn, round, fail_reason, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		meeting.ID,
		meeting.ProjectID,
		meeting.Topic,
		string(meeting.Status),
		string(meeting.Type),
		participants,
		meeting.CurrentTurn,
		meeting.Round,
		nullString(meeting.FailReason),
		meeting.CreatedAt.Format(time.RFC3339),
		meeting.UpdatedAt.Format(time.RFC3339),
		nullTime(meeting.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting meeting: %w", err)
	}

	s.logger.Debug("created meeting",
		"meeting_id", meeting.ID,
		"project_id", meeting.ProjectID,
		"type", meeting.Type,
		"participants", len(meeting.Participants),
	)
	return nil
}

const meetingColumns = `id, project_id, topic, status, type, participants, current_turn, round, fail_reason, created_at, updated_at, completed_at`

// scanMeeting scans a row into a Meeting.
func scanMeeting(scanner interface{ Scan(dest ...any) error }) (*Meeting, error) {
	var m Meeting
	var status, mtype, participants, createdAt, updatedAt string
	var failReason, completedAt *string

	if err := scanner.Scan(
		&m.ID, &m.ProjectID, &m.Topic, &status, &mtype, &participants,
		&m.CurrentTurn, &m.Round, &failReason, &createdAt, &updatedAt, &completedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning meeting: %w", err)
	}

	m.Status = MeetingStatus(status)
	m.Type = MeetingType(mtype)
	var err error
	if m.Participants, err = unmarshalStrings(participants); err != nil {
		return nil, err
	}
	if failReason != nil {
		m.FailReason = *failReason
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if m.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMeeting retrieves a meeting by ID.
// Returns ErrNotFound if the meeting doesn't exist.
func (s *SQLiteStore) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = ?`, id)
	m, err := scanMeeting(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// UpdateMeeting persists a meeting's mutable state (status, turn, round, reason).
// Participants are fixed at creation and are not updated.
func (s *SQLiteStore) UpdateMeeting(ctx context.Context, meeting *Meeting) error {
	meeting.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE meetings
		SET status = ?, current_turn = ?, round = ?, fail_reason = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(meeting.Status),
		meeting.CurrentTurn,
		meeting.Round,
		nullString(meeting.FailReason),
		meeting.UpdatedAt.Format(time.RFC3339),
		nullTime(meeting.CompletedAt),
		meeting.ID,
	)
	if err != nil {
		return fmt.Errorf("updating meeting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMeetings returns meetings for a project, newest first.
// If limit is 0 or negative, all meetings are returned.
func (s *SQLiteStore) ListMeetings(ctx context.Context, projectID string, limit int) ([]*Meeting, error) {
	query := `SELECT ` + meetingColumns + ` FROM meetings WHERE project_id = ? ORDER BY created_at DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying meetings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var meetings []*Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

// AppendMeetingMessage appends one message to a meeting transcript.
// The (meeting_id, sequence) unique index enforces the no-duplicate-sequence
// invariant at the storage layer.
func (s *SQLiteStore) AppendMeetingMessage(ctx context.Context, msg *MeetingMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO meeting_messages (id, meeting_id, sender, kind, content, round, sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.MeetingID,
		msg.Sender,
		string(msg.Kind),
		msg.Content,
		msg.Round,
		msg.Sequence,
		msg.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("duplicate sequence %d for meeting %s", msg.Sequence, msg.MeetingID)
		}
		return fmt.Errorf("inserting meeting message: %w", err)
	}
	return nil
}

// ListMeetingMessages returns a meeting's transcript in sequence order.
func (s *SQLiteStore) ListMeetingMessages(ctx context.Context, meetingID string) ([]*MeetingMessage, error) {
	query := `
		SELECT id, meeting_id, sender, kind, content, round, sequence, created_at
		FROM meeting_messages WHERE meeting_id = ? ORDER BY sequence
	`
	rows, err := s.db.QueryContext(ctx, query, meetingID)
	if err != nil {
		return nil, fmt.Errorf("querying meeting messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*MeetingMessage
	for rows.Next() {
		var m MeetingMessage
		var kind, createdAt string
		if err := rows.Scan(&m.ID, &m.MeetingID, &m.Sender, &kind, &m.Content, &m.Round, &m.Sequence, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning meeting message: %w", err)
		}
		m.Kind = MessageKind(kind)
		if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// CreateDecision inserts a new decision after validating its invariants.
func (s *SQLiteStore) CreateDecision(ctx context.Context, decision *Decision) error {
	if decision.ID == "" {
		decision.ID = uuid.New().String()
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now().UTC()
	}
	if decision.Status == "" {
		decision.Status = DecisionPending
	}
	if err := decision.Validate(); err != nil {
		return err
	}

	options, err := marshalStrings(decision.Options)
	if err != nil {
		return err
	}

	var meetingID any
	if decision.MeetingID != nil {
		meetingID = *decision.MeetingID
	}
	var selected any
	if decision.SelectedOption != nil {
		selected = *decision.SelectedOption
	}

	query := `
		INSERT INTO decisions (id, meeting_id, options, status, selected_option, decided_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		decision.ID,
		meetingID,
		options,
		string(decision.Status),
		selected,
		nullTime(decision.DecidedAt),
		decision.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting decision: %w", err)
	}

	s.logger.Debug("created decision", "decision_id", decision.ID, "status", decision.Status)
	return nil
}

const decisionColumns = `id, meeting_id, options, status, selected_option, decided_at, created_at`

// scanDecision scans a row into a Decision.
func scanDecision(scanner interface{ Scan(dest ...any) error }) (*Decision, error) {
	var d Decision
	var options, status, createdAt string
	var meetingID, selected, decidedAt *string

	if err := scanner.Scan(&d.ID, &meetingID, &options, &status, &selected, &decidedAt, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning decision: %w", err)
	}

	d.MeetingID = meetingID
	d.SelectedOption = selected
	d.Status = DecisionStatus(status)
	var err error
	if d.Options, err = unmarshalStrings(options); err != nil {
		return nil, err
	}
	if d.DecidedAt, err = parseNullTime(decidedAt); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &d, nil
}

// GetDecision retrieves a decision by ID.
// Returns ErrNotFound if the decision doesn't exist.
func (s *SQLiteStore) GetDecision(ctx context.Context, id string) (*Decision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// UpdateDecision persists a decision's status and selection after validation.
func (s *SQLiteStore) UpdateDecision(ctx context.Context, decision *Decision) error {
	if err := decision.Validate(); err != nil {
		return err
	}

	var selected any
	if decision.SelectedOption != nil {
		selected = *decision.SelectedOption
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET status = ?, selected_option = ?, decided_at = ? WHERE id = ?`,
		string(decision.Status), selected, nullTime(decision.DecidedAt), decision.ID)
	if err != nil {
		return fmt.Errorf("updating decision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDecisions returns decisions, newest first.
func (s *SQLiteStore) ListDecisions(ctx context.Context, limit int) ([]*Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var decisions []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
