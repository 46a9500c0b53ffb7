// ABOUTME: SQLite store methods for routed-message communication records
// ABOUTME: Communications are the audit trail of deliveries and the topic analyzer's input

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// SaveCommunication persists the record of one routed message.
// IDs are ULIDs so records sort lexically in creation order.
func (s *SQLiteStore) SaveCommunication(ctx context.Context, record *Communication) error {
	if record.ID == "" {
		record.ID = ulid.Make().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO communications (id, project_id, from_session, from_identity, to_scope, message_type, priority, correlation_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.ProjectID,
		record.FromSession,
		record.FromIdentity,
		record.ToScope,
		record.MessageType,
		record.Priority,
		nullString(record.CorrelationID),
		nullString(record.Payload),
		record.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting communication: %w", err)
	}
	return nil
}

// ListCommunications returns a project's communication records created at or
// after the given time, oldest first. If limit is 0 or negative, all matching
// records are returned.
func (s *SQLiteStore) ListCommunications(ctx context.Context, projectID string, since time.Time, limit int) ([]*Communication, error) {
	query := `
		SELECT id, project_id, from_session, from_identity, to_scope, message_type, priority, correlation_id, payload, created_at
		FROM communications
		WHERE project_id = ? AND created_at >= ?
		ORDER BY created_at
	`
	args := []any{projectID, since.UTC().Format(time.RFC3339)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying communications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Communication
	for rows.Next() {
		var c Communication
		var correlationID, payload *string
		var createdAt string
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.FromSession, &c.FromIdentity, &c.ToScope, &c.MessageType, &c.Priority, &correlationID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning communication: %w", err)
		}
		if correlationID != nil {
			c.CorrelationID = *correlationID
		}
		if payload != nil {
			c.Payload = *payload
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		records = append(records, &c)
	}
	return records, rows.Err()
}
