// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides project/key/meeting/decision persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			cross_project_allow INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS project_members (
			project_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (project_id, agent_id),
			FOREIGN KEY (project_id) REFERENCES projects(id)
		);

		CREATE TABLE IF NOT EXISTS cross_project_grants (
			from_project TEXT NOT NULL,
			to_project TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (from_project, to_project)
		);

		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			prefix TEXT NOT NULL,
			hash TEXT NOT NULL UNIQUE,
			capabilities TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			expires_at DATETIME,
			created_at DATETIME NOT NULL,
			revoked_at DATETIME,
			FOREIGN KEY (project_id) REFERENCES projects(id)
		);

		CREATE INDEX IF NOT EXISTS idx_api_keys_project
			ON api_keys(project_id);

		CREATE TABLE IF NOT EXISTS meetings (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			status TEXT NOT NULL,
			type TEXT NOT NULL,
			participants TEXT NOT NULL,
			current_turn INTEGER NOT NULL DEFAULT 0,
			round INTEGER NOT NULL DEFAULT 0,
			fail_reason TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			completed_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_meetings_project
			ON meetings(project_id);

		CREATE TABLE IF NOT EXISTS meeting_messages (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			round INTEGER NOT NULL,
			sequence INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (meeting_id) REFERENCES meetings(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_meeting_messages_seq
			ON meeting_messages(meeting_id, sequence);

		CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			meeting_id TEXT,
			options TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			selected_option TEXT,
			decided_at DATETIME,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS communications (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			from_session TEXT NOT NULL,
			from_identity TEXT NOT NULL DEFAULT '',
			to_scope TEXT NOT NULL,
			message_type TEXT NOT NULL,
			priority TEXT NOT NULL,
			correlation_id TEXT,
			payload TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_communications_project_time
			ON communications(project_id, created_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			ts DATETIME NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_ts
			ON audit_log(ts);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation reports whether the error is a SQLite constraint failure.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings so they are stored as NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime formats a time pointer as RFC3339 or nil.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseNullTime converts a stored RFC3339 string pointer back to a time pointer.
func parseNullTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp %q: %w", *s, err)
	}
	return &t, nil
}

// marshalStrings encodes a string slice as a JSON array for storage.
func marshalStrings(vals []string) (string, error) {
	if vals == nil {
		vals = []string{}
	}
	data, err := json.Marshal(vals)
	if err != nil {
		return "", fmt.Errorf("marshaling string list: %w", err)
	}
	return string(data), nil
}

// unmarshalStrings decodes a stored JSON array back to a string slice.
func unmarshalStrings(data string) ([]string, error) {
	if data == "" {
		return []string{}, nil
	}
	var vals []string
	if err := json.Unmarshal([]byte(data), &vals); err != nil {
		return nil, fmt.Errorf("unmarshaling string list: %w", err)
	}
	return vals, nil
}

// CreateProject inserts a new project.
// Returns ErrDuplicateProject if a project with the same ID exists.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *Project) error {
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	if project.UpdatedAt.IsZero() {
		project.UpdatedAt = now
	}

	query := `
		INSERT INTO projects (id, owner, cross_project_allow, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		project.ID,
		project.Owner,
		boolToInt(project.CrossProjectAllow),
		project.CreatedAt.Format(time.RFC3339),
		project.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateProject
		}
		return fmt.Errorf("inserting project: %w", err)
	}

	s.logger.Debug("created project", "project_id", project.ID, "owner", project.Owner)
	return nil
}

// GetProject retrieves a project by ID.
// Returns ErrNotFound if the project doesn't exist.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	query := `
		SELECT id, owner, cross_project_allow, created_at, updated_at
		FROM projects WHERE id = ?
	`

	var p Project
	var crossAllow int
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Owner, &crossAllow, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying project: %w", err)
	}

	p.CrossProjectAllow = crossAllow != 0
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}

// UpdateProject updates a project's mutable fields.
func (s *SQLiteStore) UpdateProject(ctx context.Context, project *Project) error {
	project.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE projects SET owner = ?, cross_project_allow = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		project.Owner,
		boolToInt(project.CrossProjectAllow),
		project.UpdatedAt.Format(time.RFC3339),
		project.ID,
	)
	if err != nil {
		return fmt.Errorf("updating project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProjects returns all projects ordered by creation time.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*Project, error) {
	query := `
		SELECT id, owner, cross_project_allow, created_at, updated_at
		FROM projects ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		var p Project
		var crossAllow int
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Owner, &crossAllow, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		p.CrossProjectAllow = crossAllow != 0
		if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// AddProjectMember records an agent as a member of a project. Idempotent.
func (s *SQLiteStore) AddProjectMember(ctx context.Context, projectID, agentID string) error {
	query := `
		INSERT OR IGNORE INTO project_members (project_id, agent_id, created_at)
		VALUES (?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, projectID, agentID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting project member: %w", err)
	}
	return nil
}

// ListProjectMembers returns the agent IDs belonging to a project.
func (s *SQLiteStore) ListProjectMembers(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id FROM project_members WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying project members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// CreateGrant records a cross-project access grant. Idempotent.
func (s *SQLiteStore) CreateGrant(ctx context.Context, grant *CrossProjectGrant) error {
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT OR IGNORE INTO cross_project_grants (from_project, to_project, created_at)
		VALUES (?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		grant.FromProject, grant.ToProject, grant.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting grant: %w", err)
	}
	s.logger.Debug("created cross-project grant", "from", grant.FromProject, "to", grant.ToProject)
	return nil
}

// HasGrant reports whether a grant exists from one project to another.
func (s *SQLiteStore) HasGrant(ctx context.Context, fromProject, toProject string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cross_project_grants WHERE from_project = ? AND to_project = ?`,
		fromProject, toProject).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying grant: %w", err)
	}
	return n > 0, nil
}

// CreateAPIKey inserts a new API key record.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	if key.Status == "" {
		key.Status = KeyStatusActive
	}

	caps, err := marshalStrings(key.Capabilities)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO api_keys (id, project_id, prefix, hash, capabilities, status, expires_at, created_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		key.ID,
		key.ProjectID,
		key.Prefix,
		key.Hash,
		caps,
		string(key.Status),
		nullTime(key.ExpiresAt),
		key.CreatedAt.Format(time.RFC3339),
		nullTime(key.RevokedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("api key with this hash already exists")
		}
		return fmt.Errorf("inserting api key: %w", err)
	}

	s.logger.Debug("created api key", "key_id", key.ID, "project_id", key.ProjectID, "prefix", key.Prefix)
	return nil
}

// scanAPIKey scans a row into an APIKey.
func scanAPIKey(scanner interface{ Scan(dest ...any) error }) (*APIKey, error) {
	var k APIKey
	var caps, status, createdAt string
	var expiresAt, revokedAt *string

	if err := scanner.Scan(
		&k.ID, &k.ProjectID, &k.Prefix, &k.Hash, &caps, &status,
		&expiresAt, &createdAt, &revokedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning api key: %w", err)
	}

	var err error
	if k.Capabilities, err = unmarshalStrings(caps); err != nil {
		return nil, err
	}
	k.Status = KeyStatus(status)
	if k.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if k.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if k.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

const apiKeyColumns = `id, project_id, prefix, hash, capabilities, status, expires_at, created_at, revoked_at`

// GetAPIKeyByHash retrieves a key record by its content hash.
// Returns ErrNotFound if no key matches.
func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE hash = ?`, hash)
	key, err := scanAPIKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return key, nil
}

// UpdateAPIKeyStatus transitions a key's lifecycle status.
// Revocation records the revocation time.
func (s *SQLiteStore) UpdateAPIKeyStatus(ctx context.Context, id string, status KeyStatus) error {
	var revokedAt any
	if status == KeyStatusRevoked {
		revokedAt = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET status = ?, revoked_at = COALESCE(?, revoked_at) WHERE id = ?`,
		string(status), revokedAt, id)
	if err != nil {
		return fmt.Errorf("updating api key status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("updated api key status", "key_id", id, "status", status)
	return nil
}

// ListAPIKeys returns all keys for a project, newest first.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context, projectID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE project_id = ? ORDER BY created_at DESC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
