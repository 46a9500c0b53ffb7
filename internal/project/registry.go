// ABOUTME: Project registry: tenant boundary with API keys, membership, and cross-project grants
// ABOUTME: In-memory cache over the store with write-through semantics and bounded retry

package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-dev/parley-gateway/internal/auth"
	"github.com/parley-dev/parley-gateway/internal/store"
)

// Registry errors
var (
	// ErrAlreadyExists means the project ID is taken.
	ErrAlreadyExists = errors.New("project already exists")

	// ErrProjectNotFound means the project does not exist.
	ErrProjectNotFound = errors.New("project not found")

	// ErrPersistenceUnavailable means the durable store kept failing past
	// the retry budget. In-memory state is unchanged when this is returned.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

// retry policy for write-through operations
const (
	retryAttempts = 3
	retryBaseWait = 50 * time.Millisecond
)

// cachedProject is the in-memory view of one project.
type cachedProject struct {
	project *store.Project
	members map[string]bool
}

// Registry is the multi-tenant boundary. All hot-path validation reads hit
// the in-memory cache; every mutation is committed to the store before the
// cache is updated, so a crash never leaves the cache ahead of durable state.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*cachedProject
	keys     map[string]*store.APIKey // by hash
	grants   map[string]bool          // "from|to"

	store  store.Store
	logger *slog.Logger
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(st store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		projects: make(map[string]*cachedProject),
		keys:     make(map[string]*store.APIKey),
		grants:   make(map[string]bool),
		store:    st,
		logger:   logger.With("component", "projects"),
	}
}

// withRetry runs a store write with bounded backoff. Transient failures are
// retried; persistent failure surfaces as ErrPersistenceUnavailable.
func (r *Registry) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	wait := retryBaseWait
	for attempt := 0; attempt < retryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		// Domain errors are not transient; surface them immediately.
		if errors.Is(lastErr, store.ErrDuplicateProject) ||
			errors.Is(lastErr, store.ErrNotFound) ||
			errors.Is(lastErr, store.ErrInvalidDecision) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, lastErr)
}

// CreateProject creates a new tenant. Fails with ErrAlreadyExists if the
// ID is taken.
func (r *Registry) CreateProject(ctx context.Context, owner, projectID string) (*store.Project, error) {
	p := &store.Project{ID: projectID, Owner: owner}

	err := r.withRetry(ctx, func() error {
		return r.store.CreateProject(ctx, p)
	})
	if errors.Is(err, store.ErrDuplicateProject) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.projects[projectID] = &cachedProject{project: p, members: make(map[string]bool)}
	r.mu.Unlock()

	_ = r.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      owner,
		Action:     store.AuditCreateProject,
		TargetType: "project",
		TargetID:   projectID,
	})

	r.logger.Info("project created", "project_id", projectID, "owner", owner)
	return p, nil
}

// GetProject returns a project, consulting the cache first.
func (r *Registry) GetProject(ctx context.Context, projectID string) (*store.Project, error) {
	r.mu.RLock()
	if cached, ok := r.projects[projectID]; ok {
		p := *cached.project
		r.mu.RUnlock()
		return &p, nil
	}
	r.mu.RUnlock()

	p, err := r.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}

	members, err := r.store.ListProjectMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	entry := &cachedProject{project: p, members: make(map[string]bool, len(members))}
	for _, m := range members {
		entry.members[m] = true
	}
	r.projects[projectID] = entry
	r.mu.Unlock()

	cp := *p
	return &cp, nil
}

// AddMember registers an agent as a project member.
func (r *Registry) AddMember(ctx context.Context, projectID, agentID string) error {
	if _, err := r.GetProject(ctx, projectID); err != nil {
		return err
	}

	if err := r.withRetry(ctx, func() error {
		return r.store.AddProjectMember(ctx, projectID, agentID)
	}); err != nil {
		return err
	}

	r.mu.Lock()
	if cached, ok := r.projects[projectID]; ok {
		cached.members[agentID] = true
	}
	r.mu.Unlock()
	return nil
}

// IsMember reports whether an agent belongs to a project.
func (r *Registry) IsMember(ctx context.Context, projectID, agentID string) bool {
	if _, err := r.GetProject(ctx, projectID); err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	cached, ok := r.projects[projectID]
	return ok && cached.members[agentID]
}

// IssueAPIKey mints a new key for a project. The plaintext is returned
// exactly once and never stored; callers must surface it to the user
// immediately.
func (r *Registry) IssueAPIKey(ctx context.Context, actor, projectID string, capabilities []string, expiresAt *time.Time) (keyID, plaintext string, err error) {
	if _, err := r.GetProject(ctx, projectID); err != nil {
		return "", "", err
	}

	plaintext, prefix, hash, err := auth.GenerateKey()
	if err != nil {
		return "", "", err
	}

	key := &store.APIKey{
		ProjectID:    projectID,
		Prefix:       prefix,
		Hash:         hash,
		Capabilities: append([]string(nil), capabilities...),
		Status:       store.KeyStatusActive,
		ExpiresAt:    expiresAt,
	}

	if err := r.withRetry(ctx, func() error {
		return r.store.CreateAPIKey(ctx, key)
	}); err != nil {
		return "", "", err
	}

	r.mu.Lock()
	r.keys[hash] = key
	r.mu.Unlock()

	_ = r.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     store.AuditIssueKey,
		TargetType: "key",
		TargetID:   key.ID,
		Detail:     map[string]any{"project_id": projectID, "prefix": prefix},
	})

	r.logger.Info("api key issued", "key_id", key.ID, "project_id", projectID, "prefix", prefix)
	return key.ID, plaintext, nil
}

// ValidateKey authenticates a presented API key. The key is hashed and
// matched against the stored hash in constant time; the display prefix plays
// no part in authorization. Returns the bound project and capability set, or
// one of auth.ErrInvalidKey, auth.ErrExpiredKey, auth.ErrRevokedKey.
// Implements auth.KeyValidator.
func (r *Registry) ValidateKey(ctx context.Context, presented string) (string, []string, error) {
	hash := auth.HashKey(presented)

	r.mu.RLock()
	key, ok := r.keys[hash]
	r.mu.RUnlock()

	if !ok {
		stored, err := r.store.GetAPIKeyByHash(ctx, hash)
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, auth.ErrInvalidKey
		}
		if err != nil {
			return "", nil, err
		}
		r.mu.Lock()
		r.keys[hash] = stored
		r.mu.Unlock()
		key = stored
	}

	if !auth.VerifyKeyHash(presented, key.Hash) {
		return "", nil, auth.ErrInvalidKey
	}

	switch key.Status {
	case store.KeyStatusRevoked:
		return "", nil, auth.ErrRevokedKey
	case store.KeyStatusExpired:
		return "", nil, auth.ErrExpiredKey
	case store.KeyStatusActive:
		// fall through to expiry check
	}

	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		// Lazy expiry: record the transition, best effort.
		if err := r.store.UpdateAPIKeyStatus(ctx, key.ID, store.KeyStatusExpired); err == nil {
			r.mu.Lock()
			key.Status = store.KeyStatusExpired
			r.mu.Unlock()
		}
		return "", nil, auth.ErrExpiredKey
	}

	return key.ProjectID, append([]string(nil), key.Capabilities...), nil
}

// RevokeKey revokes a key by ID. Revocation is monotonic; there is no
// un-revoke.
func (r *Registry) RevokeKey(ctx context.Context, actor, keyID string) error {
	if err := r.withRetry(ctx, func() error {
		return r.store.UpdateAPIKeyStatus(ctx, keyID, store.KeyStatusRevoked)
	}); err != nil {
		return err
	}

	r.mu.Lock()
	for _, key := range r.keys {
		if key.ID == keyID {
			key.Status = store.KeyStatusRevoked
			break
		}
	}
	r.mu.Unlock()

	_ = r.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     store.AuditRevokeKey,
		TargetType: "key",
		TargetID:   keyID,
	})

	r.logger.Info("api key revoked", "key_id", keyID)
	return nil
}

// GrantCrossProject allows sessions bound to fromProject to reach
// toProject. Grants are directional.
func (r *Registry) GrantCrossProject(ctx context.Context, actor, fromProject, toProject string) error {
	if _, err := r.GetProject(ctx, fromProject); err != nil {
		return err
	}
	if _, err := r.GetProject(ctx, toProject); err != nil {
		return err
	}

	grant := &store.CrossProjectGrant{FromProject: fromProject, ToProject: toProject}
	if err := r.withRetry(ctx, func() error {
		return r.store.CreateGrant(ctx, grant)
	}); err != nil {
		return err
	}

	r.mu.Lock()
	r.grants[fromProject+"|"+toProject] = true
	r.mu.Unlock()

	_ = r.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     store.AuditGrantCross,
		TargetType: "project",
		TargetID:   toProject,
		Detail:     map[string]any{"from_project": fromProject},
	})
	return nil
}

// ResolveAccess reports whether a session bound to sourceProject may address
// sessions in targetProject: same project, an explicit grant, or a target
// that opted into cross-project access.
func (r *Registry) ResolveAccess(ctx context.Context, sourceProject, targetProject string) bool {
	if sourceProject == targetProject {
		return sourceProject != ""
	}

	r.mu.RLock()
	granted := r.grants[sourceProject+"|"+targetProject]
	r.mu.RUnlock()
	if granted {
		return true
	}

	// Cache may be cold for grants written by a previous process.
	if ok, err := r.store.HasGrant(ctx, sourceProject, targetProject); err == nil && ok {
		r.mu.Lock()
		r.grants[sourceProject+"|"+targetProject] = true
		r.mu.Unlock()
		return true
	}

	target, err := r.GetProject(ctx, targetProject)
	if err != nil {
		return false
	}
	return target.CrossProjectAllow
}
