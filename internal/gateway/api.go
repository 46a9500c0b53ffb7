// ABOUTME: REST control API for projects, keys, meetings, decisions, topics, and audit
// ABOUTME: All routes sit behind bearer auth; admin routes additionally require the admin capability

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/parley-dev/parley-gateway/internal/auth"
	"github.com/parley-dev/parley-gateway/internal/meeting"
	"github.com/parley-dev/parley-gateway/internal/project"
	"github.com/parley-dev/parley-gateway/internal/protocol"
	"github.com/parley-dev/parley-gateway/internal/store"
)

// CreateProjectRequest is the JSON request body for POST /api/projects.
type CreateProjectRequest struct {
	ProjectID string `json:"project_id"`
}

// IssueKeyRequest is the JSON request body for POST /api/projects/{id}/keys.
type IssueKeyRequest struct {
	Capabilities []string `json:"capabilities"`
	TTL          string   `json:"ttl,omitempty"` // Go duration; empty uses the configured default
}

// IssueKeyResponse returns the plaintext key exactly once.
type IssueKeyResponse struct {
	KeyID string `json:"key_id"`
	Key   string `json:"key"`
}

// AddMemberRequest is the JSON request body for POST /api/projects/{id}/members.
type AddMemberRequest struct {
	AgentID string `json:"agent_id"`
}

// CreateGrantRequest is the JSON request body for POST /api/grants.
type CreateGrantRequest struct {
	FromProject string `json:"from_project"`
	ToProject   string `json:"to_project"`
}

// RegisterProtocolRequest is the JSON request body for POST /api/protocols.
type RegisterProtocolRequest struct {
	Name                   string   `json:"name"`
	Version                int      `json:"version"`
	AcceptedMessageTypes   []string `json:"accepted_message_types"`
	CapabilityRequirements []string `json:"capability_requirements,omitempty"`
}

// CreateMeetingRequest is the JSON request body for POST /api/meetings.
type CreateMeetingRequest struct {
	ProjectID    string   `json:"project_id"`
	Topic        string   `json:"topic"`
	Participants []string `json:"participants"`
	Options      []string `json:"options,omitempty"` // binds a decision when non-empty
}

// ProjectResponse is the JSON form of a project.
type ProjectResponse struct {
	ID                string `json:"id"`
	Owner             string `json:"owner"`
	CrossProjectAllow bool   `json:"cross_project_allow"`
	CreatedAt         string `json:"created_at"`
}

// MeetingResponse is the JSON form of a meeting.
type MeetingResponse struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	Topic        string   `json:"topic"`
	Status       string   `json:"status"`
	Type         string   `json:"type"`
	Participants []string `json:"participants"`
	Round        int      `json:"round"`
	CurrentTurn  int      `json:"current_turn"`
	FailReason   string   `json:"fail_reason,omitempty"`
	CreatedAt    string   `json:"created_at"`
	CompletedAt  string   `json:"completed_at,omitempty"`
}

// MeetingMessageResponse is the JSON form of one transcript entry.
type MeetingMessageResponse struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	Round     int    `json:"round"`
	Sequence  int    `json:"sequence"`
	CreatedAt string `json:"created_at"`
}

// MeetingDetailResponse is the JSON response for GET /api/meetings/{id}.
type MeetingDetailResponse struct {
	Meeting  MeetingResponse          `json:"meeting"`
	Messages []MeetingMessageResponse `json:"messages"`
}

// DecisionResponse is the JSON form of a decision.
type DecisionResponse struct {
	ID             string   `json:"id"`
	MeetingID      string   `json:"meeting_id,omitempty"`
	Options        []string `json:"options"`
	Status         string   `json:"status"`
	SelectedOption string   `json:"selected_option,omitempty"`
	DecidedAt      string   `json:"decided_at,omitempty"`
}

// SessionResponse is the JSON form of a live session.
type SessionResponse struct {
	ID        string `json:"id"`
	Identity  string `json:"identity"`
	ProjectID string `json:"project_id,omitempty"`
	Status    string `json:"status"`
	Protocol  string `json:"protocol,omitempty"`
}

// TopicResponse is the JSON form of one topic suggestion.
type TopicResponse struct {
	Topic        string   `json:"topic"`
	Score        float64  `json:"score"`
	MessageCount int      `json:"message_count"`
	Participants []string `json:"participants"`
	LastSeen     string   `json:"last_seen"`
}

// registerAPIRoutes wires the REST surface onto the mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	onFailure := func(ctx context.Context, reason string) {
		g.auditAuthFailure(ctx, reason)
	}
	authed := auth.HTTPAuthMiddleware(g.projects, g.verifier, onFailure)
	admin := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireCapability("admin")(h))
	}
	member := func(h http.HandlerFunc) http.Handler {
		return authed(h)
	}

	mux.Handle("POST /api/projects", admin(g.handleCreateProject))
	mux.Handle("GET /api/projects", admin(g.handleListProjects))
	mux.Handle("POST /api/projects/{id}/members", admin(g.handleAddMember))
	mux.Handle("POST /api/projects/{id}/keys", admin(g.handleIssueKey))
	mux.Handle("DELETE /api/keys/{id}", admin(g.handleRevokeKey))
	mux.Handle("POST /api/grants", admin(g.handleCreateGrant))
	mux.Handle("POST /api/protocols", admin(g.handleRegisterProtocol))
	mux.Handle("GET /api/audit", admin(g.handleListAudit))

	mux.Handle("GET /api/sessions", member(g.handleListSessions))
	mux.Handle("POST /api/meetings", member(g.handleCreateMeeting))
	mux.Handle("GET /api/meetings", member(g.handleListMeetings))
	mux.Handle("GET /api/meetings/{id}", member(g.handleGetMeeting))
	mux.Handle("POST /api/meetings/{id}/cancel", member(g.handleCancelMeeting))
	mux.Handle("GET /api/decisions", member(g.handleListDecisions))
	mux.Handle("GET /api/topics", member(g.handleListTopics))
}

// requireProjectAccess checks that the caller may read or act on a project:
// operators (wildcard capability) always may, key holders only within their
// own project or across an explicit grant.
func (g *Gateway) requireProjectAccess(w http.ResponseWriter, r *http.Request, projectID string) bool {
	authCtx := auth.MustFromContext(r.Context())
	if authCtx.HasCapability("*") {
		return true
	}
	if authCtx.ProjectID == projectID {
		return true
	}
	if g.projects.ResolveAccess(r.Context(), authCtx.ProjectID, projectID) {
		return true
	}
	g.auditDenied(r.Context(), authCtx.Identity, "project", projectID)
	g.sendJSONError(w, http.StatusForbidden, "project access denied")
	return false
}

func (g *Gateway) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	authCtx := auth.MustFromContext(r.Context())
	p, err := g.projects.CreateProject(r.Context(), authCtx.Identity, req.ProjectID)
	if err != nil {
		if errors.Is(err, project.ErrAlreadyExists) {
			g.sendJSONError(w, http.StatusConflict, "project already exists")
			return
		}
		g.internalError(w, "creating project", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"project_id": p.ID, "owner": p.Owner})
}

func (g *Gateway) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := g.store.ListProjects(r.Context())
	if err != nil {
		g.internalError(w, "listing projects", err)
		return
	}
	resp := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		resp = append(resp, ProjectResponse{
			ID:                p.ID,
			Owner:             p.Owner,
			CrossProjectAllow: p.CrossProjectAllow,
			CreatedAt:         p.CreatedAt.Format(time.RFC3339),
		})
	}
	g.sendJSON(w, resp)
}

func (g *Gateway) handleAddMember(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if err := g.projects.AddMember(r.Context(), projectID, req.AgentID); err != nil {
		if errors.Is(err, project.ErrProjectNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "project not found")
			return
		}
		g.internalError(w, "adding member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	var req IssueKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var expiresAt *time.Time
	ttl := g.config.Auth.KeyTTL
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = parsed
	}
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	authCtx := auth.MustFromContext(r.Context())
	keyID, plaintext, err := g.projects.IssueAPIKey(r.Context(), authCtx.Identity, projectID, req.Capabilities, expiresAt)
	if err != nil {
		if errors.Is(err, project.ErrProjectNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "project not found")
			return
		}
		g.internalError(w, "issuing key", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(IssueKeyResponse{KeyID: keyID, Key: plaintext})
}

func (g *Gateway) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	if err := g.projects.RevokeKey(r.Context(), authCtx.Identity, r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "key not found")
			return
		}
		g.internalError(w, "revoking key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	var req CreateGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FromProject == "" || req.ToProject == "" {
		g.sendJSONError(w, http.StatusBadRequest, "from_project and to_project are required")
		return
	}
	authCtx := auth.MustFromContext(r.Context())
	if err := g.projects.GrantCrossProject(r.Context(), authCtx.Identity, req.FromProject, req.ToProject); err != nil {
		if errors.Is(err, project.ErrProjectNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "project not found")
			return
		}
		g.internalError(w, "creating grant", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (g *Gateway) handleRegisterProtocol(w http.ResponseWriter, r *http.Request) {
	var req RegisterProtocolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Version <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "name and positive version are required")
		return
	}
	def := &protocol.Definition{
		Name:                   req.Name,
		Version:                req.Version,
		AcceptedMessageTypes:   req.AcceptedMessageTypes,
		CapabilityRequirements: req.CapabilityRequirements,
	}
	if err := g.protocols.RegisterProtocol(def); err != nil {
		if errors.Is(err, protocol.ErrConflict) {
			g.sendJSONError(w, http.StatusConflict, err.Error())
			return
		}
		g.internalError(w, "registering protocol", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	response := make([]SessionResponse, 0)
	for _, sess := range g.sessions.List() {
		// Key holders see only their own project's sessions.
		if !authCtx.HasCapability("*") && sess.ProjectID() != authCtx.ProjectID {
			continue
		}
		response = append(response, SessionResponse{
			ID:        sess.ID,
			Identity:  sess.Identity,
			ProjectID: sess.ProjectID(),
			Status:    string(sess.Status()),
			Protocol:  sess.ProtocolKey(),
		})
	}
	g.sendJSON(w, response)
}

func (g *Gateway) handleCreateMeeting(w http.ResponseWriter, r *http.Request) {
	var req CreateMeetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" || req.Topic == "" {
		g.sendJSONError(w, http.StatusBadRequest, "project_id and topic are required")
		return
	}
	if !g.requireProjectAccess(w, r, req.ProjectID) {
		return
	}
	m, err := g.meetings.Create(r.Context(), req.ProjectID, req.Topic, req.Participants, store.MeetingUserSpecified, req.Options)
	if err != nil {
		if errors.Is(err, meeting.ErrInvalidParticipants) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.internalError(w, "creating meeting", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(meetingResponse(m))
}

func (g *Gateway) handleListMeetings(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if !g.requireProjectAccess(w, r, projectID) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	meetings, err := g.meetings.List(r.Context(), projectID, limit)
	if err != nil {
		g.internalError(w, "listing meetings", err)
		return
	}
	response := make([]MeetingResponse, 0, len(meetings))
	for _, m := range meetings {
		response = append(response, meetingResponse(m))
	}
	g.sendJSON(w, response)
}

func (g *Gateway) handleGetMeeting(w http.ResponseWriter, r *http.Request) {
	m, err := g.meetings.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, meeting.ErrMeetingNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "meeting not found")
			return
		}
		g.internalError(w, "loading meeting", err)
		return
	}
	if !g.requireProjectAccess(w, r, m.ProjectID) {
		return
	}
	msgs, err := g.meetings.Messages(r.Context(), m.ID)
	if err != nil {
		g.internalError(w, "loading transcript", err)
		return
	}
	detail := MeetingDetailResponse{Meeting: meetingResponse(m)}
	for _, msg := range msgs {
		detail.Messages = append(detail.Messages, MeetingMessageResponse{
			ID:        msg.ID,
			Sender:    msg.Sender,
			Kind:      string(msg.Kind),
			Content:   msg.Content,
			Round:     msg.Round,
			Sequence:  msg.Sequence,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339),
		})
	}
	g.sendJSON(w, detail)
}

func (g *Gateway) handleCancelMeeting(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("id")
	m, err := g.meetings.Get(r.Context(), meetingID)
	if err != nil {
		if errors.Is(err, meeting.ErrMeetingNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "meeting not found")
			return
		}
		g.internalError(w, "loading meeting", err)
		return
	}
	if !g.requireProjectAccess(w, r, m.ProjectID) {
		return
	}
	authCtx := auth.MustFromContext(r.Context())
	if err := g.meetings.Cancel(r.Context(), meetingID, authCtx.Identity); err != nil {
		g.internalError(w, "cancelling meeting", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	decisions, err := g.store.ListDecisions(r.Context(), limit)
	if err != nil {
		g.internalError(w, "listing decisions", err)
		return
	}
	response := make([]DecisionResponse, 0, len(decisions))
	for _, d := range decisions {
		dr := DecisionResponse{
			ID:      d.ID,
			Options: d.Options,
			Status:  string(d.Status),
		}
		if d.MeetingID != nil {
			dr.MeetingID = *d.MeetingID
		}
		if d.SelectedOption != nil {
			dr.SelectedOption = *d.SelectedOption
		}
		if d.DecidedAt != nil {
			dr.DecidedAt = d.DecidedAt.Format(time.RFC3339)
		}
		response = append(response, dr)
	}
	g.sendJSON(w, response)
}

func (g *Gateway) handleListTopics(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if !g.requireProjectAccess(w, r, projectID) {
		return
	}
	since := time.Now().UTC().Add(-g.config.Topics.Window)
	comms, err := g.store.ListCommunications(r.Context(), projectID, since, 1000)
	if err != nil {
		g.internalError(w, "listing communications", err)
		return
	}
	suggestions := g.analyzer.Analyze(comms)
	response := make([]TopicResponse, 0, len(suggestions))
	for _, s := range suggestions {
		response = append(response, TopicResponse{
			Topic:        s.Topic,
			Score:        s.Score,
			MessageCount: s.MessageCount,
			Participants: s.Participants,
			LastSeen:     s.LastSeen.Format(time.RFC3339),
		})
	}
	g.sendJSON(w, response)
}

func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	filter := store.AuditFilter{}
	if actor := r.URL.Query().Get("actor"); actor != "" {
		filter.Actor = &actor
	}
	if action := r.URL.Query().Get("action"); action != "" {
		a := store.AuditAction(action)
		filter.Action = &a
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = limit
	}
	entries, err := g.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.internalError(w, "listing audit log", err)
		return
	}
	g.sendJSON(w, entries)
}

func meetingResponse(m *store.Meeting) MeetingResponse {
	resp := MeetingResponse{
		ID:           m.ID,
		ProjectID:    m.ProjectID,
		Topic:        m.Topic,
		Status:       string(m.Status),
		Type:         string(m.Type),
		Participants: m.Participants,
		Round:        m.Round,
		CurrentTurn:  m.CurrentTurn,
		FailReason:   m.FailReason,
		CreatedAt:    m.CreatedAt.Format(time.RFC3339),
	}
	if m.CompletedAt != nil {
		resp.CompletedAt = m.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

func (g *Gateway) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (g *Gateway) internalError(w http.ResponseWriter, action string, err error) {
	g.logger.Error(action+" failed", "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
}

// auditDenied records an authorization denial.
func (g *Gateway) auditDenied(ctx context.Context, actor, targetType, targetID string) {
	entry := &store.AuditEntry{
		Actor:      actor,
		Action:     store.AuditPermissionDenied,
		TargetType: targetType,
		TargetID:   targetID,
		Outcome:    "denied",
	}
	if err := g.store.AppendAuditLog(ctx, entry); err != nil {
		g.logger.Warn("audit append failed", "action", store.AuditPermissionDenied, "error", err)
	}
}
