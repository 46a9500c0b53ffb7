// ABOUTME: WebSocket endpoint for agent connections, read loop, and delivery pump
// ABOUTME: Authenticates the handshake, registers a session, and dispatches JSON frames

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/parley-dev/parley-gateway/internal/auth"
	"github.com/parley-dev/parley-gateway/internal/broker"
	"github.com/parley-dev/parley-gateway/internal/meeting"
	"github.com/parley-dev/parley-gateway/internal/protocol"
	"github.com/parley-dev/parley-gateway/internal/session"
	"github.com/parley-dev/parley-gateway/internal/store"
)

// wsTransport adapts a websocket connection to session.Transport. A mutex
// serializes writes: the delivery pump and the read loop's acks share the
// single writer the websocket allows.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Push(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, payload)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "session closed")
}

func (t *wsTransport) send(ctx context.Context, frame serverFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return t.Push(ctx, payload)
}

// wsCredential pulls the credential from the Authorization header, falling
// back to the access_token query parameter for clients that cannot set
// headers during the WebSocket handshake.
func wsCredential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// handleWebSocket upgrades an agent connection: authenticate, register a
// session, then run the read loop until the connection or session dies.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	credential := wsCredential(r)
	if credential == "" {
		g.auditAuthFailure(r.Context(), "missing credential")
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}
	authCtx, err := auth.Authenticate(r.Context(), credential, g.projects, g.verifier)
	if err != nil {
		g.auditAuthFailure(r.Context(), err.Error())
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}

	sess, err := g.sessions.Register(authCtx.Identity, authCtx.Capabilities)
	if err != nil {
		if errors.Is(err, session.ErrDuplicateIdentity) {
			_ = conn.Close(websocket.StatusPolicyViolation, "identity already connected")
		} else {
			_ = conn.Close(websocket.StatusInternalError, "session registration failed")
		}
		return
	}
	if authCtx.ProjectID != "" {
		if err := g.sessions.BindProject(sess.ID, authCtx.ProjectID); err != nil {
			g.logger.Error("binding project failed", "session_id", sess.ID, "error", err)
			_ = g.sessions.Close(sess.ID)
			_ = conn.Close(websocket.StatusInternalError, "project binding failed")
			return
		}
	}

	transport := &wsTransport{conn: conn}
	sess.BindTransport(transport)
	// A reconnecting participant rejoins the turn rotation in any live
	// meeting; the close hook marked it absent when the old session died.
	g.meetings.MarkPresent(authCtx.Identity)
	g.auditSession(store.AuditSessionOpen, sess.ID, authCtx.Identity)
	g.logger.Info("session connected", "session_id", sess.ID, "identity", authCtx.Identity, "project_id", authCtx.ProjectID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	welcome := serverFrame{
		Type:              frameWelcome,
		SessionID:         sess.ID,
		ProjectID:         authCtx.ProjectID,
		HeartbeatInterval: g.config.Sessions.HeartbeatInterval.String(),
	}
	if err := transport.send(ctx, welcome); err != nil {
		_ = g.sessions.Close(sess.ID)
		return
	}

	go g.deliveryPump(ctx, sess.ID, transport)

	g.readLoop(ctx, conn, transport, sess)

	// The read loop exits on disconnect or violation; tear the session down
	// so queues, negotiation state, and meeting turns are released.
	_ = g.sessions.Close(sess.ID)
}

// readLoop processes frames until the connection closes or a protocol
// violation forces a drop.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, transport *wsTransport, sess *session.Session) {
	for {
		var frame clientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return
			}
			g.logger.Debug("read failed, dropping connection", "session_id", sess.ID, "error", err)
			return
		}
		if drop := g.dispatchFrame(ctx, transport, sess, &frame); drop {
			_ = conn.Close(websocket.StatusPolicyViolation, "protocol violation")
			return
		}
	}
}

// dispatchFrame handles one client frame. Returns true when the connection
// must be dropped.
func (g *Gateway) dispatchFrame(ctx context.Context, transport *wsTransport, sess *session.Session, frame *clientFrame) bool {
	switch frame.Type {
	case frameHeartbeat:
		if err := g.sessions.Heartbeat(sess.ID); err != nil {
			g.sendFrame(ctx, transport, errorFrame("session_not_found", err.Error()))
			return true
		}
		g.sendFrame(ctx, transport, serverFrame{Type: frameHeartbeatAck})

	case frameNegotiate:
		offers := make([]protocol.Offer, 0, len(frame.Protocols))
		for _, p := range frame.Protocols {
			offers = append(offers, protocol.Offer{Name: p.Name, Versions: p.Versions})
		}
		def, err := g.protocols.Negotiate(sess, offers)
		if err != nil {
			g.sendFrame(ctx, transport, errorFrame("no_compatible_protocol", err.Error()))
			return false
		}
		g.sendFrame(ctx, transport, serverFrame{Type: frameNegotiated, Protocol: def.Key()})

	case frameSend:
		return g.handleSendFrame(ctx, transport, sess, frame)

	case frameBroadcast:
		return g.handleBroadcastFrame(ctx, transport, sess, frame)

	case frameMeetingSubmit:
		g.handleMeetingSubmitFrame(ctx, transport, sess, frame)

	default:
		g.sendFrame(ctx, transport, errorFrame("unknown_frame", fmt.Sprintf("unknown frame type %q", frame.Type)))
	}
	return false
}

// handleSendFrame validates and routes a directed message. A message type
// outside the negotiated protocol is a violation and drops the connection.
func (g *Gateway) handleSendFrame(ctx context.Context, transport *wsTransport, sess *session.Session, frame *clientFrame) bool {
	if err := g.protocols.ValidateMessage(sess, frame.MessageType); err != nil {
		if errors.Is(err, protocol.ErrProtocolViolation) {
			g.logger.Warn("protocol violation, dropping session",
				"session_id", sess.ID, "identity", sess.Identity, "message_type", frame.MessageType)
			g.sendFrame(ctx, transport, errorFrame("protocol_violation", err.Error()))
			return true
		}
		g.sendFrame(ctx, transport, errorFrame("not_negotiated", err.Error()))
		return false
	}
	priority, err := broker.ParsePriority(frame.Priority)
	if err != nil {
		g.sendFrame(ctx, transport, errorFrame("bad_priority", err.Error()))
		return false
	}

	msg := broker.NewMessage(sess.ID, frame.To, frame.MessageType, priority, frame.CorrelationID, frame.Payload)
	result := g.router.Enqueue(ctx, msg)
	g.sendFrame(ctx, transport, serverFrame{
		Type:      frameSendResult,
		MessageID: msg.ID,
		Outcome:   string(result.Outcome),
		Reason:    result.Reason,
	})
	return false
}

// handleBroadcastFrame routes a message to every live session in the
// sender's project.
func (g *Gateway) handleBroadcastFrame(ctx context.Context, transport *wsTransport, sess *session.Session, frame *clientFrame) bool {
	if err := g.protocols.ValidateMessage(sess, frame.MessageType); err != nil {
		if errors.Is(err, protocol.ErrProtocolViolation) {
			g.logger.Warn("protocol violation, dropping session",
				"session_id", sess.ID, "identity", sess.Identity, "message_type", frame.MessageType)
			g.sendFrame(ctx, transport, errorFrame("protocol_violation", err.Error()))
			return true
		}
		g.sendFrame(ctx, transport, errorFrame("not_negotiated", err.Error()))
		return false
	}
	priority, err := broker.ParsePriority(frame.Priority)
	if err != nil {
		g.sendFrame(ctx, transport, errorFrame("bad_priority", err.Error()))
		return false
	}
	scope := sess.ProjectID()
	if scope == "" {
		g.sendFrame(ctx, transport, errorFrame("no_project", "session is not bound to a project"))
		return false
	}

	msg := broker.NewMessage(sess.ID, scope, frame.MessageType, priority, frame.CorrelationID, frame.Payload)
	result := g.router.Broadcast(ctx, msg, scope)
	results := make(map[string]targetResult, len(result.Results))
	for target, res := range result.Results {
		results[target] = targetResult{Outcome: string(res.Outcome), Reason: res.Reason}
	}
	g.sendFrame(ctx, transport, serverFrame{
		Type:      frameBroadcastResult,
		MessageID: msg.ID,
		Results:   results,
	})
	return false
}

// handleMeetingSubmitFrame forwards a turn submission to the coordinator and
// maps its errors onto wire codes.
func (g *Gateway) handleMeetingSubmitFrame(ctx context.Context, transport *wsTransport, sess *session.Session, frame *clientFrame) {
	kind := store.MessageKind(frame.Kind)
	switch kind {
	case store.KindOpinion, store.KindConsensus:
	default:
		g.sendFrame(ctx, transport, errorFrame("bad_kind", fmt.Sprintf("unknown message kind %q", frame.Kind)))
		return
	}

	msg, err := g.meetings.Submit(ctx, frame.MeetingID, sess.Identity, kind, frame.Content)
	if err != nil {
		g.sendFrame(ctx, transport, errorFrame(meetingErrorCode(err), err.Error()))
		return
	}
	g.sendFrame(ctx, transport, serverFrame{
		Type:      frameMeetingSubmitted,
		MeetingID: frame.MeetingID,
		Sequence:  msg.Sequence,
	})
}

// deliveryPump pushes queued messages to the session until it dies.
func (g *Gateway) deliveryPump(ctx context.Context, sessionID string, transport *wsTransport) {
	for {
		for _, msg := range g.router.Deliver(sessionID) {
			frame := serverFrame{
				Type: frameMessage,
				Message: &deliveredMessage{
					ID:            msg.ID,
					From:          msg.From,
					MessageType:   msg.Type,
					Priority:      msg.Priority.String(),
					CorrelationID: msg.CorrelationID,
					Payload:       msg.Payload,
					CreatedAt:     msg.CreatedAt,
				},
			}
			if err := transport.send(ctx, frame); err != nil {
				g.logger.Debug("push failed", "session_id", sessionID, "error", err)
				return
			}
		}
		if !g.sessions.IsLive(sessionID) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-g.router.Wait(sessionID):
		}
	}
}

func (g *Gateway) sendFrame(ctx context.Context, transport *wsTransport, frame serverFrame) {
	if err := transport.send(ctx, frame); err != nil {
		g.logger.Debug("write failed", "error", err)
	}
}

// meetingErrorCode maps coordinator errors to wire error codes.
func meetingErrorCode(err error) string {
	switch {
	case errors.Is(err, meeting.ErrOutOfTurn):
		return "out_of_turn"
	case errors.Is(err, meeting.ErrMeetingTerminal):
		return "meeting_terminal"
	case errors.Is(err, meeting.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, meeting.ErrMeetingNotFound):
		return "meeting_not_found"
	default:
		return "internal"
	}
}

// auditAuthFailure records a failed handshake in the audit log.
func (g *Gateway) auditAuthFailure(ctx context.Context, reason string) {
	entry := &store.AuditEntry{
		Actor:      "unknown",
		Action:     store.AuditAuthFailure,
		TargetType: "session",
		Outcome:    "denied",
		Detail:     map[string]any{"reason": reason},
	}
	if err := g.store.AppendAuditLog(ctx, entry); err != nil {
		g.logger.Warn("audit append failed", "action", store.AuditAuthFailure, "error", err)
	}
}
