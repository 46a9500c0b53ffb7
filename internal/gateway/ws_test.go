// ABOUTME: WebSocket surface tests covering handshake auth, negotiation, and routing
// ABOUTME: Dials the real endpoint with the websocket client against an httptest server

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley-gateway/internal/protocol"
)

// dialWS connects an agent to the fixture's /ws endpoint and returns the
// connection plus the welcome frame.
func dialWS(t *testing.T, f *apiFixture, token string) (*websocket.Conn, serverFrame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: f.server.Client(),
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	var welcome serverFrame
	require.NoError(t, wsjson.Read(ctx, conn, &welcome))
	require.Equal(t, frameWelcome, welcome.Type)
	return conn, welcome
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame serverFrame
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame clientFrame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, frame))
}

func negotiateChat(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeFrame(t, conn, clientFrame{
		Type:      frameNegotiate,
		Protocols: []protocolOffer{{Name: "chat", Versions: []int{1}}},
	})
	frame := readFrame(t, conn)
	require.Equal(t, frameNegotiated, frame.Type)
	require.Equal(t, "chat@v1", frame.Protocol)
}

func agentToken(t *testing.T, f *apiFixture, identity string) string {
	t.Helper()
	token, err := f.gw.verifier.Generate(identity, "atlas", time.Hour)
	require.NoError(t, err)
	return token
}

func newWSFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := newAPIFixture(t)
	require.NoError(t, f.gw.protocols.RegisterProtocol(&protocol.Definition{
		Name:                 "chat",
		Version:              1,
		AcceptedMessageTypes: []string{"chat.message", "chat.reply"},
	}))
	return f
}

func TestWS_RejectsMissingCredential(t *testing.T) {
	f := newWSFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: f.server.Client()})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWS_WelcomeCarriesSessionAndProject(t *testing.T) {
	f := newWSFixture(t)
	_, welcome := dialWS(t, f, agentToken(t, f, "agent-a"))
	assert.NotEmpty(t, welcome.SessionID)
	assert.Equal(t, "atlas", welcome.ProjectID)
	assert.Equal(t, "15s", welcome.HeartbeatInterval)
}

func TestWS_HeartbeatAck(t *testing.T) {
	f := newWSFixture(t)
	conn, _ := dialWS(t, f, agentToken(t, f, "agent-a"))

	writeFrame(t, conn, clientFrame{Type: frameHeartbeat})
	frame := readFrame(t, conn)
	assert.Equal(t, frameHeartbeatAck, frame.Type)
}

func TestWS_SendRequiresNegotiation(t *testing.T) {
	f := newWSFixture(t)
	conn, _ := dialWS(t, f, agentToken(t, f, "agent-a"))

	writeFrame(t, conn, clientFrame{Type: frameSend, To: "nobody", MessageType: "chat.message"})
	frame := readFrame(t, conn)
	require.Equal(t, frameError, frame.Type)
	assert.Equal(t, "not_negotiated", frame.Code)
}

func TestWS_DirectedMessageDelivery(t *testing.T) {
	f := newWSFixture(t)
	connA, _ := dialWS(t, f, agentToken(t, f, "agent-a"))
	connB, welcomeB := dialWS(t, f, agentToken(t, f, "agent-b"))
	negotiateChat(t, connA)
	negotiateChat(t, connB)

	writeFrame(t, connA, clientFrame{
		Type:        frameSend,
		To:          welcomeB.SessionID,
		MessageType: "chat.message",
		Priority:    "high",
		Payload:     json.RawMessage(`{"text":"hello"}`),
	})

	result := readFrame(t, connA)
	require.Equal(t, frameSendResult, result.Type)
	assert.Equal(t, "queued", result.Outcome)
	require.NotEmpty(t, result.MessageID)

	pushed := readFrame(t, connB)
	require.Equal(t, frameMessage, pushed.Type)
	require.NotNil(t, pushed.Message)
	assert.Equal(t, result.MessageID, pushed.Message.ID)
	assert.Equal(t, "chat.message", pushed.Message.MessageType)
	assert.Equal(t, "high", pushed.Message.Priority)
	assert.JSONEq(t, `{"text":"hello"}`, string(pushed.Message.Payload))
}

func TestWS_SendToUnknownTarget(t *testing.T) {
	f := newWSFixture(t)
	conn, _ := dialWS(t, f, agentToken(t, f, "agent-a"))
	negotiateChat(t, conn)

	writeFrame(t, conn, clientFrame{Type: frameSend, To: "no-such-session", MessageType: "chat.message"})
	frame := readFrame(t, conn)
	require.Equal(t, frameSendResult, frame.Type)
	assert.Equal(t, "target_not_found", frame.Outcome)
}

func TestWS_BroadcastToProject(t *testing.T) {
	f := newWSFixture(t)
	connA, _ := dialWS(t, f, agentToken(t, f, "agent-a"))
	connB, welcomeB := dialWS(t, f, agentToken(t, f, "agent-b"))
	negotiateChat(t, connA)
	negotiateChat(t, connB)

	writeFrame(t, connA, clientFrame{
		Type:        frameBroadcast,
		MessageType: "chat.message",
		Payload:     json.RawMessage(`{"text":"all hands"}`),
	})

	result := readFrame(t, connA)
	require.Equal(t, frameBroadcastResult, result.Type)
	require.Contains(t, result.Results, welcomeB.SessionID)
	assert.Equal(t, "queued", result.Results[welcomeB.SessionID].Outcome)

	pushed := readFrame(t, connB)
	require.Equal(t, frameMessage, pushed.Type)
	assert.JSONEq(t, `{"text":"all hands"}`, string(pushed.Message.Payload))
}

func TestWS_ProtocolViolationDropsConnection(t *testing.T) {
	f := newWSFixture(t)
	conn, _ := dialWS(t, f, agentToken(t, f, "agent-a"))
	negotiateChat(t, conn)

	writeFrame(t, conn, clientFrame{Type: frameSend, To: "anyone", MessageType: "rogue.type"})

	frame := readFrame(t, conn)
	require.Equal(t, frameError, frame.Type)
	assert.Equal(t, "protocol_violation", frame.Code)

	// The server closes the connection after the violation.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var next serverFrame
	err := wsjson.Read(ctx, conn, &next)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestWS_MeetingSubmitOverSocket(t *testing.T) {
	f := newWSFixture(t)
	connA, _ := dialWS(t, f, agentToken(t, f, "agent-a"))
	connB, _ := dialWS(t, f, agentToken(t, f, "agent-b"))

	m, err := f.gw.meetings.Create(t.Context(), "atlas", "pick a cache",
		[]string{"agent-a", "agent-b"}, "user_specified", nil)
	require.NoError(t, err)

	// B is out of turn; A opens the meeting.
	writeFrame(t, connB, clientFrame{Type: frameMeetingSubmit, MeetingID: m.ID, Kind: "opinion", Content: "redis"})
	frame := readFrame(t, connB)
	require.Equal(t, frameError, frame.Type)
	assert.Equal(t, "out_of_turn", frame.Code)

	writeFrame(t, connA, clientFrame{Type: frameMeetingSubmit, MeetingID: m.ID, Kind: "opinion", Content: "memcached"})
	frame = readFrame(t, connA)
	require.Equal(t, frameMeetingSubmitted, frame.Type)
	assert.Equal(t, 1, frame.Sequence)
}

func TestWS_ReconnectRejoinsMeetingRotation(t *testing.T) {
	f := newWSFixture(t)
	connA, _ := dialWS(t, f, agentToken(t, f, "agent-a"))
	_, _ = dialWS(t, f, agentToken(t, f, "agent-b"))

	m, err := f.gw.meetings.Create(t.Context(), "atlas", "pick a cache",
		[]string{"agent-a", "agent-b"}, "user_specified", nil)
	require.NoError(t, err)

	// Reconnecting closes the old session, and that close marks the agent
	// absent in the meeting. The fresh connection must rejoin the rotation.
	connB, _ := dialWS(t, f, agentToken(t, f, "agent-b"))

	writeFrame(t, connA, clientFrame{Type: frameMeetingSubmit, MeetingID: m.ID, Kind: "opinion", Content: "redis"})
	frame := readFrame(t, connA)
	require.Equal(t, frameMeetingSubmitted, frame.Type)

	// The turn passes to the reconnected agent instead of auto-abstaining.
	writeFrame(t, connB, clientFrame{Type: frameMeetingSubmit, MeetingID: m.ID, Kind: "opinion", Content: "memcached"})
	frame = readFrame(t, connB)
	require.Equal(t, frameMeetingSubmitted, frame.Type)
	assert.Equal(t, 2, frame.Sequence)
}
