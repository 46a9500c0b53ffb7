// ABOUTME: JSON frame types exchanged over the agent WebSocket connection
// ABOUTME: One tagged envelope per direction, discriminated by the type field

package gateway

import (
	"encoding/json"
	"time"
)

// Client-to-server frame types.
const (
	frameNegotiate     = "negotiate"
	frameHeartbeat     = "heartbeat"
	frameSend          = "send"
	frameBroadcast     = "broadcast"
	frameMeetingSubmit = "meeting_submit"
)

// Server-to-client frame types.
const (
	frameWelcome          = "welcome"
	frameNegotiated       = "negotiated"
	frameHeartbeatAck     = "heartbeat_ack"
	frameSendResult       = "send_result"
	frameBroadcastResult  = "broadcast_result"
	frameMeetingSubmitted = "meeting_submitted"
	frameMessage          = "message"
	frameError            = "error"
)

// protocolOffer is one protocol the client can speak, most preferred first.
type protocolOffer struct {
	Name     string `json:"name"`
	Versions []int  `json:"versions"`
}

// clientFrame is the envelope for everything an agent sends after the
// handshake. Fields beyond Type are populated per frame type.
type clientFrame struct {
	Type string `json:"type"`

	// negotiate
	Protocols []protocolOffer `json:"protocols,omitempty"`

	// send / broadcast
	To            string          `json:"to,omitempty"`
	MessageType   string          `json:"message_type,omitempty"`
	Priority      string          `json:"priority,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	// meeting_submit
	MeetingID string `json:"meeting_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Content   string `json:"content,omitempty"`
}

// deliveredMessage is the wire form of a routed message pushed to its target.
type deliveredMessage struct {
	ID            string          `json:"id"`
	From          string          `json:"from"`
	MessageType   string          `json:"message_type"`
	Priority      string          `json:"priority"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// serverFrame is the envelope for everything the gateway sends to an agent.
type serverFrame struct {
	Type string `json:"type"`

	// welcome
	SessionID         string `json:"session_id,omitempty"`
	ProjectID         string `json:"project_id,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`

	// negotiated
	Protocol string `json:"protocol,omitempty"`

	// send_result / broadcast_result
	MessageID string                  `json:"message_id,omitempty"`
	Outcome   string                  `json:"outcome,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
	Results   map[string]targetResult `json:"results,omitempty"`

	// meeting_submitted
	MeetingID string `json:"meeting_id,omitempty"`
	Sequence  int    `json:"sequence,omitempty"`

	// message
	Message *deliveredMessage `json:"message,omitempty"`

	// error
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// targetResult is the wire form of one target's broadcast outcome.
type targetResult struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

func errorFrame(code, msg string) serverFrame {
	return serverFrame{Type: frameError, Code: code, Error: msg}
}
