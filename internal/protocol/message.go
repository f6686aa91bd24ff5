package protocol

import (
	"encoding/json"
	"time"
)

// Outbound message types.
const (
	TypePong             = "pong"
	TypeIncomingCall     = "incoming_call"
	TypeCallEnded        = "call_ended"
	TypeStatusUpdate     = "status_update"
	TypeReconnected      = "reconnected"
	TypePeerReconnected  = "peer_reconnected"
	TypePeerDisconnected = "peer_disconnected"
	TypeSessionInfo      = "session_info"
)

// Presence statuses carried by status_update.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Reasons carried by call_ended.
const (
	ReasonHangup       = "hangup"
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "disconnected"
	ReasonForced       = "forced"
)

// Message is one outbound frame. Responses to a peer's own event set Success
// and ReplyTo; relayed signals and notifications set Type.
type Message struct {
	Type       string          `json:"type,omitempty"`
	ReplyTo    string          `json:"reply_to,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Error      string          `json:"error,omitempty"`
	Queued     bool            `json:"queued,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	CallerID   string          `json:"caller_id,omitempty"`
	ReceiverID string          `json:"receiver_id,omitempty"`
	From       string          `json:"from,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	Status     string          `json:"status,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	SDP        json.RawMessage `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	Session    any             `json:"session,omitempty"`
	Data       any             `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp,omitzero"`
	QueuedAt   *time.Time      `json:"queued_at,omitempty"`
}

// OK returns a success response to an event of the given type.
func OK(replyTo string) Message {
	ok := true
	return Message{ReplyTo: replyTo, Success: &ok}
}

// Fail returns a failure response carrying a peer-safe reason.
func Fail(replyTo, reason string) Message {
	ok := false
	return Message{ReplyTo: replyTo, Success: &ok, Error: reason}
}

// Pong answers a heartbeat.
func Pong() Message {
	return Message{Type: TypePong}
}

// Succeeded reports whether m is a success response.
func (m Message) Succeeded() bool {
	return m.Success != nil && *m.Success
}
