// Package protocol defines the JSON envelopes exchanged with peers over the
// signaling connection. Every frame carries a "type" discriminator; SDP and ICE
// payloads are kept as raw JSON and never interpreted.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ashureev/callrelay/internal/domain"
)

// Inbound event types.
const (
	EventStartCall      = "start_call"
	EventEndCall        = "end_call"
	EventOffer          = "offer"
	EventAnswer         = "answer"
	EventICECandidate   = "ice-candidate"
	EventHeartbeat      = "heartbeat"
	EventGetSessionInfo = "get_session_info"

	// Aliases used by older clients.
	eventICE  = "ice"
	eventPing = "ping"
)

// Event is one inbound frame from a peer.
type Event struct {
	Type       string          `json:"type"`
	ReceiverID string          `json:"receiver_id,omitempty"`
	CallerID   string          `json:"caller_id,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	SDP        json.RawMessage `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`

	// Kind is Type with aliases folded, e.g. "ice" -> "ice-candidate".
	Kind string `json:"-"`
}

// Error is a malformed-event failure whose Reason is safe to echo to the peer.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// Unwrap lets callers classify with errors.Is(err, domain.ErrMalformed).
func (e *Error) Unwrap() error { return domain.ErrMalformed }

func malformed(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Parse decodes and validates one inbound frame.
func Parse(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, malformed("invalid message: %v", err)
	}
	ev.Kind = canonicalKind(ev.Type)
	if err := ev.validate(); err != nil {
		return ev, err
	}
	return ev, nil
}

func canonicalKind(t string) string {
	switch t {
	case eventICE:
		return EventICECandidate
	case eventPing:
		return EventHeartbeat
	default:
		return t
	}
}

// Session returns the session the event refers to; call_id is accepted as an alias.
func (e Event) Session() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.CallID
}

// Target returns the identity a signaling event is addressed to.
func (e Event) Target() string {
	switch e.Kind {
	case EventOffer:
		return firstNonEmpty(e.ReceiverID, e.TargetID)
	case EventAnswer:
		return firstNonEmpty(e.CallerID, e.TargetID)
	case EventICECandidate:
		return firstNonEmpty(e.TargetID, e.ReceiverID, e.CallerID)
	case EventStartCall:
		return e.ReceiverID
	default:
		return ""
	}
}

func (e Event) validate() error {
	switch e.Kind {
	case "":
		return malformed("message type required")
	case EventStartCall:
		if e.ReceiverID == "" {
			return malformed("receiver_id required")
		}
	case EventEndCall:
		if e.Session() == "" {
			return malformed("session_id required")
		}
	case EventOffer:
		if e.Target() == "" || e.Session() == "" || !present(e.SDP) {
			return malformed("receiver_id, session_id and sdp required")
		}
	case EventAnswer:
		if e.Target() == "" || e.Session() == "" || !present(e.SDP) {
			return malformed("caller_id, session_id and sdp required")
		}
	case EventICECandidate:
		if e.Target() == "" || e.Session() == "" || !present(e.Candidate) {
			return malformed("target_id, session_id and candidate required")
		}
	case EventHeartbeat, EventGetSessionInfo:
	default:
		return malformed("unknown message type: %s", e.Type)
	}
	return nil
}

// present reports whether a raw payload carries a value. Null and empty
// strings count as missing; everything else is opaque.
func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	return !bytes.Equal(trimmed, []byte("null")) && !bytes.Equal(trimmed, []byte(`""`))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
