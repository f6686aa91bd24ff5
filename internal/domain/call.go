package domain

import (
	"time"
)

// CallStatus is the durable status of a call record.
type CallStatus string

const (
	CallOngoing CallStatus = "ongoing"
	CallEnded   CallStatus = "ended"
	CallMissed  CallStatus = "missed"
)

// CallRecord is the persistent audit entry for one call. Its ID doubles as the
// signaling session ID handed to both peers.
type CallRecord struct {
	ID         string     `json:"call_id"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	Status     CallStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// HasParticipant reports whether userID is the caller or the receiver.
func (c *CallRecord) HasParticipant(userID string) bool {
	return userID != "" && (c.CallerID == userID || c.ReceiverID == userID)
}

// Duration returns how long the call lasted. Ongoing calls return 0.
func (c *CallRecord) Duration() time.Duration {
	if c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(c.StartedAt)
}
