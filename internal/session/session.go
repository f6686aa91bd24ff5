// Package session keeps call sessions between two peers: their lifecycle,
// per-peer connectivity and per-peer queues of undelivered signals.
package session

import (
	"sync"
	"time"

	"github.com/ashureev/callrelay/internal/protocol"
)

// Status is a session's lifecycle state. Ended is terminal.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Info is a point-in-time snapshot of a session, safe to hand out.
type Info struct {
	ID              string          `json:"session_id"`
	CallerID        string          `json:"caller_id"`
	ReceiverID      string          `json:"receiver_id"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	LastActivity    time.Time       `json:"last_activity"`
	Connected       map[string]bool `json:"connections"`
	PendingMessages map[string]int  `json:"pending_messages"`
}

// HasParticipant reports whether userID is one of the two peers.
func (i Info) HasParticipant(userID string) bool {
	return userID != "" && (userID == i.CallerID || userID == i.ReceiverID)
}

// Peer returns the other participant, or "" if userID is not in the session.
func (i Info) Peer(userID string) string {
	switch userID {
	case i.CallerID:
		return i.ReceiverID
	case i.ReceiverID:
		return i.CallerID
	}
	return ""
}

// Active reports whether the session has not ended.
func (i Info) Active() bool {
	return i.Status == StatusActive
}

type session struct {
	mu sync.Mutex

	id         string
	callerID   string
	receiverID string
	createdAt  time.Time

	status       Status
	lastActivity time.Time
	connected    map[string]bool
	pending      map[string]*pendingQueue
}

func newSession(id, callerID, receiverID string, now time.Time, maxPending int) *session {
	return &session{
		id:           id,
		callerID:     callerID,
		receiverID:   receiverID,
		createdAt:    now,
		status:       StatusActive,
		lastActivity: now,
		connected:    map[string]bool{callerID: true, receiverID: true},
		pending: map[string]*pendingQueue{
			callerID:   newPendingQueue(maxPending),
			receiverID: newPendingQueue(maxPending),
		},
	}
}

func (s *session) isParticipant(userID string) bool {
	return userID == s.callerID || userID == s.receiverID
}

// touch moves last activity forward, never back.
func (s *session) touch(now time.Time) {
	if s.status == StatusActive && now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// snapshot must be called with s.mu held.
func (s *session) snapshot() Info {
	info := Info{
		ID:              s.id,
		CallerID:        s.callerID,
		ReceiverID:      s.receiverID,
		Status:          s.status,
		CreatedAt:       s.createdAt,
		LastActivity:    s.lastActivity,
		Connected:       make(map[string]bool, 2),
		PendingMessages: make(map[string]int, 2),
	}
	for id, ok := range s.connected {
		info.Connected[id] = ok
	}
	for id, q := range s.pending {
		info.PendingMessages[id] = q.len()
	}
	return info
}

func (s *session) enqueue(target string, msg protocol.Message, now time.Time) (int, bool) {
	q, ok := s.pending[target]
	if !ok {
		return 0, false
	}
	return q.push(msg, now), true
}
