package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/callrelay/internal/domain"
	"github.com/ashureev/callrelay/internal/metrics"
	"github.com/ashureev/callrelay/internal/protocol"
)

// Policy decides what happens when a participant of a new session is
// already in an active one.
type Policy string

const (
	// PolicyExclusive rejects the new session.
	PolicyExclusive Policy = "exclusive"
	// PolicyReplace points the participant's index entry at the new session
	// and leaves the old one to be ended or swept.
	PolicyReplace Policy = "replace"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyExclusive, PolicyReplace:
		return p, nil
	}
	return "", fmt.Errorf("unknown session policy %q", s)
}

// ErrSessionExists is returned when a session id is reused.
var ErrSessionExists = errors.New("session already exists")

// Options configures a Store.
type Options struct {
	Policy     Policy
	MaxPending int
	Now        func() time.Time
	Metrics    *metrics.Metrics
}

// Store owns every session and the user-to-session index. Lock order is
// Store.mu before session.mu; neither is held while talking to peers.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
	byUser   map[string]string
	active   int

	policy     Policy
	maxPending int
	now        func() time.Time
	metrics    *metrics.Metrics
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	if opts.Policy == "" {
		opts.Policy = PolicyExclusive
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaultMaxPending
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		sessions:   make(map[string]*session),
		byUser:     make(map[string]string),
		policy:     opts.Policy,
		maxPending: opts.MaxPending,
		now:        opts.Now,
		metrics:    opts.Metrics,
	}
}

// Policy returns the configured overlap policy.
func (s *Store) Policy() Policy {
	return s.policy
}

// Create starts an active session between two distinct users. An empty id
// gets a generated one.
func (s *Store) Create(id, callerID, receiverID string) (Info, error) {
	if callerID == "" || receiverID == "" || callerID == receiverID {
		return Info{}, domain.ErrInvalidParticipants
	}
	if id == "" {
		id = uuid.NewString()
	}

	sess := newSession(id, callerID, receiverID, s.now(), s.maxPending)

	s.mu.Lock()
	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return Info{}, ErrSessionExists
	}
	if s.policy == PolicyExclusive {
		for _, userID := range []string{callerID, receiverID} {
			if s.activeForLocked(userID) != nil {
				s.mu.Unlock()
				return Info{}, fmt.Errorf("%w: %s", domain.ErrParticipantBusy, userID)
			}
		}
	}
	for _, userID := range []string{callerID, receiverID} {
		if prev, ok := s.byUser[userID]; ok && prev != id {
			slog.Warn("Session index entry replaced", "user_id", userID, "previous_session", prev, "session_id", id)
		}
		s.byUser[userID] = id
	}
	s.sessions[id] = sess
	s.active++
	active := s.active
	s.mu.Unlock()

	s.metrics.SessionCreated()
	s.metrics.SetActiveSessions(active)
	slog.Info("Session created", "session_id", id, "caller_id", callerID, "receiver_id", receiverID)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(), nil
}

// activeForLocked resolves userID through the index. Caller holds s.mu.
func (s *Store) activeForLocked(userID string) *session {
	id, ok := s.byUser[userID]
	if !ok {
		return nil
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusActive || !sess.isParticipant(userID) {
		return nil
	}
	return sess
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (Info, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(), true
}

// GetByUser returns the user's active session, if any.
func (s *Store) GetByUser(userID string) (Info, bool) {
	s.mu.RLock()
	sess := s.activeForLocked(userID)
	s.mu.RUnlock()
	if sess == nil {
		return Info{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(), true
}

// Touch records signaling activity on an active session.
func (s *Store) Touch(id string) bool {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusActive {
		return false
	}
	sess.touch(s.now())
	return true
}

// MarkConnected sets the user's connectivity flag on their active session.
// Marking connected also counts as activity. It returns the updated
// snapshot, or false when the user has no active session.
func (s *Store) MarkConnected(userID string, connected bool) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.activeForLocked(userID)
	if sess == nil {
		return Info{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusActive {
		return Info{}, false
	}
	sess.connected[userID] = connected
	if connected {
		sess.touch(s.now())
	}
	return sess.snapshot(), true
}

// BothDisconnected reports whether neither participant is connected.
func (s *Store) BothDisconnected(id string) bool {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, c := range sess.connected {
		if c {
			return false
		}
	}
	return true
}

// Enqueue appends msg to target's pending queue, stamped with the enqueue
// time. It reports false when the session is absent, ended, or target is
// not a participant.
func (s *Store) Enqueue(id, target string, msg protocol.Message) bool {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	sess.mu.Lock()
	if sess.status != StatusActive {
		sess.mu.Unlock()
		return false
	}
	evicted, ok := sess.enqueue(target, msg, s.now())
	sess.mu.Unlock()

	if evicted > 0 {
		s.metrics.QueueEvicted(evicted)
		slog.Warn("Pending queue full, dropped oldest signals", "session_id", id, "target", target, "dropped", evicted)
	}
	return ok
}

// Drain returns and clears the user's pending messages on their active
// session, oldest first.
func (s *Store) Drain(userID string) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.activeForLocked(userID)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	q, ok := sess.pending[userID]
	if !ok {
		return nil
	}
	return q.drain()
}

// Requeue puts messages that failed delivery back at the head of the user's
// queue, keeping their original order and enqueue times.
func (s *Store) Requeue(userID string, msgs []protocol.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.activeForLocked(userID)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if q, ok := sess.pending[userID]; ok {
		q.pushFront(msgs)
	}
}

// End marks the session ended and drops its index entries. It is
// idempotent; the bool reports whether this call did the transition.
func (s *Store) End(id string) (Info, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return Info{}, false
	}

	sess.mu.Lock()
	ended := sess.status == StatusActive
	if ended {
		sess.status = StatusEnded
		s.active--
	}
	s.dropIndexLocked(sess)
	info := sess.snapshot()
	sess.mu.Unlock()
	active := s.active
	s.mu.Unlock()

	if ended {
		s.metrics.SetActiveSessions(active)
		slog.Info("Session ended", "session_id", id)
	}
	return info, ended
}

// Remove deletes the session record entirely, ending it first if needed.
func (s *Store) Remove(id string) (Info, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return Info{}, false
	}
	delete(s.sessions, id)

	sess.mu.Lock()
	info := sess.snapshot()
	if sess.status == StatusActive {
		sess.status = StatusEnded
		s.active--
	}
	s.dropIndexLocked(sess)
	sess.mu.Unlock()
	active := s.active
	s.mu.Unlock()

	s.metrics.SetActiveSessions(active)
	return info, true
}

// dropIndexLocked removes index entries that still point at sess. Caller
// holds s.mu and sess.mu.
func (s *Store) dropIndexLocked(sess *session) {
	for _, userID := range []string{sess.callerID, sess.receiverID} {
		if s.byUser[userID] == sess.id {
			delete(s.byUser, userID)
		}
	}
}

// SweepExpired removes every session, active or ended, idle for longer than
// timeout. The returned snapshots carry the status each session had before
// removal.
func (s *Store) SweepExpired(timeout time.Duration) []Info {
	now := s.now()

	s.mu.Lock()
	var expired []Info
	for id, sess := range s.sessions {
		sess.mu.Lock()
		if now.Sub(sess.lastActivity) > timeout {
			expired = append(expired, sess.snapshot())
			if sess.status == StatusActive {
				sess.status = StatusEnded
				s.active--
			}
			s.dropIndexLocked(sess)
			delete(s.sessions, id)
		}
		sess.mu.Unlock()
	}
	active := s.active
	s.mu.Unlock()

	if len(expired) > 0 {
		s.metrics.SetActiveSessions(active)
	}
	return expired
}

// List returns snapshots of every tracked session, newest first.
func (s *Store) List() []Info {
	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		out = append(out, sess.snapshot())
		sess.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of tracked sessions, including ended ones not yet
// removed.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ActiveCount returns the number of active sessions.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}
