package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/callrelay/internal/domain"
	"github.com/ashureev/callrelay/internal/presence"
	"github.com/ashureev/callrelay/internal/protocol"
	"github.com/ashureev/callrelay/internal/session"
)

const pathDrained = "drained"

// Lifecycle moves a user between Disconnected and Connected and keeps their
// session's connectivity, queue and peer informed.
type Lifecycle struct {
	Deps

	locks userLocks
}

// NewLifecycle creates a lifecycle handler.
func NewLifecycle(d Deps) *Lifecycle {
	return &Lifecycle{Deps: d}
}

// userLocks serializes connect and disconnect transitions per user, so a
// reconnect never interleaves with the close path of the connection it
// replaces.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func (u *userLocks) lock(userID string) (unlock func()) {
	u.mu.Lock()
	if u.locks == nil {
		u.locks = make(map[string]*userLock)
	}
	l, ok := u.locks[userID]
	if !ok {
		l = &userLock{}
		u.locks[userID] = l
	}
	l.refs++
	u.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		u.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(u.locks, userID)
		}
		u.mu.Unlock()
	}
}

// Connect registers sink for userID and, if the user has an active session,
// resumes it: the user gets a reconnected event followed by every queued
// signal in order, and the peer gets peer_reconnected. The sink this one
// replaced, if any, is returned for the caller to close.
func (l *Lifecycle) Connect(ctx context.Context, userID string, sink presence.Sink) presence.Sink {
	unlock := l.locks.lock(userID)
	defer unlock()

	evicted := l.Presence.Register(ctx, userID, sink)
	l.resume(ctx, userID)
	return evicted
}

func (l *Lifecycle) resume(ctx context.Context, userID string) {
	info, ok := l.Sessions.MarkConnected(userID, true)
	if !ok {
		return
	}

	l.Presence.Send(ctx, userID, protocol.Message{
		Type:      protocol.TypeReconnected,
		SessionID: info.ID,
		Session:   info,
		Timestamp: time.Now().UTC(),
	})

	pending := l.Sessions.Drain(userID)
	for i, msg := range pending {
		if !l.Presence.Send(ctx, userID, msg) {
			l.Sessions.Requeue(userID, pending[i:])
			slog.Warn("Queued signal delivery interrupted", "user_id", userID, "session_id", info.ID, "remaining", len(pending)-i)
			break
		}
		l.Metrics.Delivered(pathDrained)
	}
	if len(pending) > 0 {
		slog.Info("Delivered queued signals", "user_id", userID, "session_id", info.ID, "count", len(pending))
	}

	l.Presence.Send(ctx, info.Peer(userID), protocol.Message{
		Type:      protocol.TypePeerReconnected,
		UserID:    userID,
		SessionID: info.ID,
		Timestamp: time.Now().UTC(),
	})
	slog.Info("User rejoined session", "user_id", userID, "session_id", info.ID)
}

// Disconnect runs the close path for one connection. If sink is no longer
// the user's registered connection (a newer one replaced it) nothing else
// happens. Otherwise the user goes offline, their session marks them
// disconnected, and the session ends if neither side remains.
func (l *Lifecycle) Disconnect(ctx context.Context, userID string, sink presence.Sink) {
	unlock := l.locks.lock(userID)
	defer unlock()

	if !l.Presence.Unregister(ctx, userID, sink) {
		slog.Debug("Stale connection closed", "user_id", userID)
		return
	}

	info, ok := l.Sessions.MarkConnected(userID, false)
	if !ok {
		return
	}
	slog.Info("User left session", "user_id", userID, "session_id", info.ID)

	peer := info.Peer(userID)
	l.Presence.Send(ctx, peer, protocol.Message{
		Type:      protocol.TypePeerDisconnected,
		UserID:    userID,
		SessionID: info.ID,
		Timestamp: time.Now().UTC(),
	})

	if l.Sessions.BothDisconnected(info.ID) {
		l.finish(ctx, info.ID, protocol.ReasonDisconnected, domain.CallEnded)
	}
}

// Expire closes out sessions removed by the sweeper: their call records are
// ended and participants still online are told the call timed out.
func (l *Lifecycle) Expire(ctx context.Context, expired []session.Info) {
	for _, info := range expired {
		if !info.Active() {
			continue
		}
		if l.Calls != nil {
			if _, err := l.Calls.EndCall(ctx, info.ID, domain.CallEnded); err != nil {
				slog.Debug("No call record for expired session", "session_id", info.ID, "error", err)
			}
		}
		l.Metrics.SessionEnded(protocol.ReasonTimeout)
		l.notifyEnded(ctx, info.CallerID, info.ID, protocol.ReasonTimeout)
		l.notifyEnded(ctx, info.ReceiverID, info.ID, protocol.ReasonTimeout)
	}
}
