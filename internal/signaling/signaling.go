// Package signaling routes peer events between connected users and drives
// the connect, reconnect and disconnect transitions of their sessions.
package signaling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/callrelay/internal/domain"
	"github.com/ashureev/callrelay/internal/metrics"
	"github.com/ashureev/callrelay/internal/presence"
	"github.com/ashureev/callrelay/internal/protocol"
	"github.com/ashureev/callrelay/internal/ratelimit"
	"github.com/ashureev/callrelay/internal/session"
	"github.com/ashureev/callrelay/internal/store"
)

// Deps are the collaborators shared by the router and the lifecycle handler.
// Users, Calls, Limiter and Metrics are optional.
type Deps struct {
	Presence *presence.Registry
	Sessions *session.Store
	Users    store.UserDirectory
	Calls    store.CallRecordStore
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
}

// finish ends and removes a session and closes its call record with status.
// The bool reports whether this call performed the transition.
func (d *Deps) finish(ctx context.Context, sessionID, reason string, status domain.CallStatus) (session.Info, bool) {
	info, ended := d.Sessions.End(sessionID)
	d.Sessions.Remove(sessionID)

	if d.Calls != nil {
		if _, err := d.Calls.EndCall(ctx, sessionID, status); err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.Error("Failed to close call record", "session_id", sessionID, "error", err)
		}
	}
	if ended {
		d.Metrics.SessionEnded(reason)
		slog.Info("Call ended", "session_id", sessionID, "reason", reason)
	}
	return info, ended
}

// notifyEnded tells userID the session is over. Offline users are skipped.
func (d *Deps) notifyEnded(ctx context.Context, userID, sessionID, reason string) {
	if userID == "" {
		return
	}
	d.Presence.Send(ctx, userID, protocol.Message{
		Type:      protocol.TypeCallEnded,
		SessionID: sessionID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}
