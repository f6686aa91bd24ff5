package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/callrelay/internal/domain"
	"github.com/ashureev/callrelay/internal/protocol"
	"github.com/ashureev/callrelay/internal/session"
)

// Peer-facing failure reasons.
const (
	ReasonNotAuthorized   = "not authorized"
	ReasonReceiverOffline = "receiver offline"
	ReasonReceiverUnknown = "receiver not found"
	ReasonReceiverBusy    = "receiver busy"
	ReasonCallerBusy      = "already in a call"
	ReasonSelfCall        = "cannot call yourself"
	ReasonRateLimited     = "rate limit exceeded"
	ReasonPeerUnreachable = "peer unreachable"
	ReasonInternal        = "internal error"
)

// Delivery paths recorded in metrics.
const (
	pathLive    = "live"
	pathQueued  = "queued"
	pathDropped = "dropped"
)

// CallData is the payload of start_call and end_call responses.
type CallData struct {
	SessionID string     `json:"session_id"`
	CallID    string     `json:"call_id,omitempty"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CallsRemaining is the caller's start_call budget left in the current
	// rate-limit window, when limiting is enabled.
	CallsRemaining *int `json:"calls_remaining,omitempty"`
}

// Router validates inbound events against session state and forwards them
// live or queues them for the target.
type Router struct {
	Deps
}

// NewRouter creates a router.
func NewRouter(d Deps) *Router {
	return &Router{Deps: d}
}

// Handle processes one raw frame from userID and returns the response to
// send back. Failures never close the connection.
func (r *Router) Handle(ctx context.Context, userID string, data []byte) protocol.Message {
	ev, err := protocol.Parse(data)
	if err != nil {
		r.Metrics.Event("invalid", false)
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return protocol.Fail(ev.Type, perr.Reason)
		}
		return protocol.Fail(ev.Type, err.Error())
	}

	resp := r.dispatch(ctx, userID, ev)
	r.Metrics.Event(ev.Kind, resp.Type != "" || resp.Succeeded())
	return resp
}

func (r *Router) dispatch(ctx context.Context, userID string, ev protocol.Event) protocol.Message {
	switch ev.Kind {
	case protocol.EventStartCall:
		return r.startCall(ctx, userID, ev)
	case protocol.EventEndCall:
		return r.endCall(ctx, userID, ev)
	case protocol.EventOffer, protocol.EventAnswer:
		return r.relay(ctx, userID, ev)
	case protocol.EventICECandidate:
		return r.relayCandidate(ctx, userID, ev)
	case protocol.EventHeartbeat:
		r.Presence.Touch(ctx, userID)
		return protocol.Pong()
	case protocol.EventGetSessionInfo:
		msg := protocol.Message{Type: protocol.TypeSessionInfo, Data: json.RawMessage("null")}
		if info, ok := r.Sessions.GetByUser(userID); ok {
			msg.Data = info
		}
		return msg
	}
	// Parse rejects unknown kinds; this is unreachable.
	return protocol.Fail(ev.Type, "unknown message type: "+ev.Type)
}

func (r *Router) startCall(ctx context.Context, callerID string, ev protocol.Event) protocol.Message {
	receiverID := ev.ReceiverID
	if receiverID == callerID {
		return protocol.Fail(ev.Type, ReasonSelfCall)
	}
	if r.Limiter != nil && !r.Limiter.Allow(callerID) {
		slog.Warn("start_call rate limited", "user_id", callerID)
		return protocol.Fail(ev.Type, ReasonRateLimited)
	}

	if r.Users != nil {
		exists, err := r.Users.UserExists(ctx, receiverID)
		if err != nil {
			slog.Error("Failed to look up receiver", "receiver_id", receiverID, "error", err)
			return protocol.Fail(ev.Type, ReasonInternal)
		}
		if !exists {
			return protocol.Fail(ev.Type, ReasonReceiverUnknown)
		}
	}

	if !r.Presence.IsOnline(receiverID) {
		return protocol.Fail(ev.Type, ReasonReceiverOffline)
	}

	if r.Sessions.Policy() == session.PolicyExclusive {
		if _, busy := r.Sessions.GetByUser(callerID); busy {
			return protocol.Fail(ev.Type, ReasonCallerBusy)
		}
		if _, busy := r.Sessions.GetByUser(receiverID); busy {
			return protocol.Fail(ev.Type, ReasonReceiverBusy)
		}
	}

	var (
		callID    string
		startedAt = time.Now().UTC()
	)
	if r.Calls != nil {
		call, err := r.Calls.CreateCall(ctx, callerID, receiverID)
		if err != nil {
			slog.Error("Failed to create call record", "caller_id", callerID, "receiver_id", receiverID, "error", err)
			return protocol.Fail(ev.Type, ReasonInternal)
		}
		callID = call.ID
		startedAt = call.StartedAt.UTC()
	}

	info, err := r.Sessions.Create(callID, callerID, receiverID)
	if err != nil {
		if callID != "" {
			if _, endErr := r.Calls.EndCall(ctx, callID, domain.CallMissed); endErr != nil {
				slog.Warn("Failed to close orphaned call record", "call_id", callID, "error", endErr)
			}
		}
		switch {
		case errors.Is(err, domain.ErrParticipantBusy):
			return protocol.Fail(ev.Type, ReasonReceiverBusy)
		case errors.Is(err, domain.ErrInvalidParticipants):
			return protocol.Fail(ev.Type, ReasonSelfCall)
		}
		slog.Error("Failed to create session", "caller_id", callerID, "error", err)
		return protocol.Fail(ev.Type, ReasonInternal)
	}

	notified := r.Presence.Send(ctx, receiverID, protocol.Message{
		Type:      protocol.TypeIncomingCall,
		SessionID: info.ID,
		CallerID:  callerID,
		Timestamp: startedAt,
	})
	if !notified {
		r.finish(ctx, info.ID, "missed", domain.CallMissed)
		return protocol.Fail(ev.Type, ReasonReceiverOffline)
	}

	slog.Info("Call started", "session_id", info.ID, "caller_id", callerID, "receiver_id", receiverID)

	resp := protocol.OK(ev.Type)
	resp.SessionID = info.ID
	data := &CallData{
		SessionID: info.ID,
		CallID:    callID,
		Status:    string(domain.CallOngoing),
		StartedAt: &startedAt,
	}
	if r.Limiter != nil {
		remaining := r.Limiter.Remaining(callerID)
		data.CallsRemaining = &remaining
	}
	resp.Data = data
	return resp
}

func (r *Router) endCall(ctx context.Context, userID string, ev protocol.Event) protocol.Message {
	sessionID := ev.Session()
	if _, err := r.EndSession(ctx, sessionID, userID, protocol.ReasonHangup); err != nil {
		return protocol.Fail(ev.Type, ReasonNotAuthorized)
	}

	resp := protocol.OK(ev.Type)
	resp.SessionID = sessionID
	resp.Data = &CallData{SessionID: sessionID, Status: string(domain.CallEnded)}
	return resp
}

// EndSession ends sessionID on behalf of actor and notifies the other
// participant (both, for a forced end). It returns domain.ErrUnauthorized
// when the session is unknown or actor is not part of it, without saying
// which.
func (r *Router) EndSession(ctx context.Context, sessionID, actor, reason string) (session.Info, error) {
	info, ok := r.Sessions.Get(sessionID)
	if !ok {
		return r.endOrphanedCall(ctx, sessionID, actor)
	}
	if !info.HasParticipant(actor) {
		slog.Warn("End attempted by non-participant", "session_id", sessionID, "user_id", actor)
		return session.Info{}, domain.ErrUnauthorized
	}

	ended, _ := r.finish(ctx, sessionID, reason, domain.CallEnded)
	r.notifyEnded(ctx, info.Peer(actor), sessionID, reason)
	if reason == protocol.ReasonForced {
		r.notifyEnded(ctx, actor, sessionID, reason)
	}
	return ended, nil
}

// endOrphanedCall closes a call record whose session is already gone, e.g.
// after a sweep, so a participant can still hang up cleanly.
func (r *Router) endOrphanedCall(ctx context.Context, callID, actor string) (session.Info, error) {
	if r.Calls == nil || callID == "" {
		return session.Info{}, domain.ErrUnauthorized
	}
	call, err := r.Calls.GetCall(ctx, callID)
	if err != nil || !call.HasParticipant(actor) {
		return session.Info{}, domain.ErrUnauthorized
	}
	if call.Status == domain.CallOngoing {
		if _, err := r.Calls.EndCall(ctx, callID, domain.CallEnded); err != nil {
			slog.Error("Failed to close call record", "call_id", callID, "error", err)
		}
	}
	return session.Info{
		ID:         call.ID,
		CallerID:   call.CallerID,
		ReceiverID: call.ReceiverID,
		Status:     session.StatusEnded,
		CreatedAt:  call.StartedAt,
	}, nil
}

// authorize returns the session if it is active, userID takes part, and
// target is the other participant.
func (r *Router) authorize(sessionID, userID, target string) (session.Info, bool) {
	info, ok := r.Sessions.Get(sessionID)
	if !ok || !info.Active() || !info.HasParticipant(userID) || info.Peer(userID) != target {
		return session.Info{}, false
	}
	return info, true
}

func (r *Router) relay(ctx context.Context, userID string, ev protocol.Event) protocol.Message {
	sessionID, target := ev.Session(), ev.Target()
	if _, ok := r.authorize(sessionID, userID, target); !ok {
		return protocol.Fail(ev.Type, ReasonNotAuthorized)
	}
	r.Sessions.Touch(sessionID)

	msg := protocol.Message{
		Type:      ev.Type,
		SessionID: sessionID,
		SDP:       ev.SDP,
		Timestamp: time.Now().UTC(),
	}
	if ev.Kind == protocol.EventOffer {
		msg.CallerID = userID
	} else {
		msg.ReceiverID = userID
	}

	resp, delivered := r.deliver(ctx, sessionID, target, msg, ev.Type)
	if !delivered {
		return protocol.Fail(ev.Type, ReasonPeerUnreachable)
	}
	return resp
}

func (r *Router) relayCandidate(ctx context.Context, userID string, ev protocol.Event) protocol.Message {
	sessionID, target := ev.Session(), ev.Target()
	if _, ok := r.authorize(sessionID, userID, target); !ok {
		// Trailing candidates for a finished call are expected.
		r.Metrics.Delivered(pathDropped)
		slog.Debug("ICE candidate dropped", "session_id", sessionID, "user_id", userID)
		return protocol.OK(ev.Type)
	}
	r.Sessions.Touch(sessionID)

	msg := protocol.Message{
		Type:      ev.Type,
		SessionID: sessionID,
		From:      userID,
		Candidate: ev.Candidate,
		Timestamp: time.Now().UTC(),
	}

	resp, delivered := r.deliver(ctx, sessionID, target, msg, ev.Type)
	if !delivered {
		r.Metrics.Delivered(pathDropped)
		return protocol.OK(ev.Type)
	}
	return resp
}

// deliver sends msg to target now, or queues it on the session when the
// target cannot take it.
func (r *Router) deliver(ctx context.Context, sessionID, target string, msg protocol.Message, replyTo string) (protocol.Message, bool) {
	resp := protocol.OK(replyTo)
	if r.Presence.Send(ctx, target, msg) {
		r.Metrics.Delivered(pathLive)
		return resp, true
	}
	if r.Sessions.Enqueue(sessionID, target, msg) {
		r.Metrics.Delivered(pathQueued)
		slog.Debug("Signal queued", "session_id", sessionID, "target", target, "type", msg.Type)
		resp.Queued = true
		return resp, true
	}
	return resp, false
}
