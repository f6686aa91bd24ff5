package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/callrelay/internal/domain"
	"github.com/ashureev/callrelay/internal/identity"
	"github.com/ashureev/callrelay/internal/protocol"
	"github.com/ashureev/callrelay/internal/session"
)

// MySession returns the caller's active session, if any.
func (h *Handler) MySession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	info, ok := h.sessions.GetByUser(userID)
	if !ok {
		JSON(w, http.StatusOK, map[string]any{"active": false, "session": nil})
		return
	}
	JSON(w, http.StatusOK, map[string]any{"active": true, "session": info})
}

// GetSession returns one session to a participant.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	info, ok := h.sessions.Get(sessionID)
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if !info.HasParticipant(userID) {
		Error(w, http.StatusForbidden, "not a participant")
		return
	}
	JSON(w, http.StatusOK, info)
}

// ListSessions returns every session the relay currently holds.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.sessions.List()
	if sessions == nil {
		sessions = []session.Info{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"total":    len(sessions),
		"sessions": sessions,
	})
}

// EndSession force-ends a session the caller takes part in. Both peers are
// told the call ended.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	info, err := h.router.EndSession(r.Context(), sessionID, userID, protocol.ReasonForced)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			Error(w, http.StatusForbidden, err.Error())
			return
		}
		slog.Error("Failed to end session", "session_id", sessionID, "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to end session")
		return
	}

	slog.Info("Session force-ended", "session_id", sessionID, "user_id", userID)
	JSON(w, http.StatusOK, map[string]any{"status": "ended", "session": info})
}

// Sweep runs one expiry pass immediately.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		Error(w, http.StatusServiceUnavailable, "sweeper not running")
		return
	}
	removed := h.sweeper.Sweep(r.Context())
	if removed < 0 {
		JSON(w, http.StatusConflict, map[string]string{"status": "skipped"})
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": "done", "removed": removed})
}
