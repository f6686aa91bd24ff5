package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/callrelay/internal/domain"
	"github.com/ashureev/callrelay/internal/identity"
)

// Presence states reported by OnlineUsers and UserPresence.
const (
	userOnline  = "online"
	userInCall  = "in_call"
	userOffline = "offline"
)

// Where a presence answer came from.
const (
	sourceLocal  = "local"
	sourceMirror = "mirror"
)

type onlineUser struct {
	UserID      string    `json:"user_id"`
	Status      string    `json:"status"`
	ConnectedAt time.Time `json:"connected_at"`
}

// OnlineUsers lists connected users other than the caller.
func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	users := []onlineUser{}
	for _, id := range h.presence.ListOnline() {
		if id == userID {
			continue
		}
		conn, ok := h.presence.Get(id)
		if !ok {
			continue
		}
		status := userOnline
		if _, busy := h.sessions.GetByUser(id); busy {
			status = userInCall
		}
		users = append(users, onlineUser{UserID: id, Status: status, ConnectedAt: conn.ConnectedAt})
	}

	JSON(w, http.StatusOK, map[string]any{"total": len(users), "users": users})
}

type presenceResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
	Source string `json:"source"`
}

// UserPresence reports one user's status. Users connected here are answered
// from the registry; others from the Redis mirror when one is configured.
func (h *Handler) UserPresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if !identity.ValidUserID(userID) {
		Error(w, http.StatusBadRequest, "invalid user id")
		return
	}

	resp := presenceResponse{UserID: userID, Status: userOffline, Source: sourceLocal}
	switch {
	case h.presence.IsOnline(userID):
		resp.Status = userOnline
		if _, busy := h.sessions.GetByUser(userID); busy {
			resp.Status = userInCall
		}
	case h.mirror != nil:
		status, err := h.mirror.Status(r.Context(), userID)
		if err != nil {
			slog.Warn("Presence mirror lookup failed", "user_id", userID, "error", err)
			Error(w, http.StatusServiceUnavailable, "presence mirror unavailable")
			return
		}
		resp.Status = status
		resp.Source = sourceMirror
	}

	JSON(w, http.StatusOK, resp)
}

type upsertUserRequest struct {
	Username string `json:"username"`
}

// UpsertUser creates or renames the caller's own directory entry.
func (h *Handler) UpsertUser(w http.ResponseWriter, r *http.Request) {
	callerID := identity.UserIDFromContext(r.Context())
	userID := chi.URLParam(r, "user_id")

	if !identity.ValidUserID(userID) {
		Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if userID != callerID {
		Error(w, http.StatusForbidden, "can only update your own entry")
		return
	}

	var req upsertUserRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)

	ctx := r.Context()
	now := time.Now().UTC()
	user, err := h.repo.GetUser(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		user = &domain.User{UserID: userID, CreatedAt: now}
	case err != nil:
		slog.Error("Failed to load user", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	user.Username = req.Username
	user.UpdatedAt = now

	if err := h.repo.UpsertUser(ctx, user); err != nil {
		slog.Error("Failed to upsert user", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save user")
		return
	}

	slog.Info("User upserted", "user_id", userID)
	JSON(w, http.StatusOK, user)
}
