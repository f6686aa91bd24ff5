package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/callrelay/internal/domain"
	"github.com/ashureev/callrelay/internal/identity"
)

const maxHistoryLimit = 200

// CallHistory returns the caller's recent calls, newest first.
func (h *Handler) CallHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	calls, err := h.repo.ListUserCalls(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to list call history", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load call history")
		return
	}
	writeCalls(w, calls)
}

// ActiveCalls returns every call record still marked ongoing.
func (h *Handler) ActiveCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := h.repo.ListActiveCalls(r.Context())
	if err != nil {
		slog.Error("Failed to list active calls", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load active calls")
		return
	}
	writeCalls(w, calls)
}

func writeCalls(w http.ResponseWriter, calls []*domain.CallRecord) {
	if calls == nil {
		calls = []*domain.CallRecord{}
	}
	JSON(w, http.StatusOK, map[string]any{"total": len(calls), "calls": calls})
}
