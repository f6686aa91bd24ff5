// Package api provides HTTP handlers for the relay's operator API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/callrelay/internal/identity"
	"github.com/ashureev/callrelay/internal/presence"
	"github.com/ashureev/callrelay/internal/session"
	"github.com/ashureev/callrelay/internal/signaling"
	"github.com/ashureev/callrelay/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	presence *presence.Registry
	sessions *session.Store
	router   *signaling.Router
	sweeper  *session.Sweeper
	mirror   StatusReader
}

// StatusReader reads presence published by other relay instances.
type StatusReader interface {
	Status(ctx context.Context, userID string) (string, error)
}

// NewHandler creates a new Handler with common dependencies. sweeper may be
// nil, in which case manual sweeps are unavailable.
func NewHandler(repo store.Repository, reg *presence.Registry, sessions *session.Store, router *signaling.Router, sweeper *session.Sweeper) *Handler {
	return &Handler{
		repo:     repo,
		presence: reg,
		sessions: sessions,
		router:   router,
		sweeper:  sweeper,
	}
}

// WithPresenceMirror makes presence lookups fall back to m for users not
// connected to this instance.
func (h *Handler) WithPresenceMirror(m StatusReader) *Handler {
	h.mirror = m
	return h
}

// RegisterRoutes mounts the authenticated /api routes.
func (h *Handler) RegisterRoutes(r chi.Router, verifier *identity.Verifier) {
	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Middleware(verifier))

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Get("/my", h.MySession)
			r.Post("/sweep", h.Sweep)
			r.Get("/{id}", h.GetSession)
			r.Post("/{id}/end", h.EndSession)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/online", h.OnlineUsers)
			r.Get("/{user_id}/presence", h.UserPresence)
			r.Put("/{user_id}", h.UpsertUser)
		})

		r.Route("/calls", func(r chi.Router) {
			r.Get("/history", h.CallHistory)
			r.Get("/active", h.ActiveCalls)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Pinger is anything whose connectivity can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    Pinger
	redis   Pinger
	timeout time.Duration
}

// NewHealthHandler creates a health handler. redis may be nil when the
// presence mirror is disabled.
func NewHealthHandler(repo, redis Pinger, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{repo: repo, redis: redis, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "dependency", "database", "error", err)
		checks["database"] = "unreachable"
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			// Mirror loss degrades the status but never fails the probe.
			slog.Warn("Health check failed", "dependency", "redis", "error", err)
			checks["redis"] = "unreachable"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["redis"] = "ok"
		}
	}

	JSON(w, statusCode, map[string]any{"status": status, "checks": checks})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
