// Package socket serves the signaling websocket endpoint.
package socket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/ashureev/callrelay/internal/identity"
	"github.com/ashureev/callrelay/internal/protocol"
	"github.com/ashureev/callrelay/internal/signaling"
	"github.com/ashureev/callrelay/internal/store"
)

const cleanupTimeout = 5 * time.Second

// Options tunes per-connection behaviour.
type Options struct {
	MaxMessageBytes int64
	SendTimeout     time.Duration
	PingInterval    time.Duration
	MessageRate     float64
	MessageBurst    int
	AllowedOrigin   string
	IsDev           bool
	AutoRegister    bool
}

// Handler upgrades GET /ws/{user_id} and runs one read loop per peer.
type Handler struct {
	router    *signaling.Router
	lifecycle *signaling.Lifecycle
	users     store.UserDirectory
	verifier  *identity.Verifier
	opts      Options
}

// NewHandler creates a websocket handler. users may be nil to skip the
// directory check.
func NewHandler(router *signaling.Router, lifecycle *signaling.Lifecycle, users store.UserDirectory, verifier *identity.Verifier, opts Options) *Handler {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 << 10
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Second
	}
	if opts.MessageRate <= 0 {
		opts.MessageRate = 50
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 100
	}
	return &Handler{
		router:    router,
		lifecycle: lifecycle,
		users:     users,
		verifier:  verifier,
		opts:      opts,
	}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	reconnect := r.URL.Query().Get("reconnect") == "true"
	slog.Info("WebSocket connection request", "user_id", userID, "reconnect", reconnect, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if err := h.verifier.AuthorizeConnection(r, userID); err != nil {
		slog.Warn("WebSocket connection rejected", "user_id", userID, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(h.opts.MaxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if !h.knownUser(ctx, userID) {
		if err := ws.Close(StatusUserNotFound, "user not found"); err != nil {
			slog.Debug("Failed to close websocket", "error", err, "user_id", userID)
		}
		return
	}

	conn := &peerConn{ws: ws, userID: userID, sendTimeout: h.opts.SendTimeout}

	if evicted := h.lifecycle.Connect(ctx, userID, conn); evicted != nil {
		if old, ok := evicted.(*peerConn); ok {
			slog.Info("Replacing existing connection", "user_id", userID)
			old.close(StatusReplaced, "replaced")
		}
	}
	defer func() {
		cleanupCtx, done := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer done()
		h.lifecycle.Disconnect(cleanupCtx, userID, conn)
		conn.close(websocket.StatusNormalClosure, "connection closed")
		slog.Info("Peer disconnected", "user_id", userID)
	}()

	if h.opts.PingInterval > 0 {
		go h.keepalive(ctx, cancel, ws, userID)
	}

	h.readLoop(ctx, conn)
}

func (h *Handler) knownUser(ctx context.Context, userID string) bool {
	if h.users == nil {
		return true
	}
	exists, err := h.users.UserExists(ctx, userID)
	if err != nil {
		slog.Error("Failed to look up user", "user_id", userID, "error", err)
		return false
	}
	if exists {
		return true
	}
	if !h.opts.AutoRegister {
		slog.Warn("Unknown user rejected", "user_id", userID)
		return false
	}
	if err := identity.EnsureUser(ctx, h.users, userID); err != nil {
		slog.Error("Failed to auto-register user", "user_id", userID, "error", err)
		return false
	}
	slog.Info("Auto-registered user", "user_id", userID)
	return true
}

// readLoop handles frames one at a time, so a peer's events are processed
// in order and never concurrently.
func (h *Handler) readLoop(ctx context.Context, conn *peerConn) {
	limiter := rate.NewLimiter(rate.Limit(h.opts.MessageRate), h.opts.MessageBurst)

	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				slog.Debug("WebSocket closed by client", "user_id", conn.userID, "status", websocket.CloseStatus(err))
			case errors.Is(err, context.Canceled):
				slog.Debug("WebSocket read cancelled", "user_id", conn.userID)
			default:
				slog.Warn("WebSocket read error", "error", err, "user_id", conn.userID)
			}
			return
		}

		var resp protocol.Message
		if limiter.Allow() {
			resp = h.router.Handle(ctx, conn.userID, data)
		} else {
			resp = protocol.Fail("", signaling.ReasonRateLimited)
		}

		if err := conn.Send(ctx, resp); err != nil {
			slog.Debug("WebSocket write error", "error", err, "user_id", conn.userID)
			return
		}
	}
}

// keepalive pings the peer and tears the connection down when a pong does
// not come back in time.
func (h *Handler) keepalive(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, userID string) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, done := context.WithTimeout(ctx, h.opts.PingInterval)
			err := ws.Ping(pingCtx)
			done()
			if err != nil {
				if ctx.Err() == nil {
					slog.Info("WebSocket keepalive failed", "user_id", userID, "error", err)
				}
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	if origin == h.opts.AllowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}
