// Package presence tracks which users hold a live signaling connection and
// delivers messages to them.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/callrelay/internal/metrics"
	"github.com/ashureev/callrelay/internal/protocol"
)

const defaultSendTimeout = 2 * time.Second

// Sink is the outbound side of one peer connection. Send must honour ctx.
type Sink interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Mirror receives best-effort copies of presence changes, e.g. for other
// services that want to read who is online.
type Mirror interface {
	SetOnline(ctx context.Context, userID string, since time.Time) error
	Refresh(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

// Connection is one user's live channel.
type Connection struct {
	UserID      string
	Sink        Sink
	ConnectedAt time.Time
}

// Options configures a Registry.
type Options struct {
	// SendTimeout bounds every outbound delivery attempt.
	SendTimeout time.Duration
	Mirror      Mirror
	Metrics     *metrics.Metrics
}

// Registry maps user identities to their live connection. At most one
// connection exists per user; a newer one evicts the older.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	sendTimeout time.Duration
	mirror      Mirror
	metrics     *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	return &Registry{
		conns:       make(map[string]*Connection),
		sendTimeout: opts.SendTimeout,
		mirror:      opts.Mirror,
		metrics:     opts.Metrics,
	}
}

// Register installs sink as the live channel for userID and announces the
// user as online to everyone else. The previous sink for the same user, if
// any, is returned so the caller can close it; the registry never closes it.
func (r *Registry) Register(ctx context.Context, userID string, sink Sink) Sink {
	now := time.Now()

	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = &Connection{UserID: userID, Sink: sink, ConnectedAt: now}
	online := len(r.conns)
	r.mu.Unlock()

	r.metrics.SetOnlineUsers(online)
	slog.Info("Presence registered", "user_id", userID, "online", online, "replaced", prev != nil)

	if r.mirror != nil {
		mctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
		if err := r.mirror.SetOnline(mctx, userID, now); err != nil {
			slog.Warn("Presence mirror update failed", "user_id", userID, "error", err)
		}
		cancel()
	}

	r.Broadcast(ctx, userID, statusUpdate(userID, protocol.StatusOnline))

	if prev == nil || prev.Sink == sink {
		return nil
	}
	return prev.Sink
}

// Unregister removes userID if its current sink is sink, then announces the
// user as offline. A nil sink removes unconditionally. It reports whether a
// mapping was removed; a connection that was already evicted by a newer one
// gets false and leaves the newer mapping alone.
func (r *Registry) Unregister(ctx context.Context, userID string, sink Sink) bool {
	r.mu.Lock()
	current, ok := r.conns[userID]
	if !ok || (sink != nil && current.Sink != sink) {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, userID)
	online := len(r.conns)
	r.mu.Unlock()

	r.metrics.SetOnlineUsers(online)
	slog.Info("Presence unregistered", "user_id", userID, "online", online)

	if r.mirror != nil {
		mctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
		if err := r.mirror.SetOffline(mctx, userID); err != nil {
			slog.Warn("Presence mirror delete failed", "user_id", userID, "error", err)
		}
		cancel()
	}

	r.Broadcast(ctx, userID, statusUpdate(userID, protocol.StatusOffline))
	return true
}

// IsOnline reports whether userID has a registered connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// Get returns a copy of the user's connection record.
func (r *Registry) Get(userID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// ListOnline returns a sorted snapshot of online user identities.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.conns))
	for id := range r.conns {
		users = append(users, id)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Send attempts immediate delivery to userID within the send timeout. It
// returns false when the user is offline or the write fails; the caller
// decides whether to queue.
func (r *Registry) Send(ctx context.Context, userID string, msg protocol.Message) bool {
	r.mu.RLock()
	conn, ok := r.conns[userID]
	var sink Sink
	if ok {
		sink = conn.Sink
	}
	r.mu.RUnlock()

	if !ok {
		return false
	}
	if err := r.deliver(ctx, sink, msg); err != nil {
		slog.Debug("Presence send failed", "user_id", userID, "type", msg.Type, "error", err)
		return false
	}
	return true
}

// Touch refreshes the mirrored presence entry for userID.
func (r *Registry) Touch(ctx context.Context, userID string) {
	if r.mirror == nil || !r.IsOnline(userID) {
		return
	}
	mctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	if err := r.mirror.Refresh(mctx, userID); err != nil {
		slog.Debug("Presence mirror refresh failed", "user_id", userID, "error", err)
	}
}

// Broadcast sends msg to every online user except one, each recipient in its
// own bounded-time attempt. Failures are logged and swallowed. It returns the
// number of successful deliveries.
func (r *Registry) Broadcast(ctx context.Context, except string, msg protocol.Message) int {
	r.mu.RLock()
	targets := make(map[string]Sink, len(r.conns))
	for id, c := range r.conns {
		if id != except {
			targets[id] = c.Sink
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for id, sink := range targets {
		wg.Add(1)
		go func(userID string, sink Sink) {
			defer wg.Done()
			if err := r.deliver(ctx, sink, msg); err != nil {
				r.metrics.BroadcastFailed()
				slog.Debug("Presence broadcast failed", "user_id", userID, "type", msg.Type, "error", err)
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(id, sink)
	}
	wg.Wait()
	return delivered
}

func (r *Registry) deliver(ctx context.Context, sink Sink, msg protocol.Message) error {
	sctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	return sink.Send(sctx, msg)
}

func statusUpdate(userID, status string) protocol.Message {
	return protocol.Message{
		Type:      protocol.TypeStatusUpdate,
		UserID:    userID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}
