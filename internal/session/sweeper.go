package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/callrelay/internal/metrics"
)

const (
	DefaultSweepInterval  = 60 * time.Second
	DefaultSessionTimeout = 5 * time.Minute
)

// ExpiredCallback is called after a sweep with the sessions it removed.
type ExpiredCallback func(ctx context.Context, expired []Info)

// Sweeper periodically removes idle sessions from a Store.
type Sweeper struct {
	store     *Store
	interval  time.Duration
	timeout   time.Duration
	onExpired ExpiredCallback
	metrics   *metrics.Metrics

	running atomic.Bool
	done    chan struct{}
}

// NewSweeper creates a sweeper. Zero durations fall back to the defaults.
func NewSweeper(store *Store, interval, timeout time.Duration, onExpired ExpiredCallback, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		timeout:   timeout,
		onExpired: onExpired,
		metrics:   m,
		done:      make(chan struct{}),
	}
}

// Start runs the sweep loop in a goroutine until ctx is cancelled.
func (w *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	go func() {
		defer close(w.done)
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", w.interval, "timeout", w.timeout)

		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Done is closed once the loop started by Start has exited.
func (w *Sweeper) Done() <-chan struct{} {
	return w.done
}

// Sweep runs one pass. If a pass is already in flight it returns -1 without
// doing anything; otherwise it returns the number of sessions removed.
func (w *Sweeper) Sweep(ctx context.Context) int {
	if !w.running.CompareAndSwap(false, true) {
		slog.Debug("Session sweep skipped, previous sweep still running")
		return -1
	}
	defer w.running.Store(false)

	start := time.Now()
	expired := w.store.SweepExpired(w.timeout)
	w.metrics.Swept(len(expired), time.Since(start))

	if len(expired) == 0 {
		return 0
	}

	for _, info := range expired {
		slog.Info("Session expired", "session_id", info.ID, "status", info.Status, "last_activity", info.LastActivity)
	}
	if w.onExpired != nil {
		w.onExpired(ctx, expired)
	}

	slog.Info("Session sweep completed", "removed", len(expired))
	return len(expired)
}
