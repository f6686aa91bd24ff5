package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/callrelay/internal/api"
	"github.com/ashureev/callrelay/internal/config"
	"github.com/ashureev/callrelay/internal/grpcserver"
	"github.com/ashureev/callrelay/internal/identity"
	"github.com/ashureev/callrelay/internal/metrics"
	"github.com/ashureev/callrelay/internal/middleware"
	"github.com/ashureev/callrelay/internal/presence"
	"github.com/ashureev/callrelay/internal/ratelimit"
	"github.com/ashureev/callrelay/internal/session"
	"github.com/ashureev/callrelay/internal/signaling"
	"github.com/ashureev/callrelay/internal/socket"
	"github.com/ashureev/callrelay/internal/store"
	"github.com/ashureev/callrelay/web"
)

const shutdownTimeout = 10 * time.Second

// app holds the wired server components.
type app struct {
	cfg       *config.Config
	repo      *store.SQLStore
	redis     *redis.Client
	mirror    *presence.RedisMirror
	metrics   *metrics.Metrics
	verifier  *identity.Verifier
	presence  *presence.Registry
	sessions  *session.Store
	sweeper   *session.Sweeper
	limiter   *ratelimit.Limiter
	router    *signaling.Router
	lifecycle *signaling.Lifecycle
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "version", versionString())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// Websocket handlers outlive Shutdown once hijacked, so they hang off a
	// base context cancelled before shutdown.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     a.handler(),
		ReadTimeout: 30 * time.Second,
		// 0 = no write timeout; websockets are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	a.start(ctx)

	var health *grpcserver.Server
	if cfg.GRPCPort != "" {
		health, err = a.startHealth(ctx)
		if err != nil {
			return err
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	cancelBase()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if health != nil {
		health.Stop(shutdownCtx)
	}

	select {
	case <-a.sweeper.Done():
	case <-shutdownCtx.Done():
		slog.Warn("Sweeper did not stop in time")
	}

	slog.Info("Server stopped successfully")
	return nil
}

func openStore(cfg *config.Config) (*store.SQLStore, error) {
	var (
		repo *store.SQLStore
		err  error
	)
	switch cfg.DB.Driver {
	case "postgres":
		repo, err = store.NewPostgres(cfg.DB.URL)
	default:
		repo, err = store.NewSQLite(cfg.DB.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize %s database: %w", cfg.DB.Driver, err)
	}
	slog.Info("Database connected", "driver", cfg.DB.Driver)
	return repo, nil
}

// newApp opens the stores and wires the relay core.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	repo, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a := &app{
		cfg:      cfg,
		repo:     repo,
		metrics:  m,
		verifier: identity.NewVerifier(cfg.JWTSecret),
	}

	presenceOpts := presence.Options{SendTimeout: cfg.Signaling.SendTimeout, Metrics: m}
	if cfg.Redis.Addr != "" {
		client, err := presence.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			slog.Warn("Redis unavailable, presence mirror disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			a.redis = client
			a.mirror = presence.NewRedisMirror(client, cfg.Redis.PresenceTTL)
			presenceOpts.Mirror = a.mirror
			slog.Info("Presence mirror enabled", "addr", cfg.Redis.Addr)
		}
	}
	a.presence = presence.NewRegistry(presenceOpts)

	policy, err := session.ParsePolicy(cfg.Signaling.SessionPolicy)
	if err != nil {
		a.close()
		return nil, err
	}
	a.sessions = session.NewStore(session.Options{
		Policy:     policy,
		MaxPending: cfg.Signaling.MaxPendingMessages,
		Metrics:    m,
	})
	a.limiter = ratelimit.New(cfg.Signaling.RateLimitCalls, cfg.Signaling.RateLimitWindow)

	deps := signaling.Deps{
		Presence: a.presence,
		Sessions: a.sessions,
		Users:    repo,
		Calls:    repo,
		Limiter:  a.limiter,
		Metrics:  m,
	}
	a.router = signaling.NewRouter(deps)
	a.lifecycle = signaling.NewLifecycle(deps)
	a.sweeper = session.NewSweeper(a.sessions, cfg.Signaling.SweepInterval, cfg.Signaling.SessionTimeout, a.lifecycle.Expire, m)

	return a, nil
}

// start launches the background workers. They stop when ctx is cancelled.
func (a *app) start(ctx context.Context) {
	a.sweeper.Start(ctx)
	go a.limiter.Run(ctx)
	slog.Info("Session sweeper started",
		"interval", a.cfg.Signaling.SweepInterval,
		"timeout", a.cfg.Signaling.SessionTimeout,
		"policy", a.sessions.Policy())
}

func (a *app) startHealth(ctx context.Context) (*grpcserver.Server, error) {
	lis, err := net.Listen("tcp", ":"+a.cfg.GRPCPort)
	if err != nil {
		return nil, fmt.Errorf("listen grpc: %w", err)
	}
	health := grpcserver.New(a.repo, 0)
	go health.Watch(ctx)
	go func() {
		if err := health.Serve(lis); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()
	return health, nil
}

// handler builds the HTTP routing tree.
func (a *app) handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(a.cfg.AllowedOrigins()))

	var redisPinger api.Pinger
	if a.mirror != nil {
		redisPinger = a.mirror
	}
	api.NewHealthHandler(a.repo, redisPinger, 5*time.Second).RegisterHealth(r)
	r.Handle("/metrics", a.metrics.Handler())

	apiHandler := api.NewHandler(a.repo, a.presence, a.sessions, a.router, a.sweeper)
	if a.mirror != nil {
		apiHandler.WithPresenceMirror(a.mirror)
	}
	apiHandler.RegisterRoutes(r, a.verifier)

	ws := socket.NewHandler(a.router, a.lifecycle, a.repo, a.verifier, socket.Options{
		MaxMessageBytes: a.cfg.Signaling.MaxMessageBytes,
		SendTimeout:     a.cfg.Signaling.SendTimeout,
		PingInterval:    a.cfg.Signaling.PingInterval,
		MessageRate:     a.cfg.Signaling.MessageRate,
		MessageBurst:    a.cfg.Signaling.MessageBurst,
		AllowedOrigin:   a.cfg.FrontendURL,
		IsDev:           a.cfg.IsDevelopment(),
		AutoRegister:    a.cfg.AutoRegisterUsers,
	})
	r.Get("/ws/{user_id}", ws.ServeHTTP)

	// Serve embedded console (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	return r
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Error("Failed to close redis client", "error", err)
		}
	}
	if err := a.repo.Close(); err != nil {
		slog.Error("Failed to close repository", "error", err)
	}
}
