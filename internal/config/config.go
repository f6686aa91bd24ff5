// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	GRPCPort    string
	FrontendURL string
	LogLevel    slog.Level

	DB    DBConfig
	Redis RedisConfig

	Signaling SignalingConfig

	JWTSecret         string
	AutoRegisterUsers bool
}

// DBConfig selects and locates the persistent store.
type DBConfig struct {
	Driver string // "sqlite" or "postgres"
	Path   string
	URL    string
}

// RedisConfig controls the optional presence mirror.
type RedisConfig struct {
	Addr        string
	Password    string
	PresenceTTL time.Duration
}

// SignalingConfig tunes the relay core.
type SignalingConfig struct {
	SessionTimeout     time.Duration
	SweepInterval      time.Duration
	SendTimeout        time.Duration
	PingInterval       time.Duration
	MaxMessageBytes    int64
	MaxPendingMessages int
	SessionPolicy      string
	RateLimitCalls     int
	RateLimitWindow    time.Duration
	MessageRate        float64
	MessageBurst       int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	frontendURL := getEnv("FRONTEND_URL", "")

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", ""),
		FrontendURL: frontendURL,
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		DB: DBConfig{
			Driver: strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			Path:   getEnv("DB_PATH", "./data/callrelay.db"),
			URL:    getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:        getEnv("REDIS_ADDR", ""),
			Password:    getEnv("REDIS_PASSWORD", ""),
			PresenceTTL: getEnvDuration("PRESENCE_TTL", 5*time.Minute),
		},
		Signaling: SignalingConfig{
			SessionTimeout:     getEnvDuration("SESSION_TIMEOUT", 5*time.Minute),
			SweepInterval:      getEnvDuration("SWEEP_INTERVAL", 60*time.Second),
			SendTimeout:        getEnvDuration("SEND_TIMEOUT", 2*time.Second),
			PingInterval:       getEnvDuration("PING_INTERVAL", 30*time.Second),
			MaxMessageBytes:    int64(getEnvInt("MAX_MESSAGE_BYTES", 65536)),
			MaxPendingMessages: getEnvInt("MAX_PENDING_MESSAGES", 256),
			SessionPolicy:      strings.ToLower(getEnv("SESSION_POLICY", "exclusive")),
			RateLimitCalls:     getEnvInt("RATE_LIMIT_CALLS", 5),
			RateLimitWindow:    getEnvDuration("RATE_LIMIT_WINDOW", 60*time.Second),
			MessageRate:        getEnvFloat("MESSAGE_RATE", 50),
			MessageBurst:       getEnvInt("MESSAGE_BURST", 100),
		},
		JWTSecret: getEnv("JWT_SECRET", ""),
	}
	cfg.AutoRegisterUsers = getEnvBool("AUTO_REGISTER_USERS", cfg.IsDevelopment())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.DB.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DB.Driver)
	}

	s := c.Signaling
	if s.SessionPolicy != "exclusive" && s.SessionPolicy != "replace" {
		return fmt.Errorf("SESSION_POLICY must be exclusive or replace, got %q", s.SessionPolicy)
	}
	if s.SessionTimeout <= 0 || s.SweepInterval <= 0 || s.SendTimeout <= 0 || s.PingInterval <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT, SWEEP_INTERVAL, SEND_TIMEOUT and PING_INTERVAL must be > 0")
	}
	if s.MaxMessageBytes <= 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be > 0")
	}
	if s.MaxPendingMessages <= 0 {
		return fmt.Errorf("MAX_PENDING_MESSAGES must be > 0")
	}
	if s.RateLimitCalls <= 0 || s.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_CALLS and RATE_LIMIT_WINDOW must be > 0")
	}
	if s.MessageRate <= 0 || s.MessageBurst <= 0 {
		return fmt.Errorf("MESSAGE_RATE and MESSAGE_BURST must be > 0")
	}
	if c.Redis.Addr != "" && c.Redis.PresenceTTL <= 0 {
		return fmt.Errorf("PRESENCE_TTL must be > 0")
	}
	if !c.IsDevelopment() && c.JWTSecret == "" {
		slog.Warn("JWT_SECRET is empty outside development; peer identities are not verified")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origin list.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
