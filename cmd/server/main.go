// Package main is the callrelay server: a WebRTC signaling relay that pairs
// peers into call sessions over websockets and forwards their offers,
// answers and ICE candidates.
//
// # Basic Usage
//
//	callrelay serve
//	callrelay migrate
//	callrelay token alice --ttl 24h
//	callrelay healthcheck --addr localhost:9090
//
// Configuration comes from environment variables, optionally loaded from a
// .env file in the working directory.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// Build information, set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	setupLogger(slog.LevelInfo)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level slog.Level) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s)", version, commit)
}
