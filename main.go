// Marketdesk bridges a broker's streaming market data into
// consumer-friendly batched updates with request tracking and
// automatic resubscription.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/marketdesk/marketdesk/app"
	"github.com/marketdesk/marketdesk/ops"
)

var (
	// MARKETDESK_VERSION will be injected during the build process
	MARKETDESK_VERSION = "v0.0.0"

	// buildString will be injected during the build process with build time and git info
	buildString = "dev build"
)

func initLogger() (*slog.Logger, *ops.LogBuffer) {
	// Default to INFO level, can be overridden by LOG_LEVEL env var
	// Valid levels: debug, info, warn, error
	var level slog.Level
	logLevel := os.Getenv("LOG_LEVEL")
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}
	logBuffer := ops.NewLogBuffer(500)
	inner := slog.NewTextHandler(os.Stderr, opts)
	tee := ops.NewTeeHandler(inner, logBuffer)
	return slog.New(tee), logBuffer
}

func main() {
	// Check for version flag
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("Marketdesk %s\n", MARKETDESK_VERSION)
		fmt.Printf("Build: %s\n", buildString)
		os.Exit(0)
	}

	logger, logBuffer := initLogger()

	application := app.NewApp(logger)
	application.SetLogBuffer(logBuffer)

	if err := application.LoadConfig(); err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	application.SetVersion(MARKETDESK_VERSION)

	logger.Info("Starting marketdesk...", "version", MARKETDESK_VERSION, "build", buildString)
	if err := application.Run(); err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}
}
