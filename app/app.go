// Package app is the composition root: it wires the tracker, bridge,
// watchlist and broker facade together from environment configuration.
// Everything is constructed and passed explicitly; there is no global
// state.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/marketdesk/marketdesk/bridge"
	"github.com/marketdesk/marketdesk/broker"
	"github.com/marketdesk/marketdesk/kite"
	"github.com/marketdesk/marketdesk/ops"
	"github.com/marketdesk/marketdesk/watchlist"
)

// Config holds the application configuration.
type Config struct {
	BrokerAPIKey      string
	BrokerAccessToken string
	BrokerEndpoint    string
	Exchange          string

	BridgeInterval  time.Duration
	BridgeCapacity  int
	BridgeBatchSize int

	// WatchlistDBPath enables SQLite persistence of desired
	// subscriptions when set.
	WatchlistDBPath string

	ReconnectMaxRetries int
}

// App represents the composed application.
type App struct {
	Config    *Config
	Version   string
	logger    *slog.Logger
	logBuffer *ops.LogBuffer

	bridge    *bridge.Bridge
	client    *broker.Client
	snapshots *SnapshotTable
	db        *watchlist.DB
}

// NewApp creates a new application instance reading configuration from
// the environment.
func NewApp(logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		Config: &Config{
			BrokerAPIKey:      os.Getenv("BROKER_API_KEY"),
			BrokerAccessToken: os.Getenv("BROKER_ACCESS_TOKEN"),
			BrokerEndpoint:    os.Getenv("BROKER_ENDPOINT"),
			Exchange:          os.Getenv("BROKER_EXCHANGE"),
			WatchlistDBPath:   os.Getenv("WATCHLIST_DB_PATH"),
		},
		logger:    logger,
		snapshots: NewSnapshotTable(),
	}
}

// SetLogBuffer attaches the ring buffer fed by the tee log handler.
func (a *App) SetLogBuffer(buf *ops.LogBuffer) {
	a.logBuffer = buf
}

// SetVersion sets the reported version string.
func (a *App) SetVersion(version string) {
	a.Version = version
}

// Snapshots returns the consumer-side latest-tick table.
func (a *App) Snapshots() *SnapshotTable {
	return a.snapshots
}

// LoadConfig validates required settings and fills in tunables from the
// environment.
func (a *App) LoadConfig() error {
	cfg := a.Config

	if cfg.BrokerAPIKey == "" {
		return fmt.Errorf("BROKER_API_KEY is required")
	}
	if cfg.BrokerAccessToken == "" {
		return fmt.Errorf("BROKER_ACCESS_TOKEN is required")
	}

	cfg.BridgeInterval = envDuration("BRIDGE_INTERVAL_MS", bridge.DefaultInterval)
	cfg.BridgeCapacity = envInt("BRIDGE_CAPACITY", bridge.DefaultCapacity)
	cfg.BridgeBatchSize = envInt("BRIDGE_BATCH_SIZE", bridge.DefaultBatchSize)
	cfg.ReconnectMaxRetries = envInt("RECONNECT_MAX_RETRIES", 5)
	return nil
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Run composes the subsystem, connects to the broker and blocks until a
// shutdown signal arrives.
func (a *App) Run() error {
	cfg := a.Config

	a.bridge = bridge.New(bridge.Config{
		Logger:    a.logger,
		Capacity:  cfg.BridgeCapacity,
		Interval:  cfg.BridgeInterval,
		BatchSize: cfg.BridgeBatchSize,
	})

	tracker := broker.NewTracker(a.logger)

	desired := watchlist.NewStore(a.logger)
	if cfg.WatchlistDBPath != "" {
		db, err := watchlist.OpenDB(cfg.WatchlistDBPath)
		if err != nil {
			return fmt.Errorf("open watchlist db: %w", err)
		}
		a.db = db
		desired.SetDB(db)
		if err := desired.LoadFromDB(); err != nil {
			return fmt.Errorf("load watchlist: %w", err)
		}
		a.logger.Info("Watchlist persistence enabled",
			"path", cfg.WatchlistDBPath, "entries", desired.Len())
	}

	conn := kite.New(kite.Config{
		Logger:   a.logger,
		Exchange: cfg.Exchange,
	})

	client, err := broker.New(broker.Config{
		Conn:      conn,
		Bridge:    a.bridge,
		Tracker:   tracker,
		Watchlist: desired,
		Logger:    a.logger,
		Endpoint:  cfg.BrokerEndpoint,
		Credentials: broker.Credentials{
			APIKey:      cfg.BrokerAPIKey,
			AccessToken: cfg.BrokerAccessToken,
		},
		ReconnectMaxRetries: cfg.ReconnectMaxRetries,
	})
	if err != nil {
		return fmt.Errorf("create broker client: %w", err)
	}
	a.client = client

	a.bridge.Subscribe(a.snapshots.Apply)
	a.bridge.Start()

	if err := client.Connect(context.Background()); err != nil {
		a.bridge.Stop()
		a.closeDB()
		return fmt.Errorf("connect: %w", err)
	}

	a.logger.Info("marketdesk running", "version", a.Version)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	a.logger.Info("Shutting down", "signal", s.String())

	a.Shutdown()
	return nil
}

// Shutdown stops the subsystem in dependency order: broker first so no
// new messages arrive, then the bridge, then persistence.
func (a *App) Shutdown() {
	if a.client != nil {
		if err := a.client.Disconnect(); err != nil {
			a.logger.Warn("Error disconnecting broker", "error", err)
		}
	}
	if a.bridge != nil {
		a.bridge.Stop()
	}
	a.closeDB()

	if a.logBuffer != nil {
		for _, entry := range a.logBuffer.Recent(20) {
			a.logger.Debug("Recent log", "time", entry.Time, "level", entry.Level, "msg", entry.Message)
		}
	}
}

func (a *App) closeDB() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Error closing watchlist db", "error", err)
		}
		a.db = nil
	}
}
