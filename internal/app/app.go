// Package app builds the services shared by the server and the CLI
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/backfill"
	"github.com/ryanlecours/loam-logger-sub002/internal/config"
	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/imports"
	"github.com/ryanlecours/loam-logger-sub002/internal/ingest"
	"github.com/ryanlecours/loam-logger-sub002/internal/jobs"
	"github.com/ryanlecours/loam-logger-sub002/internal/lock"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
	"github.com/ryanlecours/loam-logger-sub002/internal/tokens"
)

// refreshLockWait bounds how long a distributed refresh waits on another process
const refreshLockWait = 10 * time.Second

// App holds the wired services
type App struct {
	Config       *config.Config
	DB           *database.DB
	HTTPClient   *http.Client
	Registry     *provider.Registry
	Flight       *tokens.MemoryFlight
	Vault        *tokens.Vault
	Locks        *lock.Service
	Tracker      *imports.Tracker
	Queue        jobs.Enqueuer
	Pipeline     *ingest.Pipeline
	Orchestrator *backfill.Orchestrator

	closers []io.Closer
}

// New opens the database and wires every service from cfg
func New(cfg *config.Config) (*App, error) {
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &App{
		Config:     cfg,
		DB:         db,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		closers:    []io.Closer{db},
	}

	store, err := lock.BuildStore(cfg.LockStoreURL, db)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build lock store: %w", err)
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	a.Locks = lock.NewService(store, cfg.LockTTL)

	a.Registry = provider.NewRegistry(cfg, a.HTTPClient)

	a.Flight = tokens.NewMemoryFlight(cfg.RefreshStaleAfter, cfg.RefreshSweepInterval)
	var flight tokens.Flight = a.Flight
	if cfg.RefreshMode == "distributed" {
		flight = tokens.NewLockedFlight(a.Flight, a.Locks, refreshLockWait)
	}
	refresher := tokens.NewOAuthRefresher(cfg, a.Registry, a.HTTPClient)
	a.Vault = tokens.NewVault(db, flight, refresher, cfg.TokenSkewWindow)

	switch cfg.QueueBackend {
	case "asynq":
		q := jobs.NewAsynqQueue(cfg.RedisAddr)
		a.closers = append(a.closers, q)
		a.Queue = q
	default:
		a.Queue = jobs.NewSQLiteQueue(db)
	}

	a.Tracker = imports.NewTracker(db)
	a.Pipeline = ingest.NewPipeline(db, a.Vault, a.Registry, a.Tracker, a.Queue)
	a.Orchestrator = backfill.NewOrchestrator(db, a.Vault, a.Registry, a.Locks, a.Tracker, a.Queue, backfill.Options{
		ChunkSize:    time.Duration(cfg.BackfillChunkDays) * 24 * time.Hour,
		MinYear:      cfg.BackfillMinYear,
		RateCooldown: cfg.RateLimitCooldown,
	})

	return a, nil
}

// Start runs the refresh-handle sweeper until ctx is done
func (a *App) Start(ctx context.Context) {
	a.Flight.Start(ctx)
}

// Close stops background work and releases resources, database last
func (a *App) Close() {
	if a.Flight != nil {
		a.Flight.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Default().Error("Failed to close resource", "error", err)
		}
	}
}

// LogLevel maps a configured level name to a slog level
func LogLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// SetupLogger installs the JSON logger used by the server
func SetupLogger(cfg *config.Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: LogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	return logger
}
