// WashTrack Core - Workforce Session Service
//
// This is the main entry point for the WashTrack Core application: the
// authentication and session backbone for the car-wash workforce platform.
// It serves two client classes with different session policies:
//   - Web admin: short-lived tokens, refresh token in an HttpOnly cookie
//   - Mobile field app: long-lived tokens for offline-tolerant operation
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/sudspoint/washtrack-core/migrations"

	"github.com/sudspoint/washtrack-core/internal/api"
	"github.com/sudspoint/washtrack-core/internal/audit"
	"github.com/sudspoint/washtrack-core/internal/auth"
	"github.com/sudspoint/washtrack-core/internal/infrastructure/config"
	"github.com/sudspoint/washtrack-core/internal/infrastructure/database"
	"github.com/sudspoint/washtrack-core/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting WashTrack Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration. Load validates the token secrets; a missing,
	// short, or shared secret fails here before anything binds a port.
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Wire repositories and the session service
	userRepo := auth.NewUserRepository(db.DB)
	sessionRepo := auth.NewSessionRepository(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)

	// Seed the initial admin account on first boot
	if _, seedErr := auth.SeedAdmin(ctx, userRepo, log.Logger); seedErr != nil {
		return fmt.Errorf("seeding admin account: %w", seedErr)
	}

	// Availability monitor: when the store goes away, session operations
	// fail fast with 503 instead of hanging.
	monitor := database.NewMonitor(db, cfg.Maintenance.GetHealthInterval())
	go monitor.Run(ctx, func(available bool) {
		if available {
			log.Info("session store available again")
		} else {
			log.Error("session store unavailable")
		}
	})

	codec := auth.NewCodec(cfg.Security)
	authService := auth.NewService(codec, userRepo, sessionRepo, auditRepo, log.Logger, monitor.Available)

	// Periodic sweep of expired ledger rows
	go sweepLoop(ctx, authService, cfg.Maintenance.GetSweepInterval(), log)

	// Start API server
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		Security: cfg.Security,
		Logger:   log,
		Auth:     authService,
		Audit:    auditRepo,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	// Verify connections are healthy
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	log.Info("WashTrack Core stopped")
	return nil
}

// sweepLoop periodically deletes expired refresh sessions.
func sweepLoop(ctx context.Context, svc *auth.Service, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := svc.SweepExpired(ctx)
			if err != nil {
				log.Error("expired session sweep failed", "error", err)
				continue
			}
			if count > 0 {
				log.Info("expired sessions swept", "deleted", count)
			}
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses WASHTRACK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("WASHTRACK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
