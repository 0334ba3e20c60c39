package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/auth/cryptobox"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/auth/providers"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/config"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/services"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/infrastructure/database/postgres"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/idgen"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/logger"
	"github.com/santhoshmp/LearningPlanner-sub001/migrations"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		forceVersion  int
		configPath    string
		logLevel      string
		logFile       string
		logToStderr   bool
		alsoLogStderr bool
		logFormat     string
	)

	cmd := &cobra.Command{
		Use:   "authcore",
		Short: "Credential security and identity-linking core",
		Long:  "Runs the token lifecycle sweeper and the operational endpoints for the identity-linking core",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return setupServerLogging(logLevel, logFile, logToStderr, alsoLogStderr, logFormat)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, forceVersion)
		},
	}

	cmd.Flags().IntVar(&forceVersion, "force-migration", -1, "Force migration version (use to fix dirty migration state)")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (optional)")

	// Add logging flags
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Log file path (if specified, logs to file instead of stderr)")
	cmd.Flags().BoolVar(&logToStderr, "logtostderr", false, "Log to stderr (default behavior unless --log-file specified)")
	cmd.Flags().BoolVar(&alsoLogStderr, "alsologtostderr", false, "Log to both file and stderr")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "Log format (text, json)")

	// Add subcommands
	cmd.AddCommand(newAuditCommand())

	return cmd
}

// setupServerLogging configures the global logger for the daemon
func setupServerLogging(logLevel, logFile string, logToStderr, alsoLogStderr bool, logFormat string) error {
	// Default to stderr logging unless file is specified
	if logFile == "" {
		logToStderr = true
	}

	cfg := logger.Config{
		Level:         logger.ParseLevel(logLevel),
		LogFile:       logFile,
		LogToStderr:   logToStderr,
		AlsoLogStderr: alsoLogStderr,
		Format:        logFormat,
	}

	globalLogger, err := logger.SetupLogger(cfg)
	if err != nil {
		return err
	}

	// Set as default logger
	slog.SetDefault(globalLogger)

	return nil
}

func runServer(configPath string, forceVersion int) error {
	logger := slog.Default().With("component", "authcore")
	logger.Info("Starting authcore initialization")

	// Initialize Snowflake ID generator
	if err := idgen.Initialize(1); err != nil {
		return fmt.Errorf("failed to initialize ID generator: %w", err)
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info("Loaded OAuth providers", "count", len(cfg.Auth.Providers))
	for _, p := range cfg.Auth.Providers {
		logger.Info("OAuth provider configured",
			"name", p.Name,
			"client_id", p.ClientID,
			"redirect_uri", p.RedirectURI)
	}

	// Token encryption key is mandatory: without it stored provider tokens
	// can be neither written nor read.
	if cfg.Auth.EncryptionKey == "" {
		logger.Error("Token encryption key not configured")
		os.Exit(1)
	}
	encryptionKey, err := base64.StdEncoding.DecodeString(cfg.Auth.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode auth.encryption_key: %w", err)
	}
	box, err := cryptobox.New(encryptionKey, cfg.Auth.LegacyEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize token encryption: %w", err)
	}

	// Initialize the provider registry and HTTP client. A misconfigured
	// provider (bad apple signing key, unknown name) fails here rather
	// than mid-refresh.
	registry, err := providers.NewRegistry(cfg.Auth.Providers)
	if err != nil {
		return fmt.Errorf("failed to initialize provider registry: %w", err)
	}
	providerClient, err := providers.NewClient(registry)
	if err != nil {
		return fmt.Errorf("failed to initialize provider client: %w", err)
	}

	// Initialize PostgreSQL database
	logger.Info("Initializing PostgreSQL database",
		"user", cfg.Database.Postgres.User,
		"host", cfg.Database.Postgres.Host,
		"database", cfg.Database.Postgres.Database)

	connString := cfg.Database.Postgres.ConnectionString()

	// Connect to PostgreSQL with retries (for Kubernetes startup)
	var pgConn *postgres.Connection
	maxRetries := 10
	retryDelay := 2 * time.Second

	for i := 0; i < maxRetries; i++ {
		var err error
		pgConn, err = postgres.NewConnection(connString)
		if err == nil {
			logger.Info("Successfully connected to PostgreSQL")
			break
		}

		if i < maxRetries-1 {
			logger.Warn("Failed to connect to PostgreSQL",
				"attempt", i+1,
				"max_retries", maxRetries,
				"error", err,
				"retry_delay", retryDelay)
			time.Sleep(retryDelay)
			retryDelay *= 2 // Exponential backoff
			if retryDelay > 30*time.Second {
				retryDelay = 30 * time.Second
			}
		} else {
			return fmt.Errorf("failed to connect to PostgreSQL after %d attempts: %w", maxRetries, err)
		}
	}
	defer pgConn.Close()

	// Handle force migration if requested
	if forceVersion >= 0 {
		logger.Info("Force setting migration version", "version", forceVersion)
		if err := pgConn.ForceMigrationVersion(migrations.FS, forceVersion); err != nil {
			return fmt.Errorf("failed to force migration version: %w", err)
		}
		logger.Info("Migration version forced, exiting", "version", forceVersion)
		return nil
	}

	// Run migrations
	if err := pgConn.RunMigrations(migrations.FS); err != nil {
		return fmt.Errorf("failed to run PostgreSQL migrations: %w", err)
	}

	// Initialize PostgreSQL repositories
	identityRepo := postgres.NewIdentityRepository(pgConn.DB)
	auditRepo := postgres.NewAuditRepository(pgConn.DB)

	// Initialize services
	trail := services.NewAuditTrail(auditRepo, slog.Default().With("component", "audit-trail"))
	lifecycle := services.NewTokenLifecycleManager(
		identityRepo,
		providerClient,
		box,
		trail,
		slog.Default().With("component", "token-lifecycle"),
		services.LifecycleOptions{
			RefreshThreshold: cfg.Lifecycle.RefreshThreshold,
			SweepInterval:    cfg.Lifecycle.SweepInterval,
			BatchSize:        cfg.Lifecycle.BatchSize,
			MaxConcurrent:    cfg.Lifecycle.MaxConcurrent,
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the background token sweeper
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		lifecycle.Run(ctx)
	}()

	// Ops endpoints for probes and scraping
	opsMux := http.NewServeMux()
	opsMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	opsMux.HandleFunc("/readiness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})
	opsMux.Handle("/metrics", promhttp.Handler())

	opsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Ops.Port),
		Handler: opsMux,
	}

	go func() {
		logger.Info("Starting ops server", "port", cfg.Ops.Port)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Ops server failed", "error", err)
		}
	}()

	logger.Info("authcore started",
		"sweep_interval", cfg.Lifecycle.SweepInterval,
		"refresh_threshold", cfg.Lifecycle.RefreshThreshold,
		"environment", cfg.Environment)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Ops server shutdown error", "error", err)
	}
	<-sweepDone

	logger.Info("Shutdown complete")
	return nil
}
