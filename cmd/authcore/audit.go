package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/config"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/services"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/infrastructure/database/postgres"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/idgen"
	"github.com/santhoshmp/LearningPlanner-sub001/migrations"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail maintenance commands",
		Long:  "Commands for maintaining the security event audit trail",
	}

	cmd.AddCommand(newAuditPruneCommand())

	return cmd
}

func newAuditPruneCommand() *cobra.Command {
	var (
		retention  time.Duration
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete security events older than the retention window",
		Long:  "Delete security events whose created_at is older than now minus the retention window",
		Example: `  # Keep the default 90 days of events
  authcore audit prune

  # Keep one year
  authcore audit prune --retention 8760h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pruneAudit(configPath, retention)
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", 90*24*time.Hour, "How much history to keep")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (optional)")

	return cmd
}

func pruneAudit(configPath string, retention time.Duration) error {
	if retention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", retention)
	}

	// Initialize ID generator
	if err := idgen.Initialize(1); err != nil {
		return fmt.Errorf("failed to initialize ID generator: %w", err)
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize database
	pgConn, err := postgres.NewConnection(cfg.Database.Postgres.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}
	defer pgConn.Close()

	// Run migrations to ensure database is up to date
	if err := pgConn.RunMigrations(migrations.FS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	auditRepo := postgres.NewAuditRepository(pgConn.DB)
	trail := services.NewAuditTrail(auditRepo, slog.Default().With("component", "audit-trail"))

	cutoff := time.Now().Add(-retention)
	removed, err := trail.PruneBefore(context.Background(), cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune audit events: %w", err)
	}

	slog.Info("Audit events pruned",
		"removed", removed,
		"retention", retention,
		"cutoff", cutoff.Format(time.RFC3339),
	)

	return nil
}
