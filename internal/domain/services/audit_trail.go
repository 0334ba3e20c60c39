package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/repositories"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/idgen"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/metrics"
)

// AuditTrail records security events. Recording is fire-and-forget: a failed
// write is logged and counted, never surfaced to the caller, so an audit sink
// outage cannot take logins down with it.
type AuditTrail struct {
	auditRepo repositories.AuditRepository
	logger    *slog.Logger
}

// NewAuditTrail creates a new audit trail service
func NewAuditTrail(auditRepo repositories.AuditRepository, logger *slog.Logger) *AuditTrail {
	return &AuditTrail{
		auditRepo: auditRepo,
		logger:    logger,
	}
}

// Record appends a security event. Never returns an error.
func (t *AuditTrail) Record(ctx context.Context, event *entities.SecurityEvent) {
	if event == nil {
		return
	}
	if event.ID == "" {
		event.ID = idgen.GenerateID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	if err := t.auditRepo.Create(ctx, event); err != nil {
		// Log audit failure but don't fail the operation
		t.logger.Error("failed to record security event",
			slog.String("action", string(event.Action)),
			slog.String("event_type", string(event.EventType)),
			slog.String("error", err.Error()))
		metrics.AuditDropped.Inc()
	}
}

// GetEvent retrieves a single security event by ID
func (t *AuditTrail) GetEvent(ctx context.Context, id string) (*entities.SecurityEvent, error) {
	return t.auditRepo.GetByID(ctx, id)
}

// ListEvents lists security events with filtering and pagination
func (t *AuditTrail) ListEvents(ctx context.Context, opts repositories.ListSecurityEventsOptions) ([]*entities.SecurityEvent, int64, error) {
	return t.auditRepo.List(ctx, opts)
}

// ListAccountEvents lists security events attributed to one account
func (t *AuditTrail) ListAccountEvents(ctx context.Context, accountID string, opts repositories.ListSecurityEventsOptions) ([]*entities.SecurityEvent, int64, error) {
	return t.auditRepo.ListByAccount(ctx, accountID, opts)
}

// CountRecentFailuresByIP counts failed events from one IP since the given
// time. Intended for rate-limit style suspicion checks by callers.
func (t *AuditTrail) CountRecentFailuresByIP(ctx context.Context, ipAddress string, since time.Time) (int64, error) {
	return t.auditRepo.CountFailuresByIP(ctx, ipAddress, since)
}

// CountRecentByAction counts events for one action since the given time
func (t *AuditTrail) CountRecentByAction(ctx context.Context, action entities.SecurityAction, since time.Time) (int64, error) {
	return t.auditRepo.CountByAction(ctx, action, since)
}

// PruneBefore deletes events older than the cutoff and returns how many were
// removed. Only retention tooling calls this; the identity flows never do.
func (t *AuditTrail) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	removed, err := t.auditRepo.DeleteBefore(ctx, before)
	if err != nil {
		return 0, &PersistenceError{Op: "prune audit events", Err: err}
	}
	t.logger.Info("pruned security events",
		slog.Int64("removed", removed),
		slog.Time("before", before))
	return removed, nil
}
