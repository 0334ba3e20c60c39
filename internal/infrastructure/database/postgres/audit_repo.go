package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/repositories"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/idgen"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/metrics"
)

// AuditRepository implements the AuditRepository interface for PostgreSQL.
// The security_events table is append-only; there is no update path.
type AuditRepository struct {
	db  *sqlx.DB
	log *slog.Logger
}

var _ repositories.AuditRepository = (*AuditRepository)(nil)

// NewAuditRepository creates a new PostgreSQL audit repository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{
		db:  db,
		log: slog.Default().With(slog.String("repo", "audit")),
	}
}

// securityEventRow represents a security event as stored in the database
type securityEventRow struct {
	ID        string         `db:"id"`
	EventType string         `db:"event_type"`
	Action    string         `db:"action"`
	AccountID sql.NullString `db:"account_id"`
	Details   string         `db:"details"`
	IPAddress sql.NullString `db:"ip_address"`
	UserAgent sql.NullString `db:"user_agent"`
	Success   bool           `db:"success"`
	ErrorMsg  sql.NullString `db:"error_message"`
	CreatedAt time.Time      `db:"created_at"`
}

// toEntity converts a securityEventRow to a domain entity
func (r *securityEventRow) toEntity() (*entities.SecurityEvent, error) {
	event := &entities.SecurityEvent{
		ID:        r.ID,
		EventType: entities.SecurityEventType(r.EventType),
		Action:    entities.SecurityAction(r.Action),
		Success:   r.Success,
		CreatedAt: r.CreatedAt,
	}
	if r.AccountID.Valid {
		event.AccountID = &r.AccountID.String
	}
	if r.IPAddress.Valid {
		event.IPAddress = &r.IPAddress.String
	}
	if r.UserAgent.Valid {
		event.UserAgent = &r.UserAgent.String
	}
	if r.ErrorMsg.Valid {
		event.ErrorMsg = &r.ErrorMsg.String
	}

	if err := event.UnmarshalDetailsFromJSON(r.Details); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
	}

	return event, nil
}

// fromEntity converts a domain entity to a securityEventRow
func securityEventRowFromEntity(event *entities.SecurityEvent) (*securityEventRow, error) {
	row := &securityEventRow{
		ID:        event.ID,
		EventType: string(event.EventType),
		Action:    string(event.Action),
		Success:   event.Success,
		CreatedAt: event.CreatedAt,
	}
	if event.AccountID != nil {
		row.AccountID = sql.NullString{String: *event.AccountID, Valid: true}
	}
	if event.IPAddress != nil {
		row.IPAddress = sql.NullString{String: *event.IPAddress, Valid: true}
	}
	if event.UserAgent != nil {
		row.UserAgent = sql.NullString{String: *event.UserAgent, Valid: true}
	}
	if event.ErrorMsg != nil {
		row.ErrorMsg = sql.NullString{String: *event.ErrorMsg, Valid: true}
	}

	details, err := event.MarshalDetailsToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event details: %w", err)
	}
	row.Details = details

	return row, nil
}

// Create appends a new security event
func (r *AuditRepository) Create(ctx context.Context, event *entities.SecurityEvent) error {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation("audit", "create", time.Since(start), 1, err)
	}()

	if event.ID == "" {
		event.ID = idgen.GenerateID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	r.log.Debug("recording security event",
		slog.String("event_type", string(event.EventType)),
		slog.String("action", string(event.Action)),
		slog.Any("account_id", event.AccountID))

	row, convertErr := securityEventRowFromEntity(event)
	if convertErr != nil {
		err = convertErr
		return err
	}

	query := `
		INSERT INTO security_events (id, event_type, action, account_id, details, ip_address, user_agent, success, error_message, created_at)
		VALUES (:id, :event_type, :action, :account_id, :details, :ip_address, :user_agent, :success, :error_message, :created_at)
	`

	_, err = r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}

	return nil
}

// GetByID retrieves a security event by its ID
func (r *AuditRepository) GetByID(ctx context.Context, id string) (*entities.SecurityEvent, error) {
	start := time.Now()
	var err error
	var rowCount int64
	defer func() {
		metrics.RecordDBOperation("audit", "get_by_id", time.Since(start), rowCount, err)
	}()

	var row securityEventRow
	query := `SELECT * FROM security_events WHERE id = $1 LIMIT 1`

	err = r.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			err = repositories.ErrAuditLogNotFound
			return nil, err
		}
		return nil, fmt.Errorf("failed to get security event by ID: %w", err)
	}

	rowCount = 1
	return row.toEntity()
}

// List security events with filtering and pagination
func (r *AuditRepository) List(ctx context.Context, opts repositories.ListSecurityEventsOptions) ([]*entities.SecurityEvent, int64, error) {
	start := time.Now()
	var err error
	var rowCount int64
	defer func() {
		metrics.RecordDBOperation("audit", "list", time.Since(start), rowCount, err)
	}()

	var conditions []string
	var args []interface{}
	argIndex := 1

	if opts.AccountID != nil {
		conditions = append(conditions, fmt.Sprintf("account_id = $%d", argIndex))
		args = append(args, *opts.AccountID)
		argIndex++
	}

	if opts.EventType != nil {
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", argIndex))
		args = append(args, string(*opts.EventType))
		argIndex++
	}

	if opts.Action != nil {
		conditions = append(conditions, fmt.Sprintf("action = $%d", argIndex))
		args = append(args, string(*opts.Action))
		argIndex++
	}

	if len(opts.Actions) > 0 {
		placeholders := make([]string, len(opts.Actions))
		for i, action := range opts.Actions {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, string(action))
			argIndex++
		}
		conditions = append(conditions, fmt.Sprintf("action IN (%s)", strings.Join(placeholders, ",")))
	}

	if opts.Success != nil {
		conditions = append(conditions, fmt.Sprintf("success = $%d", argIndex))
		args = append(args, *opts.Success)
		argIndex++
	}

	if opts.IPAddress != nil {
		conditions = append(conditions, fmt.Sprintf("ip_address = $%d", argIndex))
		args = append(args, *opts.IPAddress)
		argIndex++
	}

	if opts.CreatedAfter != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIndex))
		args = append(args, *opts.CreatedAfter)
		argIndex++
	}

	if opts.CreatedBefore != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIndex))
		args = append(args, *opts.CreatedBefore)
		argIndex++
	}

	if opts.FailedOnly {
		conditions = append(conditions, "success = false")
	}

	if opts.AccountActionsOnly {
		conditions = append(conditions, "account_id IS NOT NULL")
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM security_events %s", whereClause)
	var total int64
	err = r.db.GetContext(ctx, &total, countQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count security events: %w", err)
	}

	// Sort column goes into the query text, so it is whitelisted.
	sortBy := "created_at"
	switch opts.SortBy {
	case "", "created_at":
	case "action":
		sortBy = "action"
	case "event_type":
		sortBy = "event_type"
	case "success":
		sortBy = "success"
	}

	sortOrder := "DESC"
	if opts.SortOrder == "asc" {
		sortOrder = "ASC"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT * FROM security_events %s
		ORDER BY %s %s
		LIMIT $%d OFFSET $%d
	`, whereClause, sortBy, sortOrder, argIndex, argIndex+1)

	args = append(args, limit, offset)

	var rows []securityEventRow
	err = r.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list security events: %w", err)
	}

	events := make([]*entities.SecurityEvent, len(rows))
	for i, row := range rows {
		event, convertErr := row.toEntity()
		if convertErr != nil {
			err = convertErr
			return nil, 0, fmt.Errorf("failed to convert security event row: %w", err)
		}
		events[i] = event
	}

	rowCount = int64(len(rows))
	return events, total, nil
}

// ListByAccount retrieves security events for a specific account
func (r *AuditRepository) ListByAccount(ctx context.Context, accountID string, opts repositories.ListSecurityEventsOptions) ([]*entities.SecurityEvent, int64, error) {
	opts.AccountID = &accountID
	return r.List(ctx, opts)
}

// CountByAction counts events by action within a time range
func (r *AuditRepository) CountByAction(ctx context.Context, action entities.SecurityAction, since time.Time) (int64, error) {
	start := time.Now()
	var err error
	var rowCount int64
	defer func() {
		metrics.RecordDBOperation("audit", "count_by_action", time.Since(start), rowCount, err)
	}()

	query := `SELECT COUNT(*) FROM security_events WHERE action = $1 AND created_at >= $2`
	var count int64
	err = r.db.GetContext(ctx, &count, query, string(action), since)
	if err != nil {
		return 0, fmt.Errorf("failed to count security events by action: %w", err)
	}
	rowCount = count
	return count, nil
}

// CountFailuresByIP counts failed events from an IP within a time range
func (r *AuditRepository) CountFailuresByIP(ctx context.Context, ipAddress string, since time.Time) (int64, error) {
	start := time.Now()
	var err error
	var rowCount int64
	defer func() {
		metrics.RecordDBOperation("audit", "count_failures_by_ip", time.Since(start), rowCount, err)
	}()

	query := `
		SELECT COUNT(*) FROM security_events
		WHERE ip_address = $1 AND success = false AND created_at >= $2
	`
	var count int64
	err = r.db.GetContext(ctx, &count, query, ipAddress, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures by IP: %w", err)
	}
	rowCount = count
	return count, nil
}

// DeleteBefore deletes old security events (retention job)
func (r *AuditRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	start := time.Now()
	var err error
	var rowsAffected int64
	defer func() {
		metrics.RecordDBOperation("audit", "cleanup", time.Since(start), rowsAffected, err)
	}()

	query := `DELETE FROM security_events WHERE created_at < $1`
	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old security events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	rowsAffected = deleted
	return deleted, nil
}
