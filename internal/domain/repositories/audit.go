package repositories

import (
	"context"
	"time"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
)

// AuditRepository defines the interface for security event data access.
// The event log is append-only: there is no update operation, and deletion
// exists only for external retention policies.
type AuditRepository interface {
	// Create appends a new security event
	Create(ctx context.Context, event *entities.SecurityEvent) error

	// GetByID retrieves a security event by its ID
	GetByID(ctx context.Context, id string) (*entities.SecurityEvent, error)

	// List security events with filtering and pagination
	List(ctx context.Context, opts ListSecurityEventsOptions) ([]*entities.SecurityEvent, int64, error)

	// ListByAccount retrieves security events for a specific account
	ListByAccount(ctx context.Context, accountID string, opts ListSecurityEventsOptions) ([]*entities.SecurityEvent, int64, error)

	// CountByAction counts events by action within a time range
	CountByAction(ctx context.Context, action entities.SecurityAction, since time.Time) (int64, error)

	// CountFailuresByIP counts failed events from an IP within a time range
	CountFailuresByIP(ctx context.Context, ipAddress string, since time.Time) (int64, error)

	// DeleteBefore deletes old events (retention job, never called by the core)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ListSecurityEventsOptions provides filtering and pagination options for listing security events
type ListSecurityEventsOptions struct {
	// Pagination
	Limit  int
	Offset int

	// Filtering
	AccountID     *string                     // filter by account ID
	EventType     *entities.SecurityEventType // filter by event type
	Action        *entities.SecurityAction    // filter by specific action
	Actions       []entities.SecurityAction   // filter by multiple actions
	Success       *bool                       // filter by success status
	IPAddress     *string                     // filter by IP address
	CreatedAfter  *time.Time                  // filter by creation date
	CreatedBefore *time.Time                  // filter by creation date

	// Special filters
	FailedOnly         bool // only return failed events
	AccountActionsOnly bool // only return account-attributed events (exclude system)

	// Sorting
	SortBy    string // field to sort by (created_at, action, event_type, success)
	SortOrder string // asc or desc
}
