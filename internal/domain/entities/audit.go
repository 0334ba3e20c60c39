package entities

import (
	"encoding/json"
	"time"
)

// SecurityEvent represents an append-only security audit log entry.
// The core never mutates or deletes entries; retention is an external
// policy concern.
type SecurityEvent struct {
	ID        string            `json:"id" db:"id"`
	EventType SecurityEventType `json:"event_type" db:"event_type"`
	Action    SecurityAction    `json:"action" db:"action"`
	AccountID *string           `json:"account_id,omitempty" db:"account_id"` // null for system events
	Details   map[string]any    `json:"details,omitempty" db:"details"`       // stored as JSON in DB
	IPAddress *string           `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent *string           `json:"user_agent,omitempty" db:"user_agent"`
	Success   bool              `json:"success" db:"success"`
	ErrorMsg  *string           `json:"error_message,omitempty" db:"error_message"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// SecurityEventType is the coarse classification of a security event
type SecurityEventType string

const (
	EventAuthentication     SecurityEventType = "AUTHENTICATION"
	EventAccountChange      SecurityEventType = "ACCOUNT_CHANGE"
	EventAccessControl      SecurityEventType = "ACCESS_CONTROL"
	EventSuspiciousActivity SecurityEventType = "SUSPICIOUS_ACTIVITY"
)

// SecurityAction names the specific action being audited
type SecurityAction string

const (
	// Authentication actions
	ActionFlowStarted   SecurityAction = "auth.flow_started"
	ActionLogin         SecurityAction = "auth.login"
	ActionLoginFailed   SecurityAction = "auth.login_failed"
	ActionStateRejected SecurityAction = "auth.state_rejected"
	ActionStateReplayed SecurityAction = "auth.state_replayed"

	// Account change actions
	ActionAccountCreated   SecurityAction = "account.created"
	ActionIdentityLinked   SecurityAction = "account.identity_linked"
	ActionIdentityUnlinked SecurityAction = "account.identity_unlinked"
	ActionLinkConflict     SecurityAction = "account.link_conflict"
	ActionUnlinkRejected   SecurityAction = "account.unlink_rejected"

	// Token lifecycle actions
	ActionTokenRefreshed        SecurityAction = "token.auto_refreshed"
	ActionTokenRefreshFailed    SecurityAction = "token.refresh_failed"
	ActionTokenExpiredNoRefresh SecurityAction = "token.expired_no_refresh"

	// System actions
	ActionSweepCompleted SecurityAction = "system.token_sweep_completed"
)

// RequestMeta carries per-request attribution for audit entries
type RequestMeta struct {
	IPAddress *string
	UserAgent *string
}

// NewSecurityEvent creates a new security event
func NewSecurityEvent(accountID *string, eventType SecurityEventType, action SecurityAction) *SecurityEvent {
	return &SecurityEvent{
		AccountID: accountID,
		EventType: eventType,
		Action:    action,
		Success:   true,
		CreatedAt: time.Now(),
		Details:   make(map[string]any),
	}
}

// WithIPAddress sets the IP address
func (e *SecurityEvent) WithIPAddress(ip string) *SecurityEvent {
	e.IPAddress = &ip
	return e
}

// WithUserAgent sets the user agent
func (e *SecurityEvent) WithUserAgent(userAgent string) *SecurityEvent {
	e.UserAgent = &userAgent
	return e
}

// WithRequestMeta applies request attribution when present
func (e *SecurityEvent) WithRequestMeta(meta RequestMeta) *SecurityEvent {
	if meta.IPAddress != nil {
		e.IPAddress = meta.IPAddress
	}
	if meta.UserAgent != nil {
		e.UserAgent = meta.UserAgent
	}
	return e
}

// WithError marks the event as failed with an error message
func (e *SecurityEvent) WithError(err error) *SecurityEvent {
	e.Success = false
	msg := err.Error()
	e.ErrorMsg = &msg
	return e
}

// WithDetail adds one detail to the event
func (e *SecurityEvent) WithDetail(key string, value any) *SecurityEvent {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithAllDetails sets all details at once
func (e *SecurityEvent) WithAllDetails(details map[string]any) *SecurityEvent {
	e.Details = details
	return e
}

// MarshalDetailsToJSON converts the details map to a JSON string for database storage
func (e *SecurityEvent) MarshalDetailsToJSON() (string, error) {
	if e.Details == nil {
		return "{}", nil
	}
	data, err := json.Marshal(e.Details)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalDetailsFromJSON converts a JSON string from the database to the details map
func (e *SecurityEvent) UnmarshalDetailsFromJSON(data string) error {
	if data == "" || data == "{}" {
		e.Details = make(map[string]any)
		return nil
	}
	return json.Unmarshal([]byte(data), &e.Details)
}

// IsAuthentication returns true for authentication-classified events
func (e *SecurityEvent) IsAuthentication() bool {
	return e.EventType == EventAuthentication
}

// IsSuspicious returns true for suspicious-activity events
func (e *SecurityEvent) IsSuspicious() bool {
	return e.EventType == EventSuspiciousActivity
}

// IsAccountAction returns true if the event is attributed to an account (not system)
func (e *SecurityEvent) IsAccountAction() bool {
	return e.AccountID != nil
}
