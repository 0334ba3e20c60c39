package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Database/Repository Metrics
var (
	// DBOperations tracks total database operations
	DBOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_db_operations_total",
			Help: "Total database operations by repository, operation, and status",
		},
		[]string{"repo", "operation", "status"},
	)

	// DBDuration tracks database operation latency
	DBDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:                            "authcore_db_operation_duration_ms",
			Help:                            "Database operation duration in milliseconds",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
		[]string{"repo", "operation"},
	)

	// DBRowsAffected tracks rows affected by write operations
	DBRowsAffected = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:                            "authcore_db_rows_affected",
			Help:                            "Number of rows affected by database write operations",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
		[]string{"repo", "operation"},
	)

	// DBErrors tracks database errors by type
	DBErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_db_errors_total",
			Help: "Total database errors by repository, operation, and error type",
		},
		[]string{"repo", "operation", "error_type"},
	)
)

// Identity Flow Metrics
var (
	// CallbackResolutions tracks OAuth callback resolutions by provider and outcome
	// (existing_login, new_account, linked_to_existing, conflict, error)
	CallbackResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_callback_resolutions_total",
			Help: "Total OAuth callback resolutions by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// UnlinkAttempts tracks provider unlink attempts
	UnlinkAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_unlink_attempts_total",
			Help: "Total provider unlink attempts by provider and status",
		},
		[]string{"provider", "status"},
	)

	// TokenRefreshes tracks background token refresh results
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_token_refreshes_total",
			Help: "Total background token refresh attempts by provider and result",
		},
		[]string{"provider", "result"},
	)

	// SweepDuration tracks the token lifecycle sweep latency
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:                            "authcore_token_sweep_duration_ms",
			Help:                            "Token lifecycle sweep duration in milliseconds",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
	)

	// AuditDropped counts audit events that could not be persisted.
	// The identity flow never fails on audit errors, so this counter is the
	// only remaining signal when the sink is down.
	AuditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authcore_audit_events_dropped_total",
			Help: "Total audit events dropped because the audit sink failed",
		},
	)

	// ProviderCalls tracks upstream provider HTTP calls
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_provider_calls_total",
			Help: "Total upstream provider calls by provider, call type, and status",
		},
		[]string{"provider", "call", "status"},
	)

	// CryptoOperations tracks envelope encrypt/decrypt results by scheme
	CryptoOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_crypto_operations_total",
			Help: "Total envelope operations by operation, scheme, and status",
		},
		[]string{"operation", "scheme", "status"},
	)
)
