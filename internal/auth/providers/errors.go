package providers

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
)

// ProviderError wraps an upstream failure from a provider's HTTP surface.
// Retryable marks transport timeouts and 5xx/429 responses, where the caller
// may reasonably re-attempt the flow.
type ProviderError struct {
	Provider   entities.Provider
	Call       string // "exchange_code", "fetch_user_info", "refresh_token"
	StatusCode int    // 0 for transport-level failures
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s %s failed with status %d: %v", e.Provider, e.Call, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s %s failed: %v", e.Provider, e.Call, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// wrapProviderErr classifies err into a ProviderError for the given call.
func wrapProviderErr(provider entities.Provider, call string, statusCode int, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Call:       call,
		StatusCode: statusCode,
		Retryable:  isRetryable(statusCode, err),
		Err:        err,
	}
}

func isRetryable(statusCode int, err error) bool {
	if statusCode == 429 || statusCode >= 500 {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
