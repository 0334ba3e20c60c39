package repositories

import (
	"context"
	"time"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
)

// IdentityRepository defines the interface for linked identity data access.
// Supports multi-provider authentication where accounts can link multiple
// providers (Google, Apple, Instagram) to a single local account.
type IdentityRepository interface {
	// Create creates a new linked identity. Returns ErrDuplicateIdentity
	// if the (provider, provider_user_id) unique index is violated.
	Create(ctx context.Context, identity *entities.LinkedIdentity) error

	// GetByProviderAndExternalID retrieves an identity by provider and
	// provider user ID. This is the primary lookup during login to find
	// existing identities.
	GetByProviderAndExternalID(ctx context.Context, provider entities.Provider, providerUserID string) (*entities.LinkedIdentity, error)

	// GetByAccountAndProvider retrieves the identity an account has linked
	// for one provider, if any
	GetByAccountAndProvider(ctx context.Context, accountID string, provider entities.Provider) (*entities.LinkedIdentity, error)

	// ListByAccountID retrieves all identities linked to an account.
	// Used to show the account which providers it has linked.
	ListByAccountID(ctx context.Context, accountID string) ([]*entities.LinkedIdentity, error)

	// CountByAccountID counts how many identities an account has linked.
	// Used by the bulk-unlink precondition to protect the last auth method.
	CountByAccountID(ctx context.Context, accountID string) (int, error)

	// UpdateTokens overwrites the stored token envelopes and expiry for an
	// identity. Last write wins; login never depends on token freshness.
	UpdateTokens(ctx context.Context, identityID string, encryptedAccessToken string, encryptedRefreshToken *string, expiresAt *time.Time) error

	// UpdateProfile refreshes the provider-sourced email/display name
	UpdateProfile(ctx context.Context, identity *entities.LinkedIdentity) error

	// Delete removes an identity link
	Delete(ctx context.Context, identityID string) error

	// ListTokenExpiringBefore lists identities whose access token expires
	// at or before the cutoff, oldest expiry first. Identities without an
	// expiry are never returned.
	ListTokenExpiringBefore(ctx context.Context, cutoff time.Time, limit int) ([]*entities.LinkedIdentity, error)
}
