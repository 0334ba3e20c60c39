package entities

import (
	"fmt"
	"time"
)

// LinkedIdentity represents a linked provider identity for an account.
// Accounts can have multiple identities (e.g., Google + Apple) linked to one
// account, but a given (provider, provider_user_id) pair belongs to at most
// one account; the persistence layer enforces that with a unique index.
type LinkedIdentity struct {
	ID                  string   `json:"id" db:"id"`
	AccountID           string   `json:"account_id" db:"account_id"`
	Provider            Provider `json:"provider" db:"provider"`
	ProviderUserID      string   `json:"provider_user_id" db:"provider_user_id"` // provider-assigned, opaque, stable
	ProviderEmail       *string  `json:"provider_email,omitempty" db:"provider_email"`
	ProviderDisplayName *string  `json:"provider_display_name,omitempty" db:"provider_display_name"`

	// Token envelopes are CryptoBox output; plaintext tokens never reach
	// the persistence layer.
	EncryptedAccessToken  string     `json:"-" db:"encrypted_access_token"`
	EncryptedRefreshToken *string    `json:"-" db:"encrypted_refresh_token"`
	TokenExpiresAt        *time.Time `json:"token_expires_at,omitempty" db:"token_expires_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ProviderKey returns a formatted provider+provider_user_id string for logging
func (i *LinkedIdentity) ProviderKey() string {
	return string(i.Provider) + ":" + i.ProviderUserID
}

// HasRefreshToken returns true if a refresh token envelope is stored
func (i *LinkedIdentity) HasRefreshToken() bool {
	return i.EncryptedRefreshToken != nil && *i.EncryptedRefreshToken != ""
}

// ProviderIdentity is the verified identity a provider asserted during an
// OAuth callback: the result of exchanging a code and querying the provider's
// user-info endpoint. Immutable once obtained.
type ProviderIdentity struct {
	Provider       Provider
	ProviderUserID string
	Email          string // optional; instagram never supplies one
	EmailVerified  bool
	DisplayName    string // optional
}

// HasEmail returns true if the provider asserted an email address
func (p ProviderIdentity) HasEmail() bool {
	return p.Email != ""
}

// PlaceholderEmail synthesizes a provider-scoped placeholder for identities
// without an email. The reserved .invalid TLD guarantees it never collides
// with a real address.
func (p ProviderIdentity) PlaceholderEmail() string {
	return fmt.Sprintf("%s-%s@accounts.invalid", p.Provider, p.ProviderUserID)
}

// Key returns a formatted provider+provider_user_id string for logging
func (p ProviderIdentity) Key() string {
	return string(p.Provider) + ":" + p.ProviderUserID
}

// OAuthTokenPair holds the tokens returned by a provider's token endpoint.
// Owned exclusively by the linking/refresh flow that produced it; once
// persisted, only the CryptoBox envelope form exists.
type OAuthTokenPair struct {
	AccessToken  string
	RefreshToken string     // optional
	ExpiresAt    *time.Time // optional

	// IDToken is the identity assertion some providers return alongside the
	// access token (apple carries the user identity here). Consumed during
	// user-info resolution, never persisted.
	IDToken string
}

// HasRefresh returns true if the provider issued a refresh token
func (t *OAuthTokenPair) HasRefresh() bool {
	return t.RefreshToken != ""
}

// ExpiresWithin returns true if the access token expires at or before
// now+threshold. A pair without an expiry never reports true.
func (t *OAuthTokenPair) ExpiresWithin(now time.Time, threshold time.Duration) bool {
	if t.ExpiresAt == nil {
		return false
	}
	return !t.ExpiresAt.After(now.Add(threshold))
}
