package entities

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Account represents a local account in the system.
// An account authenticates either with a password, through linked provider
// identities, or both. It must never be left with zero authentication
// methods; BulkUnlink enforces that precondition.
type Account struct {
	ID           string     `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	DisplayName  string     `json:"display_name,omitempty" db:"display_name"`
	PasswordHash *string    `json:"-" db:"password_hash"` // never serialize to JSON
	IsActive     bool       `json:"is_active" db:"is_active"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
}

// HasPassword returns true if the account has a password set
func (a *Account) HasPassword() bool {
	return a.PasswordHash != nil && *a.PasswordHash != ""
}

// VerifyPassword checks if the provided password matches the hashed password
func (a *Account) VerifyPassword(password string) bool {
	if a.PasswordHash == nil {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(*a.PasswordHash), []byte(password))
	return err == nil
}

// SetPassword hashes and stores a new password on the account
func (a *Account) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	h := string(hash)
	a.PasswordHash = &h
	return nil
}

// AuthMethodCount returns how many authentication methods the account has,
// given how many identities are currently linked to it
func (a *Account) AuthMethodCount(linkedIdentities int) int {
	count := linkedIdentities
	if a.HasPassword() {
		count++
	}
	return count
}
