package config

import (
	"fmt"
	"time"
)

// Config represents the application configuration
type Config struct {
	Database    DatabaseConfig  `yaml:"database"`
	Auth        AuthConfig      `yaml:"auth"`
	Lifecycle   LifecycleConfig `yaml:"lifecycle"`
	Ops         OpsConfig       `yaml:"ops"`
	Environment string          `yaml:"environment" default:"local"` // local, dev, prod
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific configuration
type PostgresConfig struct {
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"5432"`
	Database string `yaml:"database" default:"learningplanner"`
	User     string `yaml:"user" default:"postgres"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode" default:"disable"` // disable, require, verify-ca, verify-full
}

// AuthConfig holds the credential-security configuration
type AuthConfig struct {
	// EncryptionKey is the AES-256 key used to encrypt provider tokens at
	// rest (32 bytes, base64). Provisioned at process start; rotation policy
	// is managed outside this process.
	EncryptionKey string `yaml:"encryption_key"`

	// LegacyEncryptionKey is the passphrase of the pre-rotation envelope
	// format. Read-only compatibility: decrypt old envelopes, never write
	// new ones. Leave empty once the re-encryption migration has finished.
	LegacyEncryptionKey string `yaml:"legacy_encryption_key,omitempty"`

	// StateSigningKey keys the HMAC used for account-binding hashes inside
	// state tokens.
	StateSigningKey string `yaml:"state_signing_key"`

	// StateMaxAge bounds how long an authorization state token stays valid.
	StateMaxAge time.Duration `yaml:"state_max_age" default:"10m"`

	// StateSingleUse enables the in-process replay guard so a state token
	// is rejected on second use even inside the age window.
	StateSingleUse bool `yaml:"state_single_use"`

	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig holds OAuth provider configuration
type ProviderConfig struct {
	Name         string   `yaml:"name"`                    // "google", "apple", "instagram"
	ClientID     string   `yaml:"client_id"`               // OAuth client ID (required)
	ClientSecret string   `yaml:"client_secret,omitempty"` // OAuth client secret (not used by apple)
	RedirectURI  string   `yaml:"redirect_uri"`            // registered callback URL
	Scopes       []string `yaml:"scopes,omitempty"`        // OAuth scopes

	// Apple sign-in mints its client secret as an ES256 JWT instead of
	// using a static secret.
	AppleTeamID     string `yaml:"apple_team_id,omitempty"`
	AppleKeyID      string `yaml:"apple_key_id,omitempty"`
	ApplePrivateKey string `yaml:"apple_private_key,omitempty"` // PEM, PKCS#8
}

// LifecycleConfig holds the token lifecycle manager configuration
type LifecycleConfig struct {
	SweepInterval    time.Duration `yaml:"sweep_interval" default:"15m"`
	RefreshThreshold time.Duration `yaml:"refresh_threshold" default:"5m"`
	BatchSize        int           `yaml:"batch_size" default:"100"`
	MaxConcurrent    int           `yaml:"max_concurrent" default:"4"`
}

// OpsConfig holds the operational HTTP endpoint configuration
type OpsConfig struct {
	Port int `yaml:"port" default:"6060"` // /health, /readiness, /metrics
}

// ConnectionString returns the PostgreSQL connection string
func (p *PostgresConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}
