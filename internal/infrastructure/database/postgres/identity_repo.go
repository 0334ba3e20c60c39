package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/repositories"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/idgen"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/metrics"
)

// IdentityRepository implements the IdentityRepository interface for PostgreSQL
type IdentityRepository struct {
	db  *sqlx.DB
	log *slog.Logger
}

var _ repositories.IdentityRepository = (*IdentityRepository)(nil)

// NewIdentityRepository creates a new PostgreSQL identity repository
func NewIdentityRepository(db *sqlx.DB) *IdentityRepository {
	return &IdentityRepository{
		db:  db,
		log: slog.Default().With(slog.String("repo", "identity")),
	}
}

// identityRow represents a linked identity as stored in the database
type identityRow struct {
	ID                    string         `db:"id"`
	AccountID             string         `db:"account_id"`
	Provider              string         `db:"provider"`
	ProviderUserID        string         `db:"provider_user_id"`
	ProviderEmail         sql.NullString `db:"provider_email"`
	ProviderDisplayName   sql.NullString `db:"provider_display_name"`
	EncryptedAccessToken  string         `db:"encrypted_access_token"`
	EncryptedRefreshToken sql.NullString `db:"encrypted_refresh_token"`
	TokenExpiresAt        sql.NullTime   `db:"token_expires_at"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

// toEntity converts an identityRow to a domain entity
func (r *identityRow) toEntity() *entities.LinkedIdentity {
	identity := &entities.LinkedIdentity{
		ID:                   r.ID,
		AccountID:            r.AccountID,
		Provider:             entities.Provider(r.Provider),
		ProviderUserID:       r.ProviderUserID,
		EncryptedAccessToken: r.EncryptedAccessToken,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
	if r.ProviderEmail.Valid {
		identity.ProviderEmail = &r.ProviderEmail.String
	}
	if r.ProviderDisplayName.Valid {
		identity.ProviderDisplayName = &r.ProviderDisplayName.String
	}
	if r.EncryptedRefreshToken.Valid {
		identity.EncryptedRefreshToken = &r.EncryptedRefreshToken.String
	}
	if r.TokenExpiresAt.Valid {
		identity.TokenExpiresAt = &r.TokenExpiresAt.Time
	}
	return identity
}

// fromEntity converts a domain entity to an identityRow
func identityRowFromEntity(identity *entities.LinkedIdentity) *identityRow {
	row := &identityRow{
		ID:                   identity.ID,
		AccountID:            identity.AccountID,
		Provider:             string(identity.Provider),
		ProviderUserID:       identity.ProviderUserID,
		EncryptedAccessToken: identity.EncryptedAccessToken,
		CreatedAt:            identity.CreatedAt,
		UpdatedAt:            identity.UpdatedAt,
	}
	if identity.ProviderEmail != nil {
		row.ProviderEmail = sql.NullString{String: *identity.ProviderEmail, Valid: true}
	}
	if identity.ProviderDisplayName != nil {
		row.ProviderDisplayName = sql.NullString{String: *identity.ProviderDisplayName, Valid: true}
	}
	if identity.EncryptedRefreshToken != nil {
		row.EncryptedRefreshToken = sql.NullString{String: *identity.EncryptedRefreshToken, Valid: true}
	}
	if identity.TokenExpiresAt != nil {
		row.TokenExpiresAt = sql.NullTime{Time: *identity.TokenExpiresAt, Valid: true}
	}
	return row
}

// Create creates a new linked identity. A violation of the
// (provider, provider_user_id) unique index maps to ErrDuplicateIdentity so
// the callback flow can resolve the concurrent-login race.
func (r *IdentityRepository) Create(ctx context.Context, identity *entities.LinkedIdentity) error {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation("identity", "create", time.Since(start), 1, err)
	}()

	if identity.ID == "" {
		identity.ID = idgen.GenerateID()
	}
	now := time.Now()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	identity.UpdatedAt = now

	r.log.Debug("creating linked identity",
		slog.String("id", identity.ID),
		slog.String("account_id", identity.AccountID),
		slog.String("identity", identity.ProviderKey()))

	row := identityRowFromEntity(identity)

	query := `INSERT INTO linked_identities (
			id, account_id, provider, provider_user_id,
			provider_email, provider_display_name,
			encrypted_access_token, encrypted_refresh_token, token_expires_at,
			created_at, updated_at
		) VALUES (
			:id, :account_id, :provider, :provider_user_id,
			:provider_email, :provider_display_name,
			:encrypted_access_token, :encrypted_refresh_token, :token_expires_at,
			:created_at, :updated_at
		)`

	_, err = r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		if isUniqueViolation(err, "linked_identities_provider_user_key") ||
			isUniqueViolation(err, "linked_identities_account_provider_key") {
			err = repositories.ErrDuplicateIdentity
			return err
		}
		return fmt.Errorf("failed to create linked identity: %w", err)
	}

	return nil
}

// GetByProviderAndExternalID retrieves an identity by provider and provider user ID
func (r *IdentityRepository) GetByProviderAndExternalID(ctx context.Context, provider entities.Provider, providerUserID string) (*entities.LinkedIdentity, error) {
	start := time.Now()
	var err error
	var rowCount int64
	defer func() {
		metrics.RecordDBOperation("identity", "get_by_provider", time.Since(start), rowCount, err)
	}()

	var row identityRow
	query := `
		SELECT id, account_id, provider, provider_user_id,
		       provider_email, provider_display_name,
		       encrypted_access_token, encrypted_refresh_token, token_expires_at,
		       created_at, updated_at
		FROM linked_identities
		WHERE provider = $1 AND provider_user_id = $2`

	err = r.db.GetContext(ctx, &row, query, string(provider), providerUserID)
	if err != nil {
		if err == sql.ErrNoRows {
			err = repositories.ErrIdentityNotFound
			return nil, err
		}
		return nil, fmt.Errorf("failed to get identity by provider: %w", err)
	}

	rowCount = 1
	return row.toEntity(), nil
}

// GetByAccountAndProvider retrieves the identity an account has linked for one provider
func (r *IdentityRepository) GetByAccountAndProvider(ctx context.Context, accountID string, provider entities.Provider) (*entities.LinkedIdentity, error) {
	start := time.Now()
	var err error
	var rowCount int64
	defer func() {
		metrics.RecordDBOperation("identity", "get_by_account_provider", time.Since(start), rowCount, err)
	}()

	var row identityRow
	query := `
		SELECT id, account_id, provider, provider_user_id,
		       provider_email, provider_display_name,
		       encrypted_access_token, encrypted_refresh_token, token_expires_at,
		       created_at, updated_at
		FROM linked_identities
		WHERE account_id = $1 AND provider = $2`

	err = r.db.GetContext(ctx, &row, query, accountID, string(provider))
	if err != nil {
		if err == sql.ErrNoRows {
			err = repositories.ErrIdentityNotFound
			return nil, err
		}
		return nil, fmt.Errorf("failed to get identity by account and provider: %w", err)
	}

	rowCount = 1
	return row.toEntity(), nil
}

// ListByAccountID retrieves all identities linked to an account
func (r *IdentityRepository) ListByAccountID(ctx context.Context, accountID string) ([]*entities.LinkedIdentity, error) {
	start := time.Now()
	var err error
	var rowCount int64
	defer func() {
		metrics.RecordDBOperation("identity", "list_by_account", time.Since(start), rowCount, err)
	}()

	var rows []identityRow
	query := `
		SELECT id, account_id, provider, provider_user_id,
		       provider_email, provider_display_name,
		       encrypted_access_token, encrypted_refresh_token, token_expires_at,
		       created_at, updated_at
		FROM linked_identities
		WHERE account_id = $1
		ORDER BY created_at ASC`

	err = r.db.SelectContext(ctx, &rows, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities by account: %w", err)
	}

	identities := make([]*entities.LinkedIdentity, len(rows))
	for i, row := range rows {
		identities[i] = row.toEntity()
	}

	rowCount = int64(len(rows))
	return identities, nil
}

// CountByAccountID counts how many identities an account has linked
func (r *IdentityRepository) CountByAccountID(ctx context.Context, accountID string) (int, error) {
	start := time.Now()
	var err error
	var rowCount int64
	defer func() {
		metrics.RecordDBOperation("identity", "count_by_account", time.Since(start), rowCount, err)
	}()

	var count int
	query := `SELECT COUNT(*) FROM linked_identities WHERE account_id = $1`
	err = r.db.GetContext(ctx, &count, query, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to count identities by account: %w", err)
	}

	rowCount = int64(count)
	return count, nil
}

// UpdateTokens overwrites the stored token envelopes and expiry for an identity
func (r *IdentityRepository) UpdateTokens(ctx context.Context, identityID string, encryptedAccessToken string, encryptedRefreshToken *string, expiresAt *time.Time) error {
	start := time.Now()
	var err error
	var rowsAffected int64
	defer func() {
		metrics.RecordDBOperation("identity", "update_tokens", time.Since(start), rowsAffected, err)
	}()

	refresh := sql.NullString{}
	if encryptedRefreshToken != nil {
		refresh = sql.NullString{String: *encryptedRefreshToken, Valid: true}
	}
	expiry := sql.NullTime{}
	if expiresAt != nil {
		expiry = sql.NullTime{Time: *expiresAt, Valid: true}
	}

	query := `UPDATE linked_identities SET
			encrypted_access_token = $1,
			encrypted_refresh_token = $2,
			token_expires_at = $3,
			updated_at = $4
		WHERE id = $5`

	result, err := r.db.ExecContext(ctx, query, encryptedAccessToken, refresh, expiry, time.Now(), identityID)
	if err != nil {
		return fmt.Errorf("failed to update identity tokens: %w", err)
	}

	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		err = repositories.ErrIdentityNotFound
		return err
	}

	return nil
}

// UpdateProfile refreshes the provider-sourced email and display name
func (r *IdentityRepository) UpdateProfile(ctx context.Context, identity *entities.LinkedIdentity) error {
	start := time.Now()
	var err error
	var rowsAffected int64
	defer func() {
		metrics.RecordDBOperation("identity", "update_profile", time.Since(start), rowsAffected, err)
	}()

	row := identityRowFromEntity(identity)
	row.UpdatedAt = time.Now()

	query := `UPDATE linked_identities SET
			provider_email = :provider_email,
			provider_display_name = :provider_display_name,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("failed to update identity profile: %w", err)
	}

	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		err = repositories.ErrIdentityNotFound
		return err
	}

	return nil
}

// Delete removes an identity link
func (r *IdentityRepository) Delete(ctx context.Context, identityID string) error {
	start := time.Now()
	var err error
	var rowsAffected int64
	defer func() {
		metrics.RecordDBOperation("identity", "delete", time.Since(start), rowsAffected, err)
	}()

	query := `DELETE FROM linked_identities WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, identityID)
	if err != nil {
		return fmt.Errorf("failed to delete linked identity: %w", err)
	}

	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		err = repositories.ErrIdentityNotFound
		return err
	}

	return nil
}

// ListTokenExpiringBefore lists identities whose access token expires at or
// before the cutoff, oldest expiry first
func (r *IdentityRepository) ListTokenExpiringBefore(ctx context.Context, cutoff time.Time, limit int) ([]*entities.LinkedIdentity, error) {
	start := time.Now()
	var err error
	var rowCount int64
	defer func() {
		metrics.RecordDBOperation("identity", "list_expiring", time.Since(start), rowCount, err)
	}()

	if limit <= 0 {
		limit = 100
	}

	var rows []identityRow
	query := `
		SELECT id, account_id, provider, provider_user_id,
		       provider_email, provider_display_name,
		       encrypted_access_token, encrypted_refresh_token, token_expires_at,
		       created_at, updated_at
		FROM linked_identities
		WHERE token_expires_at IS NOT NULL AND token_expires_at <= $1
		ORDER BY token_expires_at ASC
		LIMIT $2`

	err = r.db.SelectContext(ctx, &rows, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring identities: %w", err)
	}

	identities := make([]*entities.LinkedIdentity, len(rows))
	for i, row := range rows {
		identities[i] = row.toEntity()
	}

	rowCount = int64(len(rows))
	return identities, nil
}
