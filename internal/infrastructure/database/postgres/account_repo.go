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

// AccountRepository implements the AccountRepository interface for PostgreSQL
type AccountRepository struct {
	db  *sqlx.DB
	log *slog.Logger
}

var _ repositories.AccountRepository = (*AccountRepository)(nil)

// NewAccountRepository creates a new PostgreSQL account repository
func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{
		db:  db,
		log: slog.Default().With(slog.String("repo", "account")),
	}
}

// accountRow represents an account as stored in the database
type accountRow struct {
	ID           string         `db:"id"`
	Email        string         `db:"email"`
	DisplayName  string         `db:"display_name"`
	PasswordHash sql.NullString `db:"password_hash"`
	IsActive     bool           `db:"is_active"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	LastLoginAt  sql.NullTime   `db:"last_login_at"`
}

// toEntity converts an accountRow to a domain entity
func (r *accountRow) toEntity() *entities.Account {
	account := &entities.Account{
		ID:          r.ID,
		Email:       r.Email,
		DisplayName: r.DisplayName,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.PasswordHash.Valid {
		account.PasswordHash = &r.PasswordHash.String
	}
	if r.LastLoginAt.Valid {
		account.LastLoginAt = &r.LastLoginAt.Time
	}
	return account
}

// fromEntity converts a domain entity to an accountRow
func accountRowFromEntity(account *entities.Account) *accountRow {
	row := &accountRow{
		ID:          account.ID,
		Email:       account.Email,
		DisplayName: account.DisplayName,
		IsActive:    account.IsActive,
		CreatedAt:   account.CreatedAt,
		UpdatedAt:   account.UpdatedAt,
	}
	if account.PasswordHash != nil {
		row.PasswordHash = sql.NullString{String: *account.PasswordHash, Valid: true}
	}
	if account.LastLoginAt != nil {
		row.LastLoginAt = sql.NullTime{Time: *account.LastLoginAt, Valid: true}
	}
	return row
}

// Create creates a new account
func (r *AccountRepository) Create(ctx context.Context, account *entities.Account) error {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation("account", "create", time.Since(start), 1, err)
	}()

	if account.ID == "" {
		account.ID = idgen.GenerateID()
	}
	now := time.Now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	r.log.Debug("creating account",
		slog.String("id", account.ID),
		slog.String("email", account.Email))

	row := accountRowFromEntity(account)

	query := `INSERT INTO accounts (
			id, email, display_name, password_hash, is_active,
			created_at, updated_at, last_login_at
		) VALUES (
			:id, :email, :display_name, :password_hash, :is_active,
			:created_at, :updated_at, :last_login_at
		)`

	_, err = r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		if isUniqueViolation(err, "accounts_email_key") {
			err = repositories.ErrDuplicateEmail
			return err
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetByID retrieves an account by its ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*entities.Account, error) {
	start := time.Now()
	var err error
	var rowCount int64
	defer func() {
		metrics.RecordDBOperation("account", "get_by_id", time.Since(start), rowCount, err)
	}()

	var row accountRow
	query := `
		SELECT id, email, display_name, password_hash, is_active,
		       created_at, updated_at, last_login_at
		FROM accounts
		WHERE id = $1`

	err = r.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			err = repositories.ErrAccountNotFound
			return nil, err
		}
		return nil, fmt.Errorf("failed to get account by ID: %w", err)
	}

	rowCount = 1
	return row.toEntity(), nil
}

// GetByEmail retrieves an account by its email address
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*entities.Account, error) {
	start := time.Now()
	var err error
	var rowCount int64
	defer func() {
		metrics.RecordDBOperation("account", "get_by_email", time.Since(start), rowCount, err)
	}()

	var row accountRow
	query := `
		SELECT id, email, display_name, password_hash, is_active,
		       created_at, updated_at, last_login_at
		FROM accounts
		WHERE email = $1`

	err = r.db.GetContext(ctx, &row, query, email)
	if err != nil {
		if err == sql.ErrNoRows {
			err = repositories.ErrAccountNotFound
			return nil, err
		}
		return nil, fmt.Errorf("failed to get account by email: %w", err)
	}

	rowCount = 1
	return row.toEntity(), nil
}

// Update updates an existing account
func (r *AccountRepository) Update(ctx context.Context, account *entities.Account) error {
	start := time.Now()
	var err error
	var rowsAffected int64
	defer func() {
		metrics.RecordDBOperation("account", "update", time.Since(start), rowsAffected, err)
	}()

	account.UpdatedAt = time.Now()
	row := accountRowFromEntity(account)

	query := `UPDATE accounts SET
			email = :email,
			display_name = :display_name,
			password_hash = :password_hash,
			is_active = :is_active,
			updated_at = :updated_at,
			last_login_at = :last_login_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		if isUniqueViolation(err, "accounts_email_key") {
			err = repositories.ErrDuplicateEmail
			return err
		}
		return fmt.Errorf("failed to update account: %w", err)
	}

	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		err = repositories.ErrAccountNotFound
		return err
	}

	return nil
}

// UpdateLastLogin updates the account's last login timestamp
func (r *AccountRepository) UpdateLastLogin(ctx context.Context, accountID string, loginTime time.Time) error {
	start := time.Now()
	var err error
	var rowsAffected int64
	defer func() {
		metrics.RecordDBOperation("account", "update_last_login", time.Since(start), rowsAffected, err)
	}()

	query := `UPDATE accounts SET last_login_at = $1, updated_at = $2 WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, loginTime, time.Now(), accountID)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}

	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		err = repositories.ErrAccountNotFound
		return err
	}

	return nil
}

// ExistsByEmail checks if an account exists by email
func (r *AccountRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation("account", "exists_by_email", time.Since(start), 1, err)
	}()

	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM accounts WHERE email = $1)`
	err = r.db.GetContext(ctx, &exists, query, email)
	if err != nil {
		return false, fmt.Errorf("failed to check account existence: %w", err)
	}

	return exists, nil
}
