package repositories

import (
	"context"
	"time"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
)

// AccountRepository defines the interface for local account data access
type AccountRepository interface {
	// Create a new account
	Create(ctx context.Context, account *entities.Account) error

	// GetByID retrieves an account by its ID
	GetByID(ctx context.Context, id string) (*entities.Account, error)

	// GetByEmail retrieves an account by its email address
	GetByEmail(ctx context.Context, email string) (*entities.Account, error)

	// Update an existing account
	Update(ctx context.Context, account *entities.Account) error

	// UpdateLastLogin updates the account's last login timestamp
	UpdateLastLogin(ctx context.Context, accountID string, loginTime time.Time) error

	// ExistsByEmail checks if an account exists by email
	ExistsByEmail(ctx context.Context, email string) (bool, error)
}
