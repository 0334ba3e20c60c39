package repositories

import "errors"

// Domain-specific repository errors
var (
	// ErrAccountNotFound is returned when an account cannot be found
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountInactive is returned when an account exists but is inactive/disabled
	ErrAccountInactive = errors.New("account is inactive")

	// ErrIdentityNotFound is returned when a linked identity cannot be found
	ErrIdentityNotFound = errors.New("linked identity not found")

	// ErrDuplicateIdentity is returned when an insert would violate the
	// (provider, provider_user_id) unique index. Implementations MUST map
	// their driver's unique-violation error to this sentinel so the
	// callback flow can degrade a concurrent duplicate login to the
	// existing-login path instead of failing.
	ErrDuplicateIdentity = errors.New("identity already linked")

	// ErrDuplicateEmail is returned when an account insert would violate
	// the unique email index
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrAuditLogNotFound is returned when an audit entry cannot be found
	ErrAuditLogNotFound = errors.New("audit log not found")
)
