package services

import (
	"errors"
	"fmt"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
)

// ConflictKind classifies an identity collision
type ConflictKind string

const (
	// EmailConflictDifferentProviderID: the identity's email belongs to an
	// account that already links this provider under a different provider
	// user id. Relinking silently would hand the account to a different
	// upstream identity.
	EmailConflictDifferentProviderID ConflictKind = "EMAIL_CONFLICT_DIFFERENT_PROVIDER_ID"

	// IdentityClaimedByOtherAccount: the exact provider identity is already
	// linked to a different local account. Reported by pre-checks when an
	// acting account asks whether it could take the link.
	IdentityClaimedByOtherAccount ConflictKind = "IDENTITY_CLAIMED_BY_OTHER_ACCOUNT"
)

// ConflictError is terminal for one linking attempt: the identity or email
// collides with existing state and must never be silently relinked.
type ConflictError struct {
	Kind     ConflictKind
	Provider entities.Provider
	Email    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot link %s identity: %s", e.Provider, e.Kind)
}

// PersistenceError wraps a storage-layer failure. Propagated to the caller,
// never retried by the services themselves. The underlying repository
// sentinel stays reachable through Unwrap.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NotLinkedError reports an unlink of a provider the account never linked
type NotLinkedError struct {
	AccountID string
	Provider  entities.Provider
}

func (e *NotLinkedError) Error() string {
	return fmt.Sprintf("account %s has no linked %s identity", e.AccountID, e.Provider)
}

// WouldRemoveAllAuthMethodsError rejects an unlink batch that would leave
// the account with neither a password nor a linked identity.
type WouldRemoveAllAuthMethodsError struct {
	AccountID string
}

func (e *WouldRemoveAllAuthMethodsError) Error() string {
	return fmt.Sprintf("unlinking would leave account %s with no authentication method", e.AccountID)
}

// IsConflict checks if the error is a linking conflict
func IsConflict(err error) bool {
	var conflictErr *ConflictError
	return errors.As(err, &conflictErr)
}

// IsNotLinked checks if the error indicates a missing provider link
func IsNotLinked(err error) bool {
	var notLinkedErr *NotLinkedError
	return errors.As(err, &notLinkedErr)
}
