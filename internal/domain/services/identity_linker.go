package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/auth/cryptobox"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/repositories"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/idgen"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/metrics"
)

// LinkOutcome names how a callback resolved to a local account
type LinkOutcome string

const (
	// OutcomeExistingLogin: the provider identity was already linked; this is
	// a returning user.
	OutcomeExistingLogin LinkOutcome = "EXISTING_LOGIN"

	// OutcomeNewAccount: no identity or email matched; a fresh account was
	// provisioned with this identity as its first authentication method.
	OutcomeNewAccount LinkOutcome = "NEW_ACCOUNT"

	// OutcomeLinkedToExisting: the provider email matched an existing account
	// with no identity for this provider yet; the identity was attached to it.
	OutcomeLinkedToExisting LinkOutcome = "LINKED_TO_EXISTING"
)

// Resolution is the result of resolving an OAuth callback to a local account
type Resolution struct {
	Account  *entities.Account
	Identity *entities.LinkedIdentity
	Outcome  LinkOutcome
}

// IdentityLinker decides, for every verified provider identity arriving on an
// OAuth callback, whether it belongs to an existing account, provisions a new
// one, or must be rejected as a conflict. It also owns provider unlinking and
// its last-auth-method safety gate.
type IdentityLinker struct {
	accountRepo  repositories.AccountRepository
	identityRepo repositories.IdentityRepository
	box          *cryptobox.Box
	audit        *AuditTrail
	logger       *slog.Logger
}

// NewIdentityLinker creates a new identity linker service
func NewIdentityLinker(
	accountRepo repositories.AccountRepository,
	identityRepo repositories.IdentityRepository,
	box *cryptobox.Box,
	audit *AuditTrail,
	logger *slog.Logger,
) *IdentityLinker {
	return &IdentityLinker{
		accountRepo:  accountRepo,
		identityRepo: identityRepo,
		box:          box,
		audit:        audit,
		logger:       logger,
	}
}

// ResolveCallback resolves a verified provider identity to a local account.
//
// The decision is total: every input reaches exactly one of EXISTING_LOGIN,
// NEW_ACCOUNT, LINKED_TO_EXISTING, or an error. Each resolution emits exactly
// one security event. A concurrent duplicate of the same login (two tabs
// finishing the same flow) degrades to EXISTING_LOGIN instead of failing:
// the persistence layer's unique index on (provider, provider_user_id)
// decides the winner and the loser re-reads.
func (s *IdentityLinker) ResolveCallback(
	ctx context.Context,
	identity entities.ProviderIdentity,
	tokens entities.OAuthTokenPair,
	meta entities.RequestMeta,
) (res *Resolution, err error) {
	defer func() {
		metrics.CallbackResolutions.WithLabelValues(identity.Provider.String(), resolutionLabel(res, err)).Inc()
	}()

	if !identity.Provider.Valid() {
		return nil, fmt.Errorf("unknown provider: %q", identity.Provider)
	}
	if identity.ProviderUserID == "" {
		return nil, fmt.Errorf("provider %s asserted an identity without a user id", identity.Provider)
	}

	// Returning user: the identity is already linked somewhere.
	existing, err := s.identityRepo.GetByProviderAndExternalID(ctx, identity.Provider, identity.ProviderUserID)
	if err == nil {
		return s.existingLogin(ctx, existing, identity, tokens, meta)
	}
	if !errors.Is(err, repositories.ErrIdentityNotFound) {
		s.auditLoginFailure(ctx, nil, identity, meta, "identity_lookup_failed", err)
		return nil, &PersistenceError{Op: "find linked identity", Err: err}
	}

	// First time seeing this identity. If the provider asserted an email,
	// it may belong to an account that already exists.
	if identity.HasEmail() {
		account, err := s.accountRepo.GetByEmail(ctx, identity.Email)
		if err == nil {
			return s.linkToExisting(ctx, account, identity, tokens, meta)
		}
		if !errors.Is(err, repositories.ErrAccountNotFound) {
			s.auditLoginFailure(ctx, nil, identity, meta, "account_lookup_failed", err)
			return nil, &PersistenceError{Op: "find account by email", Err: err}
		}
	}

	return s.createAccount(ctx, identity, tokens, meta)
}

// existingLogin handles the returning-user path: refresh the stored token
// envelopes and profile fields, then resolve to the owning account.
func (s *IdentityLinker) existingLogin(
	ctx context.Context,
	link *entities.LinkedIdentity,
	identity entities.ProviderIdentity,
	tokens entities.OAuthTokenPair,
	meta entities.RequestMeta,
) (*Resolution, error) {
	account, err := s.accountRepo.GetByID(ctx, link.AccountID)
	if err != nil {
		s.auditLoginFailure(ctx, nil, identity, meta, "account_lookup_failed", err)
		return nil, &PersistenceError{Op: "load account", Err: err}
	}
	if !account.IsActive {
		s.auditLoginFailure(ctx, &account.ID, identity, meta, "account_inactive", repositories.ErrAccountInactive)
		return nil, fmt.Errorf("account %s: %w", account.ID, repositories.ErrAccountInactive)
	}

	if err := s.storeTokens(ctx, link, tokens); err != nil {
		s.auditLoginFailure(ctx, &account.ID, identity, meta, "token_store_failed", err)
		return nil, err
	}
	s.refreshProfile(ctx, link, identity)

	if err := s.accountRepo.UpdateLastLogin(ctx, account.ID, time.Now()); err != nil {
		s.logger.Warn("failed to update last login",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()))
	}

	s.audit.Record(ctx, entities.NewSecurityEvent(&account.ID, entities.EventAuthentication, entities.ActionLogin).
		WithRequestMeta(meta).
		WithDetail("provider", identity.Provider.String()).
		WithDetail("outcome", string(OutcomeExistingLogin)))

	return &Resolution{Account: account, Identity: link, Outcome: OutcomeExistingLogin}, nil
}

// linkToExisting attaches a first identity for this provider to an account
// that matched by email, unless that account already links the provider
// under a different upstream identity.
func (s *IdentityLinker) linkToExisting(
	ctx context.Context,
	account *entities.Account,
	identity entities.ProviderIdentity,
	tokens entities.OAuthTokenPair,
	meta entities.RequestMeta,
) (*Resolution, error) {
	if !account.IsActive {
		s.auditLoginFailure(ctx, &account.ID, identity, meta, "account_inactive", repositories.ErrAccountInactive)
		return nil, fmt.Errorf("account %s: %w", account.ID, repositories.ErrAccountInactive)
	}

	current, err := s.identityRepo.GetByAccountAndProvider(ctx, account.ID, identity.Provider)
	if err == nil {
		if current.ProviderUserID != identity.ProviderUserID {
			// The email is claimed and the provider is already linked, but to
			// a different upstream identity. Relinking here would hand the
			// account over; refuse and make the caller sort it out.
			conflict := &ConflictError{
				Kind:     EmailConflictDifferentProviderID,
				Provider: identity.Provider,
				Email:    identity.Email,
			}
			s.audit.Record(ctx, entities.NewSecurityEvent(&account.ID, entities.EventAccountChange, entities.ActionLinkConflict).
				WithRequestMeta(meta).
				WithDetail("provider", identity.Provider.String()).
				WithDetail("kind", string(conflict.Kind)).
				WithError(conflict))
			return nil, conflict
		}
		// Same provider, same provider user id: another request linked this
		// identity between our two lookups. Returning user after all.
		return s.existingLogin(ctx, current, identity, tokens, meta)
	}
	if !errors.Is(err, repositories.ErrIdentityNotFound) {
		s.auditLoginFailure(ctx, &account.ID, identity, meta, "identity_lookup_failed", err)
		return nil, &PersistenceError{Op: "find identity for account", Err: err}
	}

	link, err := s.newLink(account.ID, identity, tokens)
	if err != nil {
		s.auditLoginFailure(ctx, &account.ID, identity, meta, "token_encrypt_failed", err)
		return nil, err
	}
	if err := s.identityRepo.Create(ctx, link); err != nil {
		if errors.Is(err, repositories.ErrDuplicateIdentity) {
			return s.resolveDuplicateRace(ctx, identity, tokens, meta)
		}
		s.auditLoginFailure(ctx, &account.ID, identity, meta, "identity_create_failed", err)
		return nil, &PersistenceError{Op: "create linked identity", Err: err}
	}

	if err := s.accountRepo.UpdateLastLogin(ctx, account.ID, time.Now()); err != nil {
		s.logger.Warn("failed to update last login",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()))
	}

	s.audit.Record(ctx, entities.NewSecurityEvent(&account.ID, entities.EventAccountChange, entities.ActionIdentityLinked).
		WithRequestMeta(meta).
		WithDetail("provider", identity.Provider.String()).
		WithDetail("outcome", string(OutcomeLinkedToExisting)))

	s.logger.Info("linked provider identity to existing account",
		slog.String("account_id", account.ID),
		slog.String("identity", identity.Key()))

	return &Resolution{Account: account, Identity: link, Outcome: OutcomeLinkedToExisting}, nil
}

// createAccount provisions a new account with this identity as its first
// authentication method.
func (s *IdentityLinker) createAccount(
	ctx context.Context,
	identity entities.ProviderIdentity,
	tokens entities.OAuthTokenPair,
	meta entities.RequestMeta,
) (*Resolution, error) {
	email := identity.Email
	if !identity.HasEmail() {
		email = identity.PlaceholderEmail()
	}

	now := time.Now()
	account := &entities.Account{
		ID:          idgen.GenerateID(),
		Email:       email,
		DisplayName: identity.DisplayName,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastLoginAt: &now,
	}

	if err := s.accountRepo.Create(ctx, account); err != nil {
		if errors.Is(err, repositories.ErrDuplicateEmail) {
			// Lost a race to create this email. Re-read the winner and link
			// to it instead.
			winner, gerr := s.accountRepo.GetByEmail(ctx, email)
			if gerr != nil {
				s.auditLoginFailure(ctx, nil, identity, meta, "account_lookup_failed", gerr)
				return nil, &PersistenceError{Op: "reread account after duplicate email", Err: gerr}
			}
			return s.linkToExisting(ctx, winner, identity, tokens, meta)
		}
		s.auditLoginFailure(ctx, nil, identity, meta, "account_create_failed", err)
		return nil, &PersistenceError{Op: "create account", Err: err}
	}

	link, err := s.newLink(account.ID, identity, tokens)
	if err != nil {
		s.auditLoginFailure(ctx, &account.ID, identity, meta, "token_encrypt_failed", err)
		return nil, err
	}
	if err := s.identityRepo.Create(ctx, link); err != nil {
		if errors.Is(err, repositories.ErrDuplicateIdentity) {
			// The same provider identity completed concurrently. The account
			// created above has no identity and no password, so nothing can
			// reach it; leave it for cleanup rather than risk deleting an
			// account another request may be using.
			s.logger.Warn("orphaned account after duplicate identity race",
				slog.String("account_id", account.ID),
				slog.String("identity", identity.Key()))
			return s.resolveDuplicateRace(ctx, identity, tokens, meta)
		}
		s.auditLoginFailure(ctx, &account.ID, identity, meta, "identity_create_failed", err)
		return nil, &PersistenceError{Op: "create linked identity", Err: err}
	}

	s.audit.Record(ctx, entities.NewSecurityEvent(&account.ID, entities.EventAccountChange, entities.ActionAccountCreated).
		WithRequestMeta(meta).
		WithDetail("provider", identity.Provider.String()).
		WithDetail("placeholder_email", !identity.HasEmail()).
		WithDetail("outcome", string(OutcomeNewAccount)))

	s.logger.Info("provisioned new account from provider identity",
		slog.String("account_id", account.ID),
		slog.String("identity", identity.Key()))

	return &Resolution{Account: account, Identity: link, Outcome: OutcomeNewAccount}, nil
}

// resolveDuplicateRace re-reads the identity after a unique-index violation
// and degrades the losing request to the existing-login path.
func (s *IdentityLinker) resolveDuplicateRace(
	ctx context.Context,
	identity entities.ProviderIdentity,
	tokens entities.OAuthTokenPair,
	meta entities.RequestMeta,
) (*Resolution, error) {
	link, err := s.identityRepo.GetByProviderAndExternalID(ctx, identity.Provider, identity.ProviderUserID)
	if err != nil {
		s.auditLoginFailure(ctx, nil, identity, meta, "identity_lookup_failed", err)
		return nil, &PersistenceError{Op: "reread identity after duplicate", Err: err}
	}
	return s.existingLogin(ctx, link, identity, tokens, meta)
}

// ConflictReport is the result of a side-effect-free linking pre-check
type ConflictReport struct {
	// Conflicts is true when committing this link would be rejected
	Conflicts bool

	// Kind classifies the conflict when Conflicts is true
	Kind ConflictKind

	// ClaimedByAccount is the account currently holding the contested email
	// or identity, when one exists
	ClaimedByAccount string

	// PredictedOutcome is what ResolveCallback would return when Conflicts
	// is false
	PredictedOutcome LinkOutcome
}

// CheckConflict applies the same detection rules as ResolveCallback without
// mutating anything, so a caller can warn before committing a link.
// actingAccountID, when set, is the account asking whether it could take the
// link; an identity already claimed by a different account then reports
// IDENTITY_CLAIMED_BY_OTHER_ACCOUNT.
func (s *IdentityLinker) CheckConflict(ctx context.Context, identity entities.ProviderIdentity, actingAccountID *string) (*ConflictReport, error) {
	existing, err := s.identityRepo.GetByProviderAndExternalID(ctx, identity.Provider, identity.ProviderUserID)
	if err == nil {
		if actingAccountID != nil && existing.AccountID != *actingAccountID {
			return &ConflictReport{
				Conflicts:        true,
				Kind:             IdentityClaimedByOtherAccount,
				ClaimedByAccount: existing.AccountID,
			}, nil
		}
		return &ConflictReport{
			PredictedOutcome: OutcomeExistingLogin,
			ClaimedByAccount: existing.AccountID,
		}, nil
	}
	if !errors.Is(err, repositories.ErrIdentityNotFound) {
		return nil, &PersistenceError{Op: "find linked identity", Err: err}
	}

	if identity.HasEmail() {
		account, err := s.accountRepo.GetByEmail(ctx, identity.Email)
		if err == nil {
			current, err := s.identityRepo.GetByAccountAndProvider(ctx, account.ID, identity.Provider)
			if err == nil {
				if current.ProviderUserID == identity.ProviderUserID {
					return &ConflictReport{
						PredictedOutcome: OutcomeExistingLogin,
						ClaimedByAccount: account.ID,
					}, nil
				}
				return &ConflictReport{
					Conflicts:        true,
					Kind:             EmailConflictDifferentProviderID,
					ClaimedByAccount: account.ID,
				}, nil
			}
			if !errors.Is(err, repositories.ErrIdentityNotFound) {
				return nil, &PersistenceError{Op: "find identity for account", Err: err}
			}
			return &ConflictReport{
				PredictedOutcome: OutcomeLinkedToExisting,
				ClaimedByAccount: account.ID,
			}, nil
		}
		if !errors.Is(err, repositories.ErrAccountNotFound) {
			return nil, &PersistenceError{Op: "find account by email", Err: err}
		}
	}

	return &ConflictReport{PredictedOutcome: OutcomeNewAccount}, nil
}

// ListLinkedIdentities returns every identity linked to an account
func (s *IdentityLinker) ListLinkedIdentities(ctx context.Context, accountID string) ([]*entities.LinkedIdentity, error) {
	identities, err := s.identityRepo.ListByAccountID(ctx, accountID)
	if err != nil {
		return nil, &PersistenceError{Op: "list linked identities", Err: err}
	}
	return identities, nil
}

// newLink builds a LinkedIdentity row with token material already sealed
func (s *IdentityLinker) newLink(accountID string, identity entities.ProviderIdentity, tokens entities.OAuthTokenPair) (*entities.LinkedIdentity, error) {
	access, refresh, err := s.encryptTokens(tokens)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	link := &entities.LinkedIdentity{
		ID:                    idgen.GenerateID(),
		AccountID:             accountID,
		Provider:              identity.Provider,
		ProviderUserID:        identity.ProviderUserID,
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		TokenExpiresAt:        tokens.ExpiresAt,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if identity.HasEmail() {
		link.ProviderEmail = &identity.Email
	}
	if identity.DisplayName != "" {
		link.ProviderDisplayName = &identity.DisplayName
	}
	return link, nil
}

// storeTokens seals and persists a fresh token pair on an existing identity.
// Last write wins.
func (s *IdentityLinker) storeTokens(ctx context.Context, link *entities.LinkedIdentity, tokens entities.OAuthTokenPair) error {
	access, refresh, err := s.encryptTokens(tokens)
	if err != nil {
		return err
	}
	if refresh == nil {
		// Providers often omit the refresh token after the first consent;
		// keep the stored envelope so the identity stays refreshable.
		refresh = link.EncryptedRefreshToken
	}

	if err := s.identityRepo.UpdateTokens(ctx, link.ID, access, refresh, tokens.ExpiresAt); err != nil {
		return &PersistenceError{Op: "update identity tokens", Err: err}
	}
	link.EncryptedAccessToken = access
	link.EncryptedRefreshToken = refresh
	link.TokenExpiresAt = tokens.ExpiresAt
	return nil
}

// encryptTokens seals both tokens of a pair. Plaintext never leaves here.
func (s *IdentityLinker) encryptTokens(tokens entities.OAuthTokenPair) (access string, refresh *string, err error) {
	access, err = s.box.Encrypt(tokens.AccessToken)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if tokens.HasRefresh() {
		sealed, err := s.box.Encrypt(tokens.RefreshToken)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		refresh = &sealed
	}
	return access, refresh, nil
}

// refreshProfile updates the cached provider email/display name when the
// provider's answer drifted from what we stored. Best effort.
func (s *IdentityLinker) refreshProfile(ctx context.Context, link *entities.LinkedIdentity, identity entities.ProviderIdentity) {
	changed := false
	if identity.HasEmail() && (link.ProviderEmail == nil || *link.ProviderEmail != identity.Email) {
		link.ProviderEmail = &identity.Email
		changed = true
	}
	if identity.DisplayName != "" && (link.ProviderDisplayName == nil || *link.ProviderDisplayName != identity.DisplayName) {
		link.ProviderDisplayName = &identity.DisplayName
		changed = true
	}
	if !changed {
		return
	}

	if err := s.identityRepo.UpdateProfile(ctx, link); err != nil {
		s.logger.Warn("failed to update identity profile",
			slog.String("identity", link.ProviderKey()),
			slog.String("error", err.Error()))
	}
}

// auditLoginFailure records the single failure event for a resolution attempt
func (s *IdentityLinker) auditLoginFailure(ctx context.Context, accountID *string, identity entities.ProviderIdentity, meta entities.RequestMeta, reason string, cause error) {
	s.audit.Record(ctx, entities.NewSecurityEvent(accountID, entities.EventAuthentication, entities.ActionLoginFailed).
		WithRequestMeta(meta).
		WithDetail("provider", identity.Provider.String()).
		WithDetail("reason", reason).
		WithError(cause))
}

// resolutionLabel maps a resolution result to its metric label
func resolutionLabel(res *Resolution, err error) string {
	switch {
	case err == nil && res != nil:
		return strings.ToLower(string(res.Outcome))
	case IsConflict(err):
		return "conflict"
	default:
		return "error"
	}
}
