package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/repositories"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/metrics"
)

// UnlinkReport collects per-provider results of a bulk unlink
type UnlinkReport struct {
	Succeeded []entities.Provider
	Failed    []entities.Provider
	Errors    map[entities.Provider]error
}

// UnlinkProvider removes one linked identity from an account. It does not
// enforce the last-auth-method invariant; a single unlink of a known
// redundant identity stays cheap, and BulkUnlink owns the safety gate.
func (s *IdentityLinker) UnlinkProvider(ctx context.Context, accountID string, provider entities.Provider, meta entities.RequestMeta) error {
	err := s.unlinkOne(ctx, accountID, provider)

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.UnlinkAttempts.WithLabelValues(provider.String(), status).Inc()

	event := entities.NewSecurityEvent(&accountID, entities.EventAccountChange, entities.ActionIdentityUnlinked).
		WithRequestMeta(meta).
		WithDetail("provider", provider.String())
	if err != nil {
		event = event.WithError(err)
	}
	s.audit.Record(ctx, event)

	return err
}

func (s *IdentityLinker) unlinkOne(ctx context.Context, accountID string, provider entities.Provider) error {
	link, err := s.identityRepo.GetByAccountAndProvider(ctx, accountID, provider)
	if err != nil {
		if errors.Is(err, repositories.ErrIdentityNotFound) {
			return &NotLinkedError{AccountID: accountID, Provider: provider}
		}
		return &PersistenceError{Op: "find identity for account", Err: err}
	}

	if err := s.identityRepo.Delete(ctx, link.ID); err != nil {
		return &PersistenceError{Op: "delete linked identity", Err: err}
	}

	s.logger.Info("unlinked provider identity",
		slog.String("account_id", accountID),
		slog.String("identity", link.ProviderKey()))
	return nil
}

// BulkUnlink removes several linked identities from an account at once.
//
// The whole batch is rejected up front with WouldRemoveAllAuthMethodsError
// if completing it would leave the account with neither a password nor a
// linked identity; nothing is unlinked in that case. Once the gate passes,
// each provider is unlinked independently and a failure on one does not
// abort the others.
func (s *IdentityLinker) BulkUnlink(ctx context.Context, accountID string, providers []entities.Provider, meta entities.RequestMeta) (*UnlinkReport, error) {
	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		return nil, &PersistenceError{Op: "load account", Err: err}
	}

	linked, err := s.identityRepo.ListByAccountID(ctx, accountID)
	if err != nil {
		return nil, &PersistenceError{Op: "list linked identities", Err: err}
	}
	linkedByProvider := make(map[entities.Provider]bool, len(linked))
	for _, link := range linked {
		linkedByProvider[link.Provider] = true
	}

	// Dedupe the request; asking for the same provider twice must not count
	// twice against the remaining-methods arithmetic.
	requested := make([]entities.Provider, 0, len(providers))
	seen := make(map[entities.Provider]bool, len(providers))
	removable := 0
	for _, provider := range providers {
		if seen[provider] {
			continue
		}
		seen[provider] = true
		requested = append(requested, provider)
		if linkedByProvider[provider] {
			removable++
		}
	}

	if account.AuthMethodCount(len(linked))-removable == 0 {
		rejection := &WouldRemoveAllAuthMethodsError{AccountID: accountID}
		s.audit.Record(ctx, entities.NewSecurityEvent(&accountID, entities.EventAccessControl, entities.ActionUnlinkRejected).
			WithRequestMeta(meta).
			WithDetail("requested", providerNames(requested)).
			WithDetail("linked_count", len(linked)).
			WithDetail("has_password", account.HasPassword()).
			WithError(rejection))
		return nil, rejection
	}

	report := &UnlinkReport{Errors: make(map[entities.Provider]error)}
	for _, provider := range requested {
		if err := s.UnlinkProvider(ctx, accountID, provider, meta); err != nil {
			report.Failed = append(report.Failed, provider)
			report.Errors[provider] = err
			continue
		}
		report.Succeeded = append(report.Succeeded, provider)
	}
	return report, nil
}

func providerNames(providers []entities.Provider) []string {
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.String()
	}
	return names
}
