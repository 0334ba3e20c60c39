package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/auth/cryptobox"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/repositories"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/metrics"
)

// ProviderClient is the port to the upstream provider HTTP layer
type ProviderClient interface {
	// ExchangeCode trades an authorization code (plus PKCE verifier) for tokens
	ExchangeCode(ctx context.Context, provider entities.Provider, code, verifier string) (*entities.OAuthTokenPair, error)

	// FetchUserInfo resolves the verified identity behind a token pair
	FetchUserInfo(ctx context.Context, provider entities.Provider, tokens *entities.OAuthTokenPair) (*entities.ProviderIdentity, error)

	// RefreshToken trades a refresh token for a fresh token pair
	RefreshToken(ctx context.Context, provider entities.Provider, refreshToken string) (*entities.OAuthTokenPair, error)
}

// Lifecycle defaults, overridable through LifecycleOptions
const (
	DefaultRefreshThreshold = 5 * time.Minute
	DefaultSweepInterval    = 15 * time.Minute
	DefaultSweepBatchSize   = 100
	DefaultSweepConcurrency = 4
)

// NeedsRefresh reports whether a token expiring at expiresAt should be
// refreshed now. Nil-safe: a token without an expiry never needs a refresh.
func NeedsRefresh(expiresAt *time.Time, now time.Time, threshold time.Duration) bool {
	if expiresAt == nil {
		return false
	}
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}
	return !expiresAt.After(now.Add(threshold))
}

// LifecycleOptions tunes the background sweep
type LifecycleOptions struct {
	RefreshThreshold time.Duration
	SweepInterval    time.Duration
	BatchSize        int
	MaxConcurrent    int
}

func (o LifecycleOptions) withDefaults() LifecycleOptions {
	if o.RefreshThreshold <= 0 {
		o.RefreshThreshold = DefaultRefreshThreshold
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultSweepBatchSize
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultSweepConcurrency
	}
	return o
}

// TokenLifecycleManager keeps stored provider tokens usable: on a recurring
// schedule it refreshes tokens nearing expiry and upgrades envelopes still in
// the legacy encryption format. Identities are processed independently; one
// failure never aborts the sweep, and a failed refresh leaves the stale token
// in place for a later sweep or interactive login to replace.
type TokenLifecycleManager struct {
	identityRepo repositories.IdentityRepository
	providers    ProviderClient
	box          *cryptobox.Box
	audit        *AuditTrail
	logger       *slog.Logger
	opts         LifecycleOptions
	now          func() time.Time
}

// NewTokenLifecycleManager creates a new token lifecycle manager
func NewTokenLifecycleManager(
	identityRepo repositories.IdentityRepository,
	providers ProviderClient,
	box *cryptobox.Box,
	audit *AuditTrail,
	logger *slog.Logger,
	opts LifecycleOptions,
) *TokenLifecycleManager {
	return &TokenLifecycleManager{
		identityRepo: identityRepo,
		providers:    providers,
		box:          box,
		audit:        audit,
		logger:       logger,
		opts:         opts.withDefaults(),
		now:          time.Now,
	}
}

// WithClock overrides the time source, for tests
func (m *TokenLifecycleManager) WithClock(now func() time.Time) *TokenLifecycleManager {
	m.now = now
	return m
}

// SweepResult summarizes one sweep cycle
type SweepResult struct {
	Scanned        int // identities whose token expires within the threshold
	Refreshed      int // tokens successfully refreshed and re-encrypted
	Failed         int // refresh attempts that failed (token left in place)
	NoRefreshToken int // expired tokens with no refresh token stored
	Upgraded       int // legacy envelopes rewritten to the current format
}

type sweepOutcome int

const (
	sweepRefreshed sweepOutcome = iota
	sweepFailed
	sweepNoRefresh
)

// Sweep processes every identity whose access token expires within the
// refresh threshold, bounded by the batch size.
func (m *TokenLifecycleManager) Sweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	now := m.now()
	cutoff := now.Add(m.opts.RefreshThreshold)
	batch, err := m.identityRepo.ListTokenExpiringBefore(ctx, cutoff, m.opts.BatchSize)
	if err != nil {
		return nil, &PersistenceError{Op: "list expiring identities", Err: err}
	}

	result := &SweepResult{Scanned: len(batch)}
	if len(batch) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxConcurrent)
	for _, link := range batch {
		link := link
		g.Go(func() error {
			outcome, upgraded := m.sweepOne(gctx, link)
			mu.Lock()
			defer mu.Unlock()
			if upgraded {
				result.Upgraded++
			}
			switch outcome {
			case sweepRefreshed:
				result.Refreshed++
			case sweepFailed:
				result.Failed++
			case sweepNoRefresh:
				result.NoRefreshToken++
			}
			return nil
		})
	}
	// Workers report per-identity outcomes, never errors.
	_ = g.Wait()

	m.audit.Record(ctx, entities.NewSecurityEvent(nil, entities.EventAuthentication, entities.ActionSweepCompleted).
		WithDetail("scanned", result.Scanned).
		WithDetail("refreshed", result.Refreshed).
		WithDetail("failed", result.Failed).
		WithDetail("no_refresh_token", result.NoRefreshToken).
		WithDetail("upgraded", result.Upgraded))

	m.logger.Info("token sweep completed",
		slog.Int("scanned", result.Scanned),
		slog.Int("refreshed", result.Refreshed),
		slog.Int("failed", result.Failed),
		slog.Int("no_refresh_token", result.NoRefreshToken),
		slog.Int("upgraded", result.Upgraded))

	return result, nil
}

// sweepOne handles a single expiring identity
func (m *TokenLifecycleManager) sweepOne(ctx context.Context, link *entities.LinkedIdentity) (sweepOutcome, bool) {
	upgraded := m.upgradeLegacyEnvelopes(ctx, link)

	if !link.HasRefreshToken() {
		m.audit.Record(ctx, entities.NewSecurityEvent(&link.AccountID, entities.EventAuthentication, entities.ActionTokenExpiredNoRefresh).
			WithDetail("provider", link.Provider.String()))
		metrics.TokenRefreshes.WithLabelValues(link.Provider.String(), "no_refresh_token").Inc()
		return sweepNoRefresh, upgraded
	}

	refreshToken, err := m.box.Decrypt(*link.EncryptedRefreshToken)
	if err != nil {
		m.auditRefreshFailure(ctx, link, "refresh_token_decrypt_failed", err)
		return sweepFailed, upgraded
	}

	pair, err := m.providers.RefreshToken(ctx, link.Provider, refreshToken)
	if err != nil {
		// Leave the stale token in place. Unlinking over a transient refresh
		// failure is a human decision, not the sweep's.
		m.auditRefreshFailure(ctx, link, "provider_refresh_failed", err)
		return sweepFailed, upgraded
	}

	access, err := m.box.Encrypt(pair.AccessToken)
	if err != nil {
		m.auditRefreshFailure(ctx, link, "token_encrypt_failed", err)
		return sweepFailed, upgraded
	}
	refresh := link.EncryptedRefreshToken
	if pair.HasRefresh() {
		sealed, err := m.box.Encrypt(pair.RefreshToken)
		if err != nil {
			m.auditRefreshFailure(ctx, link, "token_encrypt_failed", err)
			return sweepFailed, upgraded
		}
		refresh = &sealed
	}

	if err := m.identityRepo.UpdateTokens(ctx, link.ID, access, refresh, pair.ExpiresAt); err != nil {
		m.auditRefreshFailure(ctx, link, "token_store_failed", err)
		return sweepFailed, upgraded
	}

	m.audit.Record(ctx, entities.NewSecurityEvent(&link.AccountID, entities.EventAuthentication, entities.ActionTokenRefreshed).
		WithDetail("provider", link.Provider.String()).
		WithDetail("rotated_refresh_token", pair.HasRefresh()))
	metrics.TokenRefreshes.WithLabelValues(link.Provider.String(), "success").Inc()
	return sweepRefreshed, upgraded
}

// upgradeLegacyEnvelopes rewrites envelopes still in the legacy format to the
// current one, re-using the already-decrypted plaintext. Best effort: the
// refresh attempt proceeds regardless. Reports whether an upgrade was
// persisted.
func (m *TokenLifecycleManager) upgradeLegacyEnvelopes(ctx context.Context, link *entities.LinkedIdentity) bool {
	hasLegacyRefresh := link.HasRefreshToken() && cryptobox.IsLegacy(*link.EncryptedRefreshToken)
	if !cryptobox.IsLegacy(link.EncryptedAccessToken) && !hasLegacyRefresh {
		return false
	}

	access, _, err := m.box.ReencryptLegacy(link.EncryptedAccessToken)
	if err != nil {
		m.logger.Warn("failed to upgrade legacy access envelope",
			slog.String("identity", link.ProviderKey()),
			slog.String("error", err.Error()))
		return false
	}
	refresh := link.EncryptedRefreshToken
	if hasLegacyRefresh {
		sealed, _, err := m.box.ReencryptLegacy(*link.EncryptedRefreshToken)
		if err != nil {
			m.logger.Warn("failed to upgrade legacy refresh envelope",
				slog.String("identity", link.ProviderKey()),
				slog.String("error", err.Error()))
			return false
		}
		refresh = &sealed
	}

	if err := m.identityRepo.UpdateTokens(ctx, link.ID, access, refresh, link.TokenExpiresAt); err != nil {
		m.logger.Warn("failed to persist upgraded envelopes",
			slog.String("identity", link.ProviderKey()),
			slog.String("error", err.Error()))
		return false
	}
	link.EncryptedAccessToken = access
	link.EncryptedRefreshToken = refresh

	m.logger.Info("upgraded legacy token envelopes",
		slog.String("identity", link.ProviderKey()))
	return true
}

func (m *TokenLifecycleManager) auditRefreshFailure(ctx context.Context, link *entities.LinkedIdentity, reason string, cause error) {
	m.audit.Record(ctx, entities.NewSecurityEvent(&link.AccountID, entities.EventAuthentication, entities.ActionTokenRefreshFailed).
		WithDetail("provider", link.Provider.String()).
		WithDetail("reason", reason).
		WithError(cause))
	metrics.TokenRefreshes.WithLabelValues(link.Provider.String(), "error").Inc()
}

// Run executes sweeps on a fixed interval until the context is canceled
func (m *TokenLifecycleManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("token lifecycle manager started",
		slog.Duration("sweep_interval", m.opts.SweepInterval),
		slog.Duration("refresh_threshold", m.opts.RefreshThreshold))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("token lifecycle manager stopped")
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("token sweep failed",
					slog.String("error", err.Error()))
			}
		}
	}
}
