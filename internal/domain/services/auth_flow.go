package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/auth/pkce"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/auth/providers"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
)

// AuthFlowService orchestrates one authorization-code flow end to end:
// minting the per-attempt secrets and authorization URL, then validating the
// callback and handing the verified identity to the IdentityLinker. Every
// begin and every completion attempt lands exactly one security event.
type AuthFlowService struct {
	registry    *providers.Registry
	client      ProviderClient
	linker      *IdentityLinker
	stateCodec  *pkce.StateCodec
	guard       *pkce.ReplayGuard
	audit       *AuditTrail
	logger      *slog.Logger
	stateMaxAge time.Duration
}

// NewAuthFlowService creates a new auth flow service. guard may be nil when
// single-use state tracking is disabled; states are then bounded only by the
// age window.
func NewAuthFlowService(
	registry *providers.Registry,
	client ProviderClient,
	linker *IdentityLinker,
	stateCodec *pkce.StateCodec,
	guard *pkce.ReplayGuard,
	audit *AuditTrail,
	logger *slog.Logger,
	stateMaxAge time.Duration,
) *AuthFlowService {
	return &AuthFlowService{
		registry:    registry,
		client:      client,
		linker:      linker,
		stateCodec:  stateCodec,
		guard:       guard,
		audit:       audit,
		logger:      logger,
		stateMaxAge: stateMaxAge,
	}
}

// AuthorizationStart is everything the caller needs to send a user agent to
// a provider's consent page and later complete the callback.
type AuthorizationStart struct {
	Provider      entities.Provider
	URL           string
	State         string
	Verifier      string // held by the caller until code-exchange time
	CodeChallenge string
}

// BeginAuthorization mints the PKCE challenge and state token for one
// authorization attempt and builds the consent URL. accountHint, when
// non-empty, binds the state to the initiating account for
// link-to-existing-account flows.
func (s *AuthFlowService) BeginAuthorization(ctx context.Context, provider entities.Provider, accountHint string, meta entities.RequestMeta) (*AuthorizationStart, error) {
	challenge, err := pkce.GenerateChallenge()
	if err != nil {
		return nil, err
	}
	state, err := s.stateCodec.GenerateState(accountHint)
	if err != nil {
		return nil, err
	}
	authURL, err := s.registry.AuthorizationURL(provider, state, challenge.CodeChallenge)
	if err != nil {
		return nil, err
	}

	var accountID *string
	if accountHint != "" {
		accountID = &accountHint
	}
	s.audit.Record(ctx, entities.NewSecurityEvent(accountID, entities.EventAuthentication, entities.ActionFlowStarted).
		WithRequestMeta(meta).
		WithDetail("provider", provider.String()))

	return &AuthorizationStart{
		Provider:      provider,
		URL:           authURL,
		State:         state,
		Verifier:      challenge.Verifier,
		CodeChallenge: challenge.CodeChallenge,
	}, nil
}

// CallbackInput is what the provider redirect delivered, plus the per-attempt
// secrets the caller held on to since BeginAuthorization.
type CallbackInput struct {
	Provider entities.Provider
	Code     string
	State    string
	Verifier string

	// ExpectedChallenge, when set, enables a local verifier-vs-challenge
	// check before the exchange. The provider enforces PKCE either way; this
	// catches a mismatched attempt without spending a provider round trip.
	ExpectedChallenge string

	// AccountHint, when set, requires the state token to carry this
	// account's binding digest.
	AccountHint string

	Meta entities.RequestMeta
}

// CompleteAuthorization validates a provider callback and resolves it to a
// local account. Forged, expired, or replayed states never reach the
// provider exchange.
func (s *AuthFlowService) CompleteAuthorization(ctx context.Context, input CallbackInput) (*Resolution, error) {
	if !s.stateCodec.ValidateState(input.State, s.stateMaxAge) {
		s.auditSuspectState(ctx, input, entities.ActionStateRejected, "malformed_or_expired")
		return nil, &pkce.ValidationError{Field: "state", Reason: "malformed or outside the age window"}
	}
	if s.guard != nil && !s.guard.Consume(input.State) {
		s.auditSuspectState(ctx, input, entities.ActionStateReplayed, "already_used")
		return nil, &pkce.ValidationError{Field: "state", Reason: "already used"}
	}
	if input.AccountHint != "" && !s.stateCodec.BindsAccount(input.State, input.AccountHint) {
		s.auditSuspectState(ctx, input, entities.ActionStateRejected, "account_binding_mismatch")
		return nil, &pkce.ValidationError{Field: "state", Reason: "not bound to the expected account"}
	}

	if input.Code == "" {
		s.auditFlowFailure(ctx, input, "missing_code", nil)
		return nil, &pkce.ValidationError{Field: "code", Reason: "missing"}
	}
	if input.Verifier == "" {
		s.auditFlowFailure(ctx, input, "missing_verifier", nil)
		return nil, &pkce.ValidationError{Field: "code_verifier", Reason: "missing"}
	}
	if input.ExpectedChallenge != "" && !pkce.VerifyChallenge(input.Verifier, input.ExpectedChallenge) {
		s.auditFlowFailure(ctx, input, "verifier_mismatch", nil)
		return nil, &pkce.ValidationError{Field: "code_verifier", Reason: "does not match the challenge"}
	}

	tokens, err := s.client.ExchangeCode(ctx, input.Provider, input.Code, input.Verifier)
	if err != nil {
		s.auditFlowFailure(ctx, input, "code_exchange_failed", err)
		return nil, err
	}
	identity, err := s.client.FetchUserInfo(ctx, input.Provider, tokens)
	if err != nil {
		s.auditFlowFailure(ctx, input, "user_info_failed", err)
		return nil, err
	}

	// From here the linker owns the decision and its audit record.
	return s.linker.ResolveCallback(ctx, *identity, *tokens, input.Meta)
}

// auditSuspectState records a state token that failed validation. These are
// forgery indicators, not ordinary login failures.
func (s *AuthFlowService) auditSuspectState(ctx context.Context, input CallbackInput, action entities.SecurityAction, reason string) {
	s.audit.Record(ctx, entities.NewSecurityEvent(nil, entities.EventSuspiciousActivity, action).
		WithRequestMeta(input.Meta).
		WithDetail("provider", input.Provider.String()).
		WithDetail("reason", reason).
		WithError(&pkce.ValidationError{Field: "state", Reason: reason}))

	s.logger.Warn("rejected authorization state",
		slog.String("provider", input.Provider.String()),
		slog.String("reason", reason))
}

func (s *AuthFlowService) auditFlowFailure(ctx context.Context, input CallbackInput, reason string, cause error) {
	event := entities.NewSecurityEvent(nil, entities.EventAuthentication, entities.ActionLoginFailed).
		WithRequestMeta(input.Meta).
		WithDetail("provider", input.Provider.String()).
		WithDetail("reason", reason)
	if cause != nil {
		event = event.WithError(cause)
	} else {
		event.Success = false
	}
	s.audit.Record(ctx, event)
}
