package services

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/auth/pkce"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/auth/providers"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/config"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
)

var testStateSigningKey = []byte("state-signing-key-32-bytes-long!")

// flowEnv bundles a flow service wired to fresh fakes
type flowEnv struct {
	flow     *AuthFlowService
	provider *fakeProviderClient
	codec    *pkce.StateCodec
	accounts *fakeAccountRepo
	audit    *fakeAuditRepo
}

func newFlowEnv(t *testing.T, guard *pkce.ReplayGuard) *flowEnv {
	t.Helper()

	linker := newLinkerEnv(t)
	provider := &fakeProviderClient{}
	codec := pkce.NewStateCodec(testStateSigningKey)

	registry, err := providers.NewRegistry([]config.ProviderConfig{{
		Name:        "google",
		ClientID:    "client-123",
		RedirectURI: "https://app.example.com/callback",
		Scopes:      []string{"openid", "email"},
	}})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	trail := NewAuditTrail(linker.audit, testLogger())
	flow := NewAuthFlowService(registry, provider, linker.linker, codec, guard, trail, testLogger(), 10*time.Minute)

	return &flowEnv{
		flow:     flow,
		provider: provider,
		codec:    codec,
		accounts: linker.accounts,
		audit:    linker.audit,
	}
}

func (e *flowEnv) begin(t *testing.T, accountHint string) *AuthorizationStart {
	t.Helper()
	start, err := e.flow.BeginAuthorization(context.Background(), entities.ProviderGoogle, accountHint, testMeta())
	if err != nil {
		t.Fatalf("failed to begin authorization: %v", err)
	}
	return start
}

// scriptHappyProvider wires the provider fake to complete an exchange and
// return the given identity.
func (e *flowEnv) scriptHappyProvider(identity entities.ProviderIdentity) {
	e.provider.exchangeFunc = func(entities.Provider, string, string) (*entities.OAuthTokenPair, error) {
		pair := testTokens("access-token", "refresh-token")
		return &pair, nil
	}
	e.provider.userInfoFunc = func(entities.Provider, *entities.OAuthTokenPair) (*entities.ProviderIdentity, error) {
		return &identity, nil
	}
}

func callbackFrom(start *AuthorizationStart, code string) CallbackInput {
	return CallbackInput{
		Provider:          start.Provider,
		Code:              code,
		State:             start.State,
		Verifier:          start.Verifier,
		ExpectedChallenge: start.CodeChallenge,
		Meta:              testMeta(),
	}
}

func TestBeginAuthorization_BuildsConsentURL(t *testing.T) {
	env := newFlowEnv(t, nil)

	start := env.begin(t, "")
	parsed, err := url.Parse(start.URL)
	if err != nil {
		t.Fatalf("failed to parse consent URL: %v", err)
	}

	if parsed.Host != "accounts.google.com" {
		t.Errorf("host = %s, want accounts.google.com", parsed.Host)
	}
	params := parsed.Query()
	if params.Get("client_id") != "client-123" {
		t.Errorf("client_id = %s", params.Get("client_id"))
	}
	if params.Get("redirect_uri") != "https://app.example.com/callback" {
		t.Errorf("redirect_uri = %s", params.Get("redirect_uri"))
	}
	if params.Get("state") != start.State {
		t.Error("URL state does not match the minted state")
	}
	if params.Get("code_challenge") != start.CodeChallenge {
		t.Error("URL challenge does not match the minted challenge")
	}
	if params.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %s", params.Get("code_challenge_method"))
	}
	if !pkce.VerifyChallenge(start.Verifier, start.CodeChallenge) {
		t.Error("minted verifier does not satisfy its own challenge")
	}
	if env.audit.actionCount(entities.ActionFlowStarted) != 1 {
		t.Error("expected a flow started event")
	}
}

func TestBeginAuthorization_UnconfiguredProvider(t *testing.T) {
	env := newFlowEnv(t, nil)

	_, err := env.flow.BeginAuthorization(context.Background(), entities.ProviderApple, "", testMeta())
	if err == nil {
		t.Fatal("expected an error for an unconfigured provider")
	}
	if env.audit.eventCount() != 0 {
		t.Errorf("a failed begin recorded %d events", env.audit.eventCount())
	}
}

func TestCompleteAuthorization_HappyPath(t *testing.T) {
	env := newFlowEnv(t, nil)
	start := env.begin(t, "")

	env.provider.exchangeFunc = func(_ entities.Provider, code, verifier string) (*entities.OAuthTokenPair, error) {
		if code != "auth-code" {
			t.Errorf("exchange received code %q", code)
		}
		if verifier != start.Verifier {
			t.Error("exchange did not receive the minted verifier")
		}
		pair := testTokens("access-token", "refresh-token")
		return &pair, nil
	}
	env.provider.userInfoFunc = func(entities.Provider, *entities.OAuthTokenPair) (*entities.ProviderIdentity, error) {
		identity := googleIdentity("g-1", "a@x.com")
		return &identity, nil
	}

	res, err := env.flow.CompleteAuthorization(context.Background(), callbackFrom(start, "auth-code"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if res.Outcome != OutcomeNewAccount {
		t.Errorf("expected outcome %s, got %s", OutcomeNewAccount, res.Outcome)
	}
	if env.provider.exchangeCalls != 1 || env.provider.userInfoCalls != 1 {
		t.Errorf("provider calls = %d exchanges, %d user infos", env.provider.exchangeCalls, env.provider.userInfoCalls)
	}
	if env.accounts.count() != 1 {
		t.Errorf("expected 1 account, got %d", env.accounts.count())
	}
	if env.audit.actionCount(entities.ActionAccountCreated) != 1 {
		t.Error("expected an account created event")
	}
}

func TestCompleteAuthorization_RejectsForgedState(t *testing.T) {
	env := newFlowEnv(t, nil)
	start := env.begin(t, "")
	env.scriptHappyProvider(googleIdentity("g-1", "a@x.com"))

	input := callbackFrom(start, "auth-code")
	input.State = "forged-state-token"

	_, err := env.flow.CompleteAuthorization(context.Background(), input)
	var verr *pkce.ValidationError
	if !errors.As(err, &verr) || verr.Field != "state" {
		t.Fatalf("expected a state validation error, got %v", err)
	}

	// A forged state must be stopped before any provider traffic.
	if env.provider.exchangeCalls != 0 {
		t.Errorf("exchange was called %d times", env.provider.exchangeCalls)
	}
	if env.audit.actionCount(entities.ActionStateRejected) != 1 {
		t.Error("expected a state rejected event")
	}
	if last := env.audit.last(t); last.EventType != entities.EventSuspiciousActivity {
		t.Errorf("event type = %s, want %s", last.EventType, entities.EventSuspiciousActivity)
	}
}

func TestCompleteAuthorization_RejectsExpiredState(t *testing.T) {
	env := newFlowEnv(t, nil)

	// Mint the state 11 minutes in the past, past the 10 minute window.
	past := time.Now().Add(-11 * time.Minute)
	env.codec.WithClock(func() time.Time { return past })
	start := env.begin(t, "")
	env.codec.WithClock(time.Now)
	env.scriptHappyProvider(googleIdentity("g-1", "a@x.com"))

	_, err := env.flow.CompleteAuthorization(context.Background(), callbackFrom(start, "auth-code"))
	var verr *pkce.ValidationError
	if !errors.As(err, &verr) || verr.Field != "state" {
		t.Fatalf("expected a state validation error, got %v", err)
	}
	if env.provider.exchangeCalls != 0 {
		t.Errorf("exchange was called %d times", env.provider.exchangeCalls)
	}
}

func TestCompleteAuthorization_RejectsReplayedState(t *testing.T) {
	env := newFlowEnv(t, pkce.NewReplayGuard(10*time.Minute))
	start := env.begin(t, "")
	env.scriptHappyProvider(googleIdentity("g-1", "a@x.com"))

	if _, err := env.flow.CompleteAuthorization(context.Background(), callbackFrom(start, "auth-code")); err != nil {
		t.Fatalf("first completion failed: %v", err)
	}

	_, err := env.flow.CompleteAuthorization(context.Background(), callbackFrom(start, "auth-code"))
	var verr *pkce.ValidationError
	if !errors.As(err, &verr) || verr.Field != "state" {
		t.Fatalf("expected a state validation error, got %v", err)
	}
	if env.provider.exchangeCalls != 1 {
		t.Errorf("exchange was called %d times, want 1", env.provider.exchangeCalls)
	}
	if env.audit.actionCount(entities.ActionStateReplayed) != 1 {
		t.Error("expected a state replayed event")
	}
}

func TestCompleteAuthorization_AccountBindingMismatch(t *testing.T) {
	env := newFlowEnv(t, nil)
	start := env.begin(t, "acct-a")
	env.scriptHappyProvider(googleIdentity("g-1", "a@x.com"))

	input := callbackFrom(start, "auth-code")
	input.AccountHint = "acct-b"

	_, err := env.flow.CompleteAuthorization(context.Background(), input)
	var verr *pkce.ValidationError
	if !errors.As(err, &verr) || verr.Field != "state" {
		t.Fatalf("expected a state validation error, got %v", err)
	}
	if env.provider.exchangeCalls != 0 {
		t.Errorf("exchange was called %d times", env.provider.exchangeCalls)
	}
	if env.audit.actionCount(entities.ActionStateRejected) != 1 {
		t.Error("expected a state rejected event")
	}
}

func TestCompleteAuthorization_BoundStateAcceptedByOwner(t *testing.T) {
	env := newFlowEnv(t, nil)
	start := env.begin(t, "acct-a")
	env.scriptHappyProvider(googleIdentity("g-1", "a@x.com"))

	input := callbackFrom(start, "auth-code")
	input.AccountHint = "acct-a"

	if _, err := env.flow.CompleteAuthorization(context.Background(), input); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCompleteAuthorization_InputValidation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(t *testing.T, input *CallbackInput)
		wantField string
	}{
		{
			name:      "missing code",
			mutate:    func(_ *testing.T, input *CallbackInput) { input.Code = "" },
			wantField: "code",
		},
		{
			name:      "missing verifier",
			mutate:    func(_ *testing.T, input *CallbackInput) { input.Verifier = "" },
			wantField: "code_verifier",
		},
		{
			name: "verifier from a different attempt",
			mutate: func(t *testing.T, input *CallbackInput) {
				other, err := pkce.GenerateChallenge()
				if err != nil {
					t.Fatalf("failed to generate challenge: %v", err)
				}
				input.Verifier = other.Verifier
			},
			wantField: "code_verifier",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newFlowEnv(t, nil)
			start := env.begin(t, "")
			env.scriptHappyProvider(googleIdentity("g-1", "a@x.com"))

			input := callbackFrom(start, "auth-code")
			tt.mutate(t, &input)

			_, err := env.flow.CompleteAuthorization(context.Background(), input)
			var verr *pkce.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected a validation error, got %v", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %s, want %s", verr.Field, tt.wantField)
			}
			if env.provider.exchangeCalls != 0 {
				t.Errorf("exchange was called %d times", env.provider.exchangeCalls)
			}
			if env.audit.actionCount(entities.ActionLoginFailed) != 1 {
				t.Error("expected a login failed event")
			}
		})
	}
}

func TestCompleteAuthorization_ExchangeFailurePropagates(t *testing.T) {
	env := newFlowEnv(t, nil)
	start := env.begin(t, "")
	env.provider.exchangeFunc = func(entities.Provider, string, string) (*entities.OAuthTokenPair, error) {
		return nil, &providers.ProviderError{
			Provider:   entities.ProviderGoogle,
			Call:       "exchange_code",
			StatusCode: 503,
			Retryable:  true,
			Err:        errors.New("bad gateway"),
		}
	}

	_, err := env.flow.CompleteAuthorization(context.Background(), callbackFrom(start, "auth-code"))
	var perr *providers.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected a ProviderError, got %v", err)
	}
	if perr.StatusCode != 503 || !perr.Retryable {
		t.Errorf("ProviderError = %+v", perr)
	}
	if env.audit.actionCount(entities.ActionLoginFailed) != 1 {
		t.Error("expected a login failed event")
	}
}

func TestCompleteAuthorization_UserInfoFailureAudited(t *testing.T) {
	env := newFlowEnv(t, nil)
	start := env.begin(t, "")
	env.provider.exchangeFunc = func(entities.Provider, string, string) (*entities.OAuthTokenPair, error) {
		pair := testTokens("access-token", "")
		return &pair, nil
	}
	env.provider.userInfoFunc = func(entities.Provider, *entities.OAuthTokenPair) (*entities.ProviderIdentity, error) {
		return nil, errors.New("user info endpoint down")
	}

	_, err := env.flow.CompleteAuthorization(context.Background(), callbackFrom(start, "auth-code"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if env.provider.userInfoCalls != 1 {
		t.Errorf("user info was called %d times, want 1", env.provider.userInfoCalls)
	}
	if env.audit.actionCount(entities.ActionLoginFailed) != 1 {
		t.Error("expected a login failed event")
	}
	if env.accounts.count() != 0 {
		t.Errorf("a failed completion created %d accounts", env.accounts.count())
	}
}
