package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	registry, err := NewRegistry(testProviderConfigs())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	client, err := NewClient(registry)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return client
}

func TestExchangeCode(t *testing.T) {
	var gotForm map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		gotForm = map[string]string{
			"grant_type":    r.FormValue("grant_type"),
			"code":          r.FormValue("code"),
			"code_verifier": r.FormValue("code_verifier"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"access_token": "at-123",
			"refresh_token": "rt-123",
			"expires_in": 3600,
			"id_token": "header.payload.signature",
			"token_type": "Bearer"
		}`))
	}))
	defer server.Close()

	client := newTestClient(t)
	client.endpoints[entities.ProviderGoogle] = Endpoints{TokenURL: server.URL + "/token"}

	before := time.Now()
	pair, err := client.ExchangeCode(context.Background(), entities.ProviderGoogle, "auth-code", "pkce-verifier")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if gotForm["grant_type"] != "authorization_code" {
		t.Errorf("expected authorization_code grant, got %q", gotForm["grant_type"])
	}
	if gotForm["code"] != "auth-code" {
		t.Errorf("expected code to be forwarded, got %q", gotForm["code"])
	}
	if gotForm["code_verifier"] != "pkce-verifier" {
		t.Errorf("expected PKCE verifier to be forwarded, got %q", gotForm["code_verifier"])
	}

	if pair.AccessToken != "at-123" {
		t.Errorf("expected access token, got %q", pair.AccessToken)
	}
	if pair.RefreshToken != "rt-123" {
		t.Errorf("expected refresh token, got %q", pair.RefreshToken)
	}
	if pair.IDToken != "header.payload.signature" {
		t.Errorf("expected id_token to be captured, got %q", pair.IDToken)
	}
	if pair.ExpiresAt == nil {
		t.Fatal("expected expiry to be set")
	}
	if pair.ExpiresAt.Before(before.Add(59*time.Minute)) || pair.ExpiresAt.After(before.Add(61*time.Minute)) {
		t.Errorf("expected expiry about an hour out, got %v", pair.ExpiresAt)
	}
}

func TestExchangeCode_UpstreamError(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{"client error", http.StatusBadRequest, false},
		{"server error", http.StatusInternalServerError, true},
		{"rate limited", http.StatusTooManyRequests, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error": "upstream_says_no"}`))
			}))
			defer server.Close()

			client := newTestClient(t)
			client.endpoints[entities.ProviderGoogle] = Endpoints{TokenURL: server.URL + "/token"}

			_, err := client.ExchangeCode(context.Background(), entities.ProviderGoogle, "auth-code", "verifier")
			if err == nil {
				t.Fatal("expected error")
			}
			var provErr *ProviderError
			if !errors.As(err, &provErr) {
				t.Fatalf("expected ProviderError, got %T", err)
			}
			if provErr.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, provErr.StatusCode)
			}
			if provErr.Retryable != tt.wantRetryable {
				t.Errorf("expected retryable=%v for status %d", tt.wantRetryable, tt.status)
			}
		})
	}
}

func TestFetchUserInfo_Google(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-123" {
			t.Errorf("expected bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "g-1", "email": "ada@example.com", "verified_email": true, "name": "Ada"}`))
	}))
	defer server.Close()

	client := newTestClient(t)
	client.endpoints[entities.ProviderGoogle] = Endpoints{UserInfoURL: server.URL + "/userinfo"}

	identity, err := client.FetchUserInfo(context.Background(), entities.ProviderGoogle, &entities.OAuthTokenPair{AccessToken: "at-123"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if identity.Provider != entities.ProviderGoogle {
		t.Errorf("expected google provider, got %v", identity.Provider)
	}
	if identity.ProviderUserID != "g-1" {
		t.Errorf("expected provider user id g-1, got %q", identity.ProviderUserID)
	}
	if identity.Email != "ada@example.com" || !identity.EmailVerified {
		t.Errorf("expected verified email, got %q verified=%v", identity.Email, identity.EmailVerified)
	}
	if identity.DisplayName != "Ada" {
		t.Errorf("expected display name Ada, got %q", identity.DisplayName)
	}
}

func TestFetchUserInfo_GoogleMissingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"email": "ada@example.com"}`))
	}))
	defer server.Close()

	client := newTestClient(t)
	client.endpoints[entities.ProviderGoogle] = Endpoints{UserInfoURL: server.URL + "/userinfo"}

	_, err := client.FetchUserInfo(context.Background(), entities.ProviderGoogle, &entities.OAuthTokenPair{AccessToken: "at-123"})
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
}

func TestFetchUserInfo_Instagram(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if got := query.Get("fields"); got != "id,username" {
			t.Errorf("expected fields=id,username, got %q", got)
		}
		if got := query.Get("access_token"); got != "at-456" {
			t.Errorf("expected access token in query, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "ig-9", "username": "ada_lovelace"}`))
	}))
	defer server.Close()

	client := newTestClient(t)
	client.endpoints[entities.ProviderInstagram] = Endpoints{UserInfoURL: server.URL + "/me"}

	identity, err := client.FetchUserInfo(context.Background(), entities.ProviderInstagram, &entities.OAuthTokenPair{AccessToken: "at-456"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if identity.ProviderUserID != "ig-9" {
		t.Errorf("expected provider user id ig-9, got %q", identity.ProviderUserID)
	}
	if identity.HasEmail() {
		t.Errorf("expected no email from instagram, got %q", identity.Email)
	}
	if identity.DisplayName != "ada_lovelace" {
		t.Errorf("expected username as display name, got %q", identity.DisplayName)
	}
}

func TestFetchUserInfo_UpstreamStatus(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, false},
		{"unavailable", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			client := newTestClient(t)
			client.endpoints[entities.ProviderGoogle] = Endpoints{UserInfoURL: server.URL + "/userinfo"}

			_, err := client.FetchUserInfo(context.Background(), entities.ProviderGoogle, &entities.OAuthTokenPair{AccessToken: "at"})
			var provErr *ProviderError
			if !errors.As(err, &provErr) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if provErr.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, provErr.StatusCode)
			}
			if provErr.Retryable != tt.wantRetryable {
				t.Errorf("expected retryable=%v, got %v", tt.wantRetryable, provErr.Retryable)
			}
		})
	}
}

func TestRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("expected refresh_token grant, got %q", got)
		}
		if got := r.FormValue("refresh_token"); got != "rt-old" {
			t.Errorf("expected old refresh token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "at-new", "expires_in": 3600, "token_type": "Bearer"}`))
	}))
	defer server.Close()

	client := newTestClient(t)
	client.endpoints[entities.ProviderGoogle] = Endpoints{TokenURL: server.URL + "/token"}

	pair, err := client.RefreshToken(context.Background(), entities.ProviderGoogle, "rt-old")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if pair.AccessToken != "at-new" {
		t.Errorf("expected refreshed access token, got %q", pair.AccessToken)
	}
	if pair.RefreshToken != "rt-old" {
		t.Errorf("expected original refresh token to be kept, got %q", pair.RefreshToken)
	}
}

func TestRefreshToken_Rotated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "at-new", "refresh_token": "rt-new", "token_type": "Bearer"}`))
	}))
	defer server.Close()

	client := newTestClient(t)
	client.endpoints[entities.ProviderGoogle] = Endpoints{TokenURL: server.URL + "/token"}

	pair, err := client.RefreshToken(context.Background(), entities.ProviderGoogle, "rt-old")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if pair.RefreshToken != "rt-new" {
		t.Errorf("expected rotated refresh token, got %q", pair.RefreshToken)
	}
}
