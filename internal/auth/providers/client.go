package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/metrics"
)

const (
	callExchangeCode  = "exchange_code"
	callFetchUserInfo = "fetch_user_info"
	callRefreshToken  = "refresh_token"

	httpTimeout = 15 * time.Second
)

// Client performs the provider HTTP calls of the linking and refresh flows.
// All upstream failures surface as *ProviderError.
type Client struct {
	registry   *Registry
	endpoints  map[entities.Provider]Endpoints
	httpClient *http.Client
	apple      *appleSecretSource
	log        *slog.Logger
}

// NewClient creates a provider client. When apple is configured, its
// client-secret signer is validated here so a bad key fails at startup
// rather than mid-flow.
func NewClient(registry *Registry) (*Client, error) {
	c := &Client{
		registry:   registry,
		endpoints:  make(map[entities.Provider]Endpoints, len(providerEndpoints)),
		httpClient: &http.Client{Timeout: httpTimeout},
		log:        slog.Default().With(slog.String("component", "providers")),
	}
	for provider, endpoints := range providerEndpoints {
		c.endpoints[provider] = endpoints
	}

	appleCfg, err := registry.Get(entities.ProviderApple)
	if err == nil {
		c.apple, err = newAppleSecretSource(appleCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to configure apple client secret: %w", err)
		}
	}

	return c, nil
}

// ExchangeCode trades an authorization code for tokens, presenting the PKCE
// verifier when one is supplied.
func (c *Client) ExchangeCode(ctx context.Context, provider entities.Provider, code, verifier string) (pair *entities.OAuthTokenPair, err error) {
	defer func() { metrics.RecordProviderCall(provider.String(), callExchangeCode, err) }()

	conf, err := c.oauth2Config(provider)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	token, err := conf.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, wrapProviderErr(provider, callExchangeCode, statusFromOAuth2Err(err), err)
	}
	return tokenPairFromOAuth2(token), nil
}

// FetchUserInfo resolves the provider identity asserted by tokens: the
// user-info endpoint for google and instagram, the id_token for apple.
func (c *Client) FetchUserInfo(ctx context.Context, provider entities.Provider, tokens *entities.OAuthTokenPair) (*entities.ProviderIdentity, error) {
	switch provider {
	case entities.ProviderGoogle:
		return c.fetchGoogleUserInfo(ctx, tokens.AccessToken)
	case entities.ProviderApple:
		return identityFromAppleIDToken(tokens.IDToken)
	case entities.ProviderInstagram:
		return c.fetchInstagramUserInfo(ctx, tokens.AccessToken)
	default:
		return nil, fmt.Errorf("provider %s not supported", provider)
	}
}

// RefreshToken redeems a refresh token for a fresh pair.
func (c *Client) RefreshToken(ctx context.Context, provider entities.Provider, refreshToken string) (pair *entities.OAuthTokenPair, err error) {
	defer func() { metrics.RecordProviderCall(provider.String(), callRefreshToken, err) }()

	conf, err := c.oauth2Config(provider)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, wrapProviderErr(provider, callRefreshToken, statusFromOAuth2Err(err), err)
	}

	refreshed := tokenPairFromOAuth2(token)
	// Providers may omit the refresh token on rotation; keep the old one so
	// the identity stays refreshable.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = refreshToken
	}
	return refreshed, nil
}

func (c *Client) oauth2Config(provider entities.Provider) (*oauth2.Config, error) {
	cfg, err := c.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	endpoints := c.endpoints[provider]

	secret := cfg.ClientSecret
	if provider == entities.ProviderApple {
		secret, err = c.apple.clientSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to mint apple client secret: %w", err)
		}
	}

	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  endpoints.AuthURL,
			TokenURL: endpoints.TokenURL,
		},
		Scopes: cfg.Scopes,
	}, nil
}

func (c *Client) fetchGoogleUserInfo(ctx context.Context, accessToken string) (*entities.ProviderIdentity, error) {
	var info struct {
		ID            string `json:"id"`
		Email         string `json:"email"`
		VerifiedEmail bool   `json:"verified_email"`
		Name          string `json:"name"`
	}

	url := c.endpoints[entities.ProviderGoogle].UserInfoURL
	if err := c.getJSON(ctx, entities.ProviderGoogle, url, "Bearer "+accessToken, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, wrapProviderErr(entities.ProviderGoogle, callFetchUserInfo, 0,
			fmt.Errorf("userinfo response missing id"))
	}

	return &entities.ProviderIdentity{
		Provider:       entities.ProviderGoogle,
		ProviderUserID: info.ID,
		Email:          info.Email,
		EmailVerified:  info.VerifiedEmail,
		DisplayName:    info.Name,
	}, nil
}

// Instagram's graph API never exposes an email address, so these identities
// always take the placeholder-email path when a new account is created.
func (c *Client) fetchInstagramUserInfo(ctx context.Context, accessToken string) (*entities.ProviderIdentity, error) {
	var info struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}

	url := c.endpoints[entities.ProviderInstagram].UserInfoURL + "?fields=id,username&access_token=" + accessToken
	if err := c.getJSON(ctx, entities.ProviderInstagram, url, "", &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, wrapProviderErr(entities.ProviderInstagram, callFetchUserInfo, 0,
			fmt.Errorf("me response missing id"))
	}

	return &entities.ProviderIdentity{
		Provider:       entities.ProviderInstagram,
		ProviderUserID: info.ID,
		DisplayName:    info.Username,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, provider entities.Provider, url, authorization string, out any) (err error) {
	defer func() { metrics.RecordProviderCall(provider.String(), callFetchUserInfo, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapProviderErr(provider, callFetchUserInfo, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return wrapProviderErr(provider, callFetchUserInfo, resp.StatusCode,
			fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))))
	}

	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return wrapProviderErr(provider, callFetchUserInfo, resp.StatusCode,
			fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func tokenPairFromOAuth2(token *oauth2.Token) *entities.OAuthTokenPair {
	pair := &entities.OAuthTokenPair{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		pair.ExpiresAt = &expiry
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		pair.IDToken = idToken
	}
	return pair
}

func statusFromOAuth2Err(err error) int {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return retrieveErr.Response.StatusCode
	}
	return 0
}
