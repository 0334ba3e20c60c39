// Package providers implements the outbound boundary to the identity
// providers: authorization URLs, code exchange, user-info resolution, and
// token refresh for google, apple, and instagram.
package providers

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/auth/pkce"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/config"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
)

// Endpoints are a provider's OAuth endpoints. Apple has no user-info
// endpoint; its identity rides in the id_token from the token endpoint.
type Endpoints struct {
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

var providerEndpoints = map[entities.Provider]Endpoints{
	entities.ProviderGoogle: {
		AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:    "https://oauth2.googleapis.com/token",
		UserInfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
	},
	entities.ProviderApple: {
		AuthURL:  "https://appleid.apple.com/auth/authorize",
		TokenURL: "https://appleid.apple.com/auth/token",
	},
	entities.ProviderInstagram: {
		AuthURL:     "https://api.instagram.com/oauth/authorize",
		TokenURL:    "https://api.instagram.com/oauth/access_token",
		UserInfoURL: "https://graph.instagram.com/me",
	},
}

// Registry holds the configured providers. Read-only after construction.
type Registry struct {
	configs map[entities.Provider]config.ProviderConfig
}

// NewRegistry builds a registry from configuration. Unknown or duplicate
// provider names are rejected.
func NewRegistry(configs []config.ProviderConfig) (*Registry, error) {
	r := &Registry{configs: make(map[entities.Provider]config.ProviderConfig, len(configs))}
	for _, cfg := range configs {
		provider, err := entities.ParseProvider(cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to register provider: %w", err)
		}
		if _, dup := r.configs[provider]; dup {
			return nil, fmt.Errorf("provider %s configured twice", provider)
		}
		r.configs[provider] = cfg
	}
	return r, nil
}

// Get retrieves a provider's configuration
func (r *Registry) Get(provider entities.Provider) (config.ProviderConfig, error) {
	cfg, ok := r.configs[provider]
	if !ok {
		return config.ProviderConfig{}, fmt.Errorf("provider %s not configured", provider)
	}
	return cfg, nil
}

// List returns the configured providers in stable order
func (r *Registry) List() []entities.Provider {
	names := make([]entities.Provider, 0, len(r.configs))
	for provider := range r.configs {
		names = append(names, provider)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// AuthorizationURL builds the URL the user agent is sent to for consent,
// carrying the anti-forgery state and the PKCE challenge.
func (r *Registry) AuthorizationURL(provider entities.Provider, state, codeChallenge string) (string, error) {
	cfg, err := r.Get(provider)
	if err != nil {
		return "", err
	}
	endpoints := providerEndpoints[provider]

	params := url.Values{}
	params.Set("client_id", cfg.ClientID)
	params.Set("redirect_uri", cfg.RedirectURI)
	params.Set("response_type", "code")
	if len(cfg.Scopes) > 0 {
		params.Set("scope", strings.Join(cfg.Scopes, " "))
	}
	params.Set("state", state)
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", pkce.ChallengeMethodS256)

	// Apple rejects name/email scope requests unless responses come back
	// as a form post.
	if provider == entities.ProviderApple && len(cfg.Scopes) > 0 {
		params.Set("response_mode", "form_post")
	}

	return endpoints.AuthURL + "?" + params.Encode(), nil
}
