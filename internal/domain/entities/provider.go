package entities

import (
	"fmt"
	"strings"
)

// Provider identifies a third-party identity provider
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderApple     Provider = "apple"
	ProviderInstagram Provider = "instagram"
)

// AllProviders lists every provider this core can link
func AllProviders() []Provider {
	return []Provider{ProviderGoogle, ProviderApple, ProviderInstagram}
}

// ParseProvider converts a string to a Provider, case-insensitively
func ParseProvider(s string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderGoogle:
		return ProviderGoogle, nil
	case ProviderApple:
		return ProviderApple, nil
	case ProviderInstagram:
		return ProviderInstagram, nil
	default:
		return "", fmt.Errorf("unknown provider: %q", s)
	}
}

// String returns the provider identifier used for storage and logging
func (p Provider) String() string {
	return string(p)
}

// Valid reports whether the provider is one this core supports
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderApple, ProviderInstagram:
		return true
	default:
		return false
	}
}
