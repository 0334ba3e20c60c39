package providers

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/config"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
)

const (
	appleAudience = "https://appleid.apple.com"

	// Apple caps client-secret JWTs at six months; mint for thirty days and
	// re-mint an hour before expiry.
	appleSecretTTL = 30 * 24 * time.Hour
)

// appleSecretSource mints the ES256 client-secret JWT apple requires in
// place of a static secret, caching it until close to expiry.
type appleSecretSource struct {
	teamID   string
	keyID    string
	clientID string
	key      *ecdsa.PrivateKey

	mu      sync.Mutex
	secret  string
	expires time.Time

	now func() time.Time
}

func newAppleSecretSource(cfg config.ProviderConfig) (*appleSecretSource, error) {
	if cfg.AppleTeamID == "" || cfg.AppleKeyID == "" || cfg.ApplePrivateKey == "" {
		return nil, fmt.Errorf("apple requires team_id, key_id, and private_key")
	}

	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.ApplePrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse apple private key: %w", err)
	}

	return &appleSecretSource{
		teamID:   cfg.AppleTeamID,
		keyID:    cfg.AppleKeyID,
		clientID: cfg.ClientID,
		key:      key,
		now:      time.Now,
	}, nil
}

func (s *appleSecretSource) clientSecret() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.secret != "" && now.Before(s.expires.Add(-time.Hour)) {
		return s.secret, nil
	}

	expires := now.Add(appleSecretTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:    s.teamID,
		Subject:   s.clientID,
		Audience:  jwt.ClaimStrings{appleAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign apple client secret: %w", err)
	}

	s.secret = signed
	s.expires = expires
	return signed, nil
}

// identityFromAppleIDToken extracts the asserted identity from apple's
// id_token. The token came straight from apple's token endpoint over TLS in
// the same exchange, so its signature is not re-verified here.
func identityFromAppleIDToken(idToken string) (*entities.ProviderIdentity, error) {
	if idToken == "" {
		return nil, wrapProviderErr(entities.ProviderApple, callFetchUserInfo, 0,
			fmt.Errorf("token response carried no id_token"))
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, wrapProviderErr(entities.ProviderApple, callFetchUserInfo, 0,
			fmt.Errorf("failed to parse id_token: %w", err))
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, wrapProviderErr(entities.ProviderApple, callFetchUserInfo, 0,
			fmt.Errorf("id_token missing sub claim"))
	}
	email, _ := claims["email"].(string)

	// Apple never puts a display name in the id_token; the name arrives only
	// in the first-consent form post, which is outside this boundary.
	return &entities.ProviderIdentity{
		Provider:       entities.ProviderApple,
		ProviderUserID: sub,
		Email:          email,
		EmailVerified:  appleEmailVerified(claims),
	}, nil
}

// apple encodes email_verified as a bool or the string "true"
func appleEmailVerified(claims jwt.MapClaims) bool {
	switch v := claims["email_verified"].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}
