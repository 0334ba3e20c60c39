// Package pkce produces and verifies the per-attempt secrets of the
// authorization-code flow: RFC 7636 challenge/verifier pairs and the
// anti-forgery state tokens carried through the provider redirect.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

const (
	// ChallengeMethodS256 is the only challenge method issued or accepted.
	ChallengeMethodS256 = "S256"

	// VerifierMinLength and VerifierMaxLength bound acceptable verifiers
	// per RFC 7636 §4.1.
	VerifierMinLength = 43
	VerifierMaxLength = 128

	// 96 random bytes encode to a 128-character verifier, the maximum
	// length the RFC allows.
	verifierEntropyBytes = 96
)

// Challenge is one authorization attempt's PKCE material. The verifier is
// held until code-exchange time and never persisted beyond the flow.
type Challenge struct {
	Verifier      string
	CodeChallenge string
	Method        string
}

// ValidationError indicates malformed challenge or state input. Always
// recoverable: the caller restarts the authorization flow from scratch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// GenerateChallenge creates a cryptographically random code verifier and
// its S256 code challenge.
func GenerateChallenge() (*Challenge, error) {
	raw := make([]byte, verifierEntropyBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate verifier: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(raw)
	return &Challenge{
		Verifier:      verifier,
		CodeChallenge: computeChallenge(verifier),
		Method:        ChallengeMethodS256,
	}, nil
}

// VerifyChallenge reports whether verifier hashes to challenge. It fails
// closed: malformed length or charset returns false, never an error.
func VerifyChallenge(verifier, challenge string) bool {
	if len(verifier) < VerifierMinLength || len(verifier) > VerifierMaxLength {
		return false
	}
	for i := 0; i < len(verifier); i++ {
		if !isVerifierChar(verifier[i]) {
			return false
		}
	}
	digest := computeChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(digest), []byte(challenge)) == 1
}

func computeChallenge(verifier string) string {
	digest := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// RFC 7636 unreserved characters: ALPHA / DIGIT / "-" / "." / "_" / "~".
func isVerifierChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}
