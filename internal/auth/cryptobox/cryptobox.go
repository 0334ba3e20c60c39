// Package cryptobox seals provider token material with authenticated
// encryption before it reaches storage, and opens envelopes written by
// both the current and the pre-rotation scheme.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/metrics"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

const (
	envelopePrefix = "v2"

	schemeV2      = "v2"
	schemeLegacy  = "legacy"
	schemeUnknown = "unknown"
)

// DecryptionError indicates an envelope that could not be opened: malformed
// shape, failed authentication, or a key that no longer matches. It carries
// the envelope scheme and a reason class, never any text material.
type DecryptionError struct {
	Scheme string
	Reason string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("cannot decrypt %s envelope: %s", e.Scheme, e.Reason)
}

// Box encrypts and decrypts token envelopes with a process-wide AES-256-GCM
// key. When a legacy passphrase is configured it also opens envelopes in the
// pre-rotation format, read-only.
type Box struct {
	aead      cipher.AEAD
	legacyKey []byte
	log       *slog.Logger
}

// New creates a Box from a 32-byte key. legacyPassphrase is optional; when
// empty, legacy-format envelopes are rejected instead of decrypted.
func New(key []byte, legacyPassphrase string) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	box := &Box{
		aead: aead,
		log:  slog.Default().With(slog.String("component", "cryptobox")),
	}

	if legacyPassphrase != "" {
		box.legacyKey, err = deriveLegacyKey(legacyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to derive legacy key: %w", err)
		}
	}

	return box, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns a
// self-describing envelope "v2:<nonce>:<ciphertext>:<tag>", every segment
// base64url without padding.
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		metrics.RecordCryptoOperation("encrypt", schemeV2, err)
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := b.aead.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(sealed) - b.aead.Overhead()

	envelope := strings.Join([]string{
		envelopePrefix,
		base64.RawURLEncoding.EncodeToString(nonce),
		base64.RawURLEncoding.EncodeToString(sealed[:tagStart]),
		base64.RawURLEncoding.EncodeToString(sealed[tagStart:]),
	}, ":")

	metrics.RecordCryptoOperation("encrypt", schemeV2, nil)
	return envelope, nil
}

// Decrypt opens an envelope produced by Encrypt, or by the pre-rotation
// scheme when one is configured. The format is sniffed from the envelope
// shape so no external state is needed.
func (b *Box) Decrypt(envelope string) (string, error) {
	switch {
	case strings.HasPrefix(envelope, envelopePrefix+":"):
		return b.decryptV2(envelope)
	case looksLegacy(envelope):
		return b.decryptLegacy(envelope)
	default:
		return "", b.fail(schemeUnknown, "unrecognized envelope format")
	}
}

func (b *Box) decryptV2(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 4 {
		return "", b.fail(schemeV2, "want 4 colon-delimited segments")
	}

	nonce, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || len(nonce) != b.aead.NonceSize() {
		return "", b.fail(schemeV2, "bad nonce segment")
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", b.fail(schemeV2, "bad ciphertext segment")
	}
	tag, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil || len(tag) != b.aead.Overhead() {
		return "", b.fail(schemeV2, "bad tag segment")
	}

	plaintext, err := b.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", b.fail(schemeV2, "authentication failed")
	}

	metrics.RecordCryptoOperation("decrypt", schemeV2, nil)
	return string(plaintext), nil
}

// IsLegacy reports whether envelope uses the pre-rotation format.
func IsLegacy(envelope string) bool {
	return looksLegacy(envelope)
}

// ReencryptLegacy upgrades a legacy envelope to the current format. It
// returns the envelope unchanged with upgraded=false when it is not legacy,
// so callers can apply it unconditionally.
func (b *Box) ReencryptLegacy(envelope string) (upgraded string, changed bool, err error) {
	if !looksLegacy(envelope) {
		return envelope, false, nil
	}

	plaintext, err := b.decryptLegacy(envelope)
	if err != nil {
		return "", false, err
	}
	sealed, err := b.Encrypt(plaintext)
	if err != nil {
		return "", false, err
	}
	return sealed, true, nil
}

// fail records and logs a decryption failure. Only the scheme and reason
// class are logged, never key or text material.
func (b *Box) fail(scheme, reason string) error {
	err := &DecryptionError{Scheme: scheme, Reason: reason}
	metrics.RecordCryptoOperation("decrypt", scheme, err)
	b.log.Warn("envelope decryption failed",
		slog.String("scheme", scheme),
		slog.String("reason", reason))
	return err
}
