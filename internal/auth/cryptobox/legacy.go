package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/pkg/metrics"
)

// The pre-rotation scheme: AES-256-CBC under a scrypt-derived key, stored as
// a two-part hex envelope "<iv>:<ciphertext>". It is unauthenticated and
// deprecated; the Box only reads it, and ReencryptLegacy upgrades rows as
// they are touched.

// Derivation parameters of the previous scheme. The salt is fixed because
// existing envelopes were written against it.
const (
	legacyScryptSalt = "salt"
	legacyScryptN    = 16384
	legacyScryptR    = 8
	legacyScryptP    = 1
)

func deriveLegacyKey(passphrase string) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), []byte(legacyScryptSalt), legacyScryptN, legacyScryptR, legacyScryptP, KeySize)
}

// looksLegacy sniffs the two-part hex shape: a 16-byte hex IV, a colon, and
// a non-empty hex ciphertext.
func looksLegacy(envelope string) bool {
	parts := strings.Split(envelope, ":")
	if len(parts) != 2 {
		return false
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return false
	}
	if parts[1] == "" {
		return false
	}
	if _, err := hex.DecodeString(parts[1]); err != nil {
		return false
	}
	return true
}

func (b *Box) decryptLegacy(envelope string) (string, error) {
	if b.legacyKey == nil {
		return "", b.fail(schemeLegacy, "no legacy key configured")
	}

	parts := strings.Split(envelope, ":")
	if len(parts) != 2 {
		return "", b.fail(schemeLegacy, "want 2 colon-delimited segments")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return "", b.fail(schemeLegacy, "bad iv segment")
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", b.fail(schemeLegacy, "bad ciphertext segment")
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", b.fail(schemeLegacy, "ciphertext not block-aligned")
	}

	block, err := aes.NewCipher(b.legacyKey)
	if err != nil {
		return "", b.fail(schemeLegacy, "cipher setup failed")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", b.fail(schemeLegacy, "bad padding")
	}

	metrics.RecordCryptoOperation("decrypt", schemeLegacy, nil)
	return string(unpadded), nil
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	for _, v := range data[len(data)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
