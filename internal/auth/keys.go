// ABOUTME: API key generation and verification for project-scoped authentication
// ABOUTME: Keys are content-addressed by SHA-256 hash; plaintext is returned exactly once

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Key errors
var (
	ErrInvalidKey = errors.New("invalid api key")
	ErrExpiredKey = errors.New("api key expired")
	ErrRevokedKey = errors.New("api key revoked")
)

// keyPrefix marks parley API keys so they are recognizable in logs and
// configuration without revealing the secret portion.
const keyPrefix = "pk_"

// keySecretBytes is the entropy of the random portion of a key.
const keySecretBytes = 32

// displayPrefixLen is how many characters of the key are kept as the
// display prefix. Prefixes are display-only and never used for authorization.
const displayPrefixLen = 11

// GenerateKey creates a new API key. It returns the plaintext key (shown to
// the caller exactly once), the display prefix, and the hex-encoded SHA-256
// hash to store.
func GenerateKey() (plaintext, prefix, hash string, err error) {
	buf := make([]byte, keySecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generating key material: %w", err)
	}

	plaintext = keyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	prefix = plaintext[:displayPrefixLen]
	hash = HashKey(plaintext)
	return plaintext, prefix, hash, nil
}

// HashKey returns the hex-encoded SHA-256 hash of a plaintext key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// VerifyKeyHash compares a presented key against a stored hash in constant
// time. The presented key is hashed first, so the comparison length is fixed
// regardless of input.
func VerifyKeyHash(presented, storedHash string) bool {
	presentedHash := HashKey(presented)
	return subtle.ConstantTimeCompare([]byte(presentedHash), []byte(storedHash)) == 1
}

// LooksLikeKey reports whether a credential string has the API key shape.
// Used to distinguish API keys from JWTs at the connection boundary.
func LooksLikeKey(credential string) bool {
	return strings.HasPrefix(credential, keyPrefix)
}
