// ABOUTME: Unit tests for API key generation, hashing, and verification
// ABOUTME: Covers key shape, prefix handling, and constant-time hash comparison

package auth

import (
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	plaintext, prefix, hash, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	if !strings.HasPrefix(plaintext, "pk_") {
		t.Errorf("plaintext %q should start with pk_", plaintext)
	}
	if len(prefix) != displayPrefixLen {
		t.Errorf("prefix length = %d, want %d", len(prefix), displayPrefixLen)
	}
	if !strings.HasPrefix(plaintext, prefix) {
		t.Errorf("prefix %q should be a prefix of the plaintext", prefix)
	}
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64 (hex SHA-256)", len(hash))
	}
	if hash != HashKey(plaintext) {
		t.Error("returned hash should equal HashKey(plaintext)")
	}
}

func TestGenerateKey_Unique(t *testing.T) {
	a, _, _, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	b, _, _, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if a == b {
		t.Error("two generated keys should never be equal")
	}
}

func TestVerifyKeyHash(t *testing.T) {
	plaintext, _, hash, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	if !VerifyKeyHash(plaintext, hash) {
		t.Error("VerifyKeyHash should accept the matching key")
	}
	if VerifyKeyHash("pk_wrong-key", hash) {
		t.Error("VerifyKeyHash should reject a different key")
	}
	if VerifyKeyHash("", hash) {
		t.Error("VerifyKeyHash should reject an empty key")
	}
}

func TestLooksLikeKey(t *testing.T) {
	tests := []struct {
		credential string
		want       bool
	}{
		{"pk_abc123", true},
		{"pk_", true},
		{"eyJhbGciOiJIUzI1NiJ9.payload.sig", false},
		{"", false},
		{"PK_uppercase", false},
	}

	for _, tt := range tests {
		if got := LooksLikeKey(tt.credential); got != tt.want {
			t.Errorf("LooksLikeKey(%q) = %v, want %v", tt.credential, got, tt.want)
		}
	}
}
