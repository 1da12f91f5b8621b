// Package pkce implements RFC 7636 Proof Key for Code Exchange with the
// S256 challenge method.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Method is the only challenge transform the module supports; plain is
// forbidden by OAuth 2.1.
const Method = "S256"

// GenerateVerifier returns a fresh high-entropy code verifier: 32 random
// bytes base64url encoded, 43 characters, within the RFC 7636 43-128 bounds.
func GenerateVerifier() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ChallengeS256 derives the S256 code challenge for a verifier.
func ChallengeS256(verifier string) string {
	digest := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// VerifyS256 reports whether the verifier matches the challenge, comparing
// in constant time.
func VerifyS256(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	derived := ChallengeS256(verifier)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}
