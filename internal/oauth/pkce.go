package oauth

import (
	"crypto/sha256"
	"encoding/base64"
)

// NewCodeVerifier returns a random PKCE code verifier: 32 random bytes,
// URL-safe base64 without padding.
func NewCodeVerifier() (string, error) {
	return generateToken(32)
}

// ComputeS256Challenge computes the OAuth PKCE S256 challenge from a verifier.
func ComputeS256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
