// Package oauth implements the provider-linking flows: CSRF state issuance,
// PKCE, code-for-token exchange, encrypted token persistence, provisioning
// fallback, and disconnect.
package oauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// DefaultStateTTL bounds how long an authorization attempt may stay in flight.
const DefaultStateTTL = 10 * time.Minute

// minStateTokenLength is the shortest acceptable encoded state token. Raw
// tokens carry 32 bytes of entropy, which never encodes below this.
const minStateTokenLength = 32

// ErrStateTokenTooShort rejects construction of under-sized state tokens.
var ErrStateTokenTooShort = errors.New("oauth: state token under 32 characters")

// State is one in-flight authorization attempt.
//
// It is an immutable value: created by Initiate, persisted, then removed by
// exactly one consume on the callback leg.
type State struct {
	Token        string
	UserID       string
	Provider     string
	CodeVerifier string // empty when the provider does not use PKCE
	RedirectURL  string
	Scopes       []string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// NewState builds a state record for one authorization attempt. A PKCE code
// verifier is generated when usePKCE is set.
func NewState(userID, providerID string, scopes []string, redirectURL string, usePKCE bool, now time.Time, ttl time.Duration) (State, error) {
	if userID == "" {
		return State{}, errors.New("oauth: user id is required")
	}
	if providerID == "" {
		return State{}, errors.New("oauth: provider id is required")
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}

	token, err := generateToken(32)
	if err != nil {
		return State{}, fmt.Errorf("generate state token: %w", err)
	}
	if len(token) < minStateTokenLength {
		return State{}, ErrStateTokenTooShort
	}

	verifier := ""
	if usePKCE {
		verifier, err = NewCodeVerifier()
		if err != nil {
			return State{}, fmt.Errorf("generate code verifier: %w", err)
		}
	}

	now = now.UTC()
	return State{
		Token:        token,
		UserID:       userID,
		Provider:     providerID,
		CodeVerifier: verifier,
		RedirectURL:  redirectURL,
		Scopes:       append([]string(nil), scopes...),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}, nil
}

// Expired reports whether the attempt has outlived its window.
func (s State) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Validate enforces the invariants a stored state must satisfy.
func (s State) Validate() error {
	if len(s.Token) < minStateTokenLength {
		return ErrStateTokenTooShort
	}
	if s.UserID == "" || s.Provider == "" {
		return errors.New("oauth: state missing user or provider")
	}
	if s.ExpiresAt.IsZero() {
		return errors.New("oauth: state missing expiry")
	}
	return nil
}

// TokensMatch compares a stored token against a caller-supplied one without
// leaking how long a shared prefix is.
func TokensMatch(stored, supplied string) bool {
	if stored == "" || supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

// generateToken returns length random bytes encoded as unpadded URL-safe base64.
func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
