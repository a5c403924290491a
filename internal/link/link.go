// Package link defines the durable record of a user's connection to an
// external provider account.
package link

import (
	"time"
)

// ExpiryBuffer is subtracted from the provider-reported expiry so that tokens
// are treated as stale before provider-side clock skew can bite.
const ExpiryBuffer = 5 * time.Minute

// Account records a completed link between a local user and a
// (provider, external user id) pair.
//
// Token fields hold encrypted blobs produced by tokencrypt; plaintext never
// touches this type. Accounts are value records: updates construct a new
// record and the store replaces the row atomically.
type Account struct {
	ID             string
	UserID         string
	Provider       string
	ExternalUserID string
	AccessToken    []byte // encrypted at rest
	RefreshToken   []byte // nil when the provider issued none
	TokenExpiresAt time.Time // zero when the provider reported no expiry
	Scopes         []string
	Metadata       map[string]string
	Active         bool
	LastSyncAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TokenExpired reports whether the access token is within the expiry buffer.
// Accounts without a recorded expiry never report expired.
func (a Account) TokenExpired(now time.Time) bool {
	if a.TokenExpiresAt.IsZero() {
		return false
	}
	return !now.Before(a.TokenExpiresAt.Add(-ExpiryBuffer))
}

// CanRefresh reports whether a refresh token is stored for this account.
func (a Account) CanRefresh() bool {
	return len(a.RefreshToken) > 0
}

// CryptoContext is the additional-authenticated-data string binding this
// account's token ciphertexts to their owner.
func (a Account) CryptoContext() string {
	return a.Provider + ":" + a.UserID
}

// WithTokens returns a copy of the account carrying rotated token material.
func (a Account) WithTokens(access, refresh []byte, expiresAt, now time.Time) Account {
	updated := a
	updated.AccessToken = access
	if len(refresh) > 0 {
		updated.RefreshToken = refresh
	}
	updated.TokenExpiresAt = expiresAt
	updated.LastSyncAt = now
	updated.UpdatedAt = now
	return updated
}
