// Package provider abstracts the external OAuth providers a user can link to.
//
// Each provider is one Client implementation selected from a sealed registry
// built at startup. Callers depend only on the Client interface.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrProfileNotFound reports that the provider's profile endpoint has no
// account for the presented token. It is an expected outcome, not a fault:
// the callback flow reacts to it by provisioning.
var ErrProfileNotFound = errors.New("provider: profile not found")

// ErrRevokeUnsupported reports that the provider exposes no revocation endpoint.
var ErrRevokeUnsupported = errors.New("provider: revocation not supported")

// Token is the material returned by a code exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	Scopes       []string
	ExpiresAt    time.Time // zero when the provider reported no expiry
	IDToken      string
}

// Profile is the provider's view of the linked user.
type Profile struct {
	ExternalUserID string
	Email          string
	DisplayName    string
	Verified       bool
	Metadata       map[string]string
}

// OAuthError carries the provider's machine-readable rejection of an
// exchange, refresh, or revocation call.
type OAuthError struct {
	Provider    string
	Code        string // e.g. invalid_grant
	Description string
	StatusCode  int
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider %s rejected request: %s (%s)", e.Provider, e.Code, e.Description)
	}
	return fmt.Sprintf("provider %s rejected request: %s", e.Provider, e.Code)
}

// Client is implemented once per external provider.
type Client interface {
	// ID returns the registry key for this provider.
	ID() string
	// DisplayName returns the human-readable provider name.
	DisplayName() string
	// DefaultScopes returns the scopes requested when the caller names none.
	DefaultScopes() []string
	// UsesPKCE reports whether authorization requests carry a PKCE challenge.
	UsesPKCE() bool
	// AuthorizationURL builds the browser-facing authorization URL. Pure; no I/O.
	AuthorizationURL(state string, scopes []string, codeChallenge string) (string, error)
	// Exchange redeems an authorization code for tokens.
	Exchange(ctx context.Context, code, codeVerifier string) (Token, error)
	// Refresh redeems a refresh token for a fresh access token.
	Refresh(ctx context.Context, refreshToken string) (Token, error)
	// FetchProfile loads the provider profile for an access token. A missing
	// account surfaces as ErrProfileNotFound, distinct from transport faults.
	FetchProfile(ctx context.Context, accessToken string) (Profile, error)
	// Revoke invalidates an access token server-side. Best effort.
	Revoke(ctx context.Context, accessToken string) error
}
