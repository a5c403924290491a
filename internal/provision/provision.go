// Package provision creates accounts in an external system when a user links
// a provider that has no profile for them yet.
package provision

import "context"

// Kind tags a provisioning outcome.
type Kind string

const (
	// KindCreated reports a freshly created external account.
	KindCreated Kind = "created"
	// KindExisting reports an account that already existed for the email.
	KindExisting Kind = "existing"
	// KindPendingVerification reports an account awaiting an out-of-band step.
	KindPendingVerification Kind = "pending_verification"
	// KindFailed reports that the external system refused to create the account.
	KindFailed Kind = "failed"
)

// Outcome is the synchronous result of a provisioning attempt. It is never
// persisted; the callback flow folds it into its own result.
type Outcome struct {
	Kind           Kind
	ExternalUserID string
	Instructions   string // pending_verification only
	Reason         string // failed only
	Retryable      bool   // failed only
	FallbackURL    string // failed only: manual registration fallback
}

// Request carries the local user's identity into the external system.
type Request struct {
	Email       string
	Name        string
	LocalUserID string
	Phone       string
	Timezone    string
	Locale      string
}

// Client provisions users in one external system.
//
// Provision must be idempotent by email: a second call for the same email
// yields KindExisting, never a duplicate account. Errors are reserved for
// transport faults; refusals surface as KindFailed outcomes.
type Client interface {
	// FindUserByEmail returns the external user id, or "" when none exists.
	FindUserByEmail(ctx context.Context, email string) (string, error)
	// Provision creates (or finds) the external account for the request.
	Provision(ctx context.Context, req Request) (Outcome, error)
	// IsVerified reports whether the external account finished verification.
	IsVerified(ctx context.Context, externalUserID string) (bool, error)
	// RegistrationURL returns the manual signup fallback, optionally
	// pre-filling the email.
	RegistrationURL(email string) string
}
