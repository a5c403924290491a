package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/linkhub-dev/linkhub/internal/link"
)

// ErrStateNotFound reports a state token that is absent, already consumed,
// or swept.
var ErrStateNotFound = errors.New("oauth: state not found")

// ErrLinkNotFound reports that no active linked account exists for the pair.
var ErrLinkNotFound = errors.New("oauth: linked account not found")

// StateStore persists in-flight authorization states.
type StateStore interface {
	// PutState stores a new state record until its expiry.
	PutState(ctx context.Context, state State) error
	// ConsumeState atomically removes and returns the state for token.
	// A missing or already-consumed token returns ErrStateNotFound; two
	// concurrent consumes of the same token cannot both succeed.
	ConsumeState(ctx context.Context, token string) (State, error)
	// SweepExpiredStates deletes states expired as of now and reports how
	// many rows were removed.
	SweepExpiredStates(ctx context.Context, now time.Time) (int, error)
}

// LinkStore persists completed links between users and provider accounts.
type LinkStore interface {
	// UpsertLink stores the account, replacing any active row for the same
	// (user, provider) pair in a single atomic write.
	UpsertLink(ctx context.Context, account link.Account) error
	// GetLink returns the active account for the pair, or ErrLinkNotFound.
	GetLink(ctx context.Context, userID, providerID string) (link.Account, error)
	// ListLinks returns the user's active accounts.
	ListLinks(ctx context.Context, userID string) ([]link.Account, error)
	// UpdateLinkTokens replaces token material on an existing row.
	UpdateLinkTokens(ctx context.Context, account link.Account) error
	// DeactivateLink soft-deletes the active row for the pair.
	DeactivateLink(ctx context.Context, userID, providerID string, now time.Time) error
	// DeleteLink removes the row entirely. Only for owner-requested purges.
	DeleteLink(ctx context.Context, userID, providerID string) error
	// FindExpiringLinks returns active accounts whose access token expires
	// at or before cutoff and which hold a refresh token.
	FindExpiringLinks(ctx context.Context, cutoff time.Time, limit int) ([]link.Account, error)
}
