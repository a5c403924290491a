package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/linkhub-dev/linkhub/internal/oauth"
)

// PutState stores a state record until its expiry.
func (s *Store) PutState(ctx context.Context, state oauth.State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO oauth_states (token, user_id, provider, code_verifier, redirect_url, scopes, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		state.Token, state.UserID, state.Provider, state.CodeVerifier,
		state.RedirectURL, joinScopes(state.Scopes),
		toMillis(state.CreatedAt), toMillis(state.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert state: %w", err)
	}
	return nil
}

// ConsumeState removes and returns the state for token in one statement,
// so concurrent callbacks with the same token cannot both succeed.
func (s *Store) ConsumeState(ctx context.Context, token string) (oauth.State, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
DELETE FROM oauth_states
WHERE token = ?
RETURNING token, user_id, provider, code_verifier, redirect_url, scopes, created_at, expires_at`,
		token)

	var state oauth.State
	var scopes string
	var createdAt, expiresAt int64
	err := row.Scan(&state.Token, &state.UserID, &state.Provider, &state.CodeVerifier,
		&state.RedirectURL, &scopes, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return oauth.State{}, oauth.ErrStateNotFound
	}
	if err != nil {
		return oauth.State{}, fmt.Errorf("consume state: %w", err)
	}
	state.Scopes = splitScopes(scopes)
	state.CreatedAt = fromMillis(createdAt)
	state.ExpiresAt = fromMillis(expiresAt)
	return state, nil
}

// SweepExpiredStates deletes states expired as of now.
func (s *Store) SweepExpiredStates(ctx context.Context, now time.Time) (int, error) {
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("sweep states: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep states: %w", err)
	}
	return int(affected), nil
}
