package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/linkhub-dev/linkhub/internal/link"
	"github.com/linkhub-dev/linkhub/internal/oauth"
)

const accountColumns = `id, user_id, provider, external_user_id, access_token, refresh_token,
token_expires_at, scopes, metadata, is_active, last_sync_at, created_at, updated_at`

// UpsertLink stores the account, replacing any active row for the same
// user and provider pair in one statement.
func (s *Store) UpsertLink(ctx context.Context, account link.Account) error {
	metadata, err := encodeMetadata(account.Metadata)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO linked_accounts (`+accountColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, provider) WHERE is_active = 1 DO UPDATE SET
    id = excluded.id,
    external_user_id = excluded.external_user_id,
    access_token = excluded.access_token,
    refresh_token = excluded.refresh_token,
    token_expires_at = excluded.token_expires_at,
    scopes = excluded.scopes,
    metadata = excluded.metadata,
    last_sync_at = excluded.last_sync_at,
    updated_at = excluded.updated_at`,
		account.ID, account.UserID, account.Provider, account.ExternalUserID,
		account.AccessToken, account.RefreshToken, toMillis(account.TokenExpiresAt),
		joinScopes(account.Scopes), metadata, boolToInt(account.Active),
		toMillis(account.LastSyncAt), toMillis(account.CreatedAt), toMillis(account.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}
	return nil
}

// GetLink returns the active account for the pair.
func (s *Store) GetLink(ctx context.Context, userID, providerID string) (link.Account, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+accountColumns+`
FROM linked_accounts
WHERE user_id = ? AND provider = ? AND is_active = 1`,
		userID, providerID)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return link.Account{}, oauth.ErrLinkNotFound
	}
	if err != nil {
		return link.Account{}, fmt.Errorf("get link: %w", err)
	}
	return account, nil
}

// ListLinks returns the user's active accounts ordered by provider.
func (s *Store) ListLinks(ctx context.Context, userID string) ([]link.Account, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+accountColumns+`
FROM linked_accounts
WHERE user_id = ? AND is_active = 1
ORDER BY provider`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var accounts []link.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("list links: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return accounts, nil
}

// UpdateLinkTokens replaces token material on an existing row.
func (s *Store) UpdateLinkTokens(ctx context.Context, account link.Account) error {
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE linked_accounts
SET access_token = ?, refresh_token = ?, token_expires_at = ?, updated_at = ?
WHERE user_id = ? AND provider = ? AND is_active = 1`,
		account.AccessToken, account.RefreshToken, toMillis(account.TokenExpiresAt),
		toMillis(account.UpdatedAt), account.UserID, account.Provider)
	if err != nil {
		return fmt.Errorf("update link tokens: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update link tokens: %w", err)
	}
	if affected == 0 {
		return oauth.ErrLinkNotFound
	}
	return nil
}

// DeactivateLink soft-deletes the active row for the pair.
func (s *Store) DeactivateLink(ctx context.Context, userID, providerID string, now time.Time) error {
	_, err := s.sqlDB.ExecContext(ctx, `
UPDATE linked_accounts
SET is_active = 0, updated_at = ?
WHERE user_id = ? AND provider = ? AND is_active = 1`,
		toMillis(now), userID, providerID)
	if err != nil {
		return fmt.Errorf("deactivate link: %w", err)
	}
	return nil
}

// DeleteLink removes every row for the pair, active or not.
func (s *Store) DeleteLink(ctx context.Context, userID, providerID string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM linked_accounts WHERE user_id = ? AND provider = ?`,
		userID, providerID)
	if err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	return nil
}

// FindExpiringLinks returns active accounts with a refresh token whose
// access token expires at or before cutoff.
func (s *Store) FindExpiringLinks(ctx context.Context, cutoff time.Time, limit int) ([]link.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+accountColumns+`
FROM linked_accounts
WHERE is_active = 1
  AND token_expires_at > 0
  AND token_expires_at <= ?
  AND refresh_token IS NOT NULL
  AND length(refresh_token) > 0
ORDER BY token_expires_at
LIMIT ?`,
		toMillis(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("find expiring links: %w", err)
	}
	defer rows.Close()

	var accounts []link.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("find expiring links: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find expiring links: %w", err)
	}
	return accounts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (link.Account, error) {
	var account link.Account
	var scopes, metadata string
	var active int
	var tokenExpiresAt, lastSyncAt, createdAt, updatedAt int64
	err := row.Scan(&account.ID, &account.UserID, &account.Provider, &account.ExternalUserID,
		&account.AccessToken, &account.RefreshToken, &tokenExpiresAt,
		&scopes, &metadata, &active, &lastSyncAt, &createdAt, &updatedAt)
	if err != nil {
		return link.Account{}, err
	}
	account.Scopes = splitScopes(scopes)
	account.Metadata, err = decodeMetadata(metadata)
	if err != nil {
		return link.Account{}, err
	}
	account.Active = active != 0
	account.TokenExpiresAt = fromMillis(tokenExpiresAt)
	account.LastSyncAt = fromMillis(lastSyncAt)
	account.CreatedAt = fromMillis(createdAt)
	account.UpdatedAt = fromMillis(updatedAt)
	return account, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
