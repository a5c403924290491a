package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/linkhub-dev/linkhub/internal/link"
	apperrors "github.com/linkhub-dev/linkhub/internal/platform/errors"
	"github.com/linkhub-dev/linkhub/internal/provider"
)

// Credentials is a decrypted, usable access token for an upstream call.
type Credentials struct {
	AccessToken string
	ExpiresAt   time.Time
	Scopes      []string
}

// Credentials returns a live access token for the user's link with the
// provider, refreshing it first when it is expired or about to expire.
func (s *Service) Credentials(ctx context.Context, userID, providerID string) (Credentials, error) {
	account, err := s.links.GetLink(ctx, userID, providerID)
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			return Credentials{}, apperrors.New(apperrors.CodeLinkNotFound,
				fmt.Sprintf("no linked account for provider %q", providerID))
		}
		return Credentials{}, fmt.Errorf("load link: %w", err)
	}

	now := s.clock()
	if account.TokenExpired(now) {
		account, err = s.refreshLink(ctx, account)
		if err != nil {
			return Credentials{}, err
		}
	}

	accessToken, err := s.decrypt(account.AccessToken, account.CryptoContext())
	if err != nil {
		return Credentials{}, fmt.Errorf("decrypt access token: %w", err)
	}
	return Credentials{
		AccessToken: accessToken,
		ExpiresAt:   account.TokenExpiresAt,
		Scopes:      account.Scopes,
	}, nil
}

// refreshLink redeems the stored refresh token and persists the new
// token material. The caller must have checked TokenExpired first.
func (s *Service) refreshLink(ctx context.Context, account link.Account) (link.Account, error) {
	if !account.CanRefresh() {
		return link.Account{}, apperrors.New(apperrors.CodeTokenExpired,
			"access token expired and no refresh token is stored")
	}
	client, ok := s.providers.Lookup(account.Provider)
	if !ok {
		return link.Account{}, apperrors.New(apperrors.CodeProviderNotFound,
			fmt.Sprintf("provider %q is no longer configured", account.Provider))
	}

	cryptoCtx := account.CryptoContext()
	refreshToken, err := s.decrypt(account.RefreshToken, cryptoCtx)
	if err != nil {
		return link.Account{}, fmt.Errorf("decrypt refresh token: %w", err)
	}

	token, err := client.Refresh(ctx, refreshToken)
	if err != nil {
		var oauthErr *provider.OAuthError
		if errors.As(err, &oauthErr) && oauthErr.Code == "invalid_grant" {
			return link.Account{}, apperrors.Wrap(apperrors.CodeTokenExpired,
				"refresh token was revoked by the provider", err)
		}
		return link.Account{}, apperrors.Wrap(apperrors.CodeOAuthError, "token refresh rejected", err)
	}

	accessBlob, err := s.encrypt(token.AccessToken, cryptoCtx)
	if err != nil {
		return link.Account{}, fmt.Errorf("encrypt access token: %w", err)
	}
	var refreshBlob []byte
	if token.RefreshToken != "" {
		refreshBlob, err = s.encrypt(token.RefreshToken, cryptoCtx)
		if err != nil {
			return link.Account{}, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	account = account.WithTokens(accessBlob, refreshBlob, token.ExpiresAt, s.clock())
	if err := s.links.UpdateLinkTokens(ctx, account); err != nil {
		return link.Account{}, fmt.Errorf("store refreshed tokens: %w", err)
	}

	s.logger.Info("access token refreshed",
		zap.String("provider", account.Provider),
		zap.String("user_id", account.UserID))
	return account, nil
}

// RefreshExpiring proactively refreshes links whose access tokens are
// inside the expiry buffer. It returns how many links were refreshed.
// Per-link failures are logged and skipped so one broken link cannot
// stall the sweep.
func (s *Service) RefreshExpiring(ctx context.Context, limit int) (int, error) {
	cutoff := s.clock().Add(link.ExpiryBuffer)
	accounts, err := s.links.FindExpiringLinks(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("find expiring links: %w", err)
	}

	refreshed := 0
	for _, account := range accounts {
		if !account.CanRefresh() {
			continue
		}
		if _, err := s.refreshLink(ctx, account); err != nil {
			s.logger.Warn("background refresh failed",
				zap.String("provider", account.Provider),
				zap.String("user_id", account.UserID),
				zap.Error(err))
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// SweepStates deletes expired state records and reports the count.
func (s *Service) SweepStates(ctx context.Context) (int, error) {
	return s.states.SweepExpiredStates(ctx, s.clock())
}
