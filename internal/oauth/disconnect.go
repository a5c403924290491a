package oauth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DisconnectInput names the link to sever and how thoroughly.
type DisconnectInput struct {
	UserID   string
	Provider string
	// RevokeTokens asks the provider to invalidate the access token
	// server-side before the local record is removed.
	RevokeTokens bool
	// Purge removes the row entirely instead of deactivating it.
	Purge bool
}

// DisconnectResult reports what happened. Success is false only when no
// active link existed.
type DisconnectResult struct {
	Success       bool
	Provider      string
	TokensRevoked bool
	Message       string
}

// Disconnect severs the link between a user and a provider. Revocation
// is best effort; a provider that refuses or cannot revoke never blocks
// the local removal.
func (s *Service) Disconnect(ctx context.Context, input DisconnectInput) (DisconnectResult, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.disconnect")
	defer span.End()

	account, err := s.links.GetLink(ctx, input.UserID, input.Provider)
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			return DisconnectResult{
				Provider: input.Provider,
				Message:  "no linked account for this provider",
			}, nil
		}
		return DisconnectResult{}, fmt.Errorf("load link: %w", err)
	}

	result := DisconnectResult{Success: true, Provider: input.Provider, Message: "disconnected"}

	if input.RevokeTokens {
		client, ok := s.providers.Lookup(input.Provider)
		if ok {
			accessToken, err := s.decrypt(account.AccessToken, account.CryptoContext())
			if err != nil {
				s.logger.Warn("could not decrypt access token for revocation",
					zap.String("provider", input.Provider),
					zap.String("user_id", input.UserID),
					zap.Error(err))
			} else if err := client.Revoke(ctx, accessToken); err != nil {
				s.logger.Warn("token revocation failed",
					zap.String("provider", input.Provider),
					zap.String("user_id", input.UserID),
					zap.Error(err))
			} else {
				result.TokensRevoked = true
			}
		}
	}

	if input.Purge {
		err = s.links.DeleteLink(ctx, input.UserID, input.Provider)
	} else {
		err = s.links.DeactivateLink(ctx, input.UserID, input.Provider, s.clock())
	}
	if err != nil {
		return DisconnectResult{}, fmt.Errorf("remove link: %w", err)
	}

	s.logger.Info("account disconnected",
		zap.String("provider", input.Provider),
		zap.String("user_id", input.UserID),
		zap.Bool("revoked", result.TokensRevoked),
		zap.Bool("purged", input.Purge))

	return result, nil
}
