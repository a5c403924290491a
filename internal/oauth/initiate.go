package oauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/linkhub-dev/linkhub/internal/platform/errors"
)

// InitiateInput identifies the caller and the provider to connect to.
type InitiateInput struct {
	UserID      string
	Provider    string
	Scopes      []string
	RedirectURL string
}

// InitiateResult carries the authorization URL the caller redirects to.
type InitiateResult struct {
	AuthorizationURL string
	StateToken       string
	ExpiresAt        time.Time
}

// Initiate creates a single-use state record and builds the provider
// authorization URL for it.
func (s *Service) Initiate(ctx context.Context, input InitiateInput) (InitiateResult, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.initiate")
	defer span.End()

	client, ok := s.providers.Lookup(input.Provider)
	if !ok {
		return InitiateResult{}, apperrors.WithMetadata(
			apperrors.CodeProviderNotFound,
			fmt.Sprintf("unknown provider %q", input.Provider),
			map[string]string{"known_providers": strings.Join(s.providers.IDs(), ",")},
		)
	}

	scopes := input.Scopes
	if len(scopes) == 0 {
		scopes = client.DefaultScopes()
	}

	state, err := NewState(input.UserID, input.Provider, scopes, input.RedirectURL, client.UsesPKCE(), s.clock(), s.stateTTL)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("create state: %w", err)
	}
	if err := s.states.PutState(ctx, state); err != nil {
		return InitiateResult{}, fmt.Errorf("store state: %w", err)
	}

	challenge := ""
	if state.CodeVerifier != "" {
		challenge = ComputeS256Challenge(state.CodeVerifier)
	}
	authURL, err := client.AuthorizationURL(state.Token, scopes, challenge)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("build authorization url: %w", err)
	}

	s.logger.Info("oauth flow initiated",
		zap.String("user_id", input.UserID),
		zap.String("provider", input.Provider),
		zap.Strings("scopes", scopes))

	return InitiateResult{
		AuthorizationURL: authURL,
		StateToken:       state.Token,
		ExpiresAt:        state.ExpiresAt,
	}, nil
}
