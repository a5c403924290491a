package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/linkhub-dev/linkhub/internal/link"
	apperrors "github.com/linkhub-dev/linkhub/internal/platform/errors"
	"github.com/linkhub-dev/linkhub/internal/provider"
	"github.com/linkhub-dev/linkhub/internal/provision"
	"github.com/linkhub-dev/linkhub/internal/tokencrypt"
)

// CallbackInput carries the parameters the provider sends back after the
// user authorizes (or declines) the request.
type CallbackInput struct {
	Provider   string
	Code       string
	StateToken string
	// CallerID is the authenticated caller on the direct exchange leg.
	// When set it must match the user the state was issued to. The
	// browser leg leaves it empty; there the state token is the proof.
	CallerID         string
	ProviderError    string
	ProviderErrorMsg string
}

// RequiredAction tells the user what to do when linking could not finish
// automatically.
type RequiredAction struct {
	Kind         string `json:"kind"`
	URL          string `json:"url,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// CallbackResult reports the outcome of the callback leg. Business
// failures set Success to false and describe themselves; protocol
// violations are returned as errors instead.
type CallbackResult struct {
	Success        bool
	Provider       string
	ExternalUserID string
	LinkID         string
	RedirectURL    string
	ErrorCode      string
	ErrorMessage   string
	RequiresAction *RequiredAction
}

// Required action kinds.
const (
	ActionRegisterManually = "register_manually"
	ActionVerifyAccount    = "verify_account"
)

// callbackFlowTimeout bounds the callback once it is detached from the
// request context.
const callbackFlowTimeout = time.Minute

func failure(providerID, code, message string) CallbackResult {
	return CallbackResult{Provider: providerID, ErrorCode: code, ErrorMessage: message}
}

// Callback consumes the state token, exchanges the authorization code,
// resolves the external profile (provisioning the user when the provider
// does not know them yet), and persists the encrypted link.
//
// Invalid state and provider protocol errors are returned as errors so
// the transport layer can map them to 4xx responses. Everything else
// that goes wrong is folded into a failed CallbackResult.
func (s *Service) Callback(ctx context.Context, input CallbackInput) (CallbackResult, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.callback")
	defer span.End()
	span.SetAttributes(attribute.String("oauth.provider", input.Provider))

	if input.ProviderError != "" {
		s.logger.Warn("provider returned error on callback",
			zap.String("provider", input.Provider),
			zap.String("error", input.ProviderError))
		return failure(input.Provider, input.ProviderError, input.ProviderErrorMsg), nil
	}

	client, ok := s.providers.Lookup(input.Provider)
	if !ok {
		return CallbackResult{}, apperrors.New(apperrors.CodeProviderNotFound,
			fmt.Sprintf("unknown provider %q", input.Provider))
	}

	now := s.clock()
	state, err := s.states.ConsumeState(ctx, input.StateToken)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return CallbackResult{}, apperrors.New(apperrors.CodeInvalidState, "state token is unknown or already used")
		}
		return CallbackResult{}, fmt.Errorf("consume state: %w", err)
	}
	if !TokensMatch(state.Token, input.StateToken) || state.Provider != input.Provider {
		return CallbackResult{}, apperrors.New(apperrors.CodeInvalidState, "state token does not match this request")
	}
	if state.Expired(now) {
		return CallbackResult{}, apperrors.New(apperrors.CodeInvalidState, "state token has expired")
	}
	if input.CallerID != "" && input.CallerID != state.UserID {
		return CallbackResult{}, apperrors.New(apperrors.CodeInvalidState, "state token was issued to a different user")
	}

	// The caller can drop off mid-flow. Once the code is about to be
	// redeemed the remaining steps must run to completion, or the
	// provider issues tokens that no stored link accounts for.
	ctx, cancelFlow := context.WithTimeout(context.WithoutCancel(ctx), callbackFlowTimeout)
	defer cancelFlow()

	result := CallbackResult{Provider: input.Provider, RedirectURL: state.RedirectURL}

	token, err := client.Exchange(ctx, input.Code, state.CodeVerifier)
	if err != nil {
		var oauthErr *provider.OAuthError
		if errors.As(err, &oauthErr) {
			return result, apperrors.Wrap(apperrors.CodeOAuthError, "authorization code exchange rejected", err)
		}
		s.logger.Error("code exchange failed",
			zap.String("provider", input.Provider),
			zap.String("user_id", state.UserID),
			zap.Error(err))
		result.ErrorCode = "exchange_failed"
		result.ErrorMessage = "could not exchange the authorization code"
		return result, nil
	}

	profile, err := client.FetchProfile(ctx, token.AccessToken)
	if errors.Is(err, provider.ErrProfileNotFound) {
		profile, err = s.provisionAndRetry(ctx, client, state, token.AccessToken, &result)
		if err != nil || result.ErrorCode != "" {
			return result, err
		}
	} else if err != nil {
		s.logger.Error("profile fetch failed",
			zap.String("provider", input.Provider),
			zap.String("user_id", state.UserID),
			zap.Error(err))
		result.ErrorCode = "profile_fetch_failed"
		result.ErrorMessage = "could not read the connected profile"
		return result, nil
	}

	account, err := s.persistLink(ctx, state, token, profile, now)
	if err != nil {
		s.logger.Error("persisting link failed",
			zap.String("provider", input.Provider),
			zap.String("user_id", state.UserID),
			zap.Error(err))
		result.ErrorCode = "link_failed"
		result.ErrorMessage = "could not save the linked account"
		return result, nil
	}

	s.logger.Info("account linked",
		zap.String("provider", input.Provider),
		zap.String("user_id", state.UserID),
		zap.String("external_user_id", profile.ExternalUserID))

	result.Success = true
	result.ExternalUserID = profile.ExternalUserID
	result.LinkID = account.ID
	return result, nil
}

// provisionAndRetry handles the case where the provider has no account
// for the authorized identity. It looks the caller up in the directory,
// asks the provider's provisioner to create the account, then retries
// the profile fetch once. Failures are recorded on result.
func (s *Service) provisionAndRetry(ctx context.Context, client provider.Client, state State, accessToken string, result *CallbackResult) (provider.Profile, error) {
	prov, ok := s.provisioners[state.Provider]
	if !ok {
		result.ErrorCode = "user_not_found"
		result.ErrorMessage = "the provider has no account for this user"
		return provider.Profile{}, nil
	}

	user, err := s.users.LookupUser(ctx, state.UserID)
	if err != nil {
		s.logger.Error("directory lookup failed",
			zap.String("user_id", state.UserID),
			zap.Error(err))
		result.ErrorCode = "provisioning_failed"
		result.ErrorMessage = "could not resolve the local user"
		return provider.Profile{}, nil
	}

	outcome, err := prov.Provision(ctx, provision.Request{
		Email:       user.Email,
		Name:        user.Name,
		LocalUserID: user.ID,
		Phone:       user.Phone,
	})
	if err != nil {
		s.logger.Error("provisioning call failed",
			zap.String("provider", state.Provider),
			zap.String("user_id", state.UserID),
			zap.Error(err))
		result.ErrorCode = "provisioning_failed"
		result.ErrorMessage = "could not create the provider account"
		return provider.Profile{}, nil
	}

	switch outcome.Kind {
	case provision.KindFailed:
		result.ErrorCode = "provisioning_failed"
		result.ErrorMessage = outcome.Reason
		result.RequiresAction = &RequiredAction{
			Kind: ActionRegisterManually,
			URL:  outcome.FallbackURL,
		}
		return provider.Profile{}, nil
	case provision.KindPendingVerification:
		result.ErrorCode = "pending_verification"
		result.ErrorMessage = "the provider account needs verification before linking"
		result.RequiresAction = &RequiredAction{
			Kind:         ActionVerifyAccount,
			Instructions: outcome.Instructions,
		}
		return provider.Profile{}, nil
	}

	if verified, verr := prov.IsVerified(ctx, outcome.ExternalUserID); verr == nil && !verified {
		result.ErrorCode = "pending_verification"
		result.ErrorMessage = "the provider account needs verification before linking"
		result.RequiresAction = &RequiredAction{Kind: ActionVerifyAccount}
		return provider.Profile{}, nil
	}

	profile, err := client.FetchProfile(ctx, accessToken)
	if err != nil {
		s.logger.Error("profile fetch still failing after provisioning",
			zap.String("provider", state.Provider),
			zap.String("user_id", state.UserID),
			zap.Error(err))
		result.ErrorCode = "user_not_found"
		result.ErrorMessage = "the provider has no account for this user"
		return provider.Profile{}, nil
	}
	return profile, nil
}

func (s *Service) persistLink(ctx context.Context, state State, token provider.Token, profile provider.Profile, now time.Time) (link.Account, error) {
	cryptoCtx := state.Provider + ":" + state.UserID

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

	scopes := token.Scopes
	if len(scopes) == 0 {
		scopes = state.Scopes
	}

	metadata := map[string]string{}
	for k, v := range profile.Metadata {
		metadata[k] = v
	}
	if token.IDToken != "" {
		if claims, err := provider.ProfileFromIDToken(token.IDToken); err == nil {
			if metadata["email"] == "" && claims.Email != "" {
				metadata["email"] = claims.Email
			}
			if metadata["name"] == "" && claims.DisplayName != "" {
				metadata["name"] = claims.DisplayName
			}
		}
	}

	account := link.Account{
		ID:             uuid.NewString(),
		UserID:         state.UserID,
		Provider:       state.Provider,
		ExternalUserID: profile.ExternalUserID,
		AccessToken:    accessBlob,
		RefreshToken:   refreshBlob,
		TokenExpiresAt: token.ExpiresAt,
		Scopes:         scopes,
		Metadata:       metadata,
		Active:         true,
		LastSyncAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.links.UpsertLink(ctx, account); err != nil {
		return link.Account{}, err
	}
	return account, nil
}

func (s *Service) encrypt(plaintext, cryptoCtx string) ([]byte, error) {
	enc, err := s.codec.EncryptWithContext([]byte(plaintext), cryptoCtx)
	if err != nil {
		return nil, err
	}
	return enc.Marshal(), nil
}

func (s *Service) decrypt(blob []byte, cryptoCtx string) (string, error) {
	enc, err := tokencrypt.UnmarshalEncryptedToken(blob)
	if err != nil {
		return "", err
	}
	plaintext, err := s.codec.DecryptWithContext(enc, cryptoCtx)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
