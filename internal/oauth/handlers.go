package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/linkhub-dev/linkhub/internal/platform/errors"
)

type startResponse struct {
	AuthorizationURL string    `json:"authorization_url"`
	State            string    `json:"state"`
	ExpiresAt        time.Time `json:"expires_at"`
}

type exchangeRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

type linkResponse struct {
	Success        bool            `json:"success"`
	Provider       string          `json:"provider"`
	ExternalUserID string          `json:"external_user_id,omitempty"`
	LinkID         string          `json:"link_id,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	RequiresAction *RequiredAction `json:"requires_action,omitempty"`
}

type disconnectRequest struct {
	RevokeTokens bool `json:"revoke_tokens"`
	Purge        bool `json:"purge"`
}

type disconnectResponse struct {
	Success       bool   `json:"success"`
	Provider      string `json:"provider"`
	TokensRevoked bool   `json:"tokens_revoked"`
	Message       string `json:"message"`
}

type credentialsResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	Scopes      []string  `json:"scopes"`
}

type errorResponse struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

func (s *Server) handleProviderRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/connect/providers/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	providerID := parts[0]
	action := parts[1]

	switch action {
	case "start":
		s.handleStart(w, r, providerID)
	case "callback":
		s.handleCallback(w, r, providerID)
	case "exchange":
		s.handleExchange(w, r, providerID)
	case "disconnect":
		s.handleDisconnect(w, r, providerID)
	case "token":
		s.handleToken(w, r, providerID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.service.AvailableProviders()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, providerID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "missing user identity")
		return
	}

	var scopes []string
	if raw := strings.TrimSpace(r.URL.Query().Get("scopes")); raw != "" {
		scopes = strings.Fields(raw)
	}

	result, err := s.service.Initiate(r.Context(), InitiateInput{
		UserID:      userID,
		Provider:    providerID,
		Scopes:      scopes,
		RedirectURL: strings.TrimSpace(r.URL.Query().Get("redirect_uri")),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	if r.URL.Query().Get("redirect") == "1" {
		http.Redirect(w, r, result.AuthorizationURL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		AuthorizationURL: result.AuthorizationURL,
		State:            result.StateToken,
		ExpiresAt:        result.ExpiresAt,
	})
}

// handleCallback is the browser leg. When the consumed state carries a
// redirect URL the outcome is appended to it as query parameters so the
// frontend can render it; otherwise the outcome is returned as JSON.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request, providerID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params := r.URL.Query()

	result, err := s.service.Callback(r.Context(), CallbackInput{
		Provider:         providerID,
		Code:             params.Get("code"),
		StateToken:       params.Get("state"),
		ProviderError:    params.Get("error"),
		ProviderErrorMsg: params.Get("error_description"),
	})
	if err != nil {
		if result.RedirectURL != "" {
			s.redirectOutcome(w, r, result.RedirectURL, linkResponse{
				Provider:     providerID,
				Error:        string(apperrors.CodeOf(err)),
				ErrorMessage: err.Error(),
			})
			return
		}
		s.writeError(w, err)
		return
	}

	if result.RedirectURL != "" {
		s.redirectOutcome(w, r, result.RedirectURL, toLinkResponse(result))
		return
	}
	writeJSON(w, http.StatusOK, toLinkResponse(result))
}

// handleExchange is the API leg: the frontend posts the code and state
// it received from the provider and gets the outcome as JSON.
func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request, providerID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "missing user identity")
		return
	}
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Code == "" || req.State == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code and state are required")
		return
	}

	result, err := s.service.Callback(r.Context(), CallbackInput{
		Provider:   providerID,
		Code:       req.Code,
		StateToken: req.State,
		CallerID:   userID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkResponse(result))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, providerID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "missing user identity")
		return
	}

	var req disconnectRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}

	result, err := s.service.Disconnect(r.Context(), DisconnectInput{
		UserID:       userID,
		Provider:     providerID,
		RevokeTokens: req.RevokeTokens,
		Purge:        req.Purge,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disconnectResponse{
		Success:       result.Success,
		Provider:      result.Provider,
		TokensRevoked: result.TokensRevoked,
		Message:       result.Message,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request, providerID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "missing user identity")
		return
	}

	creds, err := s.service.Credentials(r.Context(), userID, providerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialsResponse{
		AccessToken: creds.AccessToken,
		ExpiresAt:   creds.ExpiresAt,
		Scopes:      creds.Scopes,
	})
}

func (s *Server) handleIntegrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "missing user identity")
		return
	}

	integrations, err := s.service.Integrations(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": integrations})
}

func toLinkResponse(result CallbackResult) linkResponse {
	return linkResponse{
		Success:        result.Success,
		Provider:       result.Provider,
		ExternalUserID: result.ExternalUserID,
		LinkID:         result.LinkID,
		Error:          result.ErrorCode,
		ErrorMessage:   result.ErrorMessage,
		RequiresAction: result.RequiresAction,
	}
}

func (s *Server) redirectOutcome(w http.ResponseWriter, r *http.Request, target string, outcome linkResponse) {
	redirectURL, err := url.Parse(target)
	if err != nil {
		writeJSON(w, http.StatusOK, outcome)
		return
	}
	query := redirectURL.Query()
	query.Set("provider", outcome.Provider)
	if outcome.Success {
		query.Set("linked", "1")
	} else {
		query.Set("linked", "0")
		query.Set("error", outcome.Error)
		if outcome.ErrorMessage != "" {
			query.Set("error_message", outcome.ErrorMessage)
		}
	}
	if outcome.RequiresAction != nil {
		query.Set("action", outcome.RequiresAction.Kind)
		if outcome.RequiresAction.URL != "" {
			query.Set("action_url", outcome.RequiresAction.URL)
		}
	}
	redirectURL.RawQuery = query.Encode()
	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

// writeError maps domain errors to HTTP statuses. Unclassified errors
// are logged and reported as a generic 500 so internals never leak.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		writeJSONError(w, domainErr.Code.HTTPStatus(), string(domainErr.Code), domainErr.Message)
		return
	}
	s.logger.Error("request failed", zap.Error(err))
	writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal error")
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorMessage: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
