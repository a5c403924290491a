package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config describes one external OAuth provider. JSON tags cover the
// LINKHUB_PROVIDERS startup blob.
type Config struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	ClientID      string   `json:"client_id"`
	ClientSecret  string   `json:"client_secret"`
	RedirectURI   string   `json:"redirect_uri"`
	AuthURL       string   `json:"auth_url"`
	TokenURL      string   `json:"token_url"`
	UserInfoURL   string   `json:"user_info_url"`
	RevokeURL     string   `json:"revoke_url"`
	Scopes        []string `json:"scopes"`
	DisablePKCE   bool     `json:"disable_pkce"`
	ProfileFormat string   `json:"profile_format"` // "oidc" (default) or "github"
}

type restClient struct {
	config     Config
	httpClient *http.Client
	clock      func() time.Time
}

// NewClient builds a Client for one provider configuration.
func NewClient(config Config, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &restClient{
		config:     config,
		httpClient: httpClient,
		clock:      time.Now,
	}
}

func (c *restClient) ID() string          { return c.config.ID }
func (c *restClient) DisplayName() string { return c.config.Name }
func (c *restClient) UsesPKCE() bool      { return !c.config.DisablePKCE }

func (c *restClient) DefaultScopes() []string {
	scopes := make([]string, len(c.config.Scopes))
	copy(scopes, c.config.Scopes)
	return scopes
}

func (c *restClient) AuthorizationURL(state string, scopes []string, codeChallenge string) (string, error) {
	authURL, err := url.Parse(c.config.AuthURL)
	if err != nil {
		return "", fmt.Errorf("invalid auth url for provider %s: %w", c.config.ID, err)
	}

	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", c.config.ClientID)
	query.Set("redirect_uri", c.config.RedirectURI)
	query.Set("scope", strings.Join(scopes, " "))
	query.Set("state", state)
	if codeChallenge != "" {
		query.Set("code_challenge", codeChallenge)
		query.Set("code_challenge_method", "S256")
	}
	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}

func (c *restClient) Exchange(ctx context.Context, code, codeVerifier string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.config.RedirectURI)
	form.Set("client_id", c.config.ClientID)
	form.Set("client_secret", c.config.ClientSecret)
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	return c.doTokenRequest(ctx, form)
}

func (c *restClient) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.config.ClientID)
	form.Set("client_secret", c.config.ClientSecret)
	return c.doTokenRequest(ctx, form)
}

func (c *restClient) doTokenRequest(ctx context.Context, form url.Values) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Token{}, c.decodeOAuthError(resp)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
		ExpiresIn    int64  `json:"expires_in"`
		IDToken      string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Token{}, fmt.Errorf("decode token response from %s: %w", c.config.ID, err)
	}
	if payload.AccessToken == "" {
		return Token{}, &OAuthError{
			Provider:   c.config.ID,
			Code:       "invalid_response",
			StatusCode: resp.StatusCode,
		}
	}

	expiresAt := time.Time{}
	if payload.ExpiresIn > 0 {
		expiresAt = c.clock().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		Scopes:       strings.Fields(payload.Scope),
		ExpiresAt:    expiresAt,
		IDToken:      payload.IDToken,
	}, nil
}

func (c *restClient) decodeOAuthError(resp *http.Response) *OAuthError {
	oauthErr := &OAuthError{
		Provider:   c.config.ID,
		Code:       "server_error",
		StatusCode: resp.StatusCode,
	}
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		oauthErr.Code = payload.Error
		oauthErr.Description = payload.ErrorDescription
	}
	return oauthErr
}

func (c *restClient) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	if c.config.UserInfoURL == "" {
		return Profile{}, fmt.Errorf("provider %s has no profile endpoint", c.config.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.UserInfoURL, nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Profile{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return Profile{}, ErrProfileNotFound
	case resp.StatusCode != http.StatusOK:
		return Profile{}, fmt.Errorf("provider %s profile request failed: status %d", c.config.ID, resp.StatusCode)
	}

	if c.config.ProfileFormat == "github" {
		return decodeGitHubProfile(resp)
	}
	return decodeOIDCProfile(resp)
}

func decodeOIDCProfile(resp *http.Response) (Profile, error) {
	var payload struct {
		Sub           string `json:"sub"`
		Name          string `json:"name"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Picture       string `json:"picture"`
		Locale        string `json:"locale"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Profile{}, err
	}
	if payload.Sub == "" {
		return Profile{}, ErrProfileNotFound
	}
	metadata := map[string]string{}
	if payload.Picture != "" {
		metadata["picture"] = payload.Picture
	}
	if payload.Locale != "" {
		metadata["locale"] = payload.Locale
	}
	return Profile{
		ExternalUserID: payload.Sub,
		Email:          payload.Email,
		DisplayName:    firstNonEmpty(payload.Name, payload.Email, payload.Sub),
		Verified:       payload.EmailVerified,
		Metadata:       metadata,
	}, nil
}

func decodeGitHubProfile(resp *http.Response) (Profile, error) {
	var payload struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Profile{}, err
	}
	if payload.ID == 0 {
		return Profile{}, ErrProfileNotFound
	}
	return Profile{
		ExternalUserID: strconv.FormatInt(payload.ID, 10),
		Email:          payload.Email,
		DisplayName:    firstNonEmpty(payload.Name, payload.Login, payload.Email),
		Verified:       payload.Email != "",
		Metadata:       map[string]string{"login": payload.Login},
	}, nil
}

// ProfileFromIDToken extracts a profile from an OIDC id_token's claims.
//
// The id_token arrived over the TLS channel from the token endpoint, not from
// the browser, so claim extraction here does not re-verify the signature.
func ProfileFromIDToken(idToken string) (Profile, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return Profile{}, fmt.Errorf("parse id_token: %w", err)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Profile{}, ErrProfileNotFound
	}
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	verified, _ := claims["email_verified"].(bool)
	return Profile{
		ExternalUserID: sub,
		Email:          email,
		DisplayName:    firstNonEmpty(name, email, sub),
		Verified:       verified,
		Metadata:       map[string]string{},
	}, nil
}

func (c *restClient) Revoke(ctx context.Context, accessToken string) error {
	if c.config.RevokeURL == "" {
		return ErrRevokeUnsupported
	}

	form := url.Values{}
	form.Set("token", accessToken)
	form.Set("client_id", c.config.ClientID)
	form.Set("client_secret", c.config.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeOAuthError(resp)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
