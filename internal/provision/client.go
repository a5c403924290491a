package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config describes the admin API of one external system's user directory.
type Config struct {
	Provider        string `json:"provider"`
	BaseURL         string `json:"base_url"`
	APIKey          string `json:"api_key"`
	RegistrationURL string `json:"registration_url"`
}

type restClient struct {
	config     Config
	httpClient *http.Client
}

// NewClient builds a provisioning client against one admin API.
func NewClient(config Config, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &restClient{config: config, httpClient: httpClient}
}

func (c *restClient) FindUserByEmail(ctx context.Context, email string) (string, error) {
	lookupURL := fmt.Sprintf("%s/users?email=%s", strings.TrimRight(c.config.BaseURL, "/"), url.QueryEscape(email))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return "", err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", nil
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("provisioner %s lookup failed: status %d", c.config.Provider, resp.StatusCode)
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode lookup response: %w", err)
	}
	return payload.ID, nil
}

func (c *restClient) Provision(ctx context.Context, request Request) (Outcome, error) {
	// Idempotency guard: an account that already exists for this email is
	// reported as existing, never re-created.
	if existing, err := c.FindUserByEmail(ctx, request.Email); err != nil {
		return Outcome{}, err
	} else if existing != "" {
		return Outcome{Kind: KindExisting, ExternalUserID: existing}, nil
	}

	body, err := json.Marshal(map[string]string{
		"email":        request.Email,
		"name":         request.Name,
		"external_ref": request.LocalUserID,
		"phone":        request.Phone,
		"timezone":     request.Timezone,
		"locale":       request.Locale,
	})
	if err != nil {
		return Outcome{}, err
	}

	createURL := strings.TrimRight(c.config.BaseURL, "/") + "/users"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, createURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		var payload struct {
			ID           string `json:"id"`
			Status       string `json:"status"`
			Instructions string `json:"instructions"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return Outcome{}, fmt.Errorf("decode provision response: %w", err)
		}
		if payload.Status == "pending_verification" {
			return Outcome{
				Kind:           KindPendingVerification,
				ExternalUserID: payload.ID,
				Instructions:   payload.Instructions,
			}, nil
		}
		return Outcome{Kind: KindCreated, ExternalUserID: payload.ID}, nil

	case http.StatusConflict:
		// Lost a race against a concurrent create for the same email.
		existing, err := c.FindUserByEmail(ctx, request.Email)
		if err != nil {
			return Outcome{}, err
		}
		if existing != "" {
			return Outcome{Kind: KindExisting, ExternalUserID: existing}, nil
		}
		return c.failedOutcome(resp.StatusCode, "conflicting account"), nil

	default:
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		reason := payload.Error
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return c.failedOutcome(resp.StatusCode, reason), nil
	}
}

func (c *restClient) failedOutcome(status int, reason string) Outcome {
	return Outcome{
		Kind:        KindFailed,
		Reason:      reason,
		Retryable:   status >= 500,
		FallbackURL: c.RegistrationURL(""),
	}
}

func (c *restClient) IsVerified(ctx context.Context, externalUserID string) (bool, error) {
	statusURL := fmt.Sprintf("%s/users/%s", strings.TrimRight(c.config.BaseURL, "/"), url.PathEscape(externalUserID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return false, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("provisioner %s status check failed: status %d", c.config.Provider, resp.StatusCode)
	}

	var payload struct {
		Verified bool `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode status response: %w", err)
	}
	return payload.Verified, nil
}

func (c *restClient) RegistrationURL(email string) string {
	if c.config.RegistrationURL == "" {
		return ""
	}
	if email == "" {
		return c.config.RegistrationURL
	}
	parsed, err := url.Parse(c.config.RegistrationURL)
	if err != nil {
		return c.config.RegistrationURL
	}
	query := parsed.Query()
	query.Set("email", email)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func (c *restClient) authorize(req *http.Request) {
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	req.Header.Set("Accept", "application/json")
}
