// Package directory resolves local user identities from the host application.
//
// linkhub does not own user records; provisioning needs the user's email and
// name, and this package fetches them over the host's internal API.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrUserNotFound reports that the host application has no such user.
var ErrUserNotFound = errors.New("directory: user not found")

// User is the host application's view of a local user.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Client resolves local user ids to identities.
type Client interface {
	LookupUser(ctx context.Context, userID string) (User, error)
}

// Config describes the host's internal user API.
type Config struct {
	BaseURL string `env:"LINKHUB_DIRECTORY_URL"`
	Token   string `env:"LINKHUB_DIRECTORY_TOKEN"`
}

// LoadConfigFromEnv loads the directory configuration.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}
	}
	return cfg
}

type restClient struct {
	config     Config
	httpClient *http.Client
}

// NewClient builds a directory client against the host's internal API.
func NewClient(config Config, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &restClient{config: config, httpClient: httpClient}
}

func (c *restClient) LookupUser(ctx context.Context, userID string) (User, error) {
	lookupURL := fmt.Sprintf("%s/internal/users/%s", strings.TrimRight(c.config.BaseURL, "/"), url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return User{}, err
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return User{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return User{}, ErrUserNotFound
	case resp.StatusCode != http.StatusOK:
		return User{}, fmt.Errorf("directory lookup failed: status %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return User{}, fmt.Errorf("decode directory response: %w", err)
	}
	if user.ID == "" {
		user.ID = userID
	}
	return user, nil
}
