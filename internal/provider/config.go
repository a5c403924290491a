package provider

import (
	"encoding/json"
	"strings"

	"github.com/caarlos0/env/v11"
)

// providerEnv holds raw env values for provider configuration.
type providerEnv struct {
	GoogleClientID     string   `env:"LINKHUB_GOOGLE_CLIENT_ID"`
	GoogleClientSecret string   `env:"LINKHUB_GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURI  string   `env:"LINKHUB_GOOGLE_REDIRECT_URI"`
	GoogleScopes       []string `env:"LINKHUB_GOOGLE_SCOPES"        envSeparator:","`
	GitHubClientID     string   `env:"LINKHUB_GITHUB_CLIENT_ID"`
	GitHubClientSecret string   `env:"LINKHUB_GITHUB_CLIENT_SECRET"`
	GitHubRedirectURI  string   `env:"LINKHUB_GITHUB_REDIRECT_URI"`
	GitHubScopes       []string `env:"LINKHUB_GITHUB_SCOPES"        envSeparator:","`
	ExtraProvidersJSON string   `env:"LINKHUB_PROVIDERS"`
}

// LoadConfigsFromEnv builds the closed set of provider configurations.
//
// Google and GitHub are first-class; additional providers arrive as a JSON
// array in LINKHUB_PROVIDERS, parsed once at startup. There is no runtime
// registration path.
func LoadConfigsFromEnv() []Config {
	var raw providerEnv
	if err := env.Parse(&raw); err != nil {
		return nil
	}

	var configs []Config
	if raw.GoogleClientID != "" && raw.GoogleClientSecret != "" && raw.GoogleRedirectURI != "" {
		scopes := trimCSV(raw.GoogleScopes)
		if len(scopes) == 0 {
			scopes = []string{"openid", "email", "profile"}
		}
		configs = append(configs, Config{
			ID:            "google",
			Name:          "Google",
			ClientID:      raw.GoogleClientID,
			ClientSecret:  raw.GoogleClientSecret,
			RedirectURI:   raw.GoogleRedirectURI,
			AuthURL:       "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:      "https://oauth2.googleapis.com/token",
			UserInfoURL:   "https://openidconnect.googleapis.com/v1/userinfo",
			RevokeURL:     "https://oauth2.googleapis.com/revoke",
			Scopes:        scopes,
			ProfileFormat: "oidc",
		})
	}
	if raw.GitHubClientID != "" && raw.GitHubClientSecret != "" && raw.GitHubRedirectURI != "" {
		scopes := trimCSV(raw.GitHubScopes)
		if len(scopes) == 0 {
			scopes = []string{"read:user", "user:email"}
		}
		configs = append(configs, Config{
			ID:            "github",
			Name:          "GitHub",
			ClientID:      raw.GitHubClientID,
			ClientSecret:  raw.GitHubClientSecret,
			RedirectURI:   raw.GitHubRedirectURI,
			AuthURL:       "https://github.com/login/oauth/authorize",
			TokenURL:      "https://github.com/login/oauth/access_token",
			UserInfoURL:   "https://api.github.com/user",
			Scopes:        scopes,
			ProfileFormat: "github",
			// GitHub ignores PKCE parameters; do not pretend the code is bound.
			DisablePKCE: true,
		})
	}
	if raw.ExtraProvidersJSON != "" {
		var extra []Config
		if err := json.Unmarshal([]byte(raw.ExtraProvidersJSON), &extra); err == nil {
			for _, config := range extra {
				if config.ID == "" || config.AuthURL == "" || config.TokenURL == "" {
					continue
				}
				configs = append(configs, config)
			}
		}
	}
	return configs
}

// trimCSV removes empty entries from a string slice.
func trimCSV(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
