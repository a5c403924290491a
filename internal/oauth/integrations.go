package oauth

import (
	"context"
	"fmt"
	"time"
)

// ProviderInfo describes a provider a caller can connect to.
type ProviderInfo struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// Integration summarizes one active link for listing. Token material is
// never included.
type Integration struct {
	Provider       string    `json:"provider"`
	ProviderName   string    `json:"provider_name"`
	ExternalUserID string    `json:"external_user_id"`
	Scopes         []string  `json:"scopes"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastSyncAt     time.Time `json:"last_sync_at"`
	TokenHealthy   bool      `json:"token_healthy"`
}

// AvailableProviders lists the configured providers in stable order.
func (s *Service) AvailableProviders() []ProviderInfo {
	infos := make([]ProviderInfo, 0, len(s.providers.IDs()))
	for _, id := range s.providers.IDs() {
		client, ok := s.providers.Lookup(id)
		if !ok {
			continue
		}
		infos = append(infos, ProviderInfo{
			ID:     client.ID(),
			Name:   client.DisplayName(),
			Scopes: client.DefaultScopes(),
		})
	}
	return infos
}

// Integrations lists the user's active links.
func (s *Service) Integrations(ctx context.Context, userID string) ([]Integration, error) {
	accounts, err := s.links.ListLinks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	now := s.clock()
	integrations := make([]Integration, 0, len(accounts))
	for _, account := range accounts {
		name := account.Provider
		if client, ok := s.providers.Lookup(account.Provider); ok {
			name = client.DisplayName()
		}
		integrations = append(integrations, Integration{
			Provider:       account.Provider,
			ProviderName:   name,
			ExternalUserID: account.ExternalUserID,
			Scopes:         account.Scopes,
			ConnectedAt:    account.CreatedAt,
			LastSyncAt:     account.LastSyncAt,
			TokenHealthy:   !account.TokenExpired(now) || account.CanRefresh(),
		})
	}
	return integrations, nil
}
