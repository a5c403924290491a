package provider

import (
	"net/http"
	"sort"
)

// Registry is the sealed set of providers available to the service.
//
// It is built once at startup from configuration and never mutated after, so
// lookups are safe for unsynchronized concurrent use.
type Registry struct {
	clients map[string]Client
	ids     []string
}

// NewRegistry builds a registry from the configured providers.
func NewRegistry(configs []Config, httpClient *http.Client) *Registry {
	clients := make(map[string]Client, len(configs))
	ids := make([]string, 0, len(configs))
	for _, config := range configs {
		if config.ID == "" {
			continue
		}
		if _, exists := clients[config.ID]; exists {
			continue
		}
		clients[config.ID] = NewClient(config, httpClient)
		ids = append(ids, config.ID)
	}
	sort.Strings(ids)
	return &Registry{clients: clients, ids: ids}
}

// NewRegistryFromClients builds a registry from ready-made clients. Used by
// tests and by callers that assemble providers without Config structs.
func NewRegistryFromClients(clients ...Client) *Registry {
	registry := &Registry{clients: make(map[string]Client, len(clients))}
	for _, client := range clients {
		if client == nil || client.ID() == "" {
			continue
		}
		if _, exists := registry.clients[client.ID()]; exists {
			continue
		}
		registry.clients[client.ID()] = client
		registry.ids = append(registry.ids, client.ID())
	}
	sort.Strings(registry.ids)
	return registry
}

// Lookup returns the client registered under id.
func (r *Registry) Lookup(id string) (Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[id]
	return client, ok
}

// IDs returns the registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, len(r.ids))
	copy(ids, r.ids)
	return ids
}
