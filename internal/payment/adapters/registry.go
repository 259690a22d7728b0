package adapters

import (
	"strings"

	"github.com/smallbiznis/keyforge/internal/payment/domain"
)

// Registry resolves webhook routes and checkout to a configured provider.
type Registry struct {
	providers map[string]domain.Provider
	primary   string
}

// NewRegistry registers providers; the first one is used for new charges.
func NewRegistry(providers ...domain.Provider) *Registry {
	registry := &Registry{providers: map[string]domain.Provider{}}
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(provider.Name()))
		if name == "" {
			continue
		}
		if registry.primary == "" {
			registry.primary = name
		}
		registry.providers[name] = provider
	}
	return registry
}

func (r *Registry) ProviderExists(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

func (r *Registry) Get(name string) (domain.Provider, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, domain.ErrInvalidProvider
	}
	provider, ok := r.providers[name]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return provider, nil
}

// Primary is the provider new charges are opened with.
func (r *Registry) Primary() (domain.Provider, error) {
	if r == nil || r.primary == "" {
		return nil, domain.ErrProviderNotFound
	}
	return r.providers[r.primary], nil
}
