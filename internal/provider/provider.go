package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/tyemirov/oauthbridge/internal/identity"
)

// ErrUnknownProvider indicates no provider is registered under the requested name.
var ErrUnknownProvider = errors.New("provider.unknown")

// Provider is the contract every external identity provider implements. Implementations return
// identity facts only; user creation, linking, and session minting happen elsewhere.
type Provider interface {
	// Name returns the provider identifier used in routes and stored on linked users.
	Name() string
	// AuthCodeURL returns the authorize URL; an empty state omits the state parameter.
	AuthCodeURL(state string) string
	// ExchangeCode trades an authorization code for a provider access token.
	ExchangeCode(ctx context.Context, code string) (string, error)
	// FetchIdentity resolves the profile and primary email behind a provider access token.
	FetchIdentity(ctx context.Context, accessToken string) (identity.ExternalIdentity, error)
}

// Registry holds configured providers keyed by name. The first registered provider is the default
// used by the legacy provider-less callback route.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

// NewRegistry registers the given providers by name. Later registrations replace earlier ones.
func NewRegistry(list ...Provider) *Registry {
	registry := &Registry{providers: make(map[string]Provider, len(list))}
	for _, registered := range list {
		if registered == nil {
			continue
		}
		if registry.defaultName == "" {
			registry.defaultName = registered.Name()
		}
		registry.providers[registered.Name()] = registered
	}
	return registry
}

// Get returns the provider registered under name.
func (registry *Registry) Get(name string) (Provider, error) {
	registered, ok := registry.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider.get.%s: %w", name, ErrUnknownProvider)
	}
	return registered, nil
}

// Default returns the first registered provider.
func (registry *Registry) Default() (Provider, error) {
	if registry.defaultName == "" {
		return nil, fmt.Errorf("provider.default: %w", ErrUnknownProvider)
	}
	return registry.Get(registry.defaultName)
}
