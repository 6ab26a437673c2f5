// Package provider creates backend adapters from configuration. Providers
// are constructed in config order, which is also the router's priority
// order.
package provider

import (
	"fmt"

	"github.com/arbiter-dev/arbiterd/internal/config"
	"github.com/arbiter-dev/arbiterd/internal/domain"
	"github.com/arbiter-dev/arbiterd/internal/provider/anthropic"
	"github.com/arbiter-dev/arbiterd/internal/provider/openai"
)

// CreateProvider creates a single adapter from configuration.
func CreateProvider(cfg config.ProviderConfig) (domain.Provider, error) {
	switch cfg.Type {
	case openai.ProviderType:
		var opts []openai.ClientOption
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(cfg.Name, cfg.APIKey, opts...), nil
	case anthropic.ProviderType:
		var opts []anthropic.ClientOption
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(cfg.Name, cfg.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// CreateProviders creates adapters for each configured provider, preserving
// config order.
func CreateProviders(configs []config.ProviderConfig) ([]domain.Provider, error) {
	providers := make([]domain.Provider, 0, len(configs))
	for _, cfg := range configs {
		p, err := CreateProvider(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", cfg.Name, err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}
