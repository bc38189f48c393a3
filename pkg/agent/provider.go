package agent

import (
	"context"
	"fmt"
)

// LLMProvider is an interface for LLM API providers.
type LLMProvider interface {
	// Call makes a single LLM API call.
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name.
	Provider() string
}

// ProviderConfig selects and authenticates a provider.
type ProviderConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // "openai", "anthropic"
	APIKey   string `json:"api_key" mapstructure:"api_key"`
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg ProviderConfig) (LLMProvider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg.APIKey), nil
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
