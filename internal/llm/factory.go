package llm

import (
	"fmt"
	"sync"
)

// Registry holds the configured providers and resolves models to them.
type Registry struct {
	mu        sync.RWMutex
	providers map[ProviderName]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[ProviderName]Provider)}
}

// Register installs a provider under a dialect name.
func (r *Registry) Register(name ProviderName, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = provider
}

// ForModel resolves the provider responsible for a model name.
func (r *Registry) ForModel(model string) (Provider, error) {
	name := ProviderForModel(model)
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("no %s provider configured for model %q", name, model)
	}
	return provider, nil
}

// RegistryConfig carries the provider credentials used to build a registry.
type RegistryConfig struct {
	AnthropicAPIKey string
	AnthropicURL    string
	OpenAIAPIKey    string
	OpenAIURL       string
	DefaultModel    string
}

// NewRegistryFromConfig builds a registry with every provider whose API key
// is present. At least one provider must be configured.
func NewRegistryFromConfig(config RegistryConfig) (*Registry, error) {
	registry := NewRegistry()

	if config.AnthropicAPIKey != "" {
		provider, err := NewAnthropicProvider(AnthropicConfig{
			APIKey:       config.AnthropicAPIKey,
			BaseURL:      config.AnthropicURL,
			DefaultModel: config.DefaultModel,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(ProviderAnthropic, provider)
	}
	if config.OpenAIAPIKey != "" {
		provider, err := NewOpenAIProvider(OpenAIConfig{
			APIKey:  config.OpenAIAPIKey,
			BaseURL: config.OpenAIURL,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(ProviderOpenAI, provider)
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()
	if len(registry.providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	return registry, nil
}
