package llms

import (
	"fmt"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/registry"
)

// New builds a provider from a tier binding.
func New(cfg *config.TierConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("tier config cannot be nil")
	}

	switch cfg.Provider {
	case config.LLMProviderOpenAI:
		return NewOpenAIProvider(cfg)
	case config.LLMProviderAnthropic:
		return NewAnthropicProvider(cfg)
	case config.LLMProviderGemini:
		return NewGeminiProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s (supported: openai, anthropic, gemini)", cfg.Provider)
	}
}

// Registry caches providers by name so tier bindings resolve to a single
// long-lived client each.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// GetOrCreate returns the provider registered under name, building it from
// cfg on first use.
func (r *Registry) GetOrCreate(name string, cfg *config.TierConfig) (Provider, error) {
	if provider, exists := r.Get(name); exists {
		return provider, nil
	}

	provider, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider %q: %w", name, err)
	}
	if err := r.Set(name, provider); err != nil {
		return nil, err
	}
	return provider, nil
}

// CloseAll releases every cached provider.
func (r *Registry) CloseAll() {
	for _, provider := range r.List() {
		_ = provider.Close()
	}
	r.Clear()
}
