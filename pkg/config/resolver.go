package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// UserSettings are per-user overrides layered between mission-specific
// settings and the global defaults. The file backing them is hot-reloaded,
// so reads must go through the Resolver.
type UserSettings struct {
	Research ResearchOverrides    `yaml:"research,omitempty" json:"research,omitempty"`
	Search   *SearchSettings      `yaml:"search,omitempty" json:"search,omitempty"`
	Tiers    map[Tier]*TierConfig `yaml:"tiers,omitempty" json:"tiers,omitempty"`

	// EnabledTools restricts the tool set offered to agents. Empty means
	// all registered tools.
	EnabledTools []string `yaml:"enabled_tools,omitempty" json:"enabled_tools,omitempty"`

	UseWeb *bool `yaml:"use_web,omitempty" json:"use_web,omitempty"`
}

// LoadUserSettings parses a user settings YAML file with env expansion.
// A missing file yields empty settings.
func LoadUserSettings(path string) (*UserSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &UserSettings{}, nil
		}
		return nil, fmt.Errorf("failed to read user settings %s: %w", path, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse user settings %s: %w", path, err)
	}

	expanded := ExpandEnvVarsInData(raw)
	expandedYAML, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode user settings: %w", err)
	}

	settings := &UserSettings{}
	if err := yaml.Unmarshal(expandedYAML, settings); err != nil {
		return nil, fmt.Errorf("failed to decode user settings: %w", err)
	}
	return settings, nil
}

// Resolver answers parameter queries by walking the chain
// mission-specific -> user -> global default. Every dynamic configuration
// read in agents and tools goes through it so mid-flight changes take
// effect on the next read.
type Resolver struct {
	mu     sync.RWMutex
	global *Config
	users  map[string]*UserSettings
}

// NewResolver builds a resolver over validated global config.
func NewResolver(global *Config) *Resolver {
	return &Resolver{
		global: global,
		users:  make(map[string]*UserSettings),
	}
}

// SetUserSettings swaps in the user layer for a user. The watcher calls
// this on file change; callers may also set it directly in tests.
func (r *Resolver) SetUserSettings(userID string, settings *UserSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if settings == nil {
		delete(r.users, userID)
		return
	}
	r.users[userID] = settings
}

// UserSettings returns the current user layer, or nil if none is set.
func (r *Resolver) UserSettings(userID string) *UserSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID]
}

// ResearchParams resolves the effective research parameters. The mission
// layer wins over the user layer, which wins over the global defaults.
// A nil mission layer means "no mission-specific overrides".
func (r *Resolver) ResearchParams(userID string, mission *ResearchOverrides) ResearchParams {
	r.mu.RLock()
	defer r.mu.RUnlock()

	params := r.global.Research
	if user, ok := r.users[userID]; ok {
		user.Research.Apply(&params)
	}
	mission.Apply(&params)
	return params
}

// SearchSettings resolves the effective retrieval settings.
func (r *Resolver) SearchSettings(userID string, mission *SearchSettings) SearchSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if mission != nil {
		return *mission
	}
	if user, ok := r.users[userID]; ok && user.Search != nil {
		return *user.Search
	}
	return r.global.Search
}

// TierConfig resolves the provider binding for a tier. User-level tier
// bindings override the global ones field by field.
func (r *Resolver) TierConfig(userID string, tier Tier) (*TierConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	base, ok := r.global.Tiers[tier]
	if !ok {
		return nil, fmt.Errorf("unknown tier: %s", tier)
	}
	resolved := *base

	if user, ok := r.users[userID]; ok && user.Tiers != nil {
		if override, ok := user.Tiers[tier]; ok && override != nil {
			mergeTierConfig(&resolved, override)
		}
	}
	return &resolved, nil
}

// EnabledTools resolves the tool allowlist for a user. Nil means all tools.
func (r *Resolver) EnabledTools(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if user, ok := r.users[userID]; ok && len(user.EnabledTools) > 0 {
		out := make([]string, len(user.EnabledTools))
		copy(out, user.EnabledTools)
		return out
	}
	return nil
}

// Pricing returns the rate card for a model, and whether one exists.
func (r *Resolver) Pricing(model string) (ModelPricing, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.global.Pricing[model]
	return p, ok
}

// Global returns the process-level config. It is immutable after Load.
func (r *Resolver) Global() *Config {
	return r.global
}

func mergeTierConfig(dst, src *TierConfig) {
	if src.Provider != "" {
		dst.Provider = src.Provider
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.APIKey != "" {
		dst.APIKey = src.APIKey
	}
	if src.BaseURL != "" {
		dst.BaseURL = src.BaseURL
	}
	if src.Temperature != nil {
		dst.Temperature = src.Temperature
	}
	if src.MaxTokens != 0 {
		dst.MaxTokens = src.MaxTokens
	}
	if src.Timeout != 0 {
		dst.Timeout = src.Timeout
	}
	if src.MaxRetries != 0 {
		dst.MaxRetries = src.MaxRetries
	}
}
