package config

import (
	"fmt"
	"os"
	"time"
)

// Tier is a logical model slot. Each tier binds to a provider+model per
// user; the dispatcher resolves the binding at call time.
type Tier string

const (
	TierFast        Tier = "fast"
	TierMid         Tier = "mid"
	TierIntelligent Tier = "intelligent"
	TierVerifier    Tier = "verifier"
)

// AllTiers lists the logical tiers in ascending capability order.
func AllTiers() []Tier {
	return []Tier{TierFast, TierMid, TierIntelligent, TierVerifier}
}

// LLMProvider identifies the LLM provider type.
type LLMProvider string

const (
	LLMProviderOpenAI    LLMProvider = "openai"
	LLMProviderAnthropic LLMProvider = "anthropic"
	LLMProviderGemini    LLMProvider = "gemini"
)

// TierConfig binds a tier to a concrete provider and model.
type TierConfig struct {
	Provider    LLMProvider `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model       string      `yaml:"model,omitempty" json:"model,omitempty"`
	APIKey      string      `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	BaseURL     string      `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Temperature *float64    `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int         `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	// Timeout is the per-call timeout in seconds for this tier.
	Timeout    int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// SetDefaults applies default values.
func (c *TierConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = detectProviderFromEnv()
	}
	if c.Model == "" {
		switch c.Provider {
		case LLMProviderOpenAI:
			c.Model = "gpt-4o-mini"
		case LLMProviderAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		case LLMProviderGemini:
			c.Model = "gemini-2.0-flash"
		}
	}
	if c.APIKey == "" {
		c.APIKey = apiKeyFromEnv(c.Provider)
	}
	if c.BaseURL == "" {
		switch c.Provider {
		case LLMProviderOpenAI:
			c.BaseURL = "https://api.openai.com/v1"
		case LLMProviderAnthropic:
			c.BaseURL = "https://api.anthropic.com/v1"
		}
	}
	if c.Temperature == nil {
		temp := 0.7
		c.Temperature = &temp
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 180
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the tier binding is usable.
func (c *TierConfig) Validate() error {
	switch c.Provider {
	case LLMProviderOpenAI, LLMProviderAnthropic, LLMProviderGemini:
	default:
		return fmt.Errorf("unsupported llm provider: %s", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

func detectProviderFromEnv() LLMProvider {
	if os.Getenv("OPENAI_API_KEY") != "" {
		return LLMProviderOpenAI
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return LLMProviderAnthropic
	}
	if os.Getenv("GEMINI_API_KEY") != "" {
		return LLMProviderGemini
	}
	return LLMProviderOpenAI
}

func apiKeyFromEnv(provider LLMProvider) string {
	switch provider {
	case LLMProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case LLMProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case LLMProviderGemini:
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

// EmbedderConfig configures the embedding provider used for dense retrieval.
type EmbedderConfig struct {
	Type      string `yaml:"type,omitempty" json:"type,omitempty"` // openai, ollama
	Model     string `yaml:"model,omitempty" json:"model,omitempty"`
	APIKey    string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Host      string `yaml:"host,omitempty" json:"host,omitempty"`
	Dimension int    `yaml:"dimension,omitempty" json:"dimension,omitempty"`
	Timeout   int    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	BatchSize int    `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		switch c.Type {
		case "openai":
			c.Model = "text-embedding-3-small"
		case "ollama":
			c.Model = "nomic-embed-text"
		}
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.APIKey == "" && c.Type == "openai" {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Host == "" {
		switch c.Type {
		case "openai":
			c.Host = "https://api.openai.com/v1"
		case "ollama":
			c.Host = "http://localhost:11434"
		}
	}
}

// VectorStoreConfig configures the chunk index backend.
type VectorStoreConfig struct {
	Type       string `yaml:"type,omitempty" json:"type,omitempty"` // qdrant, chromem
	Host       string `yaml:"host,omitempty" json:"host,omitempty"`
	Port       int    `yaml:"port,omitempty" json:"port,omitempty"`
	APIKey     string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	EnableTLS  *bool  `yaml:"enable_tls,omitempty" json:"enable_tls,omitempty"`
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty"`

	// PersistPath enables file persistence for the embedded store.
	PersistPath string `yaml:"persist_path,omitempty" json:"persist_path,omitempty"`
}

func (c *VectorStoreConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "chromem"
	}
	if c.Collection == "" {
		c.Collection = "quill_chunks"
	}
	if c.Type == "qdrant" {
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == 0 {
			c.Port = 6334
		}
	}
}

// StorageConfig configures the durable mission store.
type StorageConfig struct {
	Driver   string `yaml:"driver,omitempty" json:"driver,omitempty"` // sqlite, postgres, mysql
	DSN      string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	MaxConns int    `yaml:"max_conns,omitempty" json:"max_conns,omitempty"`
	MaxIdle  int    `yaml:"max_idle,omitempty" json:"max_idle,omitempty"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DSN == "" && c.Driver == "sqlite" {
		c.DSN = ".quill/missions.db"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 2
	}
}

func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported storage driver: %s (supported: sqlite, postgres, mysql)", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("storage dsn is required")
	}
	return nil
}

// WebSearchConfig configures the web search tool.
type WebSearchConfig struct {
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"` // searxng, tavily
	BaseURL  string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey   string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Timeout  int    `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// MaxConcurrent is the cross-mission permit count for the provider.
	MaxConcurrent int `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`

	// MinInterval is the minimum spacing between provider calls.
	MinInterval time.Duration `yaml:"min_interval,omitempty" json:"min_interval,omitempty"`
}

func (c *WebSearchConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "searxng"
	}
	if c.Timeout == 0 {
		c.Timeout = 20
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 2
	}
	if c.MinInterval == 0 {
		c.MinInterval = time.Second
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("WEB_SEARCH_API_KEY")
	}
}

// WebCacheConfig configures the on-disk fetch cache.
type WebCacheConfig struct {
	Dir            string `yaml:"dir,omitempty" json:"dir,omitempty"`
	ExpirationDays int    `yaml:"expiration_days,omitempty" json:"expiration_days,omitempty"`
}

func (c *WebCacheConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = ".quill/webcache"
	}
	if c.ExpirationDays == 0 {
		c.ExpirationDays = envInt("WEB_CACHE_EXPIRATION_DAYS", 7)
	}
}

// FileReaderConfig configures the file reader tool.
type FileReaderConfig struct {
	// AllowedBasePath is the directory subtree readable by agents.
	AllowedBasePath string `yaml:"allowed_base_path,omitempty" json:"allowed_base_path,omitempty"`
	MaxFileSize     int64  `yaml:"max_file_size,omitempty" json:"max_file_size,omitempty"`
}

func (c *FileReaderConfig) SetDefaults() {
	if c.AllowedBasePath == "" {
		c.AllowedBasePath = ".quill/files"
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 10 * 1024 * 1024
	}
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Address string `yaml:"address,omitempty" json:"address,omitempty"`

	// StreamGracePeriod keeps a mission stream open after terminal status.
	StreamGracePeriod time.Duration `yaml:"stream_grace_period,omitempty" json:"stream_grace_period,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.StreamGracePeriod == 0 {
		c.StreamGracePeriod = 30 * time.Second
	}
}

// ModelPricing is cost per million tokens for a model.
type ModelPricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}
