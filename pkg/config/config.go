package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quillhq/quill/pkg/observability"
)

// Config is the root configuration loaded at process start.
type Config struct {
	Tiers    map[Tier]*TierConfig `yaml:"tiers,omitempty" json:"tiers,omitempty"`
	Embedder EmbedderConfig       `yaml:"embedder,omitempty" json:"embedder,omitempty"`
	Vector   VectorStoreConfig    `yaml:"vector_store,omitempty" json:"vector_store,omitempty"`
	Storage  StorageConfig        `yaml:"storage,omitempty" json:"storage,omitempty"`

	WebSearch  WebSearchConfig  `yaml:"web_search,omitempty" json:"web_search,omitempty"`
	WebCache   WebCacheConfig   `yaml:"web_cache,omitempty" json:"web_cache,omitempty"`
	FileReader FileReaderConfig `yaml:"file_reader,omitempty" json:"file_reader,omitempty"`

	Server        ServerConfig        `yaml:"server,omitempty" json:"server,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`

	Research ResearchParams `yaml:"research,omitempty" json:"research,omitempty"`
	Search   SearchSettings `yaml:"search,omitempty" json:"search,omitempty"`

	// Pricing maps model name to per-million-token rates. Models not
	// listed meter tokens but report zero cost.
	Pricing map[string]ModelPricing `yaml:"pricing,omitempty" json:"pricing,omitempty"`

	// UserSettingsPath points at the hot-reloaded per-user overrides file.
	UserSettingsPath string `yaml:"user_settings_path,omitempty" json:"user_settings_path,omitempty"`

	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// ObservabilityConfig wires the OpenTelemetry exporters.
type ObservabilityConfig struct {
	Metrics observability.MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Tracing observability.TracerConfig  `yaml:"tracing,omitempty" json:"tracing,omitempty"`
}

// LoggingConfig controls process-wide logging.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"` // simple, verbose
	Output string `yaml:"output,omitempty" json:"output,omitempty"` // stdout, stderr, or a file path
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// SetDefaults fills in every unset field across all sections.
func (c *Config) SetDefaults() {
	if c.Tiers == nil {
		c.Tiers = make(map[Tier]*TierConfig)
	}
	for _, tier := range AllTiers() {
		tc, ok := c.Tiers[tier]
		if !ok || tc == nil {
			tc = &TierConfig{}
			c.Tiers[tier] = tc
		}
		tc.SetDefaults()
	}

	c.Embedder.SetDefaults()
	c.Vector.SetDefaults()
	c.Storage.SetDefaults()
	c.WebSearch.SetDefaults()
	c.WebCache.SetDefaults()
	c.FileReader.SetDefaults()
	c.Server.SetDefaults()
	c.Observability.Tracing.SetDefaults()
	c.Logging.SetDefaults()

	applyResearchDefaults(&c.Research)
	applySearchDefaults(&c.Search)

	if c.Pricing == nil {
		c.Pricing = DefaultPricing()
	}
}

// Validate checks the whole tree. Defaults must be applied first.
func (c *Config) Validate() error {
	for tier, tc := range c.Tiers {
		if err := tc.Validate(); err != nil {
			return fmt.Errorf("tier %s: %w", tier, err)
		}
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Research.Validate(); err != nil {
		return fmt.Errorf("research: %w", err)
	}
	return nil
}

// applyResearchDefaults fills zero-valued numeric knobs from the global
// defaults. Boolean knobs default to false and need no treatment.
func applyResearchDefaults(p *ResearchParams) {
	d := DefaultResearchParams()
	if p.InitialExplorationDocResults == 0 {
		p.InitialExplorationDocResults = d.InitialExplorationDocResults
	}
	if p.InitialExplorationWebResults == 0 {
		p.InitialExplorationWebResults = d.InitialExplorationWebResults
	}
	if p.StructuredResearchRounds == 0 {
		p.StructuredResearchRounds = d.StructuredResearchRounds
	}
	if p.MaxResearchCyclesPerSection == 0 {
		p.MaxResearchCyclesPerSection = d.MaxResearchCyclesPerSection
	}
	if p.WritingPasses == 0 {
		p.WritingPasses = d.WritingPasses
	}
	if p.WritingPreviousContentPreviewChars == 0 {
		p.WritingPreviousContentPreviewChars = d.WritingPreviousContentPreviewChars
	}
	if p.MinNotesPerSectionAssignment == 0 {
		p.MinNotesPerSectionAssignment = d.MinNotesPerSectionAssignment
	}
	if p.MaxNotesPerSectionAssignment == 0 {
		p.MaxNotesPerSectionAssignment = d.MaxNotesPerSectionAssignment
	}
	if p.ThoughtPadContextLimit == 0 {
		p.ThoughtPadContextLimit = d.ThoughtPadContextLimit
	}
	if p.MaxConcurrentRequests == 0 {
		p.MaxConcurrentRequests = d.MaxConcurrentRequests
	}
}

func applySearchDefaults(s *SearchSettings) {
	d := DefaultSearchSettings()
	if s.NResults == 0 {
		s.NResults = d.NResults
	}
	if s.DenseWeight == 0 && s.SparseWeight == 0 {
		s.DenseWeight = d.DenseWeight
		s.SparseWeight = d.SparseWeight
	}
	if len(s.Techniques) == 0 {
		s.Techniques = d.Techniques
	}
}

// DefaultPricing returns built-in per-million-token rates for common models.
func DefaultPricing() map[string]ModelPricing {
	return map[string]ModelPricing{
		"gpt-4o":                    {InputPerMTok: 2.50, OutputPerMTok: 10.00},
		"gpt-4o-mini":               {InputPerMTok: 0.15, OutputPerMTok: 0.60},
		"claude-sonnet-4-20250514":  {InputPerMTok: 3.00, OutputPerMTok: 15.00},
		"claude-haiku-3-5-20241022": {InputPerMTok: 0.80, OutputPerMTok: 4.00},
		"gemini-2.0-flash":          {InputPerMTok: 0.10, OutputPerMTok: 0.40},
	}
}

// Load reads a YAML config file, expands env references, applies defaults,
// and validates. A missing path yields a default config.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				cfg.SetDefaults()
				if err := cfg.Validate(); err != nil {
					return nil, err
				}
				return cfg, nil
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}

		expanded := ExpandEnvVarsInData(raw)
		expandedYAML, err := yaml.Marshal(expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode expanded config: %w", err)
		}
		if err := yaml.Unmarshal(expandedYAML, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
