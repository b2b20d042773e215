package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVarsInData(t *testing.T) {
	t.Setenv("QUILL_TEST_HOST", "qdrant.internal")
	t.Setenv("QUILL_TEST_PORT", "6334")

	data := map[string]interface{}{
		"host":    "${QUILL_TEST_HOST}",
		"port":    "$QUILL_TEST_PORT",
		"missing": "${QUILL_TEST_MISSING:-fallback}",
		"nested": []interface{}{
			map[string]interface{}{"key": "${QUILL_TEST_HOST}"},
		},
	}

	expanded := ExpandEnvVarsInData(data).(map[string]interface{})
	assert.Equal(t, "qdrant.internal", expanded["host"])
	assert.Equal(t, 6334, expanded["port"])
	assert.Equal(t, "fallback", expanded["missing"])

	nested := expanded["nested"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "qdrant.internal", nested["key"])
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, DefaultResearchParams().StructuredResearchRounds, cfg.Research.StructuredResearchRounds)
	require.Contains(t, cfg.Tiers, TierFast)
	assert.NotEmpty(t, cfg.Tiers[TierFast].Model)
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv("QUILL_TEST_API_KEY", "sk-test")

	path := filepath.Join(t.TempDir(), "quill.yaml")
	content := `
tiers:
  fast:
    provider: openai
    model: gpt-4o-mini
    api_key: ${QUILL_TEST_API_KEY}
storage:
  driver: sqlite
  dsn: /tmp/quill-test.db
research:
  structured_research_rounds: 3
  writing_passes: 2
search:
  n_results: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Tiers[TierFast].APIKey)
	assert.Equal(t, "/tmp/quill-test.db", cfg.Storage.DSN)
	assert.Equal(t, 3, cfg.Research.StructuredResearchRounds)
	assert.Equal(t, 2, cfg.Research.WritingPasses)
	assert.Equal(t, 8, cfg.Search.NResults)

	// Unset sections still get defaults.
	assert.Equal(t, "chromem", cfg.Vector.Type)
	assert.Equal(t, DefaultResearchParams().MaxConcurrentRequests, cfg.Research.MaxConcurrentRequests)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quill.yaml")
	content := `
storage:
  driver: oracle
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage")
}

func TestLoadUserSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.yaml")
	content := `
research:
  structured_research_rounds: 4
use_web: false
enabled_tools:
  - document_search
  - calculator
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	settings, err := LoadUserSettings(path)
	require.NoError(t, err)
	require.NotNil(t, settings.Research.StructuredResearchRounds)
	assert.Equal(t, 4, *settings.Research.StructuredResearchRounds)
	require.NotNil(t, settings.UseWeb)
	assert.False(t, *settings.UseWeb)
	assert.Equal(t, []string{"document_search", "calculator"}, settings.EnabledTools)

	missing, err := LoadUserSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.True(t, missing.Research.IsEmpty())
}

func TestStorageConfigValidate(t *testing.T) {
	cfg := StorageConfig{}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	cfg.Driver = "postgres"
	cfg.DSN = ""
	assert.Error(t, cfg.Validate())
}
