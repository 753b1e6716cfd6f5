package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorehq/lore/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultBackend, cfg.Analysis.Backend)
	assert.Equal(t, "truncated", cfg.Analysis.PayloadMode)
	assert.Equal(t, 15*time.Minute, cfg.Analysis.StaleClaimAfter)
	assert.Equal(t, 3, cfg.Analysis.MaxAttempts)
}

func TestLoadYAMLAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 4000
analysis:
  model: sonnet
  stale_claim_after: 20m
`), 0600))

	t.Setenv("LORE_SERVER_PORT", "5000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port, "env beats yaml")
	assert.Equal(t, "sonnet", cfg.Analysis.Model, "yaml beats default")
	assert.Equal(t, 20*time.Minute, cfg.Analysis.StaleClaimAfter)
	assert.Equal(t, DefaultBackend, cfg.Analysis.Backend, "default survives")
}

func TestValidateRejectsBadPayloadMode(t *testing.T) {
	cfg := Default()
	cfg.Analysis.PayloadMode = "everything"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsTinyStaleThreshold(t *testing.T) {
	cfg := Default()
	cfg.Analysis.StaleClaimAfter = 5 * time.Second
	require.Error(t, cfg.Validate())
}

func TestLoadProvidersEmbedded(t *testing.T) {
	reg, err := LoadProviders("")
	require.NoError(t, err)

	p, ok := reg.Get("claude-code")
	require.True(t, ok)
	assert.True(t, p.MessageIDs)
	assert.True(t, p.StripBlankSystem)
	assert.Contains(t, p.AnalysisTypes(), models.AnalysisWorkflow)

	_, ok = reg.Get("telepathy")
	assert.False(t, ok)
}

func TestLoadProvidersOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "providers.yaml"), []byte(`
providers:
  claude-code:
    name: Claude Code
    source_type: jsonl
    message_ids: true
    threading: true
    strip_blank_system: false
    analyses: [learning]
  aider:
    name: Aider
    source_type: jsonl
    analyses: [workflow]
`), 0600))

	reg, err := LoadProviders(dir)
	require.NoError(t, err)

	p, _ := reg.Get("claude-code")
	assert.False(t, p.StripBlankSystem, "override replaces embedded entry")
	assert.Equal(t, []models.AnalysisType{models.AnalysisLearning}, p.AnalysisTypes())

	aider, ok := reg.Get("aider")
	require.True(t, ok, "override can add providers")
	assert.Equal(t, "aider", aider.Key)

	cursor, ok := reg.Get("cursor")
	require.True(t, ok, "embedded entries survive override")
	assert.Equal(t, "sqlite", cursor.SourceType)
}
