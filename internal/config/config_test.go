package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Provider.APIKey = "test-key"
	cfg.Telegram.BotToken = "test-token"
	cfg.Telegram.Operators = []int64{42}
	return cfg
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Provider.Name = "gemini"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Provider.APIKey = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadIdentities(t *testing.T) {
	cfg := validConfig()
	cfg.Agents.Identities = nil
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Agents.Identities[1].ID = cfg.Agents.Identities[0].ID
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadQuorums(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.GenerationQuorum = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Pipeline.EvaluationQuorum = len(cfg.Agents.Identities) + 1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadSchedule(t *testing.T) {
	cfg := validConfig()
	cfg.Schedule[0].Kind = "haiku"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Schedule[0].Expr = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateTelegramRequirements(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.Operators = nil
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Telegram.Enabled = false
	cfg.Telegram.BotToken = ""
	cfg.Telegram.Operators = nil
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dailycomic.json")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Agents.Identities, 5)
	assert.Equal(t, 3, cfg.Pipeline.GenerationQuorum)
	assert.NotEmpty(t, cfg.Topics.Dir)
	assert.NotEmpty(t, cfg.History.DBPath)
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dailycomic.json")
	body := `{
		"data_dir": "` + dir + `",
		"provider": {"name": "openai", "api_key": "k"},
		"pipeline": {"generation_quorum": 2, "evaluation_quorum": 2, "stage_budget_seconds": 60, "decision_timeout_minutes": 30}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Provider.Name)
	assert.Equal(t, 2, cfg.Pipeline.GenerationQuorum)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "dailycomic.log"), cfg.Logging.File)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dailycomic.json")
	loader := NewLoader(path)

	cfg := validConfig()
	cfg.DataDir = filepath.Dir(path)
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.Provider.Name, loaded.Provider.Name)
	assert.Equal(t, cfg.Pipeline.GenerationQuorum, loaded.Pipeline.GenerationQuorum)
	assert.Len(t, loaded.Agents.Identities, len(cfg.Agents.Identities))
}
