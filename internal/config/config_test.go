package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "chat_history.db", cfg.DBPath)
	assert.Equal(t, DefaultModels, cfg.Models)
	assert.Equal(t, DefaultModels[0], cfg.DefaultModel)
	assert.Equal(t, time.Minute, cfg.RequestTimeout)
	assert.Equal(t, 8192, cfg.ContextTokenBudget)
	assert.Equal(t, 50, cfg.HistoryPageSize)
	assert.Empty(t, cfg.APIKey)
}

func TestEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("KIERAN_API_KEY", "sk-test")
	t.Setenv("KIERAN_API_URL", "http://localhost:11434/v1/chat/completions")
	t.Setenv("KIERAN_DEFAULT_MODEL", "Qwen/QwQ-32B")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.APIKey)
	assert.Equal(t, "http://localhost:11434/v1/chat/completions", cfg.APIURL)
	assert.Equal(t, "Qwen/QwQ-32B", cfg.DefaultModel)
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	dir := chdirTemp(t)
	yaml := []byte("db_path: elsewhere.db\ncontext_token_budget: 1024\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kieran-nlp.yaml"), yaml, 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "elsewhere.db", cfg.DBPath)
	assert.Equal(t, 1024, cfg.ContextTokenBudget)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultModels[0], cfg.DefaultModel)
}

func TestNewLoggerCreatesLogDir(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "log", "error.log")

	logger, err := NewLogger(logPath)
	require.NoError(t, err)
	defer logger.Sync()

	logger.Error("boom")
	_ = logger.Sync()

	info, err := os.Stat(logPath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}
