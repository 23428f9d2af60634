package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultChatModel, cfg.Models.Chat)
	assert.Equal(t, DefaultPollInterval, cfg.Research.PollInterval.Std())
	assert.Equal(t, DefaultMaxHistoryTurns, cfg.Memory.MaxHistoryTurns)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
models:
  chat: custom-chat-model
research:
  poll_interval: 500ms
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "custom-chat-model", cfg.Models.Chat)
	assert.Equal(t, 500*time.Millisecond, cfg.Research.PollInterval.Std())
	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultAuxModel, cfg.Models.Aux)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TUTOR_SIGNING_SECRET", "env-secret")
	t.Setenv("OPENAI_API_KEY", "env-key")
	t.Setenv("TUTOR_ADDR", ":7777")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.SigningSecret)
	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, ":7777", cfg.Server.Addr)
}

func TestValidateRequiresSecrets(t *testing.T) {
	cfg := &Config{}
	assert.ErrorIs(t, cfg.Validate(), ErrMissingSigningSecret)

	cfg.SigningSecret = "s"
	assert.ErrorIs(t, cfg.Validate(), ErrMissingAPIKey)

	cfg.APIKey = "k"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
