package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(1000), cfg.CreditsPerUSD)
	assert.Equal(t, 300*time.Second, cfg.SandboxRuntimeLimit)
	assert.Nil(t, cfg.SettleFloor)
	assert.False(t, cfg.LangfuseEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CREDITS_PER_USD", "500")
	t.Setenv("SETTLE_FLOOR", "-10000")
	t.Setenv("SANDBOX_RUNTIME_LIMIT", "2m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(500), cfg.CreditsPerUSD)
	require.NotNil(t, cfg.SettleFloor)
	assert.Equal(t, int64(-10000), *cfg.SettleFloor)
	assert.Equal(t, 2*time.Minute, cfg.SandboxRuntimeLimit)
}

func TestLoadInvalidCredits(t *testing.T) {
	t.Setenv("CREDITS_PER_USD", "zero")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate())

	cfg.DatabaseURL = "postgres://localhost/cogni"
	assert.Error(t, cfg.Validate())

	cfg.LiteLLMMasterKey = "sk-master"
	assert.NoError(t, cfg.Validate())
}

func TestLangfuseEnabled(t *testing.T) {
	cfg := &Config{LangfuseHost: "https://cloud.langfuse.com"}
	assert.False(t, cfg.LangfuseEnabled())

	cfg.LangfusePublicKey = "pk"
	cfg.LangfuseSecretKey = "sk"
	assert.True(t, cfg.LangfuseEnabled())
}
