package appconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PROVIDER_ENDPOINTS", "MAX_ROUNDS", "DEV_MODE", "BYPASS_TOKEN",
		"TENANT_ID", "AUDIENCE", "REASONING_PROVIDER", "RATE_LIMIT_RPS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("REASONING_PROVIDER", "anthropic")
	t.Setenv("DEV_MODE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.MaxRounds)
	require.Equal(t, 30000, cfg.ToolCallTimeoutMs)
	require.Equal(t, 300, cfg.CacheTTLSec)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, "sqlite", cfg.SessionDBDriver)
}

func TestLoadParsesProviderEndpoints(t *testing.T) {
	clearEnv(t)
	t.Setenv("REASONING_PROVIDER", "openai")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("PROVIDER_ENDPOINTS", `{"alpha":"http://alpha.local","beta":"http://beta.local"}`)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "http://alpha.local", cfg.ProviderEndpoints["alpha"])
	require.Equal(t, "http://beta.local", cfg.ProviderEndpoints["beta"])
}

func TestLoadFailsOnMalformedProviderEndpoints(t *testing.T) {
	clearEnv(t)
	t.Setenv("REASONING_PROVIDER", "openai")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("PROVIDER_ENDPOINTS", `not-json`)

	_, err := Load()
	require.Error(t, err)
}

func TestLoadFailsWithoutReasoningProvider(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEV_MODE", "true")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadFailsWithoutProvidersOutsideDevMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("REASONING_PROVIDER", "anthropic")
	t.Setenv("TENANT_ID", "tenant-1")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadFailsWithoutTenantIDOutsideDevModeOrBypass(t *testing.T) {
	clearEnv(t)
	t.Setenv("REASONING_PROVIDER", "anthropic")
	t.Setenv("PROVIDER_ENDPOINTS", `{"alpha":"http://alpha.local"}`)

	_, err := Load()
	require.Error(t, err)
}

func TestLoadAllowsBypassTokenWithoutTenantID(t *testing.T) {
	clearEnv(t)
	t.Setenv("REASONING_PROVIDER", "anthropic")
	t.Setenv("PROVIDER_ENDPOINTS", `{"alpha":"http://alpha.local"}`)
	t.Setenv("BYPASS_TOKEN", "true")

	_, err := Load()
	require.NoError(t, err)
}
