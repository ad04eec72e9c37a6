package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DYNOPS_CONFIG", "DYNOPS_HOST", "DYNOPS_API_VERSION", "DYNOPS_TENANT_ID",
		"DYNOPS_CLIENT_ID", "DYNOPS_CLIENT_SECRET", "DYNOPS_HTTP_TIMEOUT",
		"DYNOPS_RETRY_PRESET", "DYNOPS_RATE_LIMIT_RPM", "DYNOPS_QUEUE_MAX_CONCURRENT",
		"DYNOPS_QUEUE_DB_PATH", "DYNOPS_LOG_LEVEL", "DYNOPS_LOG_FORMAT",
	} {
		os.Unsetenv(k)
	}
}

func requiredOpts() []Option {
	return []Option{
		WithHost("https://example.crm.dynamics.com"),
		func(c *Config) error { c.Auth.TenantID = "tenant"; c.Auth.ClientID = "client"; c.Auth.ClientSecret = "not-a-real-value"; return nil },
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(requiredOpts()...)
	require.NoError(t, err)
	assert.Equal(t, "9.2", cfg.Environment.APIVersion)
	assert.Equal(t, 1, cfg.Queue.MaxConcurrent)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFailsValidationWithoutAuth(t *testing.T) {
	clearEnv(t)
	_, err := Load(WithHost("https://example.crm.dynamics.com"))
	assert.Error(t, err)
}

func TestEnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("DYNOPS_QUEUE_MAX_CONCURRENT", "4")
	os.Setenv("DYNOPS_LOG_LEVEL", "debug")
	defer clearEnv(t)

	cfg, err := Load(requiredOpts()...)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Queue.MaxConcurrent)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestOptionsOverrideEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("DYNOPS_QUEUE_MAX_CONCURRENT", "4")
	defer clearEnv(t)

	opts := append(requiredOpts(), WithMaxConcurrent(9))
	cfg, err := Load(opts...)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Queue.MaxConcurrent)
}

func TestYAMLFileOverridesDefaultsButNotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_concurrent: 3\n  db_path: from-file.db\n"), 0o644))

	os.Setenv("DYNOPS_CONFIG", path)
	os.Setenv("DYNOPS_QUEUE_DB_PATH", "from-env.db")
	defer clearEnv(t)

	cfg, err := Load(requiredOpts()...)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Queue.MaxConcurrent)
	assert.Equal(t, "from-env.db", cfg.Queue.DBPath, "env has higher precedence than file")
}

func TestWithRetryPresetRejectsUnknown(t *testing.T) {
	clearEnv(t)
	opts := append(requiredOpts(), WithRetryPreset("nonsense"))
	_, err := Load(opts...)
	assert.Error(t, err)
}

func TestStringRedactsClientSecret(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(requiredOpts()...)
	require.NoError(t, err)
	out := cfg.String()
	assert.NotContains(t, out, "not-a-real-value")
	assert.True(t, strings.Contains(out, redacted))
}

func TestRetryPolicyResolvesPresetByName(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(append(requiredOpts(), WithRetryPreset("aggressive"))...)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RetryPolicy().MaxAttempts)
}
