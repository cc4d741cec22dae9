package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigHasSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 4, cfg.MaxParallel)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, "CODEX_API_KEY", cfg.APIKeyEnvVar)
	require.Equal(t, "codex", cfg.CodexCommand)
	require.True(t, cfg.RateLimitAdaptiveParallel)
}

func TestFileProviderFallsBackToDefaultsWhenMissing(t *testing.T) {
	p := NewFileProvider(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	cfg, err := p.GetConfig(context.Background())
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestFileProviderLoadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_parallel: 8
max_retries: 5
timeout_seconds: 600
api_key_env_var: MY_KEY
rate_limit_adaptive_parallel: false
`), 0644))

	cfg, err := NewFileProvider(path).GetConfig(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8, cfg.MaxParallel)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, 600, cfg.TimeoutSeconds)
	require.Equal(t, "MY_KEY", cfg.APIKeyEnvVar)
	require.False(t, cfg.RateLimitAdaptiveParallel)
}

func TestTimeoutZeroDisablesTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeoutSeconds = 0
	require.Equal(t, 0*cfg.Timeout(), cfg.Timeout())
}

func TestStaticProviderReturnsConfigVerbatim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxParallel = 42
	p := &StaticProvider{Config: cfg}
	got, err := p.GetConfig(context.Background())
	require.NoError(t, err)
	require.Same(t, cfg, got)
}
