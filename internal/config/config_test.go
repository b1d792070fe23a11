package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "devbench/sandbox:base", cfg.DefaultImage)
	assert.Equal(t, "./devbench.db", cfg.StateDBPath)
	assert.Equal(t, 60, cfg.DrainGraceSeconds)
	assert.Equal(t, 4, cfg.ConcurrentExecsPerContainer)
	assert.Equal(t, 64*1024*1024, cfg.ExecOutputBudgetBytes)
	assert.Equal(t, "/workspace", cfg.WorkspaceMountPath)
	assert.Equal(t, 1.0, cfg.Defaults.CPULimit)
	assert.True(t, cfg.Defaults.ReadonlyRootfs)
	assert.False(t, cfg.Pool.Enabled)
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
listen: "0.0.0.0:9090"
api_key: "sk-test"
default_image: "devbench/sandbox:python"
concurrent_execs_per_container: 8
defaults:
  cpu_limit: 2.0
  mem_limit_mb: 1024
pool:
  enabled: true
  size: 3
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Listen)
	assert.Equal(t, "sk-test", cfg.APIKey)
	assert.Equal(t, "devbench/sandbox:python", cfg.DefaultImage)
	assert.Equal(t, 8, cfg.ConcurrentExecsPerContainer)
	assert.Equal(t, 2.0, cfg.Defaults.CPULimit)
	assert.Equal(t, 1024, cfg.Defaults.MemLimitMB)
	assert.True(t, cfg.Pool.Enabled)
	assert.Equal(t, 3, cfg.Pool.Size)
}

func TestLoadYAMLUnknownKeyRejected(t *testing.T) {
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("not_a_real_option: true\n"), 0644))

	_, err := Load(yamlPath)
	assert.Error(t, err)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEVBENCH_LISTEN", "0.0.0.0:1234")
	t.Setenv("DEVBENCH_DRAIN_GRACE_SECONDS", "15")
	t.Setenv("DEVBENCH_POOL_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:1234", cfg.Listen)
	assert.Equal(t, 15, cfg.DrainGraceSeconds)
	assert.True(t, cfg.Pool.Enabled)
}
