package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "localhost:6379", cfg.Store.Addr)
	require.Equal(t, 50, cfg.Submit.DefaultPriority)
	require.Equal(t, time.Second, cfg.Worker.PollInterval)
}

func TestLoadParsesYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  addr: redis:6379\nworker:\n  max_concurrent_jobs: 4\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Worker.MaxConcurrentJobs)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  addr: redis:6379\n"), 0o644))

	t.Setenv("STORE_ADDR", "override:6379")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "override:6379", cfg.Store.Addr)
}
