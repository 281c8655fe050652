package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvLoadsOnce(t *testing.T) {
	ResetEnv()
	t.Cleanup(ResetEnv)

	os.Setenv("LOOM_WORKER_ID", "worker-env-test")
	defer os.Unsetenv("LOOM_WORKER_ID")

	e := Env()
	assert.Equal(t, "worker-env-test", e.WorkerID)
	assert.True(t, IsWorker())

	// Changing the environment after first load has no effect.
	os.Setenv("LOOM_WORKER_ID", "other")
	assert.Equal(t, "worker-env-test", Env().WorkerID)
}

func TestEnvDefaults(t *testing.T) {
	ResetEnv()
	t.Cleanup(ResetEnv)

	os.Unsetenv("LOOM_WORKER_ID")
	os.Unsetenv("LOOM_GRAPH_URI")

	e := Env()
	assert.Equal(t, "bolt://localhost:7687", e.GraphURI)
	assert.False(t, IsWorker())
}

func TestPathsUnderDataDir(t *testing.T) {
	ResetEnv()
	ResetPaths()
	t.Cleanup(func() {
		ResetEnv()
		ResetPaths()
	})

	dir := t.TempDir()
	os.Setenv("LOOM_DATA_DIR", dir)
	defer os.Unsetenv("LOOM_DATA_DIR")

	p := GetPaths()
	assert.Equal(t, dir, p.Home)
	assert.Equal(t, filepath.Join(dir, "data"), p.Data)
	assert.Equal(t, filepath.Join(dir, "limits.yaml"), p.LimitsFile)
}

func TestLoadLimitsMissingFile(t *testing.T) {
	limits, err := LoadLimits(filepath.Join(t.TempDir(), "limits.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultLimits(), limits)
}

func TestLoadLimitsPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_attempts: 5\npoll_interval: 1s\n"), 0644))

	limits, err := LoadLimits(path)
	require.NoError(t, err)
	assert.Equal(t, 5, limits.MaxAttempts)
	assert.Equal(t, time.Second, limits.PollInterval)
	// Unset fields keep defaults.
	assert.Equal(t, DefaultLimits().TaskDeadline, limits.TaskDeadline)
	assert.Equal(t, DefaultLimits().SliceBudget, limits.SliceBudget)
}

func TestLoadLimitsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_attempts: [broken"), 0644))

	limits, err := LoadLimits(path)
	assert.Error(t, err)
	// Defaults still come back so callers can degrade gracefully.
	assert.Equal(t, DefaultLimits(), limits)
}
