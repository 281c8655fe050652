package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessRuntimeDefaults(t *testing.T) {
	r := NewProcessRuntime("", "/tmp/loom-home")

	require.NotEmpty(t, r.Binary, "empty binary must fall back to the current executable")
	assert.Equal(t, []string{"worker", "run"}, r.Args)
	assert.Equal(t, "/tmp/loom-home", r.LoomHome)
}

func TestProcessRuntimeUnknownWorkerIsDead(t *testing.T) {
	r := NewProcessRuntime("/bin/true", t.TempDir())

	assert.False(t, r.IsAlive("worker-nobody"))
	assert.NoError(t, r.Terminate("worker-nobody"))
	assert.NoError(t, r.Shutdown())
}
