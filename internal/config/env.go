// Package config provides centralized configuration management for loom.
package config

import (
	"os"
	"path/filepath"
	"sync"
)

// LoomEnv holds all loom environment variables.
type LoomEnv struct {
	// SessionID is the session a worker subprocess belongs to (LOOM_SESSION_ID)
	SessionID string

	// TaskID is the task a worker subprocess is bound to (LOOM_TASK_ID)
	TaskID string

	// WorkerID identifies this worker instance (LOOM_WORKER_ID)
	WorkerID string

	// DataDir overrides the loom home directory, under which the ledger
	// data lives (LOOM_DATA_DIR)
	DataDir string

	// GraphURI is the history mirror database URI (LOOM_GRAPH_URI)
	GraphURI string

	// GraphUser is the history mirror database user (LOOM_GRAPH_USER)
	GraphUser string

	// GraphPassword is the history mirror database password (LOOM_GRAPH_PASSWORD)
	GraphPassword string
}

var (
	env     *LoomEnv
	envOnce sync.Once
)

// Env returns the singleton environment configuration.
// Thread-safe, loads once on first call.
func Env() *LoomEnv {
	envOnce.Do(func() {
		env = &LoomEnv{
			SessionID:     os.Getenv("LOOM_SESSION_ID"),
			TaskID:        os.Getenv("LOOM_TASK_ID"),
			WorkerID:      os.Getenv("LOOM_WORKER_ID"),
			DataDir:       os.Getenv("LOOM_DATA_DIR"),
			GraphURI:      getEnvDefault("LOOM_GRAPH_URI", "bolt://localhost:7687"),
			GraphUser:     os.Getenv("LOOM_GRAPH_USER"),
			GraphPassword: os.Getenv("LOOM_GRAPH_PASSWORD"),
		}
	})
	return env
}

// ResetEnv resets the cached environment (for testing).
func ResetEnv() {
	envOnce = sync.Once{}
	env = nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Paths holds standard loom directory paths.
type Paths struct {
	// Home is the loom home directory (~/.loom)
	Home string

	// Data is the ledger data directory (~/.loom/data)
	Data string

	// Context is the master-context directory (~/.loom/context)
	Context string

	// LimitsFile is the scheduler limits file (~/.loom/limits.yaml)
	LimitsFile string
}

var (
	paths     *Paths
	pathsOnce sync.Once
)

// GetPaths returns the singleton paths configuration.
func GetPaths() *Paths {
	pathsOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		loomHome := filepath.Join(home, ".loom")
		if e := Env(); e.DataDir != "" {
			loomHome = e.DataDir
		}

		paths = &Paths{
			Home:       loomHome,
			Data:       filepath.Join(loomHome, "data"),
			Context:    filepath.Join(loomHome, "context"),
			LimitsFile: filepath.Join(loomHome, "limits.yaml"),
		}
	})
	return paths
}

// ResetPaths resets the cached paths (for testing).
func ResetPaths() {
	pathsOnce = sync.Once{}
	paths = nil
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// IsWorker returns true if this process is a worker instance.
func IsWorker() bool {
	return Env().WorkerID != ""
}
