package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits holds scheduler tunables. Loaded from ~/.loom/limits.yaml when
// present; every field has a working default.
type Limits struct {
	// MaxAttempts caps (re)assignments per task before terminal failure.
	MaxAttempts int `yaml:"max_attempts"`

	// PollInterval is the scheduling loop cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// TaskDeadline bounds one worker attempt; past it the task is orphaned.
	TaskDeadline time.Duration `yaml:"task_deadline"`

	// MaxLiveWorkers caps concurrently live workers per session (0 = no cap).
	MaxLiveWorkers int `yaml:"max_live_workers"`

	// SliceBudget caps context slice size in bytes.
	SliceBudget int `yaml:"slice_budget"`
}

// DefaultLimits returns the built-in scheduler limits.
func DefaultLimits() Limits {
	return Limits{
		MaxAttempts:    3,
		PollInterval:   250 * time.Millisecond,
		TaskDeadline:   5 * time.Minute,
		MaxLiveWorkers: 8,
		SliceBudget:    64 * 1024,
	}
}

// LoadLimits reads limits from path, filling unset fields with defaults.
// A missing file is not an error.
func LoadLimits(path string) (Limits, error) {
	limits := DefaultLimits()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return limits, nil
	}
	if err != nil {
		return limits, fmt.Errorf("read limits file: %w", err)
	}

	var parsed Limits
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return limits, fmt.Errorf("parse limits file: %w", err)
	}

	if parsed.MaxAttempts > 0 {
		limits.MaxAttempts = parsed.MaxAttempts
	}
	if parsed.PollInterval > 0 {
		limits.PollInterval = parsed.PollInterval
	}
	if parsed.TaskDeadline > 0 {
		limits.TaskDeadline = parsed.TaskDeadline
	}
	if parsed.MaxLiveWorkers > 0 {
		limits.MaxLiveWorkers = parsed.MaxLiveWorkers
	}
	if parsed.SliceBudget > 0 {
		limits.SliceBudget = parsed.SliceBudget
	}
	return limits, nil
}
