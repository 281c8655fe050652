package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stderr) })
	return &buf
}

func TestLoggerEmitsJSON(t *testing.T) {
	buf := captureOutput(t)

	log := New("ledger").WithSession("sess-1").WithTask("task-1")
	log.Info("task_assigned", map[string]interface{}{"attempt": 1})

	var e Event
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if e.Level != LevelInfo {
		t.Errorf("level = %s, want info", e.Level)
	}
	if e.Component != "ledger" || e.Session != "sess-1" || e.Task != "task-1" {
		t.Errorf("context fields not carried: %+v", e)
	}
	if e.Extra["attempt"] != float64(1) {
		t.Errorf("extra not carried: %v", e.Extra)
	}
}

func TestLoggerErrorField(t *testing.T) {
	buf := captureOutput(t)

	New("loom").Error("schedule_failed", nil, errors.New("boom"))

	var e Event
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if e.Error != "boom" {
		t.Errorf("error = %q, want boom", e.Error)
	}
}

func TestWithMethodsDoNotMutateParent(t *testing.T) {
	parent := New("loom")
	child := parent.WithWorker("worker-7")

	if parent.worker == child.worker && parent.worker != "" {
		t.Error("WithWorker mutated parent logger")
	}
}

func TestTimedEvent(t *testing.T) {
	buf := captureOutput(t)

	start := time.Now().Add(-50 * time.Millisecond)
	New("runtime").TimedEvent("worker_done", start, nil)

	var e Event
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if e.Duration < 50 {
		t.Errorf("duration = %d, want >= 50", e.Duration)
	}
}

func TestRecoveryHandler(t *testing.T) {
	buf := captureOutput(t)

	handler := NewRecoveryHandler("scheduler")
	err := handler.WrapError(func() error {
		panic("bad handler")
	})
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	if !strings.Contains(err.Error(), "bad handler") {
		t.Errorf("error = %v, want panic message", err)
	}
	if !strings.Contains(buf.String(), "panic_recovered") {
		t.Error("panic event not logged")
	}
}
