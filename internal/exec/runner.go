// Package exec wraps external command execution behind an interface so
// worker handlers can be tested without spawning real processes.
package exec

import (
	"context"
	"io"
	osexec "os/exec"
	"strings"
)

// Runner executes external commands.
type Runner interface {
	// Run executes a command and returns combined stdout/stderr.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunWithStdin executes a command with stdin input.
	RunWithStdin(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)
}

// OSRunner implements Runner using os/exec.
type OSRunner struct {
	// Env overrides environment variables (nil = inherit from parent)
	Env []string

	// Dir is the working directory for commands ("" = inherit)
	Dir string
}

// NewOSRunner creates a new OS-based command runner.
func NewOSRunner() *OSRunner {
	return &OSRunner{}
}

func (r *OSRunner) command(ctx context.Context, name string, args ...string) *osexec.Cmd {
	cmd := osexec.CommandContext(ctx, name, args...)
	if r.Env != nil {
		cmd.Env = r.Env
	}
	cmd.Dir = r.Dir
	return cmd
}

// Run executes a command and returns combined output.
func (r *OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.command(ctx, name, args...).CombinedOutput()
}

// RunWithStdin executes a command with stdin input.
func (r *OSRunner) RunWithStdin(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := r.command(ctx, name, args...)
	cmd.Stdin = stdin
	return cmd.CombinedOutput()
}

// MockRunner implements Runner for testing.
type MockRunner struct {
	// Calls records all command invocations as "name arg1 arg2 ...".
	Calls []string

	// Responses maps the command name to its canned response.
	Responses map[string]MockResponse
}

// MockResponse defines the response for a mocked command.
type MockResponse struct {
	Output []byte
	Err    error
}

// NewMockRunner creates a new mock runner.
func NewMockRunner() *MockRunner {
	return &MockRunner{Responses: make(map[string]MockResponse)}
}

// AddResponse sets the response for a command name.
func (m *MockRunner) AddResponse(name string, resp MockResponse) {
	m.Responses[name] = resp
}

func (m *MockRunner) respond(name string, args []string) ([]byte, error) {
	m.Calls = append(m.Calls, strings.Join(append([]string{name}, args...), " "))
	resp := m.Responses[name]
	return resp.Output, resp.Err
}

func (m *MockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return m.respond(name, args)
}

func (m *MockRunner) RunWithStdin(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	return m.respond(name, args)
}
