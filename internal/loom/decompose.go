// Package loom implements the orchestrator: it decomposes a delegated
// request into a task DAG, drives the scheduling loop against the
// ledger, and synthesizes the final result. All worker coordination
// happens through ledger writes; the orchestrator holds no task state
// that would be lost on restart.
package loom

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/ledger"
)

// Decomposer splits a delegated request into tasks. Implementations
// must produce a valid DAG; ValidatePlan is run on the output either way.
type Decomposer interface {
	Decompose(ctx context.Context, description string) ([]ledger.Task, error)
}

// ScriptDecomposer parses a task list out of the request description.
// Each non-empty line becomes a task:
//
//	build: go build ./...
//	test[build]: go test ./...
//	lint?: golangci-lint run
//
// The optional [deps] clause lists comma-separated task ids this task
// depends on. A trailing ? on the id marks the task non-critical. Lines
// without an id clause get sequential ids and no dependencies.
type ScriptDecomposer struct{}

func (ScriptDecomposer) Decompose(ctx context.Context, description string) ([]ledger.Task, error) {
	var tasks []ledger.Task
	now := time.Now().UTC()
	auto := 0

	for _, line := range strings.Split(description, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		task := ledger.Task{
			Status:    ledger.TaskPending,
			CreatedAt: now,
			UpdatedAt: now,
		}

		head, desc, ok := splitTaskLine(line)
		if !ok {
			auto++
			task.TaskID = fmt.Sprintf("task-%d", auto)
			task.Description = line
			tasks = append(tasks, task)
			continue
		}

		if deps, rest, found := cutDeps(head); found {
			task.DependsOn = deps
			head = rest
		}
		if strings.HasSuffix(head, "?") {
			head = strings.TrimSuffix(head, "?")
			nonCritical := false
			task.Critical = &nonCritical
		}
		if head == "" {
			return nil, fmt.Errorf("task line %q has an empty id", line)
		}

		task.TaskID = head
		task.Description = strings.TrimSpace(desc)
		tasks = append(tasks, task)
	}

	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks in description")
	}
	return tasks, nil
}

// splitTaskLine splits "id[deps]?: desc" into head and description.
// Returns ok=false when the line has no id clause.
func splitTaskLine(line string) (head, desc string, ok bool) {
	i := strings.Index(line, ":")
	if i < 0 {
		return "", "", false
	}
	head = strings.TrimSpace(line[:i])
	// An id clause is a single token; anything with spaces is prose.
	if head == "" || strings.ContainsAny(head, " \t") {
		return "", "", false
	}
	return head, line[i+1:], true
}

// cutDeps extracts the [dep1,dep2] clause from an id token.
func cutDeps(head string) (deps []string, rest string, found bool) {
	open := strings.Index(head, "[")
	end := strings.Index(head, "]")
	if open < 0 || end < open {
		return nil, head, false
	}

	for _, d := range strings.Split(head[open+1:end], ",") {
		if d = strings.TrimSpace(d); d != "" {
			deps = append(deps, d)
		}
	}
	return deps, head[:open] + head[end+1:], true
}

// ValidatePlan checks task ids are unique, dependencies resolve, and
// the dependency graph has no cycles.
func ValidatePlan(tasks []ledger.Task) error {
	byID := make(map[string]*ledger.Task, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if t.TaskID == "" {
			return fmt.Errorf("task with empty id")
		}
		if _, dup := byID[t.TaskID]; dup {
			return fmt.Errorf("duplicate task id %q", t.TaskID)
		}
		byID[t.TaskID] = t
	}

	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("task %q depends on unknown task %q", t.TaskID, dep)
			}
		}
	}

	// Kahn's topological sort detects cycles.
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string)
	for _, t := range tasks {
		indegree[t.TaskID] += 0
		for _, dep := range t.DependsOn {
			indegree[t.TaskID]++
			dependents[dep] = append(dependents[dep], t.TaskID)
		}
	}

	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(tasks) {
		return fmt.Errorf("dependency cycle among tasks")
	}
	return nil
}
