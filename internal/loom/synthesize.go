package loom

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/loomworks/loom/internal/ledger"
)

// Synthesizer combines completed task results into the session result.
// It sees every terminal task; failed non-critical tasks are included so
// the synthesis can acknowledge the gaps.
type Synthesizer interface {
	Synthesize(ctx context.Context, session *ledger.Session, tasks []ledger.Task) (*ledger.Payload, error)
}

// ConcatSynthesizer joins completed task outputs in dependency-safe
// order (tasks are listed as completed, ties broken by id) and notes
// any non-critical failures at the end.
type ConcatSynthesizer struct{}

func (ConcatSynthesizer) Synthesize(ctx context.Context, session *ledger.Session, tasks []ledger.Task) (*ledger.Payload, error) {
	sorted := make([]ledger.Task, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].UpdatedAt.Equal(sorted[j].UpdatedAt) {
			return sorted[i].UpdatedAt.Before(sorted[j].UpdatedAt)
		}
		return sorted[i].TaskID < sorted[j].TaskID
	})

	var sb strings.Builder
	var failed []string
	for _, t := range sorted {
		switch t.Status {
		case ledger.TaskCompleted:
			fmt.Fprintf(&sb, "## %s\n%s\n", t.TaskID, t.Result.Text())
		case ledger.TaskFailed:
			failed = append(failed, fmt.Sprintf("%s (%s)", t.TaskID, t.FailureReason))
		}
	}

	if len(failed) > 0 {
		fmt.Fprintf(&sb, "## incomplete\n%s\n", strings.Join(failed, "\n"))
	}

	return ledger.TextPayload("synthesis", sb.String()), nil
}
