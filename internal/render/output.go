// Package render formats ledger state for the terminal.
package render

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/loomworks/loom/internal/history"
	"github.com/loomworks/loom/internal/ledger"
)

// Renderer handles output formatting.
type Renderer struct {
	pretty bool
}

// New creates a new renderer. pretty=false produces plain, pipe-safe
// output.
func New(pretty bool) *Renderer {
	return &Renderer{pretty: pretty}
}

// Ledger formats a session and its tasks.
func (r *Renderer) Ledger(led *ledger.Ledger) string {
	var sb strings.Builder

	s := led.Session
	if r.pretty {
		fmt.Fprintf(&sb, "%s %s\n", color.CyanString(s.SessionID), r.sessionStatus(s.Status))
		sb.WriteString(strings.Repeat("─", 60) + "\n")
	} else {
		fmt.Fprintf(&sb, "%s %s\n", s.SessionID, s.Status)
	}
	fmt.Fprintf(&sb, "%s\n\n", truncate(s.Description, 76))

	for _, t := range led.Tasks {
		r.formatTask(&sb, &t)
	}

	if len(s.FailedTasks) > 0 {
		if r.pretty {
			fmt.Fprintf(&sb, "\n%s %s\n", color.RedString("failed:"), strings.Join(s.FailedTasks, ", "))
		} else {
			fmt.Fprintf(&sb, "\nfailed: %s\n", strings.Join(s.FailedTasks, ", "))
		}
	}
	return sb.String()
}

func (r *Renderer) formatTask(sb *strings.Builder, t *ledger.Task) {
	mark := "○"
	if r.pretty {
		switch t.Status {
		case ledger.TaskCompleted:
			mark = color.GreenString("✓")
		case ledger.TaskFailed:
			mark = color.RedString("✗")
		case ledger.TaskInProgress, ledger.TaskAssigned:
			mark = color.YellowString("●")
		}
	}

	attempts := ""
	if t.AttemptCount > 1 {
		attempts = fmt.Sprintf(" (attempt %d)", t.AttemptCount)
	}

	if r.pretty {
		fmt.Fprintf(sb, "%s %-16s %-11s%s\n", mark, truncate(t.TaskID, 16), t.Status, attempts)
	} else {
		fmt.Fprintf(sb, "[%s] %s%s\n", t.Status, t.TaskID, attempts)
	}
	if t.Status == ledger.TaskFailed && t.FailureReason != "" {
		fmt.Fprintf(sb, "    %s\n", truncate(t.FailureReason, 72))
	}
}

func (r *Renderer) sessionStatus(s ledger.SessionStatus) string {
	if !r.pretty {
		return string(s)
	}
	switch s {
	case ledger.SessionComplete:
		return color.GreenString(string(s))
	case ledger.SessionAbandoned:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

// Synthesis formats a session's final result.
func (r *Renderer) Synthesis(p *ledger.Payload) string {
	if p == nil {
		return "no synthesis available\n"
	}
	text := p.Text()
	if text == "" {
		return "synthesis present but not text\n"
	}
	return text + "\n"
}

// Sessions formats mirrored session history.
func (r *Renderer) Sessions(sessions []history.SessionSummary) string {
	if len(sessions) == 0 {
		return "no sessions recorded\n"
	}

	var sb strings.Builder
	if r.pretty {
		sb.WriteString(color.CyanString("Session History\n"))
		sb.WriteString(strings.Repeat("─", 60) + "\n")
	}

	for _, s := range sessions {
		status := s.Status
		if r.pretty {
			if s.Status == "complete" {
				status = color.GreenString(s.Status)
			} else {
				status = color.RedString(s.Status)
			}
		}
		fmt.Fprintf(&sb, "%-32s %s %d/%d tasks  %s\n",
			truncate(s.SessionID, 32), status, s.Completed, s.TaskCount,
			truncate(s.Description, 30))
	}
	return sb.String()
}

// Stats formats aggregate history statistics.
func (r *Renderer) Stats(stats *history.Stats) string {
	var sb strings.Builder
	if r.pretty {
		sb.WriteString(color.CyanString("Loom Statistics\n"))
		sb.WriteString(strings.Repeat("─", 40) + "\n")
	}
	fmt.Fprintf(&sb, "sessions:  %d total, %d complete, %d abandoned\n",
		stats.TotalSessions, stats.CompletedSessions, stats.AbandonedSessions)
	fmt.Fprintf(&sb, "tasks:     %d total, %d completed, %d failed\n",
		stats.TotalTasks, stats.CompletedTasks, stats.FailedTasks)
	fmt.Fprintf(&sb, "attempts:  %.2f average per task\n", stats.AvgAttempts)
	return sb.String()
}

func truncate(s string, n int) string {
	if n < 4 {
		n = 4
	}
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
