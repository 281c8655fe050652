// Package tui renders a live view of a delegation session using Bubble
// Tea. It is a read-only observer: everything it shows comes from
// polling the ledger, the same source of truth the orchestrator uses.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/loomworks/loom/internal/ledger"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginLeft(2)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)
)

const watchPoll = 500 * time.Millisecond

type ledgerMsg *ledger.Ledger
type watchErrMsg error
type pollMsg time.Time

// WatchModel is the Bubble Tea model behind `loom watch`.
type WatchModel struct {
	store     ledger.Store
	sessionID string

	spinner  spinner.Model
	led      *ledger.Ledger
	err      error
	width    int
	quitting bool
}

// NewWatch creates a watch model for one session.
func NewWatch(store ledger.Store, sessionID string) WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return WatchModel{
		store:     store,
		sessionID: sessionID,
		spinner:   s,
		width:     80,
	}
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch, pollCmd())
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case ledgerMsg:
		m.led = msg
		m.err = nil

	case watchErrMsg:
		m.err = msg

	case pollMsg:
		return m, tea.Batch(m.fetch, pollCmd())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m WatchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("loom watch") + "\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("  "+m.err.Error()) + "\n")
		b.WriteString(helpStyle.Render("  q: quit"))
		return b.String()
	}
	if m.led == nil {
		return b.String() + fmt.Sprintf("  %s loading session...\n", m.spinner.View())
	}

	s := m.led.Session
	header := fmt.Sprintf("%s │ %s", s.SessionID, renderSessionStatus(s.Status))
	if !s.Status.Terminal() {
		header = m.spinner.View() + " " + header
	}
	b.WriteString("  " + header + "\n")
	b.WriteString(infoStyle.Render("  "+truncate(s.Description, m.width-6)) + "\n\n")

	var tasks strings.Builder
	for _, t := range m.led.Tasks {
		tasks.WriteString(renderTask(&t, m.width-10) + "\n")
	}
	b.WriteString(boxStyle.Width(m.width - 4).Render(strings.TrimRight(tasks.String(), "\n")) + "\n")

	if s.Status == ledger.SessionAbandoned && len(s.FailedTasks) > 0 {
		b.WriteString(errorStyle.Render("  failed: "+strings.Join(s.FailedTasks, ", ")) + "\n")
	}
	if s.Status == ledger.SessionComplete && s.Synthesis != nil {
		b.WriteString(okStyle.Render("  synthesis ready") + "\n")
	}

	b.WriteString(helpStyle.Render("  q: quit"))
	return b.String()
}

func renderSessionStatus(s ledger.SessionStatus) string {
	switch s {
	case ledger.SessionComplete:
		return okStyle.Render(string(s))
	case ledger.SessionAbandoned:
		return errorStyle.Render(string(s))
	default:
		return warnStyle.Render(string(s))
	}
}

func renderTask(t *ledger.Task, width int) string {
	var glyph string
	switch t.Status {
	case ledger.TaskCompleted:
		glyph = okStyle.Render("✓")
	case ledger.TaskFailed:
		glyph = errorStyle.Render("✗")
	case ledger.TaskInProgress:
		glyph = warnStyle.Render("●")
	case ledger.TaskAssigned:
		glyph = warnStyle.Render("◐")
	default:
		glyph = infoStyle.Render("○")
	}

	line := fmt.Sprintf("%s %-12s %-11s", glyph, truncate(t.TaskID, 12), t.Status)
	if t.AttemptCount > 1 {
		line += warnStyle.Render(fmt.Sprintf(" attempt %d", t.AttemptCount))
	}
	if t.FailureReason != "" && t.Status == ledger.TaskFailed {
		line += " " + infoStyle.Render(truncate(t.FailureReason, width-40))
	}
	return line
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func (m WatchModel) fetch() tea.Msg {
	led, err := m.store.Read(context.Background(), m.sessionID)
	if err != nil {
		return watchErrMsg(err)
	}
	return ledgerMsg(led)
}

func pollCmd() tea.Cmd {
	return tea.Tick(watchPoll, func(t time.Time) tea.Msg {
		return pollMsg(t)
	})
}

// Watch runs the watch screen until the user quits.
func Watch(store ledger.Store, sessionID string) error {
	p := tea.NewProgram(NewWatch(store, sessionID), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
