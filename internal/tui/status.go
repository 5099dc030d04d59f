// Package tui implements `numerus status --watch`'s live dashboard: a
// self-refreshing table of job rows built with bubbletea/lipgloss. The
// plain, non-interactive `status` table is the fallback built in
// cmd/numerus.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/numerus-run/numerus/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// Lister is the minimal store surface the dashboard needs, so tests can
// substitute a fake without spinning up SQLite.
type Lister interface {
	List() ([]store.TaskRow, error)
}

// RefreshMsg requests a re-read of the task store; the model re-sends
// it to itself on a fixed interval.
type RefreshMsg struct{}

// Model is the bubbletea model backing `numerus status --watch`.
type Model struct {
	lister   Lister
	interval time.Duration
	rows     []store.TaskRow
	err      error
	width    int
}

// NewModel builds a dashboard model that polls lister every interval
// (default 2s).
func NewModel(lister Lister, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Model{lister: lister, interval: interval}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tickEvery(m.interval))
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		rows, err := m.lister.List()
		if err != nil {
			return errMsg{err}
		}
		return rowsMsg{rows}
	}
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return RefreshMsg{} })
}

type rowsMsg struct{ rows []store.TaskRow }
type errMsg struct{ err error }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil
	case RefreshMsg:
		return m, tea.Batch(m.refresh(), tickEvery(m.interval))
	case rowsMsg:
		m.rows = msg.rows
		m.err = nil
		return m, nil
	case errMsg:
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-10s %-28s %-20s %-6s %-6s %s", "JOB", "STATUS", "UPDATED", "PID", "EXIT", "ERROR")))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(failStyle.Render("error reading task store: " + m.err.Error()))
		b.WriteString("\n")
	}

	for _, row := range m.rows {
		b.WriteString(renderRow(row))
		b.WriteString("\n")
	}
	if len(m.rows) == 0 && m.err == nil {
		b.WriteString(dimStyle.Render("no jobs yet"))
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render("\nq to quit"))
	return b.String()
}

func renderRow(row store.TaskRow) string {
	style := dimStyle
	switch {
	case row.Status == "succeeded":
		style = successStyle
	case row.Status == "failed":
		style = failStyle
	case strings.HasPrefix(row.Status, "analysis:"), strings.HasPrefix(row.Status, "awaiting_exec:"), row.Status == "running":
		style = activeStyle
	}

	pid := "-"
	if row.WorkerPID != nil {
		pid = fmt.Sprintf("%d", *row.WorkerPID)
	}
	exit := "-"
	if row.ExitCode != nil {
		exit = fmt.Sprintf("%d", *row.ExitCode)
	}
	updated := time.Unix(int64(row.UpdatedAt), 0).Local().Format("15:04:05")

	line := fmt.Sprintf("%-10s %-28s %-20s %-6s %-6s %s", row.TaskID, row.Status, updated, pid, exit, row.Error)
	return style.Render(line)
}
