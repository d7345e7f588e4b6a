// Package tui renders the live status dashboard for `nanoclaw status --watch`.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// GroupStatus is one registered group's row in the dashboard.
type GroupStatus struct {
	Folder      string
	ChatAddress string
	QueueDepth  int
	Cursor      time.Time
	LastUserTS  time.Time
}

// Snapshot is everything the dashboard shows, sampled once per tick.
type Snapshot struct {
	Version        string
	DBOK           bool
	BackendHealthy bool
	QueueDepth     int
	Active         int
	Uptime         time.Duration
	LastEvent      string
	Groups         []GroupStatus
}

// StatusProvider samples daemon state for the dashboard.
type StatusProvider func() Snapshot

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("NanoClaw "+m.snap.Version) + "\n\n")
	b.WriteString(fmt.Sprintf("Database: %s    Backend: %s\n", health(m.snap.DBOK), health(m.snap.BackendHealthy)))
	b.WriteString(fmt.Sprintf("Queue: %d pending, %d running    Uptime: %s\n",
		m.snap.QueueDepth, m.snap.Active, m.snap.Uptime.Truncate(time.Second)))
	if m.snap.LastEvent != "" {
		b.WriteString("Last event: " + m.snap.LastEvent + "\n")
	}

	b.WriteString("\n" + titleStyle.Render("Groups") + "\n")
	if len(m.snap.Groups) == 0 {
		b.WriteString(dimStyle.Render("  (none registered)") + "\n")
	}
	for _, g := range m.snap.Groups {
		state := "idle"
		if g.LastUserTS.After(g.Cursor) {
			state = "behind"
		}
		b.WriteString(fmt.Sprintf("  %-20s %-22s queue=%d  %s\n",
			g.Folder, g.ChatAddress, g.QueueDepth, state))
	}

	b.WriteString("\n" + dimStyle.Render("Press q to quit.") + "\n")
	return b.String()
}

func health(ok bool) string {
	if ok {
		return okStyle.Render("ok")
	}
	return badStyle.Render("DOWN")
}

// Run drives the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
