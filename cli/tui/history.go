package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/TyberiusPrime/uv2nix-hammer/lode"
)

// HistoryView is the payload of hammer history.
type HistoryView struct {
	Sessions []lode.SessionRecord `json:"sessions"`
}

// HistoryCounts tallies archived sessions by terminal state.
type HistoryCounts struct {
	Total     int
	Converged int
	Exhausted int
	Aborted   int
}

// Counts tallies the view's sessions.
func (v *HistoryView) Counts() HistoryCounts {
	var c HistoryCounts
	for _, s := range v.Sessions {
		c.Total++
		switch s.State {
		case "converged":
			c.Converged++
		case "exhausted":
			c.Exhausted++
		case "aborted":
			c.Aborted++
		}
	}
	return c
}

// HistoryModel shows archive statistics and recent sessions.
type HistoryModel struct {
	view     *HistoryView
	offset   int
	height   int
	quitting bool
}

// NewHistoryModel creates the history model.
func NewHistoryModel(v *HistoryView) HistoryModel {
	return HistoryModel{view: v}
}

// Init implements tea.Model.
func (m HistoryModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m HistoryModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.offset > 0 {
				m.offset--
			}
		case key.Matches(msg, keys.Down):
			if m.view != nil && m.offset < len(m.view.Sessions)-1 {
				m.offset++
			}
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m HistoryModel) View() string {
	if m.quitting {
		return ""
	}
	if m.view == nil || len(m.view.Sessions) == 0 {
		return "No archived sessions"
	}

	c := m.view.Counts()
	boxes := lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Sessions", fmt.Sprintf("%d", c.Total), ValueStyle),
		statBox("Converged", fmt.Sprintf("%d", c.Converged), SuccessStyle),
		statBox("Exhausted", fmt.Sprintf("%d", c.Exhausted), WarningStyle),
		statBox("Aborted", fmt.Sprintf("%d", c.Aborted), ErrorStyle),
	)

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Recent sessions"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%-20s %-12s %-10s %8s %10s  %s\n", "PACKAGE", "VERSION", "STATE", "ATTEMPTS", "DURATION", "STARTED")
	for _, s := range m.visible() {
		state := StateStyle(s.State).Render(fmt.Sprintf("%-10s", s.State))
		duration := (time.Duration(s.DurationMs) * time.Millisecond).Round(time.Second)
		fmt.Fprintf(&b, "%-20s %-12s %s %8d %10s  %s\n",
			truncate(s.Package, 20), truncate(s.Version, 12), state, s.Attempts, duration, s.StartedAt)
	}

	content := lipgloss.JoinVertical(lipgloss.Left, boxes, BoxStyle.Render(b.String()))
	return content + "\n" + HelpStyle.Render("↑/↓ scroll • q quit")
}

func (m HistoryModel) visible() []lode.SessionRecord {
	rows := m.view.Sessions[m.offset:]
	// Stat boxes, borders and help take roughly 14 lines.
	if limit := m.height - 14; m.height > 0 && limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func statBox(label, value string, style lipgloss.Style) string {
	return StatBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Center,
		StatLabelStyle.Render(label),
		style.Bold(true).Render(value),
	))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
