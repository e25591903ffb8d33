package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/TyberiusPrime/uv2nix-hammer/runtime"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// logExcerptLines bounds the log shown under a selected attempt.
const logExcerptLines = 30

// SessionView is the payload of hammer inspect: the report plus build
// output per attempt index, when a journal was found.
type SessionView struct {
	Report *runtime.Report `json:"report"`
	Logs   map[int]string  `json:"-"`
}

// SessionModel browses the attempts of one session.
type SessionModel struct {
	view     *SessionView
	cursor   int
	showLog  bool
	width    int
	height   int
	quitting bool
}

// NewSessionModel creates the inspect model.
func NewSessionModel(v *SessionView) SessionModel {
	return SessionModel{view: v}
}

// Init implements tea.Model.
func (m SessionModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m SessionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, keys.Down):
			if m.cursor < len(m.view.Report.Attempts)-1 {
				m.cursor++
			}
		case key.Matches(msg, keys.Toggle):
			m.showLog = !m.showLog
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m SessionModel) View() string {
	if m.quitting {
		return ""
	}
	if m.view == nil || m.view.Report == nil {
		return "No report loaded"
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		m.renderSummary(),
		m.renderAttempts(),
	)
	help := HelpStyle.Render("↑/↓ select attempt • enter toggle log • q quit")
	return content + "\n" + help
}

func (m SessionModel) renderSummary() string {
	r := m.view.Report
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Session " + r.SessionID))
	b.WriteString("\n")

	rows := [][2]string{
		{"Target", r.Target.String()},
		{"State", string(r.State)},
		{"Reason", r.Message},
		{"Exit code", fmt.Sprintf("%d", r.ExitCode)},
		{"Attempts", fmt.Sprintf("%d", len(r.Attempts))},
		{"Mutations", fmt.Sprintf("%d", len(r.Mutations))},
		{"Duration", (time.Duration(r.DurationMs) * time.Millisecond).String()},
	}
	if r.Branch != "" {
		rows = append(rows, [2]string{"Branch", r.Branch})
	}
	for _, row := range rows {
		value := ValueStyle.Render(row[1])
		if row[0] == "State" {
			value = StateStyle(row[1]).Render(row[1])
		}
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(row[0]+":"), value)
	}
	return BoxStyle.Render(b.String())
}

func (m SessionModel) renderAttempts() string {
	r := m.view.Report
	if len(r.Attempts) == 0 {
		return BoxStyle.Render("No attempts recorded")
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Attempts"))
	b.WriteString("\n")
	for i, a := range r.Attempts {
		line := attemptLine(a)
		if i == m.cursor {
			line = SelectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	sel := r.Attempts[m.cursor]
	if sel.Signature != nil {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Package:"), ValueStyle.Render(sel.Signature.Package.String()))
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Fingerprint:"), ValueStyle.Render(sel.Signature.Fingerprint()))
		if sel.Signature.Extractor != "" {
			fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Extractor:"), ValueStyle.Render(sel.Signature.Extractor))
		}
	}
	if sel.Applied != nil {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Applied:"), ValueStyle.Render(sel.Applied.String()))
	}
	if m.showLog {
		b.WriteString("\n")
		b.WriteString(LogStyle.Render(m.logExcerpt(sel)))
	}
	return BoxStyle.Render(b.String())
}

func (m SessionModel) logExcerpt(a types.AttemptRecord) string {
	if log, ok := m.view.Logs[a.Index]; ok && log != "" {
		return tailLines(log, logExcerptLines)
	}
	if a.Signature != nil && a.Signature.RawExcerpt != "" {
		return a.Signature.RawExcerpt
	}
	return "(no log recorded)"
}

// attemptLine is the one-line list entry for an attempt.
func attemptLine(a types.AttemptRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%-3d %s", a.Index, StateStyle(string(a.Outcome)).Render(fmt.Sprintf("%-14s", a.Outcome)))
	if a.TimedOut {
		b.WriteString(" timeout")
	}
	if a.Signature != nil {
		fmt.Fprintf(&b, " %s", a.Signature.Category)
		if len(a.Signature.Evidence) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(a.Signature.Evidence, " "))
		}
	}
	return b.String()
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

type keyMap struct {
	Quit   key.Binding
	Up     key.Binding
	Down   key.Binding
	Toggle key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "previous"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "next"),
	),
	Toggle: key.NewBinding(
		key.WithKeys("enter", "l"),
		key.WithHelp("enter", "toggle log"),
	),
}

// RenderStatic renders a view without starting a program, for non-TTY
// output and tests.
func RenderStatic(m tea.Model) string {
	return lipgloss.NewStyle().Padding(1, 2).Render(m.View())
}
