package tui

import (
	"fmt"
	"slices"

	tea "github.com/charmbracelet/bubbletea"
)

// View types.
const (
	ViewInspectSession = "inspect_session"
	ViewHistory        = "history_sessions"
)

// Run starts the TUI for viewType on data.
func Run(viewType string, data any) error {
	var model tea.Model
	switch viewType {
	case ViewInspectSession:
		v, ok := data.(*SessionView)
		if !ok {
			return fmt.Errorf("invalid data type %T for %s", data, viewType)
		}
		model = NewSessionModel(v)
	case ViewHistory:
		v, ok := data.(*HistoryView)
		if !ok {
			return fmt.Errorf("invalid data type %T for %s", data, viewType)
		}
		model = NewHistoryModel(v)
	default:
		return fmt.Errorf("TUI mode is not supported for %s", viewType)
	}
	_, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}

// IsTUISupported returns true if the view type supports TUI mode.
func IsTUISupported(viewType string) bool {
	return slices.Contains(SupportedTUIViews(), viewType)
}

// SupportedTUIViews returns the view types that support TUI mode.
func SupportedTUIViews() []string {
	return []string{ViewInspectSession, ViewHistory}
}
