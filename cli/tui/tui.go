package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// View types that support TUI mode.
const (
	ViewInspect = "inspect"
	ViewTrace   = "trace"
)

type keyMap struct {
	Quit     key.Binding
	Up       key.Binding
	Down     key.Binding
	PageUp   key.Binding
	PageDown key.Binding
	Top      key.Binding
	Bottom   key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	PageUp: key.NewBinding(
		key.WithKeys("pgup", "b"),
		key.WithHelp("pgup", "page up"),
	),
	PageDown: key.NewBinding(
		key.WithKeys("pgdown", "f", " "),
		key.WithHelp("pgdn", "page down"),
	),
	Top: key.NewBinding(
		key.WithKeys("home", "g"),
		key.WithHelp("g", "top"),
	),
	Bottom: key.NewBinding(
		key.WithKeys("end", "G"),
		key.WithHelp("G", "bottom"),
	),
}

// Run starts the TUI for viewType. data must be the view's payload:
// *ArchiveView for inspect, *TraceView for trace.
func Run(viewType string, data any) error {
	var m tea.Model
	switch viewType {
	case ViewInspect:
		v, ok := data.(*ArchiveView)
		if !ok {
			return fmt.Errorf("invalid data type %T for %s", data, viewType)
		}
		m = NewInspectModel(v)
	case ViewTrace:
		v, ok := data.(*TraceView)
		if !ok {
			return fmt.Errorf("invalid data type %T for %s", data, viewType)
		}
		m = NewTraceModel(v)
	default:
		return fmt.Errorf("TUI mode is not supported for %s", viewType)
	}

	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

// IsTUISupported returns true if the view type supports TUI mode.
func IsTUISupported(viewType string) bool {
	for _, v := range SupportedTUIViews() {
		if v == viewType {
			return true
		}
	}
	return false
}

// SupportedTUIViews returns the view types that support TUI.
func SupportedTUIViews() []string {
	return []string{ViewInspect, ViewTrace}
}
