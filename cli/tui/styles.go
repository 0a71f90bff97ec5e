// Package tui provides Bubble Tea views for the microlink CLI.
//
// Views are opt-in (--tui), read-only, and show the same data as the
// structured output of inspect and trace.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	accent   = lipgloss.Color("#7C3AED")
	dim      = lipgloss.Color("#6B7280")
	bright   = lipgloss.Color("#F9FAFB")
	inbound  = lipgloss.Color("#10B981")
	outbound = lipgloss.Color("#3B82F6")
	stalled  = lipgloss.Color("#F59E0B")
	broken   = lipgloss.Color("#EF4444")
)

var (
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(accent).MarginBottom(1)
	LabelStyle = lipgloss.NewStyle().Foreground(dim).Width(16)
	ValueStyle = lipgloss.NewStyle().Foreground(bright)
	ErrorStyle = lipgloss.NewStyle().Foreground(broken)
	HelpStyle  = lipgloss.NewStyle().Foreground(dim).MarginTop(1)

	// BoxStyle frames the inspect view.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(dim).
			Padding(1, 2)
)

// opStyles colors trace records by operation. Ops not listed render as
// plain values.
var opStyles = map[string]lipgloss.Style{
	"read":  lipgloss.NewStyle().Foreground(inbound),
	"write": lipgloss.NewStyle().Foreground(outbound),
}

var timeoutStyle = lipgloss.NewStyle().Foreground(stalled)

// OpStyle picks the style for one trace line. A timeout outranks an error,
// which outranks the op color.
func OpStyle(op string, timedOut, failed bool) lipgloss.Style {
	if timedOut {
		return timeoutStyle
	}
	if failed {
		return ErrorStyle
	}
	if s, ok := opStyles[op]; ok {
		return s
	}
	return ValueStyle
}
