package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// TraceLine is one rendered trace record.
type TraceLine struct {
	Op       string
	Text     string
	TimedOut bool
	Failed   bool
}

// TraceView is the data shown by the trace TUI.
type TraceView struct {
	Path      string
	Lines     []TraceLine
	Summary   string
	Truncated string
}

// defaultPageSize is used until the first WindowSizeMsg arrives.
const defaultPageSize = 20

// chromeLines is the height taken by title, summary and help.
const chromeLines = 6

// TraceModel is a scrollable Bubble Tea model over trace records.
type TraceModel struct {
	data     *TraceView
	offset   int
	width    int
	height   int
	quitting bool
}

// NewTraceModel creates a new trace model.
func NewTraceModel(data *TraceView) TraceModel {
	return TraceModel{data: data}
}

// Init implements tea.Model.
func (m TraceModel) Init() tea.Cmd {
	return nil
}

// Offset reports the index of the first visible line.
func (m TraceModel) Offset() int {
	return m.offset
}

func (m TraceModel) pageSize() int {
	if m.height <= chromeLines {
		return defaultPageSize
	}
	return m.height - chromeLines
}

func (m TraceModel) maxOffset() int {
	if m.data == nil {
		return 0
	}
	return max(len(m.data.Lines)-m.pageSize(), 0)
}

func (m TraceModel) scrollTo(offset int) TraceModel {
	m.offset = min(max(offset, 0), m.maxOffset())
	return m
}

// Update implements tea.Model.
func (m TraceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m.scrollTo(m.offset), nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			return m.scrollTo(m.offset - 1), nil
		case key.Matches(msg, keys.Down):
			return m.scrollTo(m.offset + 1), nil
		case key.Matches(msg, keys.PageUp):
			return m.scrollTo(m.offset - m.pageSize()), nil
		case key.Matches(msg, keys.PageDown):
			return m.scrollTo(m.offset + m.pageSize()), nil
		case key.Matches(msg, keys.Top):
			return m.scrollTo(0), nil
		case key.Matches(msg, keys.Bottom):
			return m.scrollTo(m.maxOffset()), nil
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m TraceModel) View() string {
	if m.quitting {
		return ""
	}
	if m.data == nil {
		return "No trace"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Trace " + m.data.Path))
	b.WriteString("\n")
	if m.data.Summary != "" {
		b.WriteString(LabelStyle.UnsetWidth().Render(m.data.Summary))
		b.WriteString("\n")
	}
	if m.data.Truncated != "" {
		b.WriteString(ErrorStyle.Render("truncated: " + m.data.Truncated))
		b.WriteString("\n")
	}

	end := min(m.offset+m.pageSize(), len(m.data.Lines))
	for _, line := range m.data.Lines[m.offset:end] {
		b.WriteString(OpStyle(line.Op, line.TimedOut, line.Failed).Render(line.Text))
		b.WriteString("\n")
	}

	help := fmt.Sprintf("%d-%d of %d  ↑/↓ scroll  pgup/pgdn page  g/G top/bottom  q quit",
		min(m.offset+1, end), end, len(m.data.Lines))
	return b.String() + HelpStyle.Render(help)
}
