package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// ArchiveView is the data shown by the inspect TUI.
type ArchiveView struct {
	Path     string
	Name     string
	Type     string
	Version  int
	Digest   string
	Size     int64
	Labels   map[string][]string
	Metadata map[string]any
}

// InspectModel is a Bubble Tea model showing one archive manifest.
type InspectModel struct {
	data     *ArchiveView
	width    int
	height   int
	quitting bool
}

// NewInspectModel creates a new inspect model.
func NewInspectModel(data *ArchiveView) InspectModel {
	return InspectModel{data: data}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}
	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return m.render() + "\n" + help
}

func (m InspectModel) render() string {
	d := m.data
	if d == nil {
		return "No archive"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Archive " + d.Name))
	b.WriteString("\n\n")

	typ := d.Type
	if typ == "" {
		typ = "(untyped)"
	}
	rows := [][]string{
		{"Path", d.Path},
		{"Type", typ},
		{"Version", fmt.Sprintf("%d", d.Version)},
		{"Digest", d.Digest},
		{"Size", fmt.Sprintf("%d bytes", d.Size)},
	}
	for _, row := range rows {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(row[0]+":"), ValueStyle.Render(row[1]))
	}

	if len(d.Labels) > 0 {
		b.WriteString("\n")
		b.WriteString(TitleStyle.Render("Labelled Files"))
		b.WriteString("\n")
		for _, label := range sortedKeys(d.Labels) {
			fmt.Fprintf(&b, "%s %s\n",
				LabelStyle.Render(label+":"),
				ValueStyle.Render(strings.Join(d.Labels[label], ", ")))
		}
	}

	if len(d.Metadata) > 0 {
		b.WriteString("\n")
		b.WriteString(TitleStyle.Render("Metadata"))
		b.WriteString("\n")
		for _, k := range sortedKeys(d.Metadata) {
			fmt.Fprintf(&b, "%s %s\n",
				LabelStyle.Render(k+":"),
				ValueStyle.Render(fmt.Sprint(d.Metadata[k])))
		}
	}

	return BoxStyle.Render(b.String())
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
