// Package render writes command results as json, yaml or an aligned table.
//
// Without --format, a terminal gets a table and anything else gets json.
// --no-color only affects tables; TUI views bring their own styling.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/microlink/cli/tui"
)

// Format is an output format name.
type Format string

const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

var formats = []Format{FormatJSON, FormatTable, FormatYAML}

// ParseFormat resolves a --format value, case-insensitively. The empty
// string yields the empty Format, meaning "pick by terminal".
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return "", nil
	}
	for _, f := range formats {
		if strings.EqualFold(s, string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("invalid format %q (want json, table or yaml)", s)
}

// Renderer writes values to one output in one format.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer reads --format and --no-color from c and targets stdout.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	tty := isTerminal(os.Stdout)
	if format == "" {
		format = FormatJSON
		if tty {
			format = FormatTable
		}
	}
	return &Renderer{format: format, noColor: c.Bool("no-color") || !tty, out: os.Stdout}, nil
}

// NewRendererWithWriter builds a renderer for an arbitrary writer.
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{format: format, noColor: noColor, out: out}
}

// Render writes data.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		return r.table(data)
	}
	return fmt.Errorf("unknown format: %s", r.format)
}

// RenderTUI starts the interactive view for viewType.
func (r *Renderer) RenderTUI(viewType string, data any) error {
	if !tui.IsTUISupported(viewType) {
		return fmt.Errorf("--tui is not supported for %s", viewType)
	}
	return tui.Run(viewType, data)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

func (r *Renderer) paint(s lipgloss.Style, text string) string {
	if r.noColor {
		return text
	}
	return s.Render(text)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
