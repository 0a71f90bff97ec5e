package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/microlink/cli/render"
	"github.com/pithecene-io/microlink/cli/tui"
	"github.com/pithecene-io/microlink/iox"
	"github.com/pithecene-io/microlink/trace"
)

// TraceEntry is one decoded trace record.
type TraceEntry struct {
	Seq     int64  `json:"seq"`
	Time    string `json:"time"`
	Op      string `json:"op"`
	Bytes   int    `json:"bytes"`
	N       int    `json:"n,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    string `json:"data_hex,omitempty"`
}

// TraceSummary totals a trace file.
type TraceSummary struct {
	Path         string `json:"path"`
	Records      int    `json:"records"`
	Skipped      int    `json:"skipped"`
	BytesRead    int    `json:"bytes_read"`
	BytesWritten int    `json:"bytes_written"`
	Timeouts     int    `json:"timeouts"`
	Errors       int    `json:"errors"`
	Truncated    string `json:"truncated,omitempty"`
}

// TraceCommand returns the trace command.
func TraceCommand() *cli.Command {
	return &cli.Command{
		Name:      "trace",
		Usage:     "Decode an I/O trace written by connect --trace",
		ArgsUsage: "<trace-file>",
		Flags: append(TUIReadOnlyFlags(),
			&cli.BoolFlag{Name: "summary", Aliases: []string{"s"}, Usage: "Print totals instead of records"},
			&cli.BoolFlag{Name: "raw", Usage: "Print one line per record, ignoring --format"},
		),
		Action: traceAction,
	}
}

func traceAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageError("trace requires <trace-file>")
	}
	path := c.Args().First()
	f, err := os.Open(path)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer iox.DiscardClose(f)

	records, skipped, readErr := trace.ReadAll(f)

	switch {
	case c.Bool("tui"):
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}
		if err := r.RenderTUI(tui.ViewTrace, traceView(summarizeTrace(path, records, skipped, readErr), records)); err != nil {
			return cli.Exit(err.Error(), 1)
		}
	case c.Bool("raw"):
		if err := writeRawTrace(c.App.Writer, records); err != nil {
			return err
		}
	case c.Bool("summary"):
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}
		if err := r.Render(summarizeTrace(path, records, skipped, readErr)); err != nil {
			return err
		}
	default:
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}
		entries := make([]TraceEntry, len(records))
		for i, rec := range records {
			entries[i] = traceEntry(rec)
		}
		if err := r.Render(entries); err != nil {
			return err
		}
	}

	if readErr != nil {
		return cli.Exit(fmt.Sprintf("trace truncated after %d records: %v", len(records), readErr), 1)
	}
	return nil
}

func writeRawTrace(w io.Writer, records []*trace.Record) error {
	if w == nil {
		w = os.Stdout
	}
	for _, rec := range records {
		if _, err := fmt.Fprintln(w, rec.String()); err != nil {
			return err
		}
	}
	return nil
}

func traceView(s TraceSummary, records []*trace.Record) *tui.TraceView {
	v := &tui.TraceView{
		Path: s.Path,
		Summary: fmt.Sprintf("%d records, %d read, %d written, %d timeouts, %d errors, %d skipped",
			s.Records, s.BytesRead, s.BytesWritten, s.Timeouts, s.Errors, s.Skipped),
		Truncated: s.Truncated,
		Lines:     make([]tui.TraceLine, len(records)),
	}
	for i, rec := range records {
		v.Lines[i] = tui.TraceLine{
			Op:       string(rec.Op),
			Text:     rec.String(),
			TimedOut: rec.Timedout,
			Failed:   rec.Err != "",
		}
	}
	return v
}

func traceEntry(rec *trace.Record) TraceEntry {
	e := TraceEntry{
		Seq:   rec.Seq,
		Time:  rec.Time().UTC().Format(time.RFC3339Nano),
		Op:    string(rec.Op),
		Bytes: len(rec.Data),
		N:     rec.N,
		Error: rec.Err,
		Data:  hex.EncodeToString(rec.Data),
	}
	if rec.Timeout > 0 {
		e.Timeout = time.Duration(rec.Timeout).String()
	}
	return e
}

func summarizeTrace(path string, records []*trace.Record, skipped int, readErr error) TraceSummary {
	s := TraceSummary{Path: path, Records: len(records), Skipped: skipped}
	for _, rec := range records {
		switch rec.Op {
		case trace.OpRead:
			s.BytesRead += len(rec.Data)
		case trace.OpWrite:
			s.BytesWritten += rec.N
		}
		if rec.Timedout {
			s.Timeouts++
		} else if rec.Err != "" {
			s.Errors++
		}
	}
	if readErr != nil {
		s.Truncated = readErr.Error()
	}
	return s
}
