package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"
)

var errUnknownOutputFormat = errors.New("unknown output format")

// Output format constants.
const (
	outputFormatJSON  = "json"
	outputFormatYAML  = "yaml"
	outputFormatTable = "table"
)

// Status icons.
const (
	iconOK    = "✓"
	iconError = "✗"
)

// Color variables for consistent styling across all commands.
var (
	colorSuccess = color.New(color.FgGreen)
	colorError   = color.New(color.FgRed)
	colorWarning = color.New(color.FgYellow)
	colorMuted   = color.New(color.Faint)
)

// exportBadge returns a colored export state.
func exportBadge(exported bool) string {
	if exported {
		return colorSuccess.Sprint("yes")
	}
	return colorMuted.Sprint("no")
}

// newStyledTable creates a pre-configured go-pretty table with StyleLight base,
// upper-case headers, and no row separators.
func newStyledTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)

	style := table.StyleLight
	style.Options.SeparateRows = false
	style.Options.DrawBorder = false
	style.Options.SeparateColumns = true
	style.Format.Header = text.FormatUpper
	style.Format.HeaderAlign = text.AlignLeft
	t.SetStyle(style)

	return t
}

// render writes v as JSON or YAML, or calls tableFn for table output.
func render(w io.Writer, format string, v any, tableFn func(w io.Writer)) error {
	switch format {
	case outputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)

	case outputFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()

	case outputFormatTable, "":
		tableFn(w)
		return nil

	default:
		return fmt.Errorf("%w: %s", errUnknownOutputFormat, format)
	}
}

// renderKV renders a two column property table.
func renderKV(w io.Writer, rows [][2]string) {
	t := newStyledTable(w)
	t.AppendHeader(table.Row{"PROPERTY", "VALUE"})
	for _, r := range rows {
		t.AppendRow(table.Row{r[0], r[1]})
	}
	t.Render()
}

// printStepf prints a formatted step-style line.
func printStepf(w io.Writer, c *color.Color, icon, format string, args ...any) {
	//nolint:errcheck // writing to the command output
	fmt.Fprintf(w, "%s %s\n", c.Sprint(icon), fmt.Sprintf(format, args...))
}

// formatBytes converts bytes to human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1fTi", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1fGi", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1fMi", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1fKi", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
