// Package report renders run records as terminal tables.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/smileynet/rendercompare/internal/history"
)

// Formatter renders records. The zero value renders plain tables.
type Formatter struct {
	// Color selects a result-coloured style, for terminals.
	Color bool
}

// WriteRun renders one run with plain styling.
func WriteRun(w io.Writer, r history.Record) error {
	return Formatter{}.WriteRun(w, r)
}

// WriteHistory renders a run list with plain styling.
func WriteHistory(w io.Writer, records []history.Record) error {
	return Formatter{}.WriteHistory(w, records)
}

// WriteRun renders the phases and per-test results of one run.
func (f Formatter) WriteRun(w io.Writer, r history.Record) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("%s run %s", r.Mode, r.ID))

	t.AppendHeader(table.Row{"Type", "Name", "Progress", "Detail"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "Name", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Progress", Align: text.AlignRight},
	})

	for _, p := range r.Phases {
		t.AppendRow(table.Row{"Phase", p.Name, fmt.Sprintf("exit %d", p.ExitCode), p.Status + " in " + formatDuration(p.Duration)})
	}
	if len(r.Phases) > 0 && len(r.Tests) > 0 {
		t.AppendSeparator()
	}

	completed := 0
	for _, tr := range r.Tests {
		if tr.Percent == 100 {
			completed++
		}
		t.AppendRow(table.Row{"Test", tr.Key, formatPercent(tr.Percent), tr.Message})
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d/%d tests completed", completed, len(r.Tests)),
		formatDuration(r.Duration),
		resultLabel(r),
	})
	f.style(t, r.Result())
	t.Render()

	if r.Stderr != "" && !r.Success {
		if _, err := fmt.Fprintf(w, "\n%s\n", r.Stderr); err != nil {
			return err
		}
	}
	return nil
}

// WriteHistory renders one row per run, newest first as given.
func (f Formatter) WriteHistory(w io.Writer, records []history.Record) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Run history")

	t.AppendHeader(table.Row{"ID", "Mode", "Started", "Duration", "Tests", "Exit", "Result"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Exit", Align: text.AlignRight},
	})

	var failed int
	var total time.Duration
	for _, r := range records {
		if !r.Success {
			failed++
		}
		total += r.Duration
		t.AppendRow(table.Row{
			r.ID,
			r.Mode,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			formatDuration(r.Duration),
			len(r.Tests),
			r.ExitCode,
			resultLabel(r),
		})
	}

	t.AppendFooter(table.Row{"TOTAL", fmt.Sprintf("%d runs", len(records)), "", formatDuration(total), "", "", fmt.Sprintf("%d failed", failed)})
	overall := "success"
	if failed > 0 {
		overall = "failure"
	}
	f.style(t, overall)
	t.Render()
	return nil
}

func (f Formatter) style(t table.Writer, result string) {
	switch {
	case !f.Color:
		t.SetStyle(table.StyleLight)
	case result == "success":
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case result == "cancelled":
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}
	// Footers carry IDs and durations; keep their case.
	t.Style().Format.Footer = text.FormatDefault
}

func resultLabel(r history.Record) string {
	switch r.Result() {
	case "success":
		return "PASS"
	case "cancelled":
		return "CANCELLED"
	default:
		return "FAIL"
	}
}

func formatPercent(p int) string {
	if p < 0 {
		return "cancelled"
	}
	return fmt.Sprintf("%d%%", p)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}
