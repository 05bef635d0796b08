package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aquasecurity/table"
	"github.com/charmbracelet/lipgloss"

	"sceneforge/internal/worker/batch"
	"sceneforge/internal/worker/dispatch"
)

var (
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	styleFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	styleDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF"))
)

func statusCell(o dispatch.Outcome) string {
	if o.OK() {
		return styleOK.Render(string(o.Status))
	}
	return styleFailed.Render(string(o.Status))
}

func detailCell(o dispatch.Outcome) string {
	switch {
	case o.OK():
		return ""
	case o.Signal != "":
		return fmt.Sprintf("%s (%s)", o.Reason, o.Signal)
	case o.ExitCode != 0:
		return fmt.Sprintf("%s (exit %d)", o.Reason, o.ExitCode)
	default:
		return string(o.Reason)
	}
}

func printSummary(w io.Writer, b *batch.Batch, elapsed time.Duration) {
	tbl := table.New(w)
	tbl.SetColumnMaxWidth(48)
	tbl.SetHeaders("#", "Variation", "Status", "Detail", "Duration")
	for i, r := range b.Results {
		tbl.AddRow(
			strconv.Itoa(i+1),
			r.VariationID,
			statusCell(r.Outcome),
			detailCell(r.Outcome),
			(time.Duration(r.Outcome.DurationMS) * time.Millisecond).String(),
		)
	}
	tbl.Render()

	s := b.Summary
	fmt.Fprintln(w, styleHeader.Render(fmt.Sprintf("%d/%d rendered", s.Succeeded, s.Total)),
		styleDim.Render(fmt.Sprintf("in %s", elapsed.Round(time.Millisecond))))
}
