package tui

import (
	"fmt"
	"strings"

	"github.com/Mr-Dark-debug/calltrace/pkg/jsonutil"
	"github.com/Mr-Dark-debug/calltrace/pkg/timeutil"
	"github.com/charmbracelet/lipgloss"
)

// renderTraceList renders the trace selection screen.
func renderTraceList(m *Model, height int) string {
	if len(m.traces) == 0 {
		empty := emptyStateStyle.Render(
			"No traces found.\n\n" +
				"Import a tracker.json with `calltrace import`, or point\n" +
				"an instrumented runtime at the daemon's report address.")
		return lipgloss.Place(m.width, height, lipgloss.Center, lipgloss.Center, empty)
	}

	visible := m.visibleTraces()

	title := panelTitleStyle.Render("Traces")
	count := traceDimStyle.Render(fmt.Sprintf("  %d total", len(m.traces)))
	if m.searchQuery != "" {
		count = traceDimStyle.Render(fmt.Sprintf("  %d of %d match %q", len(visible), len(m.traces), m.searchQuery))
	}

	lines := []string{title + count, ""}

	// Visible range for scrolling
	maxVisible := maxInt(height-3, 5)

	startIdx := 0
	if m.selectedTrace >= maxVisible {
		startIdx = m.selectedTrace - maxVisible + 1
	}
	endIdx := minInt(startIdx+maxVisible, len(visible))

	for i := startIdx; i < endIdx; i++ {
		t := visible[i]

		// Red when the root completes before it was called.
		dot := traceStatusOk.Render("●")
		if t.ElapsedSeconds < 0 {
			dot = traceStatusFail.Render("●")
		}

		label := jsonutil.TruncateString(t.RootLabel, 32)
		meta := traceDimStyle.Render(fmt.Sprintf("%-10s %5d calls  %-9s %s  %s",
			shortID(t.TraceID, 10), t.NodeCount,
			timeutil.FormatElapsed(t.ElapsedSeconds),
			t.Source, timeutil.RelativeTime(t.ReceivedAt)))

		content := fmt.Sprintf("%s  %-32s  %s", dot, label, meta)

		style := traceItemStyle
		if i == m.selectedTrace {
			style = traceSelectedStyle
		}
		lines = append(lines, style.Width(m.width-4).Render(content))
	}

	return strings.Join(lines, "\n")
}
