package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
	"github.com/Mr-Dark-debug/calltrace/pkg/jsonutil"
	"github.com/Mr-Dark-debug/calltrace/pkg/timeutil"
)

// renderDetail renders the call detail pane (right side).
func renderDetail(m *Model, width, height int) string {
	titleStyle := panelTitleDimStyle
	if m.activePane == PaneDetail {
		titleStyle = panelTitleStyle
	}
	title := titleStyle.Render("Detail")

	node, rec := m.selectedNode()
	if node == nil {
		return title + "\n\n" +
			emptyStateStyle.Render("Select a call to view details.")
	}

	var lines []string

	// ── Call ──

	lines = append(lines, detailRow("Label", node.Label))
	lines = append(lines, detailRow("Path", node.Path))

	if node.IsPlaceholder() {
		lines = append(lines, detailWarnStyle.Render(node.Malformed))
	} else {
		lines = append(lines, detailRow("Called", timeutil.FormatTick(node.CallTS, m.unit)))
		if node.Completion == calltrace.CompletionNone {
			lines = append(lines, detailRow("Completed", detailWarnStyle.Render("never (call_ts used)")))
		} else {
			lines = append(lines, detailRow("Completed",
				timeutil.FormatTick(node.CompletionTS, m.unit)+"  "+traceDimStyle.Render(node.Completion)))
		}

		elapsed := fmt.Sprintf("%s  (%s)",
			timeutil.FormatElapsed(node.ElapsedSeconds), timeutil.FormatSeconds(node.ElapsedSeconds))
		if node.ElapsedSeconds < 0 {
			elapsed = detailWarnStyle.Render(elapsed)
		}
		lines = append(lines, detailRow("Elapsed", elapsed))
	}

	lines = append(lines, detailRow("Children", fmt.Sprintf("%d", len(node.Children))))

	// ── Runtime fields ──

	if rec != nil {
		if rec.Caller != nil && *rec.Caller != "" {
			lines = append(lines, detailRow("Caller", *rec.Caller))
		}
		if rec.CalleeClass != nil && *rec.CalleeClass != "" {
			lines = append(lines, detailRow("Class", *rec.CalleeClass))
		}
		if len(rec.ThreadID) > 0 && string(rec.ThreadID) != "null" {
			lines = append(lines, detailRow("Thread", string(jsonutil.CompactJSON(rec.ThreadID))))
		}

		lines = appendJSONSection(lines, "Params In", rec.ParamsIn, width)
		lines = appendJSONSection(lines, "Params Out", rec.ParamsOut, width)
	}

	// ── Trace-level summary ──

	lines = append(lines, "")
	lines = append(lines, detailSectionStyle.Render("Trace Summary"))
	if m.stats != nil {
		lines = append(lines, detailRow("Calls", fmt.Sprintf("%d", m.stats.TotalCalls)))
		lines = append(lines, detailRow("Labels", fmt.Sprintf("%d", m.stats.DistinctLabels)))
		lines = append(lines, detailRow("Depth", fmt.Sprintf("%d", m.stats.MaxDepth)))
		lines = append(lines, detailRow("Elapsed", timeutil.FormatElapsed(m.stats.RootElapsedSeconds)))
		if m.stats.NegativeDurations > 0 {
			lines = append(lines, detailRow("Negative", detailWarnStyle.Render(fmt.Sprintf("%d", m.stats.NegativeDurations))))
		}
		if m.stats.MissingCompletion > 0 {
			lines = append(lines, detailRow("Unfinished", fmt.Sprintf("%d", m.stats.MissingCompletion)))
		}
	} else if m.root != nil {
		lines = append(lines, detailRow("Calls", fmt.Sprintf("%d", m.root.Count())))
		lines = append(lines, detailRow("Depth", fmt.Sprintf("%d", m.root.Depth())))
		lines = append(lines, detailRow("Elapsed", timeutil.FormatElapsed(m.root.ElapsedSeconds)))
	}

	// Scroll, then truncate to available height
	offset := clamp(m.detailScroll, 0, maxInt(len(lines)-1, 0))
	lines = lines[offset:]
	if len(lines) > height-2 {
		lines = lines[:maxInt(height-2, 0)]
	}

	return title + "\n\n" + strings.Join(lines, "\n")
}

// appendJSONSection adds an indented JSON block, if raw holds a value.
func appendJSONSection(lines []string, label string, raw json.RawMessage, width int) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return lines
	}
	lines = append(lines, "")
	lines = append(lines, detailSectionStyle.Render(label))
	for _, line := range strings.Split(jsonutil.PrettyJSON(string(raw)), "\n") {
		lines = append(lines, detailValueStyle.Render(jsonutil.TruncateString(line, width)))
	}
	return lines
}

// renderDetailPanel wraps detail in a styled panel.
func renderDetailPanel(m *Model, width, height int) string {
	content := renderDetail(m, width-4, height-2)

	style := panelStyle
	if m.activePane == PaneDetail {
		style = panelActiveStyle
	}

	return style.Width(width).Height(height).Render(content)
}

func detailRow(label, value string) string {
	return detailLabelStyle.Render(fmt.Sprintf("%-10s", label)) + " " + detailValueStyle.Render(value)
}
