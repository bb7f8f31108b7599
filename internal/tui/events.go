package tui

import (
	"fmt"
	"strings"

	"github.com/Mr-Dark-debug/calltrace/pkg/jsonutil"
)

// renderEvents lists the events the runtime attached to the selected
// call (bottom pane).
func renderEvents(m *Model, width, height int) string {
	titleStyle := panelTitleDimStyle
	if m.activePane == PaneEvents {
		titleStyle = panelTitleStyle
	}

	title := titleStyle.Render("Events")

	_, rec := m.selectedNode()
	if rec == nil || len(rec.Events) == 0 {
		return title + "\n" +
			eventIndexStyle.Render("No events recorded for this call.")
	}

	title += traceDimStyle.Render(fmt.Sprintf("  %d events", len(rec.Events)))

	contentHeight := maxInt(height-2, 1)
	offset := clamp(m.eventScroll, 0, len(rec.Events)-1)
	end := minInt(offset+contentHeight, len(rec.Events))

	var lines []string
	for i := offset; i < end; i++ {
		idx := eventIndexStyle.Render(fmt.Sprintf("#%-4d", i))
		body := string(jsonutil.CompactJSON(rec.Events[i]))
		lines = append(lines, idx+" "+eventBodyStyle.Render(jsonutil.TruncateString(body, width-7)))
	}

	return title + "\n" + strings.Join(lines, "\n")
}

// renderEventsPanel wraps the event list in a styled panel.
func renderEventsPanel(m *Model, width, height int) string {
	content := renderEvents(m, width-4, height-2)

	style := panelStyle
	if m.activePane == PaneEvents {
		style = panelActiveStyle
	}

	return style.Width(width).Height(height).Render(content)
}
