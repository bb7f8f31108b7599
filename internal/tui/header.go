package tui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// renderHeader produces the top bar:
//
//	CALLTRACE  |  Trace a1b2c3  |  worker_loop  |  42 calls
func renderHeader(m *Model) string {
	brand := headerBrandStyle.Render("CALLTRACE")
	sep := headerSepStyle.Render(" │ ")

	parts := []string{brand}

	switch {
	case m.showTraceList:
		parts = append(parts, sep, headerMetaStyle.Render("Trace Explorer"))
	case m.currentTrace != nil:
		parts = append(parts, sep, headerMetaStyle.Render(
			fmt.Sprintf("Trace %s", shortID(m.currentTrace.TraceID, 10))))
		parts = append(parts, sep, headerMetaStyle.Render(m.currentTrace.RootLabel))
		if m.stats != nil {
			parts = append(parts, sep, headerMetaStyle.Render(
				fmt.Sprintf("%d calls", m.stats.TotalCalls)))
		}
	case m.filePath != "":
		parts = append(parts, sep, headerMetaStyle.Render(filepath.Base(m.filePath)))
		if m.root != nil {
			parts = append(parts, sep, headerMetaStyle.Render(m.root.Label))
		}
	}

	return headerBarStyle.Width(m.width).Render(strings.Join(parts, ""))
}

// renderFooter produces the bottom status bar with keyboard hints.
func renderFooter(m *Model) string {
	var left, right string

	switch {
	case m.searchMode:
		cursor := searchCursorStyle.Render(" ")
		left = searchBarStyle.Render(fmt.Sprintf("/ %s%s", m.searchQuery, cursor))
		right = hintKeyStyle.Render("enter") + " " + hintDescStyle.Render("search") +
			"  " + hintKeyStyle.Render("esc") + " " + hintDescStyle.Render("cancel")
	case m.showTraceList:
		left = statusStyle.Render(m.statusMsg)
		right = m.help.View(listKeys{keys})
	default:
		left = statusStyle.Render(m.statusMsg)
		right = m.help.View(keys)
	}

	if m.err != nil {
		left = statusErrorStyle.Render(m.statusMsg)
	}

	// Full help spans several lines; put it above the status line.
	if strings.Contains(right, "\n") {
		return lipgloss.JoinVertical(lipgloss.Left,
			lipgloss.NewStyle().Width(m.width).Render(right),
			lipgloss.NewStyle().Background(colorBgSurface).Width(m.width).Render(left))
	}

	gap := maxInt(m.width-lipgloss.Width(left)-lipgloss.Width(right), 0)
	bar := left + strings.Repeat(" ", gap) + right
	return lipgloss.NewStyle().
		Background(colorBgSurface).
		Width(m.width).
		Render(bar)
}
