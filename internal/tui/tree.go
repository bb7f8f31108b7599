package tui

import (
	"fmt"
	"strings"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
	"github.com/Mr-Dark-debug/calltrace/pkg/jsonutil"
	"github.com/Mr-Dark-debug/calltrace/pkg/timeutil"
	"github.com/charmbracelet/lipgloss"
)

// renderTree renders the collapsible call tree in the left pane.
func renderTree(m *Model, width, height int) string {
	titleStyle := panelTitleDimStyle
	if m.activePane == PaneTree {
		titleStyle = panelTitleStyle
	}

	title := titleStyle.Render("Calls")
	title += traceDimStyle.Render(fmt.Sprintf("  %d shown", len(m.rows)))

	if len(m.rows) == 0 {
		return title + "\n\n" + emptyStateStyle.Render("Empty trace.")
	}

	lines := []string{title, ""}
	contentHeight := maxInt(height-3, 1)

	// Scroll so the selected row is visible
	start := 0
	if m.selected >= contentHeight {
		start = m.selected - contentHeight + 1
	}
	end := minInt(start+contentHeight, len(m.rows))

	for i := start; i < end; i++ {
		lines = append(lines, treeLine(m, i, width))
	}

	if len(m.rows) > contentHeight {
		pct := 0
		if len(m.rows) > 1 {
			pct = m.selected * 100 / (len(m.rows) - 1)
		}
		lines = append(lines, traceDimStyle.Render(
			fmt.Sprintf(" %d/%d (%d%%)", m.selected+1, len(m.rows), pct)))
	}

	return strings.Join(lines, "\n")
}

// treeLine renders row i: connectors, fold marker, label and elapsed.
func treeLine(m *Model, i, width int) string {
	row := m.rows[i]
	n := row.node

	prefix := treePrefix(m.rows, i, width/2)

	marker := "  "
	switch {
	case len(n.Children) > 0 && m.collapsed[n.Path]:
		marker = "▸ "
	case len(n.Children) > 0:
		marker = "▾ "
	}

	var elapsed string
	if !n.IsPlaceholder() {
		elapsed = timeutil.FormatElapsed(n.ElapsedSeconds)
	}
	var hidden string
	if m.collapsed[n.Path] {
		hidden = fmt.Sprintf(" +%d", n.Count()-1)
	}

	maxLabel := maxInt(width-len([]rune(prefix))-len(elapsed)-len(hidden)-4, 8)
	label := jsonutil.TruncateString(n.Label, maxLabel)

	if i == m.selected {
		return nodeSelectedStyle.Width(width).Render(
			prefix + marker + label + " " + elapsed + hidden)
	}

	return treeBranchStyle.Render(prefix) +
		treeMarkerStyle.Render(marker) +
		nodeStyle(n).Render(label) + " " +
		treeDurationStyle.Render(elapsed) +
		treeCollapsedStyle.Render(hidden)
}

// nodeStyle colors a node by what its timing says about the call.
func nodeStyle(n *calltrace.DisplayNode) lipgloss.Style {
	switch {
	case n.IsPlaceholder():
		return nodeMalformedStyle
	case n.ElapsedSeconds < 0:
		return nodeNegativeStyle
	case n.Completion == calltrace.CompletionNone:
		return nodeOpenStyle
	case n.Completion == calltrace.CompletionDump:
		return nodeDumpStyle
	}
	return nodeNormalStyle
}

// renderTreePanel wraps the tree in a styled panel.
func renderTreePanel(m *Model, width, height int) string {
	content := renderTree(m, width-4, height-2)

	style := panelStyle
	if m.activePane == PaneTree {
		style = panelActiveStyle
	}

	return style.Width(width).Height(height).Render(content)
}
