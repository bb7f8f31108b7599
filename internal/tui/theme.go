package tui

import "github.com/charmbracelet/lipgloss"

// ────────────────────────────────────────────────────────────
// Color Palette (GitHub light/dark)
// ────────────────────────────────────────────────────────────
//
// All colors are defined here. No ad-hoc color literals anywhere.
// Each color picks its variant from the terminal background.

var (
	// Base
	colorBg        = lipgloss.AdaptiveColor{Light: "#ffffff", Dark: "#0d1117"}
	colorBgSurface = lipgloss.AdaptiveColor{Light: "#f6f8fa", Dark: "#1c2128"}

	// Text
	colorText      = lipgloss.AdaptiveColor{Light: "#1f2328", Dark: "#e6edf3"}
	colorTextDim   = lipgloss.AdaptiveColor{Light: "#59636e", Dark: "#8b949e"}
	colorTextMuted = lipgloss.AdaptiveColor{Light: "#818b98", Dark: "#484f58"}

	// Accents
	colorBlue   = lipgloss.AdaptiveColor{Light: "#0969da", Dark: "#58a6ff"}
	colorGreen  = lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"}
	colorRed    = lipgloss.AdaptiveColor{Light: "#d1242f", Dark: "#f85149"}
	colorYellow = lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#d29922"}
	colorPurple = lipgloss.AdaptiveColor{Light: "#8250df", Dark: "#bc8cff"}
	colorCyan   = lipgloss.AdaptiveColor{Light: "#1b7c83", Dark: "#76e3ea"}

	// Structural
	colorDivider   = lipgloss.AdaptiveColor{Light: "#d1d9e0", Dark: "#30363d"}
	colorHighlight = lipgloss.AdaptiveColor{Light: "#ddf4ff", Dark: "#1f6feb"}
)

// ────────────────────────────────────────────────────────────
// Component Styles
// ────────────────────────────────────────────────────────────

// Header bar
var (
	headerBarStyle = lipgloss.NewStyle().
			Background(colorBgSurface).
			Foreground(colorText).
			Padding(0, 1)

	headerBrandStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorBlue)

	headerSepStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted)

	headerMetaStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)
)

// Panel chrome
var (
	panelStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.Border{Top: "─"}).
			BorderForeground(colorDivider)

	panelActiveStyle = lipgloss.NewStyle().
				Padding(0, 1).
				Border(lipgloss.Border{Top: "─"}).
				BorderForeground(colorBlue)

	panelTitleStyle = lipgloss.NewStyle().
			Foreground(colorBlue).
			Bold(true)

	panelTitleDimStyle = lipgloss.NewStyle().
				Foreground(colorTextMuted).
				Bold(true)
)

// Call tree
var (
	nodeNormalStyle = lipgloss.NewStyle().
			Foreground(colorText)

	nodeSelectedStyle = lipgloss.NewStyle().
				Background(colorHighlight).
				Foreground(colorText).
				Bold(true)

	// Completed by a dump rather than a return.
	nodeDumpStyle = lipgloss.NewStyle().
			Foreground(colorCyan)

	// No completion timestamp at all.
	nodeOpenStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	nodeNegativeStyle = lipgloss.NewStyle().
				Foreground(colorRed)

	nodeMalformedStyle = lipgloss.NewStyle().
				Foreground(colorRed).
				Italic(true)

	treeBranchStyle = lipgloss.NewStyle().
			Foreground(colorDivider)

	treeMarkerStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)

	treeCollapsedStyle = lipgloss.NewStyle().
				Foreground(colorPurple)

	treeDurationStyle = lipgloss.NewStyle().
				Foreground(colorTextDim)
)

// Detail pane
var (
	detailLabelStyle = lipgloss.NewStyle().
				Foreground(colorBlue)

	detailValueStyle = lipgloss.NewStyle().
				Foreground(colorText)

	detailSectionStyle = lipgloss.NewStyle().
				Foreground(colorTextDim).
				Bold(true)

	detailWarnStyle = lipgloss.NewStyle().
			Foreground(colorYellow)
)

// Events
var (
	eventIndexStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted)

	eventBodyStyle = lipgloss.NewStyle().
			Foreground(colorGreen)
)

// Footer / status bar
var (
	statusStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorBgSurface).
			Padding(0, 1)

	statusErrorStyle = lipgloss.NewStyle().
				Foreground(colorRed).
				Background(colorBgSurface).
				Bold(true).
				Padding(0, 1)

	hintKeyStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)

	hintDescStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted)
)

// Trace list
var (
	traceItemStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Padding(0, 1)

	traceSelectedStyle = lipgloss.NewStyle().
				Background(colorHighlight).
				Foreground(colorText).
				Bold(true).
				Padding(0, 1)

	traceStatusOk = lipgloss.NewStyle().
			Foreground(colorGreen)

	traceStatusFail = lipgloss.NewStyle().
			Foreground(colorRed)

	traceDimStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)

	emptyStateStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Padding(2, 4)
)

// Search bar
var (
	searchBarStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorBgSurface).
			Padding(0, 1)

	searchCursorStyle = lipgloss.NewStyle().
				Background(colorBlue).
				Foreground(colorBg)
)
