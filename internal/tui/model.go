package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
	"github.com/Mr-Dark-debug/calltrace/internal/database"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ────────────────────────────────────────────────────────────
// Pane focuses
// ────────────────────────────────────────────────────────────

// Pane represents which UI pane currently has keyboard focus.
type Pane int

const (
	PaneTree Pane = iota
	PaneDetail
	PaneEvents
)

const paneCount = 3

// ────────────────────────────────────────────────────────────
// Model
// ────────────────────────────────────────────────────────────

// Model is the root BubbleTea model for the calltrace TUI.
// State is organized by concern; rendering is delegated
// to component functions in separate files.
type Model struct {
	store    database.Store
	opts     calltrace.Options
	filePath string

	// Data
	traces       []*database.Trace
	currentTrace *database.Trace
	root         *calltrace.DisplayNode
	records      map[string]*calltrace.CallRecord
	stats        *database.TraceStats
	unit         time.Duration

	// Tree state
	collapsed map[string]bool
	rows      []treeRow
	selected  int

	// UI state
	activePane    Pane
	selectedTrace int
	detailScroll  int
	eventScroll   int
	width         int
	height        int
	showTraceList bool
	searchMode    bool
	searchQuery   string
	help          help.Model

	// Status
	statusMsg string
	err       error
}

// NewModel creates a TUI model that browses the traces in store.
func NewModel(store database.Store, opts calltrace.Options) Model {
	m := newModel(opts)
	m.store = store
	m.showTraceList = true
	m.statusMsg = "Loading traces..."
	return m
}

// NewFileModel creates a TUI model that shows the trace file at path
// directly in the tree view.
func NewFileModel(path string, opts calltrace.Options) Model {
	m := newModel(opts)
	m.filePath = path
	m.statusMsg = "Loading " + filepath.Base(path) + "..."
	return m
}

func newModel(opts calltrace.Options) Model {
	opts.Placeholders = true
	h := help.New()
	h.Styles.ShortKey = hintKeyStyle
	h.Styles.ShortDesc = hintDescStyle
	h.Styles.FullKey = hintKeyStyle
	h.Styles.FullDesc = hintDescStyle
	return Model{
		opts:      opts,
		collapsed: make(map[string]bool),
		help:      h,
	}
}

// ────────────────────────────────────────────────────────────
// Messages
// ────────────────────────────────────────────────────────────

type tracesLoadedMsg []*database.Trace

type treeLoadedMsg struct {
	trace   *database.Trace
	root    *calltrace.DisplayNode
	records map[string]*calltrace.CallRecord
	stats   *database.TraceStats
	unit    time.Duration
}

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

// ────────────────────────────────────────────────────────────
// Init
// ────────────────────────────────────────────────────────────

func (m Model) Init() tea.Cmd {
	if m.filePath != "" {
		return m.loadFile(m.filePath)
	}
	return m.loadTraces()
}

func (m Model) loadTraces() tea.Cmd {
	return func() tea.Msg {
		traces, err := m.store.QueryTraces(database.TraceFilter{Limit: 500})
		if err != nil {
			return errMsg{err}
		}
		return tracesLoadedMsg(traces)
	}
}

func (m Model) loadFile(path string) tea.Cmd {
	opts := m.opts
	return func() tea.Msg {
		rec, err := calltrace.Load(path)
		if err != nil {
			return errMsg{err}
		}
		root, err := calltrace.Build(rec, opts)
		if err != nil {
			return errMsg{err}
		}
		unit := opts.Unit
		if unit <= 0 {
			unit = time.Microsecond
		}
		return treeLoadedMsg{root: root, records: calltrace.Index(rec), unit: unit}
	}
}

func (m Model) loadTree(traceID string) tea.Cmd {
	opts := m.opts
	return func() tea.Msg {
		trace, err := m.store.GetTrace(traceID)
		if err != nil {
			return errMsg{err}
		}
		unit, err := calltrace.ParseUnit(trace.Unit)
		if err != nil {
			return errMsg{err}
		}
		opts.Unit = unit

		rec, err := calltrace.Parse(trace.Payload)
		if err != nil {
			return errMsg{err}
		}
		root, err := calltrace.Build(rec, opts)
		if err != nil {
			return errMsg{err}
		}
		stats, err := m.store.GetTraceStats(traceID)
		if err != nil {
			return errMsg{err}
		}
		return treeLoadedMsg{
			trace:   trace,
			root:    root,
			records: calltrace.Index(rec),
			stats:   stats,
			unit:    unit,
		}
	}
}

// ────────────────────────────────────────────────────────────
// Update
// ────────────────────────────────────────────────────────────

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tracesLoadedMsg:
		m.traces = []*database.Trace(msg)
		m.selectedTrace = 0
		if len(m.traces) > 0 {
			m.statusMsg = fmt.Sprintf("%d traces", len(m.traces))
		} else {
			m.statusMsg = "No traces"
		}
		return m, nil

	case treeLoadedMsg:
		m.currentTrace = msg.trace
		m.root = msg.root
		m.records = msg.records
		m.stats = msg.stats
		m.unit = msg.unit
		m.collapsed = make(map[string]bool)
		m.refreshRows()
		m.selected = 0
		m.detailScroll = 0
		m.eventScroll = 0
		m.showTraceList = false
		m.activePane = PaneTree
		m.err = nil
		m.statusMsg = fmt.Sprintf("%d calls  depth %d  %s",
			m.root.Count(), m.root.Depth(), m.root.Label)
		return m, nil

	case errMsg:
		m.err = msg.err
		m.statusMsg = fmt.Sprintf("Error: %v", msg.err)
		return m, nil
	}

	return m, nil
}

// handleKey routes keyboard input based on current mode.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.searchMode {
		return m.handleSearchKey(msg)
	}

	// ── Global ──

	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil

	case key.Matches(msg, keys.Search):
		m.searchMode = true
		m.searchQuery = ""
		return m, nil

	case key.Matches(msg, keys.Back):
		if m.showTraceList {
			m.searchQuery = ""
			m.selectedTrace = 0
		} else if m.store != nil {
			m.showTraceList = true
			m.activePane = PaneTree
		}
		return m, nil
	}

	// ── Trace list mode ──

	if m.showTraceList {
		visible := m.visibleTraces()
		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedTrace < len(visible)-1 {
				m.selectedTrace++
			}
		case key.Matches(msg, keys.Up):
			if m.selectedTrace > 0 {
				m.selectedTrace--
			}
		case key.Matches(msg, keys.Top):
			m.selectedTrace = 0
		case key.Matches(msg, keys.Bottom):
			m.selectedTrace = maxInt(len(visible)-1, 0)
		case key.Matches(msg, keys.Open):
			if m.selectedTrace < len(visible) {
				return m, m.loadTree(visible[m.selectedTrace].TraceID)
			}
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, keys.NextPane):
		m.activePane = (m.activePane + 1) % paneCount
		return m, nil
	case key.Matches(msg, keys.PrevPane):
		m.activePane = (m.activePane + paneCount - 1) % paneCount
		return m, nil
	}

	// ── Pane-specific ──

	switch m.activePane {
	case PaneTree:
		m.handleTreeKey(msg)

	case PaneDetail:
		m.detailScroll = scroll(msg, m.detailScroll)

	case PaneEvents:
		m.eventScroll = scroll(msg, m.eventScroll)
	}

	return m, nil
}

func (m *Model) handleTreeKey(msg tea.KeyMsg) {
	if len(m.rows) == 0 {
		return
	}
	prev := m.selected
	row := m.rows[m.selected]

	switch {
	case key.Matches(msg, keys.Down):
		m.selected = minInt(m.selected+1, len(m.rows)-1)
	case key.Matches(msg, keys.Up):
		m.selected = maxInt(m.selected-1, 0)
	case key.Matches(msg, keys.Top):
		m.selected = 0
	case key.Matches(msg, keys.Bottom):
		m.selected = len(m.rows) - 1
	case key.Matches(msg, keys.Toggle):
		if len(row.node.Children) > 0 {
			m.setCollapsed(row.node.Path, !m.collapsed[row.node.Path])
		}
	case key.Matches(msg, keys.Collapse):
		if len(row.node.Children) > 0 && !m.collapsed[row.node.Path] {
			m.setCollapsed(row.node.Path, true)
		} else if row.parent >= 0 {
			m.selected = row.parent
		}
	case key.Matches(msg, keys.Expand):
		if m.collapsed[row.node.Path] {
			m.setCollapsed(row.node.Path, false)
		} else if len(row.node.Children) > 0 {
			m.selected++
		}
	}

	if m.selected != prev {
		m.detailScroll = 0
		m.eventScroll = 0
	}
}

func (m Model) handleSearchKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyEsc:
		m.searchMode = false
		m.searchQuery = ""
		m.selectedTrace = 0
	case tea.KeyEnter:
		m.searchMode = false
		if !m.showTraceList {
			m.jumpToMatch()
		}
	case tea.KeyBackspace:
		if r := []rune(m.searchQuery); len(r) > 0 {
			m.searchQuery = string(r[:len(r)-1])
		}
		m.selectedTrace = 0
	case tea.KeySpace:
		m.searchQuery += " "
		m.selectedTrace = 0
	case tea.KeyRunes:
		m.searchQuery += string(msg.Runes)
		m.selectedTrace = 0
	}
	return m, nil
}

// ────────────────────────────────────────────────────────────
// Tree state
// ────────────────────────────────────────────────────────────

func (m *Model) refreshRows() {
	m.rows = flattenTree(m.root, m.collapsed)
}

// setCollapsed toggles path and keeps the same node selected.
func (m *Model) setCollapsed(path string, collapsed bool) {
	selectedPath := ""
	if m.selected < len(m.rows) {
		selectedPath = m.rows[m.selected].node.Path
	}
	if collapsed {
		m.collapsed[path] = true
	} else {
		delete(m.collapsed, path)
	}
	m.refreshRows()
	if i := findRow(m.rows, selectedPath); i >= 0 {
		m.selected = i
	}
	m.selected = clamp(m.selected, 0, maxInt(len(m.rows)-1, 0))
}

// jumpToMatch selects the next node whose label contains the search
// query, expanding its ancestors.
func (m *Model) jumpToMatch() {
	if m.root == nil || len(m.rows) == 0 {
		return
	}
	current := m.rows[m.selected].node.Path
	match := nextMatch(m.root, current, m.searchQuery)
	if match == nil {
		m.statusMsg = fmt.Sprintf("No call matches %q", m.searchQuery)
		return
	}
	for p := calltrace.ParentPath(match.Path); p != ""; p = calltrace.ParentPath(p) {
		delete(m.collapsed, p)
	}
	m.refreshRows()
	if i := findRow(m.rows, match.Path); i >= 0 {
		m.selected = i
		m.detailScroll = 0
		m.eventScroll = 0
	}
	m.statusMsg = fmt.Sprintf("%s at %s", match.Label, match.Path)
}

// selectedNode returns the node under the cursor and its record.
func (m *Model) selectedNode() (*calltrace.DisplayNode, *calltrace.CallRecord) {
	if m.selected < 0 || m.selected >= len(m.rows) {
		return nil, nil
	}
	n := m.rows[m.selected].node
	return n, m.records[n.Path]
}

// visibleTraces applies the search query to the trace list.
func (m *Model) visibleTraces() []*database.Trace {
	if m.searchQuery == "" {
		return m.traces
	}
	q := strings.ToLower(m.searchQuery)
	var out []*database.Trace
	for _, t := range m.traces {
		if strings.Contains(strings.ToLower(t.RootLabel), q) ||
			strings.Contains(strings.ToLower(t.Source), q) ||
			strings.HasPrefix(t.TraceID, q) {
			out = append(out, t)
		}
	}
	return out
}

func scroll(msg tea.KeyMsg, offset int) int {
	switch {
	case key.Matches(msg, keys.Down):
		return offset + 1
	case key.Matches(msg, keys.Up):
		return maxInt(offset-1, 0)
	case key.Matches(msg, keys.Top):
		return 0
	}
	return offset
}

// ────────────────────────────────────────────────────────────
// View
// ────────────────────────────────────────────────────────────

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := renderHeader(&m)
	footer := renderFooter(&m)

	bodyHeight := m.height - lipgloss.Height(header) - lipgloss.Height(footer)

	var body string
	switch {
	case m.showTraceList:
		body = renderTraceList(&m, bodyHeight)
	case m.root == nil:
		body = lipgloss.Place(m.width, bodyHeight, lipgloss.Center, lipgloss.Center,
			emptyStateStyle.Render(m.statusMsg))
	default:
		body = m.renderMainLayout(bodyHeight)
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

// renderMainLayout assembles the three-pane view.
func (m Model) renderMainLayout(totalHeight int) string {
	// Responsive: collapse to single pane on narrow terminals
	if m.width < 60 {
		return m.renderCompactLayout(totalHeight)
	}

	leftWidth := m.width * 55 / 100
	rightWidth := m.width - leftWidth
	topHeight := totalHeight * 70 / 100
	bottomHeight := totalHeight - topHeight

	tree := renderTreePanel(&m, leftWidth, topHeight)
	detail := renderDetailPanel(&m, rightWidth, topHeight)
	events := renderEventsPanel(&m, m.width, bottomHeight)

	topRow := lipgloss.JoinHorizontal(lipgloss.Top, tree, detail)
	return lipgloss.JoinVertical(lipgloss.Left, topRow, events)
}

// renderCompactLayout is used when the terminal is narrow (< 60 cols).
// Only the focused pane is shown.
func (m Model) renderCompactLayout(totalHeight int) string {
	switch m.activePane {
	case PaneDetail:
		return renderDetailPanel(&m, m.width, totalHeight)
	case PaneEvents:
		return renderEventsPanel(&m, m.width, totalHeight)
	default:
		return renderTreePanel(&m, m.width, totalHeight)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
