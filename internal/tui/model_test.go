package tui

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
	"github.com/Mr-Dark-debug/calltrace/internal/database"
	"github.com/Mr-Dark-debug/calltrace/internal/ingestion"
)

// Rows when fully expanded: main, load, parse_header, compute, flush.
const tracker = `{
  "scope_name": "main", "call_ts": 1000000, "return_ts": 3000000,
  "subroutines": [
    {"callee": "load", "call_ts": 1100000, "return_ts": 1600000,
     "subroutines": [{"callee": "parse_header", "call_ts": 1200000, "return_ts": 1300000}]},
    {"callee": "compute", "caller": "main", "callee_clazz": "7Worker", "bthread_id": 42,
     "call_ts": 2000000, "dump_ts": 2250000, "params_in": {"n": 3},
     "events": [{"step": 1}, {"step": 2}]},
    {"callee": "flush", "call_ts": 2900000}
  ]
}`

func runeKey(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

var (
	spaceKey    = tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	enterKey    = tea.KeyMsg{Type: tea.KeyEnter}
	escKey      = tea.KeyMsg{Type: tea.KeyEsc}
	tabKey      = tea.KeyMsg{Type: tea.KeyTab}
	shiftTabKey = tea.KeyMsg{Type: tea.KeyShiftTab}
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func press(t *testing.T, m Model, keys ...tea.KeyMsg) Model {
	t.Helper()
	for _, k := range keys {
		m, _ = update(t, m, k)
	}
	return m
}

func fileModel(t *testing.T) Model {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracker.json")
	require.NoError(t, os.WriteFile(path, []byte(tracker), 0o644))

	m := NewFileModel(path, calltrace.Options{})
	m, _ = update(t, m, m.Init()())
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	return m
}

func selectedLabel(m Model) string {
	n, _ := m.selectedNode()
	if n == nil {
		return ""
	}
	return n.Label
}

func TestFileModelLoads(t *testing.T) {
	m := fileModel(t)
	require.NoError(t, m.err)
	require.False(t, m.showTraceList)
	require.Len(t, m.rows, 5)
	require.Equal(t, "main", selectedLabel(m))
	require.Equal(t, "5 calls  depth 3  main", m.statusMsg)

	view := m.View()
	require.Contains(t, view, "CALLTRACE")
	require.Contains(t, view, "tracker.json")
	require.Contains(t, view, "parse_header")
}

func TestFileModelMissingFile(t *testing.T) {
	m := NewFileModel(filepath.Join(t.TempDir(), "nope.json"), calltrace.Options{})
	m, _ = update(t, m, m.Init()())
	require.ErrorIs(t, m.err, calltrace.ErrTraceUnavailable)
	require.Nil(t, m.root)
}

func TestTreeNavigation(t *testing.T) {
	m := fileModel(t)

	m = press(t, m, runeKey("j"))
	require.Equal(t, "load", selectedLabel(m))

	// Collapsing keeps the cursor on the same node.
	m = press(t, m, spaceKey)
	require.Len(t, m.rows, 4)
	require.Equal(t, "load", selectedLabel(m))

	m = press(t, m, runeKey("l"))
	require.Len(t, m.rows, 5)
	require.Equal(t, "load", selectedLabel(m))

	m = press(t, m, runeKey("l"))
	require.Equal(t, "parse_header", selectedLabel(m))

	// Leaf: h moves to the parent; then it collapses; then moves up again.
	m = press(t, m, runeKey("h"))
	require.Equal(t, "load", selectedLabel(m))
	m = press(t, m, runeKey("h"))
	require.Len(t, m.rows, 4)
	require.Equal(t, "load", selectedLabel(m))
	m = press(t, m, runeKey("h"))
	require.Equal(t, "main", selectedLabel(m))

	m = press(t, m, runeKey("G"))
	require.Equal(t, "flush", selectedLabel(m))
	m = press(t, m, runeKey("k"), runeKey("k"))
	require.Equal(t, "load", selectedLabel(m))
	m = press(t, m, runeKey("g"))
	require.Equal(t, "main", selectedLabel(m))

	// Collapsing the root hides everything else.
	m = press(t, m, enterKey)
	require.Len(t, m.rows, 1)
	require.Contains(t, m.View(), "+4")
}

func TestSearchExpandsAncestors(t *testing.T) {
	m := fileModel(t)
	m = press(t, m, runeKey("j"), spaceKey)
	require.Len(t, m.rows, 4)

	m = press(t, m, runeKey("/"), runeKey("HEAD"), enterKey)
	require.False(t, m.searchMode)
	require.Len(t, m.rows, 5)
	require.Equal(t, "parse_header", selectedLabel(m))
	require.Equal(t, "parse_header at $.subroutines[0].subroutines[0]", m.statusMsg)

	m = press(t, m, runeKey("/"), runeKey("zzz"), enterKey)
	require.Equal(t, "parse_header", selectedLabel(m))
	require.Equal(t, `No call matches "zzz"`, m.statusMsg)
}

func TestSearchWrapsAround(t *testing.T) {
	m := fileModel(t)
	m = press(t, m, runeKey("G"))
	require.Equal(t, "flush", selectedLabel(m))

	m = press(t, m, runeKey("/"), runeKey("o"), enterKey)
	require.Equal(t, "load", selectedLabel(m))
	m = press(t, m, runeKey("/"), runeKey("o"), enterKey)
	require.Equal(t, "compute", selectedLabel(m))
}

func TestPaneCycling(t *testing.T) {
	m := fileModel(t)

	m = press(t, m, tabKey)
	require.Equal(t, PaneDetail, m.activePane)
	m = press(t, m, runeKey("j"), runeKey("j"))
	require.Equal(t, 2, m.detailScroll)
	require.Equal(t, "main", selectedLabel(m))

	m = press(t, m, tabKey)
	require.Equal(t, PaneEvents, m.activePane)
	m = press(t, m, tabKey)
	require.Equal(t, PaneTree, m.activePane)
	m = press(t, m, shiftTabKey)
	require.Equal(t, PaneEvents, m.activePane)

	// Moving in the tree resets the scroll offsets.
	m = press(t, m, shiftTabKey, shiftTabKey, runeKey("j"))
	require.Equal(t, PaneTree, m.activePane)
	require.Zero(t, m.detailScroll)
}

func TestEscKeepsFileView(t *testing.T) {
	m := fileModel(t)
	m = press(t, m, escKey)
	require.False(t, m.showTraceList)
	require.NotNil(t, m.root)
}

func TestHelpToggle(t *testing.T) {
	m := fileModel(t)
	short := m.View()
	m = press(t, m, runeKey("?"))
	require.True(t, m.help.ShowAll)
	require.Contains(t, m.View(), "bottom")
	require.NotContains(t, short, "bottom")
}

func TestQuit(t *testing.T) {
	m := fileModel(t)
	_, cmd := update(t, m, runeKey("q"))
	require.NotNil(t, cmd)
	require.IsType(t, tea.QuitMsg{}, cmd())
}

func TestDetailAndEvents(t *testing.T) {
	m := fileModel(t)
	m = press(t, m, runeKey("j"), runeKey("j"), runeKey("j"))
	require.Equal(t, "compute", selectedLabel(m))

	detail := renderDetail(&m, 80, 60)
	for _, want := range []string{"$.subroutines[1]", "dump_ts", "250ms", "7Worker", "42", `"n": 3`, "Trace Summary"} {
		require.Contains(t, detail, want)
	}

	events := renderEvents(&m, 80, 10)
	require.Contains(t, events, "2 events")
	require.Contains(t, events, `{"step":1}`)
	require.Contains(t, events, `{"step":2}`)

	m = press(t, m, runeKey("j"))
	require.Contains(t, renderDetail(&m, 80, 60), "never")
	require.Contains(t, renderEvents(&m, 80, 10), "No events")
}

func TestPlaceholderNode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	doc := `{"scope_name": "main", "call_ts": 1, "subroutines": [{"call_ts": 2}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	m := NewFileModel(path, calltrace.Options{})
	m, _ = update(t, m, m.Init()())
	require.NoError(t, m.err)
	require.Len(t, m.rows, 2)
	require.True(t, m.rows[1].node.IsPlaceholder())
}

func TestTreePrefix(t *testing.T) {
	m := fileModel(t)
	var got []string
	for i := range m.rows {
		got = append(got, treePrefix(m.rows, i, 40)+m.rows[i].node.Label)
	}
	require.Equal(t, []string{
		"main",
		"├─load",
		"│ └─parse_header",
		"├─compute",
		"└─flush",
	}, got)

	// Deep rows fall back to a depth marker.
	require.Equal(t, "┄2 ", treePrefix(m.rows, 2, 3))
}

func TestFlattenDeepTree(t *testing.T) {
	root := &calltrace.DisplayNode{Label: "n", Path: "$"}
	cur := root
	for i := 0; i < 5000; i++ {
		cur.Children = []calltrace.DisplayNode{{Label: "n", Path: cur.Path + ".subroutines[0]"}}
		cur = &cur.Children[0]
	}
	rows := flattenTree(root, map[string]bool{})
	require.Len(t, rows, 5001)
	require.Equal(t, 5000, rows[5000].depth)
	require.Equal(t, 4999, rows[5000].parent)
}

func TestTraceListFromStore(t *testing.T) {
	svc, err := database.NewDBService(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	for _, doc := range []string{
		tracker,
		`{"scope_name": "worker_loop", "call_ts": 5, "return_ts": 10}`,
	} {
		bundle, err := ingestion.Snapshot([]byte(doc), "test", calltrace.Options{})
		require.NoError(t, err)
		require.NoError(t, svc.InsertTrace(bundle))
	}

	m := NewModel(svc, calltrace.Options{})
	m, _ = update(t, m, m.Init()())
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	require.True(t, m.showTraceList)
	require.Len(t, m.traces, 2)
	require.Contains(t, m.View(), "Trace Explorer")

	m = press(t, m, runeKey("/"), runeKey("worker"), enterKey)
	visible := m.visibleTraces()
	require.Len(t, visible, 1)
	require.Equal(t, "worker_loop", visible[0].RootLabel)

	m, cmd := update(t, m, enterKey)
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	require.NoError(t, m.err)
	require.False(t, m.showTraceList)
	require.Equal(t, "worker_loop", m.root.Label)
	require.NotNil(t, m.stats)
	require.Equal(t, 1, m.stats.TotalCalls)
	require.True(t, strings.Contains(m.View(), "worker_loop"))

	// esc returns to the list, a second esc clears the filter.
	m = press(t, m, escKey)
	require.True(t, m.showTraceList)
	m = press(t, m, escKey)
	require.Len(t, m.visibleTraces(), 2)
}
