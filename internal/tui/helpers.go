package tui

import (
	"strconv"
	"strings"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
)

// ────────────────────────────────────────────────────────────
// Tree flattening
// ────────────────────────────────────────────────────────────

// treeRow is one visible line of the call tree.
type treeRow struct {
	node   *calltrace.DisplayNode
	depth  int
	parent int // row index of the parent, -1 for the root
	last   bool
}

// flattenTree lists the visible nodes in pre-order. Children of nodes
// whose path is in collapsed are skipped.
func flattenTree(root *calltrace.DisplayNode, collapsed map[string]bool) []treeRow {
	if root == nil {
		return nil
	}

	type item struct {
		node   *calltrace.DisplayNode
		depth  int
		parent int
		last   bool
	}

	var rows []treeRow
	stack := []item{{node: root, parent: -1, last: true}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		idx := len(rows)
		rows = append(rows, treeRow{node: it.node, depth: it.depth, parent: it.parent, last: it.last})

		if collapsed[it.node.Path] {
			continue
		}
		children := it.node.Children
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, item{
				node:   &children[i],
				depth:  it.depth + 1,
				parent: idx,
				last:   i == len(children)-1,
			})
		}
	}
	return rows
}

// treePrefix builds the connector column for row i ("│ ├─" etc.).
// Indentation wider than maxWidth is replaced by a depth marker.
func treePrefix(rows []treeRow, i, maxWidth int) string {
	row := rows[i]
	if row.depth == 0 {
		return ""
	}
	if row.depth*2 > maxWidth {
		return "┄" + strconv.Itoa(row.depth) + " "
	}

	parts := make([]string, row.depth)
	if row.last {
		parts[row.depth-1] = "└─"
	} else {
		parts[row.depth-1] = "├─"
	}
	for d, p := row.depth-2, row.parent; d >= 0 && p >= 0; d, p = d-1, rows[p].parent {
		if rows[p].last {
			parts[d] = "  "
		} else {
			parts[d] = "│ "
		}
	}
	return strings.Join(parts, "")
}

// findRow returns the row index showing path, or -1.
func findRow(rows []treeRow, path string) int {
	for i, r := range rows {
		if r.node.Path == path {
			return i
		}
	}
	return -1
}

// nextMatch returns the first node after path, in pre-order and wrapping
// around, whose label contains query (case-insensitive).
func nextMatch(root *calltrace.DisplayNode, path, query string) *calltrace.DisplayNode {
	if root == nil || query == "" {
		return nil
	}
	query = strings.ToLower(query)

	var first, found *calltrace.DisplayNode
	passed := false
	root.Walk(func(n *calltrace.DisplayNode, _ int) bool {
		if found != nil {
			return false
		}
		if strings.Contains(strings.ToLower(n.Label), query) {
			if passed {
				found = n
				return false
			}
			if first == nil {
				first = n
			}
		}
		if n.Path == path {
			passed = true
		}
		return true
	})
	if found != nil {
		return found
	}
	return first
}

// ────────────────────────────────────────────────────────────
// String helpers
// ────────────────────────────────────────────────────────────

// shortID returns first n characters of an ID string.
func shortID(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n]
}

// clamp restricts val to [lo, hi].
func clamp(val, lo, hi int) int {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
