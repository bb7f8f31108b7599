// Package render writes display trees as text or JSON.
//
// Renderers only read the tree. Both walk it with an explicit stack, so
// they handle any nesting the builder accepts.
package render

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
	"github.com/Mr-Dark-debug/calltrace/pkg/timeutil"
)

// TextOptions controls Text.
type TextOptions struct {
	// MaxDepth hides nodes below this many levels; 0 shows everything.
	MaxDepth int
	// Human prints "250ms" instead of the exact "0.25s".
	Human bool
	// Details appends the completion source and record path.
	Details bool
}

const (
	branch = "├── "
	last   = "└── "
	pipe   = "│   "
	blank  = "    "
)

type textItem struct {
	node   *calltrace.DisplayNode
	prefix string
	last   bool
	depth  int
}

// Text writes root as an indented box-drawing tree, one node per line:
//
//	A [2s]
//	├── B [0.5s]
//	└── C [0.25s]
//	    └── D [0s]
func Text(w io.Writer, root *calltrace.DisplayNode, opts TextOptions) error {
	bw := bufio.NewWriter(w)
	stack := []textItem{{node: root}}

	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		var childPrefix string
		if it.depth > 0 {
			connector := branch
			childPrefix = it.prefix + pipe
			if it.last {
				connector = last
				childPrefix = it.prefix + blank
			}
			bw.WriteString(it.prefix)
			bw.WriteString(connector)
		}
		bw.WriteString(Line(it.node, opts))
		bw.WriteByte('\n')

		children := it.node.Children
		if len(children) == 0 {
			continue
		}
		if opts.MaxDepth > 0 && it.depth+1 >= opts.MaxDepth {
			fmt.Fprintf(bw, "%s%s… %d more\n", childPrefix, last, it.node.Count()-1)
			continue
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, textItem{
				node:   &children[i],
				prefix: childPrefix,
				last:   i == len(children)-1,
				depth:  it.depth + 1,
			})
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing tree: %w", err)
	}
	return nil
}

// Line formats a single node the way Text prints it, without the tree
// connectors.
func Line(n *calltrace.DisplayNode, opts TextOptions) string {
	if n.IsPlaceholder() {
		return fmt.Sprintf("%s (%s)", n.Label, n.Malformed)
	}

	elapsed := timeutil.FormatSeconds(n.ElapsedSeconds)
	if opts.Human {
		elapsed = timeutil.FormatElapsed(n.ElapsedSeconds)
	}

	var b strings.Builder
	b.WriteString(n.Label)
	b.WriteString(" [")
	b.WriteString(elapsed)
	b.WriteString("]")
	if opts.Details {
		fmt.Fprintf(&b, " (%s) %s", n.Completion, n.Path)
	}
	return b.String()
}

// JSON writes root as indented JSON following the DisplayNode field tags.
func JSON(w io.Writer, root *calltrace.DisplayNode) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(root); err != nil {
		return fmt.Errorf("encoding tree: %w", err)
	}
	return nil
}
