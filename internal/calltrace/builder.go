package calltrace

import (
	"time"
)

// PlaceholderLabel labels nodes that stand in for malformed records
// when Options.Placeholders is set.
const PlaceholderLabel = "<malformed>"

// Options controls Build. The zero value builds strictly from
// microsecond timestamps with unbounded nesting.
type Options struct {
	// Unit is the duration of one timestamp tick. Zero means microseconds.
	Unit time.Duration
	// MaxDepth bounds the number of nesting levels, the root being level 1.
	// Zero means unbounded.
	MaxDepth int
	// Placeholders replaces malformed non-root records with placeholder
	// nodes instead of failing the build. A malformed root always fails.
	Placeholders bool
}

func (o Options) unit() time.Duration {
	if o.Unit <= 0 {
		return time.Microsecond
	}
	return o.Unit
}

// DisplayNode is the builder's output for one Call Record.
//
// The tree is immutable once Build returns; renderers must treat it as
// read-only. Children is never nil.
type DisplayNode struct {
	Label          string        `json:"label"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`
	Children       []DisplayNode `json:"children"`

	Path         string `json:"path"`
	CallTS       int64  `json:"call_ts"`
	CompletionTS int64  `json:"completion_ts"`
	Completion   string `json:"completion"`
	Malformed    string `json:"malformed,omitempty"`
}

type frame struct {
	rec   *CallRecord
	node  *DisplayNode
	path  string
	depth int
	// leave marks the frame popped after all of rec's descendants.
	leave bool
}

// Build converts root into a display tree with one node per record, in
// subroutine order.
//
// The traversal keeps its own stack, so nesting depth is limited only by
// memory (or Options.MaxDepth). In strict mode the first malformed record
// in depth-first order aborts the build and no partial tree is returned.
//
// Records built in code may share subtrees. A record that contains
// itself is malformed at the point where it recurs.
func Build(root *CallRecord, opts Options) (*DisplayNode, error) {
	unit := opts.unit()
	out := &DisplayNode{}
	stack := []frame{{rec: root, node: out, path: RootPath}}
	active := make(map[*CallRecord]bool)

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.leave {
			delete(active, f.rec)
			continue
		}

		err := fill(f, opts.MaxDepth, unit)
		if err == nil && active[f.rec] {
			err = malformed(f.path, "record contains itself")
		}
		if err != nil {
			if !opts.Placeholders || f.depth == 0 {
				return nil, err
			}
			*f.node = DisplayNode{
				Label:      PlaceholderLabel,
				Children:   []DisplayNode{},
				Path:       f.path,
				Completion: CompletionNone,
				Malformed:  err.Reason,
			}
			continue
		}

		subs := f.rec.Subroutines
		// Allocated once at full length, so child pointers stay valid.
		f.node.Children = make([]DisplayNode, len(subs))
		if len(subs) == 0 {
			continue
		}
		active[f.rec] = true
		stack = append(stack, frame{rec: f.rec, leave: true})
		for i := len(subs) - 1; i >= 0; i-- {
			stack = append(stack, frame{
				rec:   subs[i],
				node:  &f.node.Children[i],
				path:  childPath(f.path, i),
				depth: f.depth + 1,
			})
		}
	}
	return out, nil
}

func fill(f frame, maxDepth int, unit time.Duration) *MalformedTraceError {
	r := f.rec
	if r == nil {
		return malformed(f.path, "record is null")
	}
	if maxDepth > 0 && f.depth >= maxDepth {
		return malformed(f.path, "nesting deeper than %d levels", maxDepth)
	}
	if r.Invalid != "" {
		return malformed(f.path, "%s", r.Invalid)
	}
	label, ok := r.Name()
	if !ok {
		return malformed(f.path, "record has neither callee nor scope_name")
	}
	if r.CallTS == nil {
		return malformed(f.path, "missing call_ts")
	}
	if !r.CallTS.Valid() {
		return malformed(f.path, "non-numeric call_ts %s", r.CallTS.Invalid)
	}

	end, source := r.Completion()
	completion := r.CallTS.Value
	if end != nil {
		if !end.Valid() {
			return malformed(f.path, "non-numeric %s %s", source, end.Invalid)
		}
		completion = end.Value
	}

	*f.node = DisplayNode{
		Label:          label,
		ElapsedSeconds: Elapsed(r.CallTS.Value, completion, unit),
		Path:           f.path,
		CallTS:         r.CallTS.Value,
		CompletionTS:   completion,
		Completion:     source,
	}
	return nil
}

// Elapsed converts a timestamp difference into seconds. Negative spans
// (clock skew, bad traces) are returned as computed.
func Elapsed(start, end int64, unit time.Duration) float64 {
	if unit <= 0 {
		unit = time.Microsecond
	}
	ticks := float64(end - start)
	// The int64 difference wraps when the timestamps are far apart.
	if (end > start) != (end-start > 0) {
		ticks = float64(end) - float64(start)
	}
	if unit >= time.Second {
		return ticks * float64(unit/time.Second)
	}
	return ticks / float64(time.Second/unit)
}

// Walk visits the tree in pre-order. Returning false from fn skips the
// node's children. depth is 0 for the receiver.
func (n *DisplayNode) Walk(fn func(node *DisplayNode, depth int) bool) {
	type item struct {
		node  *DisplayNode
		depth int
	}
	stack := []item{{n, 0}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(it.node, it.depth) {
			continue
		}
		for i := len(it.node.Children) - 1; i >= 0; i-- {
			stack = append(stack, item{&it.node.Children[i], it.depth + 1})
		}
	}
}

// Count returns the number of nodes in the tree.
func (n *DisplayNode) Count() int {
	count := 0
	n.Walk(func(*DisplayNode, int) bool {
		count++
		return true
	})
	return count
}

// Depth returns the number of levels in the tree; a leaf has depth 1.
func (n *DisplayNode) Depth() int {
	deepest := 0
	n.Walk(func(_ *DisplayNode, d int) bool {
		if d+1 > deepest {
			deepest = d + 1
		}
		return true
	})
	return deepest
}

// IsPlaceholder reports whether the node stands in for a malformed record.
func (n *DisplayNode) IsPlaceholder() bool {
	return n.Malformed != ""
}
