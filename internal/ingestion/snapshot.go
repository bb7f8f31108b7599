package ingestion

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
	"github.com/Mr-Dark-debug/calltrace/internal/database"
	"github.com/Mr-Dark-debug/calltrace/pkg/jsonutil"
)

// NewTraceID returns a fresh identifier for a stored snapshot.
func NewTraceID() string {
	return uuid.NewString()
}

// Snapshot parses a report body, builds its display tree and flattens
// both into a bundle ready for the store. source records where the
// report came from (a file path or a remote address).
//
// Any MalformedTrace error from parsing or building is returned as is,
// so callers can match it with errors.Is.
func Snapshot(payload []byte, source string, opts calltrace.Options) (*database.TraceBundle, error) {
	root, err := calltrace.Parse(payload)
	if err != nil {
		return nil, err
	}
	return SnapshotRecord(root, payload, source, opts)
}

// SnapshotRecord is Snapshot for an already parsed record. payload is
// stored verbatim (compacted) as the trace's raw document.
func SnapshotRecord(root *calltrace.CallRecord, payload []byte, source string, opts calltrace.Options) (*database.TraceBundle, error) {
	tree, err := calltrace.Build(root, opts)
	if err != nil {
		return nil, err
	}

	records := calltrace.Index(root)
	calls := make([]*database.Call, 0, tree.Count())
	tree.Walk(func(n *calltrace.DisplayNode, depth int) bool {
		c := &database.Call{
			Path:           n.Path,
			ParentPath:     calltrace.ParentPath(n.Path),
			Depth:          depth,
			Seq:            len(calls),
			Label:          n.Label,
			CallTS:         n.CallTS,
			CompletionTS:   n.CompletionTS,
			Completion:     n.Completion,
			ElapsedSeconds: n.ElapsedSeconds,
		}
		if rec, ok := records[n.Path]; ok && !n.IsPlaceholder() {
			c.Caller = nonEmpty(rec.Caller)
			c.CalleeClass = nonEmpty(rec.CalleeClass)
			c.ThreadID = rawText(rec.ThreadID)
		}
		calls = append(calls, c)
		return true
	})

	trace := &database.Trace{
		TraceID:        NewTraceID(),
		RootLabel:      tree.Label,
		Source:         source,
		CallTS:         tree.CallTS,
		ElapsedSeconds: tree.ElapsedSeconds,
		NodeCount:      len(calls),
		MaxDepth:       tree.Depth(),
		Unit:           UnitName(opts.Unit),
		ReceivedAt:     time.Now().UnixNano(),
		Payload:        jsonutil.CompactJSON(payload),
	}
	for _, c := range calls {
		c.TraceID = trace.TraceID
	}

	return &database.TraceBundle{Trace: trace, Calls: calls}, nil
}

// UnitName is the inverse of calltrace.ParseUnit for the four units.
func UnitName(unit time.Duration) string {
	switch unit {
	case time.Nanosecond:
		return "ns"
	case time.Millisecond:
		return "ms"
	case time.Second:
		return "s"
	}
	return "us"
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

// rawText renders a pass-through JSON value as a column: strings are
// unquoted, anything else keeps its JSON text.
func rawText(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	text := string(jsonutil.CompactJSON(raw))
	return &text
}
