package database

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

// sampleBundle builds a three-call trace: root -> worker2 -> worker1.
func sampleBundle(traceID string, receivedAt int64) *TraceBundle {
	return &TraceBundle{
		Trace: &Trace{
			TraceID:        traceID,
			RootLabel:      "root",
			Source:         "tracker.json",
			CallTS:         1_000_000,
			ElapsedSeconds: 2,
			NodeCount:      3,
			MaxDepth:       3,
			Unit:           "us",
			ReceivedAt:     receivedAt,
			Metadata:       map[string]string{"env": "test"},
			Payload:        []byte(`{"scope_name":"root","call_ts":1000000}`),
		},
		Calls: []*Call{
			{Path: "$", Depth: 0, Seq: 0, Label: "root",
				CallTS: 1_000_000, CompletionTS: 3_000_000, Completion: "return_ts", ElapsedSeconds: 2},
			{Path: "$.subroutines[0]", ParentPath: "$", Depth: 1, Seq: 1, Label: "worker2",
				Caller: strPtr("root"), CalleeClass: strPtr("7Worker2"),
				CallTS: 1_100_000, CompletionTS: 1_100_000, Completion: "call_ts", ElapsedSeconds: 0},
			{Path: "$.subroutines[0].subroutines[0]", ParentPath: "$.subroutines[0]", Depth: 2, Seq: 2, Label: "worker1",
				Caller: strPtr("worker2"),
				CallTS: 1_200_000, CompletionTS: 1_150_000, Completion: "return_ts", ElapsedSeconds: -0.05},
		},
	}
}

// TestNewDBService verifies that the database initializes correctly
// with the embedded schema using an in-memory SQLite instance.
func TestNewDBService(t *testing.T) {
	svc, err := NewDBService(":memory:")
	if err != nil {
		t.Fatalf("NewDBService(:memory:) failed: %v", err)
	}
	defer svc.Close()
}

// TestInsertAndGetTrace verifies the full trace lifecycle:
// insert → get → verify fields and payload match.
func TestInsertAndGetTrace(t *testing.T) {
	svc, err := NewDBService(":memory:")
	if err != nil {
		t.Fatalf("NewDBService failed: %v", err)
	}
	defer svc.Close()

	now := time.Now().UnixNano()
	if err := svc.InsertTrace(sampleBundle("trace-001", now)); err != nil {
		t.Fatalf("InsertTrace failed: %v", err)
	}

	tr, err := svc.GetTrace("trace-001")
	if err != nil {
		t.Fatalf("GetTrace failed: %v", err)
	}
	if tr.RootLabel != "root" {
		t.Errorf("expected root_label=root, got %s", tr.RootLabel)
	}
	if tr.NodeCount != 3 || tr.MaxDepth != 3 {
		t.Errorf("expected 3 nodes / depth 3, got %d / %d", tr.NodeCount, tr.MaxDepth)
	}
	if tr.Metadata["env"] != "test" {
		t.Errorf("expected metadata env=test, got %v", tr.Metadata)
	}
	if string(tr.Payload) != `{"scope_name":"root","call_ts":1000000}` {
		t.Errorf("payload mismatch: %s", tr.Payload)
	}

	traces, err := svc.QueryTraces(TraceFilter{Limit: 10})
	if err != nil {
		t.Fatalf("QueryTraces failed: %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("expected 1 trace, got %d", len(traces))
	}
	if traces[0].Payload != nil {
		t.Errorf("QueryTraces should not load payloads")
	}
}

func TestGetTraceNotFound(t *testing.T) {
	svc, err := NewDBService(":memory:")
	if err != nil {
		t.Fatalf("NewDBService failed: %v", err)
	}
	defer svc.Close()

	if _, err := svc.GetTrace("missing"); !errors.Is(err, ErrTraceNotFound) {
		t.Errorf("expected ErrTraceNotFound, got %v", err)
	}
	if _, err := svc.GetTraceStats("missing"); !errors.Is(err, ErrTraceNotFound) {
		t.Errorf("expected ErrTraceNotFound from stats, got %v", err)
	}
	if err := svc.DeleteTrace("missing"); !errors.Is(err, ErrTraceNotFound) {
		t.Errorf("expected ErrTraceNotFound from delete, got %v", err)
	}
}

// TestQueryCallsOrder verifies calls come back in tree order.
func TestQueryCallsOrder(t *testing.T) {
	svc, err := NewDBService(":memory:")
	if err != nil {
		t.Fatalf("NewDBService failed: %v", err)
	}
	defer svc.Close()

	if err := svc.InsertTrace(sampleBundle("trace-002", time.Now().UnixNano())); err != nil {
		t.Fatalf("InsertTrace failed: %v", err)
	}

	calls, err := svc.QueryCalls("trace-002")
	if err != nil {
		t.Fatalf("QueryCalls failed: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	want := []string{"root", "worker2", "worker1"}
	for i, c := range calls {
		if c.Label != want[i] {
			t.Errorf("call %d: expected %s, got %s", i, want[i], c.Label)
		}
		if c.Seq != i {
			t.Errorf("call %d: expected seq %d, got %d", i, i, c.Seq)
		}
	}
	if calls[1].CalleeClass == nil || *calls[1].CalleeClass != "7Worker2" {
		t.Errorf("expected callee_class to round-trip, got %v", calls[1].CalleeClass)
	}
}

// TestReinsertReplaces verifies that importing the same trace ID twice
// leaves exactly one copy of its calls.
func TestReinsertReplaces(t *testing.T) {
	svc, err := NewDBService(":memory:")
	if err != nil {
		t.Fatalf("NewDBService failed: %v", err)
	}
	defer svc.Close()

	now := time.Now().UnixNano()
	if err := svc.InsertTrace(sampleBundle("trace-003", now)); err != nil {
		t.Fatalf("first InsertTrace failed: %v", err)
	}

	b := sampleBundle("trace-003", now+1)
	b.Calls = b.Calls[:1]
	b.Trace.NodeCount = 1
	if err := svc.InsertTrace(b); err != nil {
		t.Fatalf("second InsertTrace failed: %v", err)
	}

	calls, err := svc.QueryCalls("trace-003")
	if err != nil {
		t.Fatalf("QueryCalls failed: %v", err)
	}
	if len(calls) != 1 {
		t.Errorf("expected 1 call after replace, got %d", len(calls))
	}
}

func TestTraceStats(t *testing.T) {
	svc, err := NewDBService(":memory:")
	if err != nil {
		t.Fatalf("NewDBService failed: %v", err)
	}
	defer svc.Close()

	if err := svc.InsertTrace(sampleBundle("trace-004", time.Now().UnixNano())); err != nil {
		t.Fatalf("InsertTrace failed: %v", err)
	}

	stats, err := svc.GetTraceStats("trace-004")
	if err != nil {
		t.Fatalf("GetTraceStats failed: %v", err)
	}
	if stats.TotalCalls != 3 {
		t.Errorf("expected 3 calls, got %d", stats.TotalCalls)
	}
	if stats.DistinctLabels != 3 {
		t.Errorf("expected 3 distinct labels, got %d", stats.DistinctLabels)
	}
	if stats.MaxDepth != 3 {
		t.Errorf("expected max depth 3, got %d", stats.MaxDepth)
	}
	if stats.NegativeDurations != 1 || stats.ZeroDurations != 1 || stats.MissingCompletion != 1 {
		t.Errorf("unexpected anomaly counts: %+v", stats)
	}
	if stats.RootElapsedSeconds != 2 {
		t.Errorf("expected root elapsed 2, got %v", stats.RootElapsedSeconds)
	}
}

func TestSearchCalls(t *testing.T) {
	svc, err := NewDBService(":memory:")
	if err != nil {
		t.Fatalf("NewDBService failed: %v", err)
	}
	defer svc.Close()

	if err := svc.InsertTrace(sampleBundle("trace-005", time.Now().UnixNano())); err != nil {
		t.Fatalf("InsertTrace failed: %v", err)
	}

	results, err := svc.SearchCalls("WORKER", 10)
	if err != nil {
		t.Fatalf("SearchCalls failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(results))
	}
	if results[0].Label != "worker2" {
		t.Errorf("expected slowest match first, got %s", results[0].Label)
	}

	results, err = svc.SearchCalls("100%", 10)
	if err != nil {
		t.Fatalf("SearchCalls with wildcard failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected %% to be matched literally, got %d results", len(results))
	}
}

// TestQueryTracesFilter verifies filtering, ordering and pagination.
func TestQueryTracesFilter(t *testing.T) {
	svc, err := NewDBService(":memory:")
	if err != nil {
		t.Fatalf("NewDBService failed: %v", err)
	}
	defer svc.Close()

	base := time.Now().UnixNano()
	var bundles []*TraceBundle
	for i := 0; i < 5; i++ {
		b := sampleBundle(fmt.Sprintf("trace-%03d", i), base+int64(i))
		if i%2 == 1 {
			b.Trace.RootLabel = "other"
		}
		bundles = append(bundles, b)
	}
	if err := svc.BatchInsertTraces(bundles); err != nil {
		t.Fatalf("BatchInsertTraces failed: %v", err)
	}

	traces, err := svc.QueryTraces(TraceFilter{Limit: 2})
	if err != nil {
		t.Fatalf("QueryTraces failed: %v", err)
	}
	if len(traces) != 2 || traces[0].TraceID != "trace-004" {
		t.Fatalf("expected newest first, got %+v", traces)
	}

	label := "other"
	traces, err = svc.QueryTraces(TraceFilter{RootLabel: &label})
	if err != nil {
		t.Fatalf("QueryTraces by label failed: %v", err)
	}
	if len(traces) != 2 {
		t.Errorf("expected 2 traces labeled other, got %d", len(traces))
	}

	since := base + 3
	traces, err = svc.QueryTraces(TraceFilter{Since: &since})
	if err != nil {
		t.Fatalf("QueryTraces since failed: %v", err)
	}
	if len(traces) != 2 {
		t.Errorf("expected 2 traces since base+3, got %d", len(traces))
	}

	traces, err = svc.QueryTraces(TraceFilter{Limit: 10, Offset: 4})
	if err != nil {
		t.Fatalf("QueryTraces offset failed: %v", err)
	}
	if len(traces) != 1 || traces[0].TraceID != "trace-000" {
		t.Errorf("expected only the oldest trace at offset 4, got %+v", traces)
	}
}

// TestBatchInsertIsAtomic verifies a failing bundle rolls back the batch.
func TestBatchInsertIsAtomic(t *testing.T) {
	svc, err := NewDBService(":memory:")
	if err != nil {
		t.Fatalf("NewDBService failed: %v", err)
	}
	defer svc.Close()

	good := sampleBundle("trace-good", time.Now().UnixNano())
	bad := sampleBundle("trace-bad", time.Now().UnixNano())
	bad.Calls = append(bad.Calls, bad.Calls[0]) // duplicate primary key

	if err := svc.BatchInsertTraces([]*TraceBundle{good, bad}); err == nil {
		t.Fatal("expected duplicate call path to fail the batch")
	}

	traces, err := svc.QueryTraces(TraceFilter{})
	if err != nil {
		t.Fatalf("QueryTraces failed: %v", err)
	}
	if len(traces) != 0 {
		t.Errorf("expected rollback to leave no traces, got %d", len(traces))
	}
}

func TestDeleteTraceCascades(t *testing.T) {
	svc, err := NewDBService(":memory:")
	if err != nil {
		t.Fatalf("NewDBService failed: %v", err)
	}
	defer svc.Close()

	if err := svc.InsertTrace(sampleBundle("trace-006", time.Now().UnixNano())); err != nil {
		t.Fatalf("InsertTrace failed: %v", err)
	}
	if err := svc.DeleteTrace("trace-006"); err != nil {
		t.Fatalf("DeleteTrace failed: %v", err)
	}
	calls, err := svc.QueryCalls("trace-006")
	if err != nil {
		t.Fatalf("QueryCalls failed: %v", err)
	}
	if len(calls) != 0 {
		t.Errorf("expected calls to be deleted with their trace, got %d", len(calls))
	}
}

// TestPendingWrites verifies the crash-recovery journal.
func TestPendingWrites(t *testing.T) {
	svc, err := NewDBService(":memory:")
	if err != nil {
		t.Fatalf("NewDBService failed: %v", err)
	}
	defer svc.Close()

	id1, err := svc.WritePendingPayload([]byte(`{"a":1}`), "127.0.0.1:5000")
	if err != nil {
		t.Fatalf("WritePendingPayload failed: %v", err)
	}
	if _, err := svc.WritePendingPayload([]byte(`{"b":2}`), ""); err != nil {
		t.Fatalf("WritePendingPayload failed: %v", err)
	}

	if err := svc.CommitPendingPayload(id1); err != nil {
		t.Fatalf("CommitPendingPayload failed: %v", err)
	}

	pending, err := svc.GetPendingPayloads()
	if err != nil {
		t.Fatalf("GetPendingPayloads failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending write, got %d", len(pending))
	}
	if string(pending[0].Payload) != `{"b":2}` {
		t.Errorf("unexpected pending payload %s", pending[0].Payload)
	}
}
