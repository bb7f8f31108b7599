// Package database provides the storage layer for calltrace.
//
// It implements the Store interface using SQLite with WAL mode and
// indexes tuned for the two access paths the tools need: listing
// snapshots newest first, and reading one snapshot's calls in tree
// order. The DBService struct is the primary entry point for all
// database operations.
package database

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaFS embed.FS

// ErrTraceNotFound is returned when a trace ID has no stored snapshot.
var ErrTraceNotFound = errors.New("trace not found")

// Store defines the interface for trace snapshot persistence.
// This abstraction allows for mocking in tests.
type Store interface {
	// InsertTrace persists one snapshot and its calls in a single transaction.
	// Re-inserting a trace ID replaces the previous snapshot.
	InsertTrace(bundle *TraceBundle) error
	// BatchInsertTraces persists several snapshots in a single transaction.
	BatchInsertTraces(bundles []*TraceBundle) error

	// QueryTraces returns traces matching the given filter, newest first.
	QueryTraces(filter TraceFilter) ([]*Trace, error)
	// GetTrace returns one trace including its raw payload.
	GetTrace(traceID string) (*Trace, error)
	// QueryCalls returns all calls of a trace in tree (pre-)order.
	QueryCalls(traceID string) ([]*Call, error)
	// SearchCalls finds calls whose label, caller or class contains query.
	SearchCalls(query string, limit int) ([]*Call, error)
	// GetTraceStats returns aggregated statistics for a trace.
	GetTraceStats(traceID string) (*TraceStats, error)
	// DeleteTrace removes a trace and its calls.
	DeleteTrace(traceID string) error

	// WritePendingPayload journals a raw report body for crash recovery.
	WritePendingPayload(payload []byte, source string) (int64, error)
	// CommitPendingPayload marks a journaled write as committed.
	CommitPendingPayload(writeID int64) error
	// GetPendingPayloads returns all journaled writes not yet committed.
	GetPendingPayloads() ([]PendingWrite, error)

	// Close gracefully shuts down the database connection.
	Close() error
}

// ============================================================
// Domain Models
// ============================================================

// Trace is one stored call-trace snapshot.
type Trace struct {
	TraceID        string            `json:"trace_id"`
	RootLabel      string            `json:"root_label"`
	Source         string            `json:"source"`
	CallTS         int64             `json:"call_ts"`
	ElapsedSeconds float64           `json:"elapsed_seconds"`
	NodeCount      int               `json:"node_count"`
	MaxDepth       int               `json:"max_depth"`
	Unit           string            `json:"unit"`
	ReceivedAt     int64             `json:"received_at"` // Unix nanoseconds
	Metadata       map[string]string `json:"metadata,omitempty"`
	Payload        []byte            `json:"-"`
}

// Call is one display node of a stored trace, flattened.
type Call struct {
	TraceID        string  `json:"trace_id"`
	Path           string  `json:"path"`
	ParentPath     string  `json:"parent_path,omitempty"`
	Depth          int     `json:"depth"`
	Seq            int     `json:"seq"`
	Label          string  `json:"label"`
	Caller         *string `json:"caller,omitempty"`
	CalleeClass    *string `json:"callee_class,omitempty"`
	ThreadID       *string `json:"thread_id,omitempty"`
	CallTS         int64   `json:"call_ts"`
	CompletionTS   int64   `json:"completion_ts"`
	Completion     string  `json:"completion"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// TraceBundle pairs a trace with its calls for insertion.
type TraceBundle struct {
	Trace *Trace
	Calls []*Call
}

// TraceFilter defines query parameters for trace listing.
type TraceFilter struct {
	RootLabel *string `json:"root_label,omitempty"`
	Source    *string `json:"source,omitempty"`
	Since     *int64  `json:"since,omitempty"` // Unix nanoseconds, on received_at
	Until     *int64  `json:"until,omitempty"` // Unix nanoseconds, on received_at
	Limit     int     `json:"limit"`
	Offset    int     `json:"offset"`
}

// TraceStats holds aggregated statistics for a single trace.
type TraceStats struct {
	TraceID            string  `json:"trace_id"`
	TotalCalls         int     `json:"total_calls"`
	DistinctLabels     int     `json:"distinct_labels"`
	MaxDepth           int     `json:"max_depth"`
	RootElapsedSeconds float64 `json:"root_elapsed_seconds"`
	NegativeDurations  int     `json:"negative_durations"`
	ZeroDurations      int     `json:"zero_durations"`
	MissingCompletion  int     `json:"missing_completion"`
}

// PendingWrite represents an uncommitted ingestion payload.
type PendingWrite struct {
	WriteID   int64  `json:"write_id"`
	Payload   []byte `json:"payload"`
	Source    string `json:"source"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

// ============================================================
// DBService Implementation
// ============================================================

// DBService implements the Store interface using SQLite.
// It manages the database connection pool, prepared statements,
// and ensures thread-safe access through a read-write mutex.
type DBService struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string

	// Prepared statements for hot-path operations
	stmtUpsertTrace   *sql.Stmt
	stmtDeleteCalls   *sql.Stmt
	stmtInsertCall    *sql.Stmt
	stmtInsertPending *sql.Stmt
	stmtCommitPending *sql.Stmt
}

// NewDBService creates a new database service, initializes the schema,
// and prepares frequently-used statements.
//
// Use ":memory:" for in-memory databases (useful for testing).
func NewDBService(path string) (*DBService, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON&_cache_size=-64000", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", path, err)
	}

	// SQLite only supports one writer at a time; a single connection
	// also keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	svc := &DBService{
		db:   db,
		path: path,
	}

	if err := svc.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	if err := svc.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing statements: %w", err)
	}

	return svc, nil
}

// initSchema executes the embedded schema.sql.
func (s *DBService) initSchema() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("reading embedded schema: %w", err)
	}

	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	return nil
}

func (s *DBService) prepareStatements() error {
	var err error

	s.stmtUpsertTrace, err = s.db.Prepare(`
		INSERT INTO traces (trace_id, root_label, source, call_ts, elapsed_seconds,
			node_count, max_depth, unit, received_at, metadata, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			root_label = excluded.root_label,
			source = excluded.source,
			call_ts = excluded.call_ts,
			elapsed_seconds = excluded.elapsed_seconds,
			node_count = excluded.node_count,
			max_depth = excluded.max_depth,
			unit = excluded.unit,
			received_at = excluded.received_at,
			metadata = COALESCE(excluded.metadata, traces.metadata),
			payload = excluded.payload
	`)
	if err != nil {
		return fmt.Errorf("preparing UpsertTrace: %w", err)
	}

	s.stmtDeleteCalls, err = s.db.Prepare(`DELETE FROM calls WHERE trace_id = ?`)
	if err != nil {
		return fmt.Errorf("preparing DeleteCalls: %w", err)
	}

	s.stmtInsertCall, err = s.db.Prepare(`
		INSERT INTO calls (trace_id, path, parent_path, depth, seq, label, caller,
			callee_class, thread_id, call_ts, completion_ts, completion, elapsed_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing InsertCall: %w", err)
	}

	s.stmtInsertPending, err = s.db.Prepare(`
		INSERT INTO pending_writes (payload, source, status, created_at) VALUES (?, ?, 'pending', ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing InsertPending: %w", err)
	}

	s.stmtCommitPending, err = s.db.Prepare(`
		UPDATE pending_writes SET status = 'committed', committed_at = ? WHERE write_id = ?
	`)
	if err != nil {
		return fmt.Errorf("preparing CommitPending: %w", err)
	}

	return nil
}

// InsertTrace persists one snapshot and its calls in a single transaction.
func (s *DBService) InsertTrace(bundle *TraceBundle) error {
	return s.BatchInsertTraces([]*TraceBundle{bundle})
}

// BatchInsertTraces persists several snapshots in one transaction. Either
// all of them are stored or none is.
func (s *DBService) BatchInsertTraces(bundles []*TraceBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning trace transaction: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	upsert := tx.Stmt(s.stmtUpsertTrace)
	deleteCalls := tx.Stmt(s.stmtDeleteCalls)
	insertCall := tx.Stmt(s.stmtInsertCall)

	for _, b := range bundles {
		if b == nil || b.Trace == nil {
			return fmt.Errorf("inserting trace: empty bundle")
		}
		t := b.Trace

		var metadataJSON *string
		if t.Metadata != nil {
			raw, err := json.Marshal(t.Metadata)
			if err != nil {
				return fmt.Errorf("marshaling metadata for trace %s: %w", t.TraceID, err)
			}
			str := string(raw)
			metadataJSON = &str
		}

		if _, err := upsert.Exec(
			t.TraceID, t.RootLabel, t.Source, t.CallTS, t.ElapsedSeconds,
			t.NodeCount, t.MaxDepth, t.Unit, t.ReceivedAt, metadataJSON, t.Payload,
		); err != nil {
			return fmt.Errorf("inserting trace %s: %w", t.TraceID, err)
		}

		if _, err := deleteCalls.Exec(t.TraceID); err != nil {
			return fmt.Errorf("clearing calls of trace %s: %w", t.TraceID, err)
		}

		for _, c := range b.Calls {
			if _, err := insertCall.Exec(
				t.TraceID, c.Path, c.ParentPath, c.Depth, c.Seq, c.Label,
				c.Caller, c.CalleeClass, c.ThreadID,
				c.CallTS, c.CompletionTS, c.Completion, c.ElapsedSeconds,
			); err != nil {
				return fmt.Errorf("inserting call %s of trace %s: %w", c.Path, t.TraceID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing trace transaction: %w", err)
	}
	return nil
}

const traceColumns = `trace_id, root_label, source, call_ts, elapsed_seconds,
	node_count, max_depth, unit, received_at, metadata`

// QueryTraces returns traces matching the given filter criteria.
// Results are ordered by received_at descending (most recent first).
// Payloads are not loaded; use GetTrace for that.
func (s *DBService) QueryTraces(filter TraceFilter) ([]*Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + traceColumns + ` FROM traces WHERE 1=1`
	args := make([]interface{}, 0)

	if filter.RootLabel != nil {
		query += ` AND root_label = ?`
		args = append(args, *filter.RootLabel)
	}
	if filter.Source != nil {
		query += ` AND source = ?`
		args = append(args, *filter.Source)
	}
	if filter.Since != nil {
		query += ` AND received_at >= ?`
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		query += ` AND received_at <= ?`
		args = append(args, *filter.Until)
	}

	query += ` ORDER BY received_at DESC, trace_id ASC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else {
		query += ` LIMIT 100`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying traces: %w", err)
	}
	defer rows.Close()

	var traces []*Trace
	for rows.Next() {
		t, err := scanTrace(rows, false)
		if err != nil {
			return nil, err
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// GetTrace returns the trace with the given ID, payload included.
func (s *DBService) GetTrace(traceID string) (*Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+traceColumns+`, payload FROM traces WHERE trace_id = ?`, traceID)
	t, err := scanTrace(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, traceID)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// QueryCalls returns all calls for a given trace in tree order.
func (s *DBService) QueryCalls(traceID string) ([]*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+callColumns+`
		FROM calls
		WHERE trace_id = ?
		ORDER BY seq ASC
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("querying calls for trace %s: %w", traceID, err)
	}
	defer rows.Close()

	return scanCalls(rows)
}

// SearchCalls performs a case-insensitive substring search over call
// labels, callers and classes. Slowest matches come first.
func (s *DBService) SearchCalls(query string, limit int) ([]*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.Query(`
		SELECT `+callColumns+`
		FROM calls
		WHERE label LIKE ? ESCAPE '\'
			OR caller LIKE ? ESCAPE '\'
			OR callee_class LIKE ? ESCAPE '\'
		ORDER BY elapsed_seconds DESC, trace_id ASC, seq ASC
		LIMIT ?
	`, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("searching calls for %q: %w", query, err)
	}
	defer rows.Close()

	return scanCalls(rows)
}

// GetTraceStats returns aggregated statistics for a trace.
func (s *DBService) GetTraceStats(traceID string) (*TraceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &TraceStats{TraceID: traceID}

	err := s.db.QueryRow(`SELECT elapsed_seconds FROM traces WHERE trace_id = ?`, traceID).
		Scan(&stats.RootElapsedSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, traceID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying trace %s: %w", traceID, err)
	}

	err = s.db.QueryRow(`
		SELECT
			COUNT(*),
			COUNT(DISTINCT label),
			COALESCE(MAX(depth) + 1, 0),
			COALESCE(SUM(CASE WHEN elapsed_seconds < 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN elapsed_seconds = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN completion = 'call_ts' THEN 1 ELSE 0 END), 0)
		FROM calls
		WHERE trace_id = ?
	`, traceID).Scan(
		&stats.TotalCalls, &stats.DistinctLabels, &stats.MaxDepth,
		&stats.NegativeDurations, &stats.ZeroDurations, &stats.MissingCompletion,
	)
	if err != nil {
		return nil, fmt.Errorf("querying trace stats for %s: %w", traceID, err)
	}

	return stats, nil
}

// DeleteTrace removes a trace; its calls follow through the foreign key.
func (s *DBService) DeleteTrace(traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM traces WHERE trace_id = ?`, traceID)
	if err != nil {
		return fmt.Errorf("deleting trace %s: %w", traceID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrTraceNotFound, traceID)
	}
	return nil
}

// WritePendingPayload stores a raw payload in the pending_writes table
// for crash recovery. Returns the write ID for later commitment.
func (s *DBService) WritePendingPayload(payload []byte, source string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.stmtInsertPending.Exec(payload, source, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("writing pending payload: %w", err)
	}
	return result.LastInsertId()
}

// CommitPendingPayload marks a pending write as committed.
func (s *DBService) CommitPendingPayload(writeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixNano()
	_, err := s.stmtCommitPending.Exec(now, writeID)
	if err != nil {
		return fmt.Errorf("committing pending payload %d: %w", writeID, err)
	}
	return nil
}

// GetPendingPayloads returns all uncommitted payloads for crash recovery.
func (s *DBService) GetPendingPayloads() ([]PendingWrite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT write_id, payload, source, status, created_at
		FROM pending_writes
		WHERE status = 'pending'
		ORDER BY write_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying pending payloads: %w", err)
	}
	defer rows.Close()

	var writes []PendingWrite
	for rows.Next() {
		var w PendingWrite
		if err := rows.Scan(&w.WriteID, &w.Payload, &w.Source, &w.Status, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning pending write: %w", err)
		}
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

// Close gracefully shuts down the database, closing all prepared statements
// and the underlying connection pool.
func (s *DBService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmts := []*sql.Stmt{
		s.stmtUpsertTrace, s.stmtDeleteCalls, s.stmtInsertCall,
		s.stmtInsertPending, s.stmtCommitPending,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}

	return s.db.Close()
}

// ============================================================
// Scan Helpers
// ============================================================

const callColumns = `trace_id, path, parent_path, depth, seq, label, caller,
	callee_class, thread_id, call_ts, completion_ts, completion, elapsed_seconds`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrace(row scanner, withPayload bool) (*Trace, error) {
	t := &Trace{}
	var metadataStr *string
	dest := []interface{}{
		&t.TraceID, &t.RootLabel, &t.Source, &t.CallTS, &t.ElapsedSeconds,
		&t.NodeCount, &t.MaxDepth, &t.Unit, &t.ReceivedAt, &metadataStr,
	}
	if withPayload {
		dest = append(dest, &t.Payload)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning trace row: %w", err)
	}
	if metadataStr != nil {
		t.Metadata = make(map[string]string)
		if err := json.Unmarshal([]byte(*metadataStr), &t.Metadata); err != nil {
			// Non-fatal: metadata is supplementary
			t.Metadata = map[string]string{"_raw": *metadataStr}
		}
	}
	return t, nil
}

func scanCalls(rows *sql.Rows) ([]*Call, error) {
	var calls []*Call
	for rows.Next() {
		c := &Call{}
		if err := rows.Scan(
			&c.TraceID, &c.Path, &c.ParentPath, &c.Depth, &c.Seq, &c.Label,
			&c.Caller, &c.CalleeClass, &c.ThreadID,
			&c.CallTS, &c.CompletionTS, &c.Completion, &c.ElapsedSeconds,
		); err != nil {
			return nil, fmt.Errorf("scanning call row: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
