// Package ingestion implements the crash-safe ingestion service for
// calltrace. It receives finished trace trees from the instrumented
// runtime, over HTTP (the runtime's reporter POSTs the root record when
// its scope closes) or over a local socket, builds them, and batches
// writes to the SQLite database.
//
// Architecture:
//
//	Runtime reporter → HTTP / socket → journal → Snapshot → batch buffer → DBService
//
// Every report body is journaled in pending_writes before it is queued
// and committed once its batch is stored, so reports accepted before a
// crash are replayed on the next start.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
	"github.com/Mr-Dark-debug/calltrace/internal/database"
)

// Ingester defines the interface for the ingestion service.
// This abstraction allows for mocking in integration tests.
type Ingester interface {
	// Start begins listening for incoming trace reports.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the ingester, flushing remaining data.
	Stop() error
	// Metrics returns the current ingestion metrics.
	Metrics() IngestionMetrics
}

// IngestionMetrics tracks throughput and error rates.
type IngestionMetrics struct {
	TracesIngested   int64 `json:"traces_ingested"`
	CallsIngested    int64 `json:"calls_ingested"`
	Rejected         int64 `json:"rejected"`
	ErrorCount       int64 `json:"error_count"`
	BatchesCommitted int64 `json:"batches_committed"`
	Uptime           int64 `json:"uptime_seconds"`
}

// queued is a built snapshot waiting for the next flush, with the
// journal entry to commit once it is stored (0 when not journaled).
type queued struct {
	bundle  *database.TraceBundle
	writeID int64
}

// DaemonIngester is the production implementation of the Ingester interface.
// It manages the listeners, the batch buffer and the flush goroutine.
type DaemonIngester struct {
	config  Config
	store   database.Store
	opts    calltrace.Options
	metrics IngestionMetrics

	traceChan chan queued

	listener     net.Listener
	reportLn     net.Listener
	reportServer *http.Server

	producers sync.WaitGroup // accept loop, connections, HTTP servers
	flusher   sync.WaitGroup
	started   time.Time
	stopOnce  sync.Once

	cancel context.CancelFunc
}

// NewDaemonIngester creates a new ingestion daemon with the given configuration.
func NewDaemonIngester(config Config, store database.Store) (*DaemonIngester, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	opts, err := config.BuildOptions()
	if err != nil {
		return nil, err
	}
	return &DaemonIngester{
		config:    config,
		store:     store,
		opts:      opts,
		traceChan: make(chan queued, config.BatchSize*2),
	}, nil
}

// Start replays pending writes from a previous crash, then starts the
// configured endpoints and the batch flush goroutine.
func (d *DaemonIngester) Start(ctx context.Context) error {
	d.started = time.Now()

	if err := d.replayPending(); err != nil {
		log.Printf("[WARN] Failed to replay pending writes: %v", err)
	}

	ctx, d.cancel = context.WithCancel(ctx)

	d.flusher.Add(1)
	go d.flushLoop()

	if d.config.ListenAddr != "" {
		network := socketNetwork()
		if network == "unix" {
			// Remove stale socket file
			os.Remove(d.config.ListenAddr)
		}
		listener, err := net.Listen(network, d.config.ListenAddr)
		if err != nil {
			d.Stop()
			return fmt.Errorf("listening on %s: %w", d.config.ListenAddr, err)
		}
		d.listener = listener

		d.producers.Add(1)
		go d.acceptLoop(ctx)
		log.Printf("[INFO] calltrace daemon listening on %s (network: %s)", d.config.ListenAddr, network)
	}

	if d.config.ReportAddr != "" {
		ln, err := net.Listen("tcp", d.config.ReportAddr)
		if err != nil {
			d.Stop()
			return fmt.Errorf("listening on %s: %w", d.config.ReportAddr, err)
		}
		d.reportLn = ln
		d.reportServer = &http.Server{
			Handler:           d.ReportHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		d.producers.Add(1)
		go func() {
			defer d.producers.Done()
			if err := d.reportServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Printf("[ERROR] Report server: %v", err)
			}
		}()
		log.Printf("[INFO] Accepting trace reports on http://%s/", ln.Addr())
	}

	if d.config.MetricsAddr != "" {
		d.producers.Add(1)
		go d.serveMetrics(ctx)
	}

	return nil
}

// ReportAddr returns the bound address of the report endpoint, or ""
// when it is disabled or not started.
func (d *DaemonIngester) ReportAddr() string {
	if d.reportLn == nil {
		return ""
	}
	return d.reportLn.Addr().String()
}

// Stop gracefully shuts down the ingester. Producers are drained first,
// then the queue is flushed to the store.
func (d *DaemonIngester) Stop() error {
	d.stopOnce.Do(func() {
		log.Println("[INFO] Shutting down calltrace daemon...")

		if d.cancel != nil {
			d.cancel()
		}
		if d.listener != nil {
			d.listener.Close()
		}
		if d.reportServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.reportServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("[WARN] Report server shutdown: %v", err)
			}
			cancel()
		}

		d.producers.Wait()
		close(d.traceChan)
		d.flusher.Wait()

		log.Println("[INFO] calltrace daemon stopped.")
	})
	return nil
}

// Metrics returns a snapshot of the current ingestion metrics.
func (d *DaemonIngester) Metrics() IngestionMetrics {
	var uptime int64
	if !d.started.IsZero() {
		uptime = int64(time.Since(d.started).Seconds())
	}
	return IngestionMetrics{
		TracesIngested:   atomic.LoadInt64(&d.metrics.TracesIngested),
		CallsIngested:    atomic.LoadInt64(&d.metrics.CallsIngested),
		Rejected:         atomic.LoadInt64(&d.metrics.Rejected),
		ErrorCount:       atomic.LoadInt64(&d.metrics.ErrorCount),
		BatchesCommitted: atomic.LoadInt64(&d.metrics.BatchesCommitted),
		Uptime:           uptime,
	}
}

// Ingest journals one report body, builds it and queues it for the next
// flush. It returns the queued bundle; a *calltrace.MalformedTraceError
// means the report was rejected. Ingest must not be called after Stop.
func (d *DaemonIngester) Ingest(payload []byte, source string) (*database.TraceBundle, error) {
	writeID, err := d.store.WritePendingPayload(payload, source)
	if err != nil {
		atomic.AddInt64(&d.metrics.ErrorCount, 1)
		return nil, fmt.Errorf("journaling report: %w", err)
	}

	bundle, err := Snapshot(payload, source, d.opts)
	if err != nil {
		atomic.AddInt64(&d.metrics.Rejected, 1)
		// Rejected reports must not come back on replay.
		if cerr := d.store.CommitPendingPayload(writeID); cerr != nil {
			log.Printf("[ERROR] Failed to close journal entry %d: %v", writeID, cerr)
		}
		return nil, err
	}

	select {
	case d.traceChan <- queued{bundle: bundle, writeID: writeID}:
	default:
		// Queue full; write through instead of blocking the client.
		d.commit([]queued{{bundle: bundle, writeID: writeID}})
	}
	return bundle, nil
}

// acceptLoop handles incoming socket connections.
func (d *DaemonIngester) acceptLoop(ctx context.Context) {
	defer d.producers.Done()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("[ERROR] Accept failed: %v", err)
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}

		d.producers.Add(1)
		go func() {
			defer d.producers.Done()
			d.serveConn(ctx, conn)
		}()
	}
}

// serveConn reads wire messages from a single client connection and
// answers each one with an acknowledgement byte.
func (d *DaemonIngester) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	source := "socket"
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		source = addr.String()
	}
	log.Printf("[DEBUG] New connection from %s", source)

	for {
		msgType, payload, err := ReadMessage(conn, d.config.MaxPayloadBytes)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Printf("[ERROR] Connection %s: %v", source, err)
				atomic.AddInt64(&d.metrics.ErrorCount, 1)
			}
			return
		}

		ack := AckOK
		if err := d.processMessage(msgType, payload, source); err != nil {
			log.Printf("[ERROR] Processing message from %s: %v", source, err)
			ack = AckRejected
		}

		if _, err := conn.Write([]byte{ack}); err != nil {
			return
		}
	}
}

// processMessage routes one wire message through Ingest.
func (d *DaemonIngester) processMessage(msgType MessageType, payload []byte, source string) error {
	switch msgType {
	case MsgTrace:
		_, err := d.Ingest(payload, source)
		return err

	case MsgBatch:
		var records []json.RawMessage
		if err := json.Unmarshal(payload, &records); err != nil {
			atomic.AddInt64(&d.metrics.Rejected, 1)
			return fmt.Errorf("unmarshaling batch: %w", err)
		}
		var errs []error
		for i, rec := range records {
			if _, err := d.Ingest(rec, source); err != nil {
				errs = append(errs, fmt.Errorf("batch entry %d: %w", i, err))
			}
		}
		return errors.Join(errs...)

	default:
		atomic.AddInt64(&d.metrics.Rejected, 1)
		return fmt.Errorf("unknown message type: 0x%02x", byte(msgType))
	}
}

// flushLoop periodically flushes queued traces to the database. It
// commits when either BatchSize traces accumulate or FlushInterval
// elapses, and drains the queue once Stop closes it.
func (d *DaemonIngester) flushLoop() {
	defer d.flusher.Done()

	ticker := time.NewTicker(d.config.FlushInterval)
	defer ticker.Stop()

	buf := make([]queued, 0, d.config.BatchSize)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		d.commit(buf)
		buf = buf[:0]
	}

	for {
		select {
		case q, ok := <-d.traceChan:
			if !ok {
				flush()
				return
			}
			buf = append(buf, q)
			if len(buf) >= d.config.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// commit stores a batch in one transaction and closes its journal
// entries. A failed batch stays journaled and is retried on restart.
func (d *DaemonIngester) commit(batch []queued) {
	bundles := make([]*database.TraceBundle, len(batch))
	var calls int64
	for i, q := range batch {
		bundles[i] = q.bundle
		calls += int64(len(q.bundle.Calls))
	}

	if err := d.store.BatchInsertTraces(bundles); err != nil {
		log.Printf("[ERROR] Flushing trace batch: %v", err)
		atomic.AddInt64(&d.metrics.ErrorCount, 1)
		return
	}
	atomic.AddInt64(&d.metrics.BatchesCommitted, 1)
	atomic.AddInt64(&d.metrics.TracesIngested, int64(len(batch)))
	atomic.AddInt64(&d.metrics.CallsIngested, calls)

	for _, q := range batch {
		if q.writeID == 0 {
			continue
		}
		if err := d.store.CommitPendingPayload(q.writeID); err != nil {
			log.Printf("[ERROR] Failed to commit pending write %d: %v", q.writeID, err)
		}
	}
}

// replayPending stores reports journaled but not committed before a crash.
func (d *DaemonIngester) replayPending() error {
	pending, err := d.store.GetPendingPayloads()
	if err != nil {
		return fmt.Errorf("getting pending payloads: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	log.Printf("[INFO] Replaying %d pending writes from crash recovery", len(pending))

	batch := make([]queued, 0, len(pending))
	for _, pw := range pending {
		bundle, err := Snapshot(pw.Payload, pw.Source, d.opts)
		if err != nil {
			log.Printf("[WARN] Skipping corrupt pending write %d: %v", pw.WriteID, err)
			if err := d.store.CommitPendingPayload(pw.WriteID); err != nil {
				log.Printf("[ERROR] Failed to commit pending write %d: %v", pw.WriteID, err)
			}
			continue
		}
		batch = append(batch, queued{bundle: bundle, writeID: pw.WriteID})
	}

	for len(batch) > 0 {
		n := min(len(batch), d.config.BatchSize)
		d.commit(batch[:n])
		batch = batch[n:]
	}
	return nil
}

// ReportHandler serves the endpoint the instrumented runtime reports to:
// POST / or POST /api/traces with one root Call Record as the body.
func (d *DaemonIngester) ReportHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", d.handleReport)
	mux.HandleFunc("/api/traces", d.handleReport)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// ReportResponse is the body of a successful report.
type ReportResponse struct {
	TraceID string  `json:"trace_id"`
	Root    string  `json:"root"`
	Nodes   int     `json:"nodes"`
	Elapsed float64 `json:"elapsed_seconds"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (d *DaemonIngester) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/api/traces" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, d.config.MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			atomic.AddInt64(&d.metrics.Rejected, 1)
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error: fmt.Sprintf("report exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		atomic.AddInt64(&d.metrics.ErrorCount, 1)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("reading report: %v", err)})
		return
	}

	bundle, err := d.Ingest(body, r.RemoteAddr)
	switch {
	case errors.Is(err, calltrace.ErrMalformedTrace):
		log.Printf("[WARN] Rejected report from %s: %v", r.RemoteAddr, err)
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	case err != nil:
		log.Printf("[ERROR] Ingesting report from %s: %v", r.RemoteAddr, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, ReportResponse{
		TraceID: bundle.Trace.TraceID,
		Root:    bundle.Trace.RootLabel,
		Nodes:   bundle.Trace.NodeCount,
		Elapsed: bundle.Trace.ElapsedSeconds,
	})
}

// MetricsHandler exposes ingestion metrics: /health, Prometheus text on
// /metrics and JSON on /api/metrics.
func (d *DaemonIngester) MetricsHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		m := d.Metrics()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		for _, metric := range []struct {
			name, help, kind string
			value            int64
		}{
			{"calltrace_traces_ingested_total", "Total traces stored", "counter", m.TracesIngested},
			{"calltrace_calls_ingested_total", "Total calls stored", "counter", m.CallsIngested},
			{"calltrace_reports_rejected_total", "Reports rejected as malformed or oversized", "counter", m.Rejected},
			{"calltrace_errors_total", "Total errors", "counter", m.ErrorCount},
			{"calltrace_batches_committed_total", "Total batches committed", "counter", m.BatchesCommitted},
			{"calltrace_uptime_seconds", "Uptime in seconds", "gauge", m.Uptime},
		} {
			fmt.Fprintf(w, "# HELP %s %s\n", metric.name, metric.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", metric.name, metric.kind)
			fmt.Fprintf(w, "%s %d\n", metric.name, metric.value)
		}
	})

	mux.HandleFunc("/api/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Metrics())
	})

	return mux
}

// serveMetrics runs the metrics server until ctx is cancelled.
func (d *DaemonIngester) serveMetrics(ctx context.Context) {
	defer d.producers.Done()

	server := &http.Server{
		Addr:              d.config.MetricsAddr,
		Handler:           d.MetricsHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	log.Printf("[INFO] Metrics server listening on http://%s/metrics", d.config.MetricsAddr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Printf("[ERROR] Metrics server: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
