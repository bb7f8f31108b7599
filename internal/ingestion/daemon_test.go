package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
	"github.com/Mr-Dark-debug/calltrace/internal/database"
)

func newTestStore(t *testing.T) *database.DBService {
	t.Helper()
	store, err := database.NewDBService(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// newTestDaemon returns a started daemon with every network endpoint
// disabled unless mutate enables it.
func newTestDaemon(t *testing.T, store database.Store, mutate func(*Config)) *DaemonIngester {
	t.Helper()
	conf := DefaultConfig()
	conf.ListenAddr = ""
	conf.ReportAddr = ""
	conf.MetricsAddr = ""
	conf.DBPath = ":memory:"
	conf.BatchSize = 2
	conf.FlushInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&conf)
	}

	d, err := NewDaemonIngester(conf, store)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop() })
	return d
}

func post(t *testing.T, url, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestReportHandler(t *testing.T) {
	store := newTestStore(t)
	d := newTestDaemon(t, store, func(c *Config) { c.MaxPayloadBytes = 1024 })

	srv := httptest.NewServer(d.ReportHandler())
	defer srv.Close()

	resp, body := post(t, srv.URL+"/", validReport)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted ReportResponse
	require.NoError(t, json.Unmarshal([]byte(body), &accepted))
	require.NotEmpty(t, accepted.TraceID)
	require.Equal(t, "A", accepted.Root)
	require.Equal(t, 4, accepted.Nodes)
	require.Equal(t, 2.0, accepted.Elapsed)

	resp, body = post(t, srv.URL+"/api/traces", malformedReport)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Contains(t, body, "$.subroutines[1]")

	resp, _ = post(t, srv.URL+"/api/traces", `{"scope_name":"`+strings.Repeat("x", 2048)+`","call_ts":1}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	getResp, err := http.Get(srv.URL + "/api/traces")
	require.NoError(t, err)
	getResp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
	require.Equal(t, http.MethodPost, getResp.Header.Get("Allow"))

	resp, _ = post(t, srv.URL+"/elsewhere", validReport)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, d.Stop())

	tr, err := store.GetTrace(accepted.TraceID)
	require.NoError(t, err)
	require.Equal(t, "A", tr.RootLabel)

	calls, err := store.QueryCalls(accepted.TraceID)
	require.NoError(t, err)
	require.Len(t, calls, 4)

	pending, err := store.GetPendingPayloads()
	require.NoError(t, err)
	require.Empty(t, pending)

	m := d.Metrics()
	require.Equal(t, int64(1), m.TracesIngested)
	require.Equal(t, int64(4), m.CallsIngested)
	require.Equal(t, int64(2), m.Rejected)
}

func TestSocketProtocol(t *testing.T) {
	store := newTestStore(t)
	d := newTestDaemon(t, store, nil)

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.serveConn(context.Background(), server)
	}()

	send := func(typ MessageType, payload string) byte {
		require.NoError(t, WriteMessage(client, typ, []byte(payload)))
		ack := make([]byte, 1)
		_, err := io.ReadFull(client, ack)
		require.NoError(t, err)
		return ack[0]
	}

	require.Equal(t, AckOK, send(MsgTrace, validReport))
	require.Equal(t, AckOK, send(MsgBatch, "["+validReport+","+validReport+"]"))
	require.Equal(t, AckRejected, send(MsgBatch, "["+validReport+","+malformedReport+"]"))
	require.Equal(t, AckRejected, send(MsgBatch, `{"not":"an array"}`))
	require.Equal(t, AckRejected, send(MsgTrace, malformedReport))
	require.Equal(t, AckRejected, send(MessageType(0x09), validReport))

	client.Close()
	<-done
	require.NoError(t, d.Stop())

	traces, err := store.QueryTraces(database.TraceFilter{})
	require.NoError(t, err)
	require.Len(t, traces, 4)
	require.Equal(t, "pipe", traces[0].Source)
	require.Equal(t, int64(4), d.Metrics().Rejected)
}

func TestReplayPending(t *testing.T) {
	store := newTestStore(t)

	_, err := store.WritePendingPayload([]byte(validReport), "before-crash")
	require.NoError(t, err)
	_, err = store.WritePendingPayload([]byte(`{"truncated":`), "before-crash")
	require.NoError(t, err)

	d := newTestDaemon(t, store, nil)
	require.NoError(t, d.Stop())

	traces, err := store.QueryTraces(database.TraceFilter{})
	require.NoError(t, err)
	require.Len(t, traces, 1)
	require.Equal(t, "before-crash", traces[0].Source)

	pending, err := store.GetPendingPayloads()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestStartServesReports(t *testing.T) {
	store := newTestStore(t)
	d := newTestDaemon(t, store, func(c *Config) { c.ReportAddr = "127.0.0.1:0" })
	require.NotEmpty(t, d.ReportAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reporter := NewReporter(d.ReportAddr())
	resp, err := reporter.Report(ctx, []byte(validReport))
	require.NoError(t, err)
	require.Equal(t, "A", resp.Root)

	_, err = reporter.Report(ctx, []byte(malformedReport))
	require.True(t, errors.Is(err, calltrace.ErrMalformedTrace))
	var reportErr *ReportError
	require.True(t, errors.As(err, &reportErr))
	require.Equal(t, http.StatusUnprocessableEntity, reportErr.StatusCode)

	require.NoError(t, d.Stop())

	_, err = store.GetTrace(resp.TraceID)
	require.NoError(t, err)
}

func TestFlushesOnInterval(t *testing.T) {
	store := newTestStore(t)
	d := newTestDaemon(t, store, func(c *Config) { c.BatchSize = 100 })

	_, err := d.Ingest([]byte(validReport), "test")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return d.Metrics().BatchesCommitted == 1
	}, 2*time.Second, 5*time.Millisecond)

	traces, err := store.QueryTraces(database.TraceFilter{})
	require.NoError(t, err)
	require.Len(t, traces, 1)
}

func TestMetricsHandler(t *testing.T) {
	store := newTestStore(t)
	d := newTestDaemon(t, store, nil)

	srv := httptest.NewServer(d.MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "# TYPE calltrace_traces_ingested_total counter")
	require.Contains(t, string(body), "calltrace_reports_rejected_total 0")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := FetchMetrics(ctx, srv.URL)
	require.NoError(t, err)
	require.Equal(t, int64(0), m.ErrorCount)
}

func TestNewDaemonIngesterValidatesConfig(t *testing.T) {
	conf := DefaultConfig()
	conf.TimestampUnit = "parsecs"
	_, err := NewDaemonIngester(conf, newTestStore(t))
	require.Error(t, err)
}
