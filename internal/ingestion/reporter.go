package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
)

// Reporter sends finished trace trees to a daemon's report endpoint, the
// way the instrumented runtime does when its root scope closes.
type Reporter struct {
	BaseURL string
	Client  *http.Client
}

// NewReporter returns a reporter for addr, which is either host:port or
// a full http(s) URL.
func NewReporter(addr string) *Reporter {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Reporter{
		BaseURL: strings.TrimRight(base, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// ReportError is a non-202 answer from the report endpoint. A 422
// matches calltrace.ErrMalformedTrace through errors.Is.
type ReportError struct {
	StatusCode int
	Message    string
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("report rejected (%d): %s", e.StatusCode, e.Message)
}

func (e *ReportError) Unwrap() error {
	if e.StatusCode == http.StatusUnprocessableEntity {
		return calltrace.ErrMalformedTrace
	}
	return nil
}

// Report POSTs one root Call Record document.
func (r *Reporter) Report(ctx context.Context, payload []byte) (*ReportResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/api/traces", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending report to %s: %w", r.BaseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading report response: %w", err)
	}

	if resp.StatusCode != http.StatusAccepted {
		var e errorResponse
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &ReportError{StatusCode: resp.StatusCode, Message: msg}
	}

	var out ReportResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding report response: %w", err)
	}
	return &out, nil
}

// ReportSocket sends payload as one framed message to a daemon's socket
// endpoint and waits for the acknowledgement.
func ReportSocket(ctx context.Context, addr string, msgType MessageType, payload []byte) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, socketNetwork(), addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := WriteMessage(conn, msgType, payload); err != nil {
		return err
	}

	ack := make([]byte, 1)
	if _, err := io.ReadFull(conn, ack); err != nil {
		return fmt.Errorf("reading acknowledgement: %w", err)
	}
	if ack[0] != AckOK {
		return ErrRejected
	}
	return nil
}

// FetchMetrics reads a daemon's JSON metrics from its metrics address.
func FetchMetrics(ctx context.Context, addr string) (IngestionMetrics, error) {
	var m IngestionMetrics

	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/api/metrics", nil)
	if err != nil {
		return m, fmt.Errorf("building metrics request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return m, fmt.Errorf("fetching metrics from %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return m, fmt.Errorf("fetching metrics from %s: status %d", addr, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return m, fmt.Errorf("decoding metrics: %w", err)
	}
	return m, nil
}
