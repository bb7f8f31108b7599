package main

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
	"github.com/Mr-Dark-debug/calltrace/internal/ingestion"
)

func TestExitCode(t *testing.T) {
	_, parseErr := calltrace.Parse([]byte(`{"scope_name": `))

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"malformed", parseErr, exitMalformed},
		{"wrapped malformed", fmt.Errorf("a.json: %w", parseErr), exitMalformed},
		{"unavailable", &calltrace.TraceUnavailableError{Path: "a.json", Err: fs.ErrNotExist}, exitUnavailable},
		{"rejected report", &ingestion.ReportError{StatusCode: 422, Message: "bad"}, exitMalformed},
		{"server error", &ingestion.ReportError{StatusCode: 500, Message: "boom"}, exitFailure},
		{"other", errors.New("boom"), exitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
