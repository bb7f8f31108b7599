package calltrace

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedTrace matches every *MalformedTraceError.
	ErrMalformedTrace = errors.New("malformed trace")
	// ErrTraceUnavailable matches every *TraceUnavailableError.
	ErrTraceUnavailable = errors.New("trace unavailable")
)

// MalformedTraceError reports a record that cannot be turned into a
// display node. Path locates the record inside the document, e.g.
// "$.subroutines[1].subroutines[0]".
type MalformedTraceError struct {
	Path   string
	Reason string
}

func (e *MalformedTraceError) Error() string {
	return fmt.Sprintf("malformed trace at %s: %s", e.Path, e.Reason)
}

func (e *MalformedTraceError) Unwrap() error { return ErrMalformedTrace }

// TraceUnavailableError reports that the trace document could not be read.
type TraceUnavailableError struct {
	Path string
	Err  error
}

func (e *TraceUnavailableError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("trace unavailable: %v", e.Err)
	}
	return fmt.Sprintf("trace unavailable: %s: %v", e.Path, e.Err)
}

// Unwrap exposes both the sentinel and the underlying I/O error, so
// errors.Is(err, fs.ErrNotExist) keeps working.
func (e *TraceUnavailableError) Unwrap() []error {
	return []error{ErrTraceUnavailable, e.Err}
}

func malformed(path, format string, args ...any) *MalformedTraceError {
	return &MalformedTraceError{Path: path, Reason: fmt.Sprintf(format, args...)}
}
