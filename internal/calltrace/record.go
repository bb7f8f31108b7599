// Package calltrace turns recorded call hierarchies ("tracker" snapshots)
// into display trees annotated with the elapsed time of every call.
//
// A snapshot is one JSON object, the root Call Record, whose nested
// "subroutines" arrays mirror the calls made while it ran. Build walks
// it with an explicit stack and returns a DisplayNode tree in the same
// order. The package has no rendering or storage concerns; renderers
// consume the DisplayNode contract read-only.
package calltrace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// RootPath is the path of the root record in error messages and node paths.
const RootPath = "$"

// Names of the fields that can supply a completion timestamp.
const (
	CompletionReturn = "return_ts"
	CompletionDump   = "dump_ts"
	CompletionNone   = "call_ts"
)

// Timestamp is an integer timestamp field of a Call Record.
//
// Decoding never fails: a value that is not an integer (a string, a
// fractional number, an object) is kept in Invalid so the builder can
// report the offending record by path instead of failing the whole
// document.
type Timestamp struct {
	Value   int64
	Invalid string
}

// TS returns a valid timestamp, for building records in code.
func TS(v int64) *Timestamp {
	return &Timestamp{Value: v}
}

// Valid reports whether the field held an integer.
func (t *Timestamp) Valid() bool {
	return t != nil && t.Invalid == ""
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	v, err := decodeValue(b)
	if err != nil {
		return err
	}
	*t = *timestampOf(v)
	return nil
}

// timestampOf converts a decoded JSON value into a Timestamp.
func timestampOf(v any) *Timestamp {
	num, ok := v.(json.Number)
	if !ok {
		return &Timestamp{Invalid: jsonText(v)}
	}
	if i, err := num.Int64(); err == nil {
		return &Timestamp{Value: i}
	}
	// 1.5e6 is an integer written in float notation.
	if f, err := num.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
		return &Timestamp{Value: int64(f)}
	}
	return &Timestamp{Invalid: num.String()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Invalid != "" {
		return []byte(t.Invalid), nil
	}
	return strconv.AppendInt(nil, t.Value, 10), nil
}

// CallRecord is one invocation in a recorded trace.
//
// Only the naming fields, the timestamps and Subroutines shape the
// display tree. The remaining fields are written by the instrumented
// runtime and passed through for viewers.
type CallRecord struct {
	ScopeName *string `json:"scope_name,omitempty"`
	Callee    *string `json:"callee,omitempty"`

	CallTS   *Timestamp `json:"call_ts,omitempty"`
	ReturnTS *Timestamp `json:"return_ts,omitempty"`
	// RetTS is the spelling the instrumented runtime emits for ReturnTS.
	RetTS  *Timestamp `json:"ret_ts,omitempty"`
	DumpTS *Timestamp `json:"dump_ts,omitempty"`

	Caller      *string           `json:"caller,omitempty"`
	CalleeClass *string           `json:"callee_clazz,omitempty"`
	ThreadID    json.RawMessage   `json:"bthread_id,omitempty"`
	ParamsIn    json.RawMessage   `json:"params_in,omitempty"`
	ParamsOut   json.RawMessage   `json:"params_out,omitempty"`
	Events      []json.RawMessage `json:"events,omitempty"`

	Subroutines []*CallRecord `json:"subroutines,omitempty"`

	// Invalid describes the first badly typed field of the record, such
	// as a numeric callee or a subroutines value that is not an array.
	Invalid string `json:"-"`
}

// UnmarshalJSON decodes a whole record tree without failing on badly
// typed fields: they mark their own record Invalid, so Build can report
// the record by path. Only a document that is not an object fails.
func (r *CallRecord) UnmarshalJSON(b []byte) error {
	v, err := decodeValue(b)
	if err != nil {
		return err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("document is %s, want an object", jsonKind(v))
	}

	type pending struct {
		rec *CallRecord
		obj map[string]any
	}
	*r = CallRecord{}
	stack := []pending{{r, obj}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		subs := p.rec.decodeFields(p.obj)
		if subs == nil {
			continue
		}
		p.rec.Subroutines = make([]*CallRecord, len(subs))
		for i, sub := range subs {
			switch sub := sub.(type) {
			case nil:
			case map[string]any:
				child := &CallRecord{}
				p.rec.Subroutines[i] = child
				stack = append(stack, pending{child, sub})
			default:
				p.rec.Subroutines[i] = &CallRecord{
					Invalid: fmt.Sprintf("subroutine is %s, want an object", jsonKind(sub)),
				}
			}
		}
	}
	return nil
}

// decodeFields fills r from obj and returns the raw subroutine entries.
func (r *CallRecord) decodeFields(obj map[string]any) []any {
	r.ScopeName = r.textField(obj, "scope_name")
	r.Callee = r.textField(obj, "callee")
	r.Caller = r.textField(obj, "caller")
	r.CalleeClass = r.textField(obj, "callee_clazz")

	r.CallTS = tsField(obj, "call_ts")
	r.ReturnTS = tsField(obj, "return_ts")
	r.RetTS = tsField(obj, "ret_ts")
	r.DumpTS = tsField(obj, "dump_ts")

	r.ThreadID = rawField(obj, "bthread_id")
	r.ParamsIn = rawField(obj, "params_in")
	r.ParamsOut = rawField(obj, "params_out")

	switch events := obj["events"].(type) {
	case nil:
	case []any:
		r.Events = make([]json.RawMessage, len(events))
		for i, e := range events {
			r.Events[i] = json.RawMessage(jsonText(e))
		}
	default:
		r.invalid("events", events, "an array")
	}

	switch subs := obj["subroutines"].(type) {
	case nil:
	case []any:
		return subs
	default:
		r.invalid("subroutines", subs, "an array")
	}
	return nil
}

func (r *CallRecord) textField(obj map[string]any, key string) *string {
	switch v := obj[key].(type) {
	case nil:
		return nil
	case string:
		return &v
	default:
		r.invalid(key, v, "a string")
		return nil
	}
}

func (r *CallRecord) invalid(key string, v any, want string) {
	if r.Invalid == "" {
		r.Invalid = fmt.Sprintf("%s is %s, want %s", key, jsonKind(v), want)
	}
}

func tsField(obj map[string]any, key string) *Timestamp {
	v, ok := obj[key]
	if !ok || v == nil {
		return nil
	}
	return timestampOf(v)
}

func rawField(obj map[string]any, key string) json.RawMessage {
	v, ok := obj[key]
	if !ok || v == nil {
		return nil
	}
	return json.RawMessage(jsonText(v))
}

// decodeValue decodes one JSON value, keeping numbers as json.Number.
func decodeValue(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "a string"
	case json.Number:
		return "a number"
	case bool:
		return "a boolean"
	case []any:
		return "an array"
	case map[string]any:
		return "an object"
	}
	return fmt.Sprintf("%T", v)
}

// Name resolves the display name: callee if present, else scope_name.
// Empty strings count as absent.
func (r *CallRecord) Name() (string, bool) {
	if r.Callee != nil && *r.Callee != "" {
		return *r.Callee, true
	}
	if r.ScopeName != nil && *r.ScopeName != "" {
		return *r.ScopeName, true
	}
	return "", false
}

// Completion returns the field that marks the end of the call and its
// name: return_ts (or its ret_ts alias), then dump_ts. It returns nil
// and CompletionNone when neither is present.
func (r *CallRecord) Completion() (*Timestamp, string) {
	switch {
	case r.ReturnTS != nil:
		return r.ReturnTS, CompletionReturn
	case r.RetTS != nil:
		return r.RetTS, CompletionReturn
	case r.DumpTS != nil:
		return r.DumpTS, CompletionDump
	}
	return nil, CompletionNone
}

// Parse decodes one root Call Record from a JSON document.
func Parse(data []byte) (*CallRecord, error) {
	var rec *CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, malformed(RootPath, "decoding document: %v", err)
	}
	if rec == nil {
		return nil, malformed(RootPath, "document is null")
	}
	return rec, nil
}

// Decode reads the whole stream before parsing; partial reads are not
// supported.
func Decode(r io.Reader) (*CallRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &TraceUnavailableError{Err: err}
	}
	return Parse(data)
}

// Load reads and parses the trace file at path.
func Load(path string) (*CallRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &TraceUnavailableError{Path: path, Err: err}
	}
	return Parse(data)
}

// Index maps every record path to its record. Viewers use it to find
// the source of a DisplayNode through DisplayNode.Path.
func Index(root *CallRecord) map[string]*CallRecord {
	index := make(map[string]*CallRecord)
	if root == nil {
		return index
	}
	type entry struct {
		rec  *CallRecord
		path string
	}
	stack := []entry{{root, RootPath}}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		index[e.path] = e.rec
		for i := len(e.rec.Subroutines) - 1; i >= 0; i-- {
			if sub := e.rec.Subroutines[i]; sub != nil {
				stack = append(stack, entry{sub, childPath(e.path, i)})
			}
		}
	}
	return index
}

// ParentPath returns the path of the record that contains path, or ""
// for the root.
func ParentPath(path string) string {
	i := strings.LastIndex(path, ".subroutines[")
	if i < 0 {
		return ""
	}
	return path[:i]
}

func childPath(parent string, i int) string {
	return parent + ".subroutines[" + strconv.Itoa(i) + "]"
}

// ParseUnit maps a unit name to the duration of one timestamp tick.
func ParseUnit(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "us", "µs", "usec", "micro", "microseconds":
		return time.Microsecond, nil
	case "ns", "nsec", "nanoseconds":
		return time.Nanosecond, nil
	case "ms", "msec", "milli", "milliseconds":
		return time.Millisecond, nil
	case "s", "sec", "seconds":
		return time.Second, nil
	}
	return 0, fmt.Errorf("unknown timestamp unit %q (want ns, us, ms or s)", s)
}
