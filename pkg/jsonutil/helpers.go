// Package jsonutil provides JSON formatting utilities for calltrace.
//
// The runtime embeds free-form JSON in call records (params_in,
// params_out, events); these helpers make it presentable in the TUI
// and compact in the store.
package jsonutil

import (
	"bytes"
	"encoding/json"
)

// PrettyJSON formats a JSON string with indentation for display.
// Returns the original string if it's not valid JSON.
func PrettyJSON(s string) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(s), "", "  "); err != nil {
		return s
	}
	return buf.String()
}

// CompactJSON minifies a JSON document by removing whitespace.
// Returns the input unchanged if it's not valid JSON.
func CompactJSON(b []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return b
	}
	return buf.Bytes()
}

// TruncateString truncates a string to maxLen runes, adding "..."
// if truncation occurred.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
