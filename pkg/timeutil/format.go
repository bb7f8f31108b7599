// Package timeutil provides time formatting utilities for calltrace.
//
// Trace timestamps are integer ticks whose unit depends on the recording
// runtime (microseconds by default). Store bookkeeping times such as
// received_at are Unix nanoseconds. This package converts both into
// human-readable text for the CLI, the TUI and reports.
package timeutil

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// FromNano converts a Unix nanosecond timestamp to time.Time.
func FromNano(ns int64) time.Time {
	return time.Unix(0, ns)
}

// NowNano returns the current time as Unix nanoseconds.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// FromTicks converts a trace timestamp expressed in unit ticks since the
// Unix epoch to time.Time.
func FromTicks(ts int64, unit time.Duration) time.Time {
	if unit <= 0 {
		unit = time.Microsecond
	}
	return time.Unix(0, ts*int64(unit))
}

// FormatTimestamp formats a Unix nanosecond timestamp as "HH:MM:SS.mmm".
func FormatTimestamp(ns int64) string {
	return FromNano(ns).Format("15:04:05.000")
}

// FormatTimestampFull formats a Unix nanosecond timestamp with date.
// Format: "2006-01-02 15:04:05.000"
func FormatTimestampFull(ns int64) string {
	return FromNano(ns).Format("2006-01-02 15:04:05.000")
}

// FormatTick formats a trace timestamp with microsecond precision.
func FormatTick(ts int64, unit time.Duration) string {
	return FromTicks(ts, unit).Format("2006-01-02 15:04:05.000000")
}

// FormatSeconds renders elapsed seconds exactly as computed, e.g. "0.25s".
func FormatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', -1, 64) + "s"
}

// FormatElapsed renders elapsed seconds for humans.
// Examples: "850µs", "450ms", "1.2s", "2m 15.3s", "-3ms"
func FormatElapsed(sec float64) string {
	if sec < 0 {
		return "-" + FormatElapsed(-sec)
	}
	switch {
	case sec == 0:
		return "0s"
	case sec < 1e-3:
		return fmt.Sprintf("%.0fµs", sec*1e6)
	case sec < 1:
		return fmt.Sprintf("%.0fms", sec*1e3)
	case sec < 60:
		return fmt.Sprintf("%.1fs", sec)
	}
	minutes := math.Floor(sec / 60)
	return fmt.Sprintf("%.0fm %.1fs", minutes, sec-minutes*60)
}

// RelativeTime returns a human-readable relative time string.
// Examples: "just now", "5s ago", "2m ago", "1h ago"
func RelativeTime(ns int64) string {
	diff := time.Since(FromNano(ns))

	switch {
	case diff < time.Second:
		return "just now"
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		days := int(diff.Hours() / 24)
		return fmt.Sprintf("%dd ago", days)
	}
}
