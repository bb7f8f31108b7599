// Package analysis provides lightweight, deterministic analysis of
// stored call traces. Everything here is arithmetic over the flattened
// call rows of one snapshot; no sampling and no heuristics that depend on
// wall-clock time.
//
// Key capabilities:
//   - Slow-call hotspot detection via Z-score analysis of self time
//   - Per-callee aggregates (count, total, mean, max, self time)
//   - Timing anomaly detection (negative spans, children outliving
//     parents, missing completion timestamps)
//   - Duration drift of repeated calls via linear regression
package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
	"github.com/Mr-Dark-debug/calltrace/internal/database"
	"github.com/Mr-Dark-debug/calltrace/pkg/timeutil"
)

// Analyzer performs analysis on stored traces.
type Analyzer struct {
	store database.Store
}

// NewAnalyzer creates a new analysis engine backed by the given store.
func NewAnalyzer(store database.Store) *Analyzer {
	return &Analyzer{store: store}
}

// selfTimes maps each call path to its elapsed time minus the elapsed
// time of its direct children.
func selfTimes(calls []*database.Call) map[string]float64 {
	self := make(map[string]float64, len(calls))
	for _, c := range calls {
		self[c.Path] += c.ElapsedSeconds
		if c.ParentPath != "" {
			self[c.ParentPath] -= c.ElapsedSeconds
		}
	}
	return self
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// ============================================================
// Slow Call Detection
// ============================================================

// SlowCall identifies a call whose self time is an outlier in its trace.
type SlowCall struct {
	Path           string  `json:"path"`
	Label          string  `json:"label"`
	Depth          int     `json:"depth"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	SelfSeconds    float64 `json:"self_seconds"`
	ZScore         float64 `json:"z_score"`
	Severity       string  `json:"severity"` // "low", "medium", "high"
}

// DetectSlowCalls calculates the Z-score of self time across all calls
// in a trace, identifying calls that spend disproportionate time outside
// their children.
//
// A Z-score > 1.5 is reported ("low"), > 2.0 is "medium" and > 3.0 is
// "high". Results are sorted by Z-score, highest first.
func (a *Analyzer) DetectSlowCalls(traceID string) ([]SlowCall, error) {
	calls, err := a.store.QueryCalls(traceID)
	if err != nil {
		return nil, fmt.Errorf("querying calls for slow call analysis: %w", err)
	}
	return slowCalls(calls), nil
}

func slowCalls(calls []*database.Call) []SlowCall {
	if len(calls) < 2 {
		// Not enough data for meaningful Z-score analysis
		return nil
	}

	self := selfTimes(calls)
	var sum, sumSq float64
	for _, c := range calls {
		v := self[c.Path]
		sum += v
		sumSq += v * v
	}

	n := float64(len(calls))
	mean := sum / n
	variance := (sumSq / n) - (mean * mean)
	if variance <= 0 {
		// All calls took the same time
		return nil
	}
	stddev := math.Sqrt(variance)

	var slow []SlowCall
	for _, c := range calls {
		zScore := (self[c.Path] - mean) / stddev
		if zScore <= 1.5 {
			continue
		}

		severity := "low"
		if zScore > 3.0 {
			severity = "high"
		} else if zScore > 2.0 {
			severity = "medium"
		}

		slow = append(slow, SlowCall{
			Path:           c.Path,
			Label:          c.Label,
			Depth:          c.Depth,
			ElapsedSeconds: c.ElapsedSeconds,
			SelfSeconds:    round(self[c.Path], 9),
			ZScore:         round(zScore, 2),
			Severity:       severity,
		})
	}

	sort.SliceStable(slow, func(i, j int) bool {
		return slow[i].ZScore > slow[j].ZScore
	})
	return slow
}

// ============================================================
// Callee Aggregates
// ============================================================

// CalleeAggregate summarizes every call sharing a label.
type CalleeAggregate struct {
	Label        string  `json:"label"`
	Count        int     `json:"count"`
	TotalSeconds float64 `json:"total_seconds"`
	MeanSeconds  float64 `json:"mean_seconds"`
	MaxSeconds   float64 `json:"max_seconds"`
	SelfSeconds  float64 `json:"self_seconds"`
}

// AggregateCallees groups a trace's calls by label. Results are sorted
// by total elapsed time, largest first. Recursive calls are counted at
// every level, so TotalSeconds can exceed the root's elapsed time.
func (a *Analyzer) AggregateCallees(traceID string) ([]CalleeAggregate, error) {
	calls, err := a.store.QueryCalls(traceID)
	if err != nil {
		return nil, fmt.Errorf("querying calls for callee aggregates: %w", err)
	}
	return aggregateCallees(calls), nil
}

func aggregateCallees(calls []*database.Call) []CalleeAggregate {
	self := selfTimes(calls)
	byLabel := make(map[string]*CalleeAggregate)
	var order []string

	for _, c := range calls {
		agg, ok := byLabel[c.Label]
		if !ok {
			agg = &CalleeAggregate{Label: c.Label, MaxSeconds: math.Inf(-1)}
			byLabel[c.Label] = agg
			order = append(order, c.Label)
		}
		agg.Count++
		agg.TotalSeconds += c.ElapsedSeconds
		agg.SelfSeconds += self[c.Path]
		agg.MaxSeconds = math.Max(agg.MaxSeconds, c.ElapsedSeconds)
	}

	out := make([]CalleeAggregate, 0, len(order))
	for _, label := range order {
		agg := byLabel[label]
		agg.MeanSeconds = round(agg.TotalSeconds/float64(agg.Count), 9)
		agg.TotalSeconds = round(agg.TotalSeconds, 9)
		agg.SelfSeconds = round(agg.SelfSeconds, 9)
		out = append(out, *agg)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalSeconds > out[j].TotalSeconds
	})
	return out
}

// ============================================================
// Timing Anomalies
// ============================================================

// Kinds of timing anomaly.
const (
	AnomalyNegativeElapsed    = "negative_elapsed"
	AnomalyChildExceedsParent = "child_exceeds_parent"
	AnomalyStartsBeforeParent = "starts_before_parent"
	AnomalyMissingCompletion  = "missing_completion"
)

// TimingAnomaly is a call whose timestamps do not describe a plausible
// execution.
type TimingAnomaly struct {
	Path   string `json:"path"`
	Label  string `json:"label"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// DetectTimingAnomalies reports calls with negative elapsed time, calls
// that outlast or start before their parent, and calls that carry no
// completion timestamp at all. Anomalies are returned in tree order.
func (a *Analyzer) DetectTimingAnomalies(traceID string) ([]TimingAnomaly, error) {
	calls, err := a.store.QueryCalls(traceID)
	if err != nil {
		return nil, fmt.Errorf("querying calls for timing anomalies: %w", err)
	}
	return timingAnomalies(calls), nil
}

func timingAnomalies(calls []*database.Call) []TimingAnomaly {
	byPath := make(map[string]*database.Call, len(calls))
	for _, c := range calls {
		byPath[c.Path] = c
	}

	var out []TimingAnomaly
	for _, c := range calls {
		if c.ElapsedSeconds < 0 {
			out = append(out, TimingAnomaly{
				Path: c.Path, Label: c.Label, Kind: AnomalyNegativeElapsed,
				Detail: fmt.Sprintf("completes %s before it starts", timeutil.FormatElapsed(-c.ElapsedSeconds)),
			})
		}

		if parent, ok := byPath[c.ParentPath]; ok {
			if parent.ElapsedSeconds >= 0 && parent.Completion != calltrace.CompletionNone &&
				c.ElapsedSeconds > parent.ElapsedSeconds {
				out = append(out, TimingAnomaly{
					Path: c.Path, Label: c.Label, Kind: AnomalyChildExceedsParent,
					Detail: fmt.Sprintf("runs %s inside %s which runs %s",
						timeutil.FormatElapsed(c.ElapsedSeconds), parent.Label,
						timeutil.FormatElapsed(parent.ElapsedSeconds)),
				})
			}
			if c.CallTS < parent.CallTS {
				out = append(out, TimingAnomaly{
					Path: c.Path, Label: c.Label, Kind: AnomalyStartsBeforeParent,
					Detail: fmt.Sprintf("call_ts %d precedes %s call_ts %d", c.CallTS, parent.Label, parent.CallTS),
				})
			}
		}

		if c.Completion == calltrace.CompletionNone {
			out = append(out, TimingAnomaly{
				Path: c.Path, Label: c.Label, Kind: AnomalyMissingCompletion,
				Detail: "no return_ts or dump_ts; elapsed reported as 0",
			})
		}
	}
	return out
}

// ============================================================
// Duration Drift
// ============================================================

// minDriftSamples is the fewest calls of one label worth a regression.
const minDriftSamples = 5

// DurationDrift reports a label whose calls take longer the later they
// start in the trace.
type DurationDrift struct {
	Label    string  `json:"label"`
	Calls    int     `json:"calls"`
	Slope    float64 `json:"slope"` // seconds of elapsed per second of trace time
	RSquared float64 `json:"r_squared"`
	First    float64 `json:"first_seconds"`
	Last     float64 `json:"last_seconds"`
}

// dataPoint represents a single observation for regression analysis.
type dataPoint struct {
	x float64 // seconds since the label's first call
	y float64 // elapsed seconds
}

// DetectDurationDrift fits elapsed time against start time for every
// label called at least five times and reports the labels that grow
// steadily (positive slope, R² >= 0.7).
func (a *Analyzer) DetectDurationDrift(traceID string) ([]DurationDrift, error) {
	trace, err := a.store.GetTrace(traceID)
	if err != nil {
		return nil, fmt.Errorf("loading trace for drift analysis: %w", err)
	}
	unit, err := calltrace.ParseUnit(trace.Unit)
	if err != nil {
		return nil, fmt.Errorf("trace %s: %w", traceID, err)
	}
	calls, err := a.store.QueryCalls(traceID)
	if err != nil {
		return nil, fmt.Errorf("querying calls for drift analysis: %w", err)
	}
	return durationDrift(calls, unit), nil
}

func durationDrift(calls []*database.Call, unit time.Duration) []DurationDrift {
	byLabel := make(map[string][]*database.Call)
	var order []string
	for _, c := range calls {
		if _, ok := byLabel[c.Label]; !ok {
			order = append(order, c.Label)
		}
		byLabel[c.Label] = append(byLabel[c.Label], c)
	}

	var out []DurationDrift
	for _, label := range order {
		group := byLabel[label]
		if len(group) < minDriftSamples {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool { return group[i].CallTS < group[j].CallTS })

		points := make([]dataPoint, len(group))
		for i, c := range group {
			points[i] = dataPoint{
				x: calltrace.Elapsed(group[0].CallTS, c.CallTS, unit),
				y: c.ElapsedSeconds,
			}
		}

		slope, _, rSquared := linearRegression(points)
		if slope <= 0 || rSquared < 0.7 {
			continue
		}
		out = append(out, DurationDrift{
			Label:    label,
			Calls:    len(group),
			Slope:    round(slope, 6),
			RSquared: round(rSquared, 3),
			First:    group[0].ElapsedSeconds,
			Last:     group[len(group)-1].ElapsedSeconds,
		})
	}
	return out
}

// linearRegression computes ordinary least squares regression.
// Returns slope (m), intercept (b), and R-squared goodness of fit.
func linearRegression(points []dataPoint) (slope, intercept, rSquared float64) {
	n := float64(len(points))
	if n < 2 {
		return 0, 0, 0
	}

	var sumX, sumY, sumXY, sumX2 float64
	for _, p := range points {
		sumX += p.x
		sumY += p.y
		sumXY += p.x * p.y
		sumX2 += p.x * p.x
	}

	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0, sumY / n, 0
	}

	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssRes, ssTot float64
	for _, p := range points {
		predicted := slope*p.x + intercept
		ssRes += (p.y - predicted) * (p.y - predicted)
		ssTot += (p.y - meanY) * (p.y - meanY)
	}

	if ssTot == 0 {
		rSquared = 1.0
	} else {
		rSquared = 1 - ssRes/ssTot
	}

	return slope, intercept, rSquared
}

// ============================================================
// Full Analysis Report
// ============================================================

// AnalysisReport is the complete output of `calltrace analyze`.
type AnalysisReport struct {
	TraceID     string               `json:"trace_id"`
	RootLabel   string               `json:"root_label"`
	Source      string               `json:"source"`
	GeneratedAt string               `json:"generated_at"`
	Stats       *database.TraceStats `json:"stats"`
	SlowCalls   []SlowCall           `json:"slow_calls"`
	Callees     []CalleeAggregate    `json:"callees"`
	Anomalies   []TimingAnomaly      `json:"anomalies"`
	Drift       []DurationDrift      `json:"drift"`
	Warnings    []string             `json:"warnings"`
}

// FullAnalysis runs all analysis passes and generates a comprehensive report.
func (a *Analyzer) FullAnalysis(traceID string) (*AnalysisReport, error) {
	trace, err := a.store.GetTrace(traceID)
	if err != nil {
		return nil, fmt.Errorf("loading trace: %w", err)
	}

	report := &AnalysisReport{
		TraceID:     traceID,
		RootLabel:   trace.RootLabel,
		Source:      trace.Source,
		GeneratedAt: time.Now().Format(time.RFC3339),
	}

	stats, err := a.store.GetTraceStats(traceID)
	if err != nil {
		return nil, fmt.Errorf("gathering trace stats: %w", err)
	}
	report.Stats = stats

	calls, err := a.store.QueryCalls(traceID)
	if err != nil {
		return nil, fmt.Errorf("querying calls: %w", err)
	}

	report.SlowCalls = slowCalls(calls)
	report.Callees = aggregateCallees(calls)
	report.Anomalies = timingAnomalies(calls)

	unit, err := calltrace.ParseUnit(trace.Unit)
	if err != nil {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("Duration drift analysis skipped: %v", err))
	} else {
		report.Drift = durationDrift(calls, unit)
	}

	for _, s := range report.SlowCalls {
		if s.Severity == "high" {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("⚠ SLOW CALL: %s at %s spent %s outside its children (Z-score: %.2f).",
					s.Label, s.Path, timeutil.FormatElapsed(s.SelfSeconds), s.ZScore))
		}
	}
	if n := len(report.Anomalies); n > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("⚠ %d timing anomalies; elapsed times in this trace may be unreliable.", n))
	}
	for _, d := range report.Drift {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("⚠ DURATION DRIFT: %s slowed from %s to %s over %d calls (R²=%.3f).",
				d.Label, timeutil.FormatElapsed(d.First), timeutil.FormatElapsed(d.Last), d.Calls, d.RSquared))
	}

	return report, nil
}

// maxReportCallees bounds the callee table in markdown reports.
const maxReportCallees = 20

// FormatReport generates a human-readable markdown report.
func (a *Analyzer) FormatReport(report *AnalysisReport) string {
	var b strings.Builder

	b.WriteString("# calltrace Analysis Report\n\n")
	b.WriteString(fmt.Sprintf("**Trace ID:** `%s`\n", report.TraceID))
	if report.RootLabel != "" {
		b.WriteString(fmt.Sprintf("**Root:** `%s`\n", report.RootLabel))
	}
	if report.Source != "" {
		b.WriteString(fmt.Sprintf("**Source:** %s\n", report.Source))
	}
	b.WriteString(fmt.Sprintf("**Generated:** %s\n\n", report.GeneratedAt))

	if report.Stats != nil {
		s := report.Stats
		b.WriteString("## Execution Summary\n\n")
		b.WriteString("| Metric | Value |\n")
		b.WriteString("|--------|-------|\n")
		b.WriteString(fmt.Sprintf("| Total Calls | %d |\n", s.TotalCalls))
		b.WriteString(fmt.Sprintf("| Distinct Callees | %d |\n", s.DistinctLabels))
		b.WriteString(fmt.Sprintf("| Max Depth | %d |\n", s.MaxDepth))
		b.WriteString(fmt.Sprintf("| Root Elapsed | %s |\n", timeutil.FormatElapsed(s.RootElapsedSeconds)))
		b.WriteString(fmt.Sprintf("| Negative Durations | %d |\n", s.NegativeDurations))
		b.WriteString(fmt.Sprintf("| Zero Durations | %d |\n", s.ZeroDurations))
		b.WriteString(fmt.Sprintf("| Missing Completion | %d |\n\n", s.MissingCompletion))
	}

	if len(report.SlowCalls) > 0 {
		b.WriteString("## Slow Calls\n\n")
		b.WriteString("| Call | Path | Elapsed | Self | Z-Score | Severity |\n")
		b.WriteString("|------|------|---------|------|---------|----------|\n")
		for _, s := range report.SlowCalls {
			b.WriteString(fmt.Sprintf("| %s | `%s` | %s | %s | %.2f | %s |\n",
				s.Label, s.Path, timeutil.FormatElapsed(s.ElapsedSeconds),
				timeutil.FormatElapsed(s.SelfSeconds), s.ZScore, s.Severity))
		}
		b.WriteString("\n")
	}

	if len(report.Callees) > 0 {
		b.WriteString("## Callees\n\n")
		b.WriteString("| Callee | Calls | Total | Mean | Max | Self |\n")
		b.WriteString("|--------|-------|-------|------|-----|------|\n")
		for i, c := range report.Callees {
			if i == maxReportCallees {
				b.WriteString(fmt.Sprintf("\n_%d more callees omitted._\n", len(report.Callees)-maxReportCallees))
				break
			}
			b.WriteString(fmt.Sprintf("| %s | %d | %s | %s | %s | %s |\n",
				c.Label, c.Count, timeutil.FormatElapsed(c.TotalSeconds),
				timeutil.FormatElapsed(c.MeanSeconds), timeutil.FormatElapsed(c.MaxSeconds),
				timeutil.FormatElapsed(c.SelfSeconds)))
		}
		b.WriteString("\n")
	}

	if len(report.Anomalies) > 0 {
		b.WriteString("## Timing Anomalies\n\n")
		for _, an := range report.Anomalies {
			b.WriteString(fmt.Sprintf("- `%s` **%s** (%s): %s\n", an.Path, an.Label, an.Kind, an.Detail))
		}
		b.WriteString("\n")
	}

	if len(report.Drift) > 0 {
		b.WriteString("## Duration Drift\n\n")
		b.WriteString("| Callee | Calls | First | Last | Slope | R² |\n")
		b.WriteString("|--------|-------|-------|------|-------|----|\n")
		for _, d := range report.Drift {
			b.WriteString(fmt.Sprintf("| %s | %d | %s | %s | %.4f | %.3f |\n",
				d.Label, d.Calls, timeutil.FormatElapsed(d.First), timeutil.FormatElapsed(d.Last),
				d.Slope, d.RSquared))
		}
		b.WriteString("\n")
	}

	if len(report.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range report.Warnings {
			b.WriteString(fmt.Sprintf("- %s\n", w))
		}
	}

	return b.String()
}
