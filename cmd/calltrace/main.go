// calltrace CLI: render, store, analyze and report call traces.
//
// Usage:
//
//	calltrace <command> [flags]
//
// Commands:
//
//	tree      Render a trace file as a tree
//	import    Store trace files in the database
//	analyze   Run timing analysis on a stored trace
//	query     Query stored traces and calls
//	report    Send a trace file to a running daemon
//	status    Show daemon status
//	version   Print version information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/Mr-Dark-debug/calltrace/internal/analysis"
	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
	"github.com/Mr-Dark-debug/calltrace/internal/database"
	"github.com/Mr-Dark-debug/calltrace/internal/ingestion"
	"github.com/Mr-Dark-debug/calltrace/internal/render"
	"github.com/Mr-Dark-debug/calltrace/pkg/timeutil"
)

var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitMalformed   = 2
	exitUnavailable = 3
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitFailure)
	}

	defaultDB := ingestion.DefaultConfig().DBPath
	args := os.Args[2:]

	switch os.Args[1] {
	case "tree":
		cmdTree(args)
	case "import":
		cmdImport(args, defaultDB)
	case "analyze":
		cmdAnalyze(args, defaultDB)
	case "query":
		cmdQuery(args, defaultDB)
	case "report":
		cmdReport(args)
	case "status":
		cmdStatus(args)
	case "version":
		fmt.Printf("calltrace v%s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitFailure)
	}
}

func printUsage() {
	fmt.Println(`calltrace: call-trace trees for instrumented runtimes

Usage:
  calltrace <command> [flags]

Commands:
  tree       Render a trace file (or - for stdin) as a tree
  import     Store trace files in the database
  analyze    Run timing analysis on a stored trace
  query      Query stored traces and calls
  report     Send a trace file to a running daemon
  status     Show daemon status and metrics
  version    Print version information

Run 'calltrace <command> --help' for details on each command.`)
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, calltrace.ErrMalformedTrace):
		return exitMalformed
	case errors.Is(err, calltrace.ErrTraceUnavailable):
		return exitUnavailable
	}
	return exitFailure
}

// fatal prints err and exits with the code exitCode assigns to it.
func fatal(format string, err error) {
	log.SetFlags(0)
	log.Printf(format, err)
	os.Exit(exitCode(err))
}

func requireArgs(fs *flag.FlagSet, min int, what string) {
	if fs.NArg() < min {
		fmt.Fprintf(os.Stderr, "Error: %s is required\n", what)
		fs.Usage()
		os.Exit(exitFailure)
	}
}

func openStore(path string) *database.DBService {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}
	store, err := database.NewDBService(path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	return store
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
	fmt.Println(string(b))
}

// readTrace reads a trace document from path, or stdin for "-".
func readTrace(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, &calltrace.TraceUnavailableError{Path: "stdin", Err: err}
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &calltrace.TraceUnavailableError{Path: path, Err: err}
	}
	return data, nil
}

// cmdTree builds a trace file into a display tree and prints it.
func cmdTree(args []string) {
	fs := flag.NewFlagSet("tree", flag.ExitOnError)
	format := fs.String("format", "text", "Output format: text, json")
	unit := fs.String("unit", "us", "Timestamp unit: ns, us, ms, s")
	maxDepth := fs.Int("max-depth", 0, "Reject traces nested deeper than this (0 = unbounded)")
	depth := fs.Int("depth", 0, "Print at most this many levels (0 = all)")
	human := fs.Bool("human", false, "Print elapsed times as 250ms instead of 0.25s")
	details := fs.Bool("details", false, "Print completion source and record path")
	placeholders := fs.Bool("placeholders", false, "Show malformed calls as placeholders instead of failing")
	fs.Parse(args)
	requireArgs(fs, 1, "a trace file")

	u, err := calltrace.ParseUnit(*unit)
	if err != nil {
		fatal("Invalid --unit: %v", err)
	}

	data, err := readTrace(fs.Arg(0))
	if err != nil {
		fatal("%v", err)
	}
	rec, err := calltrace.Parse(data)
	if err != nil {
		fatal("%v", err)
	}
	root, err := calltrace.Build(rec, calltrace.Options{
		Unit:         u,
		MaxDepth:     *maxDepth,
		Placeholders: *placeholders,
	})
	if err != nil {
		fatal("%v", err)
	}

	switch *format {
	case "text":
		err = render.Text(os.Stdout, root, render.TextOptions{MaxDepth: *depth, Human: *human, Details: *details})
	case "json":
		err = render.JSON(os.Stdout, root)
	default:
		fmt.Fprintf(os.Stderr, "Unknown format: %s\n", *format)
		os.Exit(exitFailure)
	}
	if err != nil {
		fatal("Failed to write tree: %v", err)
	}
}

// cmdImport snapshots trace files into the store in one transaction.
func cmdImport(args []string, defaultDB string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dbPath := fs.String("db", defaultDB, "Path to SQLite database")
	unit := fs.String("unit", "us", "Timestamp unit: ns, us, ms, s")
	source := fs.String("source", "", "Source recorded with each trace (default: file name)")
	fs.Parse(args)
	requireArgs(fs, 1, "at least one trace file")

	u, err := calltrace.ParseUnit(*unit)
	if err != nil {
		fatal("Invalid --unit: %v", err)
	}
	opts := calltrace.Options{Unit: u}

	var bundles []*database.TraceBundle
	for _, path := range fs.Args() {
		data, err := readTrace(path)
		if err != nil {
			fatal("%v", err)
		}
		src := *source
		if src == "" {
			src = filepath.Base(path)
		}
		bundle, err := ingestion.Snapshot(data, src, opts)
		if err != nil {
			fatal("%v", fmt.Errorf("%s: %w", path, err))
		}
		bundles = append(bundles, bundle)
	}

	store := openStore(*dbPath)
	defer store.Close()

	if err := store.BatchInsertTraces(bundles); err != nil {
		fatal("Import failed: %v", err)
	}
	for _, b := range bundles {
		fmt.Printf("%s  %-24s %6d calls  %s\n",
			b.Trace.TraceID, b.Trace.RootLabel, b.Trace.NodeCount,
			timeutil.FormatElapsed(b.Trace.ElapsedSeconds))
	}
}

// cmdAnalyze runs the full analysis suite on a trace and outputs a report.
func cmdAnalyze(args []string, defaultDB string) {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	traceID := fs.String("trace", "", "Trace ID to analyze (required)")
	dbPath := fs.String("db", defaultDB, "Path to SQLite database")
	outputFormat := fs.String("format", "markdown", "Output format: markdown, json")
	fs.Parse(args)

	if *traceID == "" {
		fmt.Fprintln(os.Stderr, "Error: --trace is required")
		fs.Usage()
		os.Exit(exitFailure)
	}

	store := openStore(*dbPath)
	defer store.Close()

	analyzer := analysis.NewAnalyzer(store)
	report, err := analyzer.FullAnalysis(*traceID)
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	switch *outputFormat {
	case "json":
		printJSON(report)
	case "markdown":
		fmt.Print(analyzer.FormatReport(report))
	default:
		fmt.Fprintf(os.Stderr, "Unknown format: %s\n", *outputFormat)
		os.Exit(exitFailure)
	}
}

// cmdQuery lists traces, the calls of one trace, or calls matching a search.
func cmdQuery(args []string, defaultDB string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	dbPath := fs.String("db", defaultDB, "Path to SQLite database")
	label := fs.String("label", "", "Filter traces by root label")
	source := fs.String("source", "", "Filter traces by source")
	since := fs.Duration("since", 0, "Only traces received within this window, e.g. 24h")
	traceID := fs.String("trace", "", "Show calls for a specific trace")
	search := fs.String("search", "", "Substring search over call labels, callers and classes")
	limit := fs.Int("limit", 20, "Maximum results")
	fs.Parse(args)

	store := openStore(*dbPath)
	defer store.Close()

	if *search != "" {
		results, err := store.SearchCalls(*search, *limit)
		if err != nil {
			log.Fatalf("Search failed: %v", err)
		}
		printJSON(results)
		return
	}

	if *traceID != "" {
		calls, err := store.QueryCalls(*traceID)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		printJSON(calls)
		return
	}

	filter := database.TraceFilter{Limit: *limit}
	if *label != "" {
		filter.RootLabel = label
	}
	if *source != "" {
		filter.Source = source
	}
	if *since > 0 {
		from := time.Now().Add(-*since).UnixNano()
		filter.Since = &from
	}

	traces, err := store.QueryTraces(filter)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	printJSON(traces)
}

// cmdReport sends a trace file to a daemon, over HTTP or the socket.
func cmdReport(args []string) {
	cfg := ingestion.DefaultConfig()

	fs := flag.NewFlagSet("report", flag.ExitOnError)
	addr := fs.String("addr", cfg.ReportAddr, "Daemon report address (host:port or URL)")
	socket := fs.String("socket", "", "Send over the socket protocol to this address instead of HTTP")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")
	fs.Parse(args)
	requireArgs(fs, 1, "a trace file")

	data, err := readTrace(fs.Arg(0))
	if err != nil {
		fatal("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *socket != "" {
		if err := ingestion.ReportSocket(ctx, *socket, ingestion.MsgTrace, data); err != nil {
			if errors.Is(err, ingestion.ErrRejected) {
				err = fmt.Errorf("%w: %w", calltrace.ErrMalformedTrace, err)
			}
			fatal("Report failed: %v", err)
		}
		fmt.Println("accepted")
		return
	}

	resp, err := ingestion.NewReporter(*addr).Report(ctx, data)
	if err != nil {
		fatal("Report failed: %v", err)
	}
	fmt.Printf("accepted %s  %s  %d calls  %s\n",
		resp.TraceID, resp.Root, resp.Nodes, timeutil.FormatElapsed(resp.Elapsed))
}

// cmdStatus shows the current daemon status by querying the metrics endpoint.
func cmdStatus(args []string) {
	cfg := ingestion.DefaultConfig()

	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("metrics", cfg.MetricsAddr, "Daemon metrics address")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	metrics, err := ingestion.FetchMetrics(ctx, *addr)
	if err != nil {
		fmt.Println("⚠ calltrace daemon is not running.")
		fmt.Printf("  Start it with: calltrace-daemon\n")
		fmt.Printf("  (%v)\n", err)
		os.Exit(exitFailure)
	}

	fmt.Println("✅ calltrace daemon is running.")
	fmt.Println()
	fmt.Printf("  Traces ingested:     %d\n", metrics.TracesIngested)
	fmt.Printf("  Calls ingested:      %d\n", metrics.CallsIngested)
	fmt.Printf("  Reports rejected:    %d\n", metrics.Rejected)
	fmt.Printf("  Batches committed:   %d\n", metrics.BatchesCommitted)
	fmt.Printf("  Errors:              %d\n", metrics.ErrorCount)
	fmt.Printf("  Uptime:              %ds\n", metrics.Uptime)
}
