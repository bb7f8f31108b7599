// calltrace daemon: collects call-trace reports from instrumented runtimes.
//
// Usage:
//
//	calltrace-daemon [flags]
//
// Flags:
//
//	--config    YAML config file; flags given explicitly override it
//	--listen    Unix socket path (TCP address on Windows) for the framed protocol
//	--report    HTTP address runtimes POST finished trees to (default: 127.0.0.1:9123)
//	--db        Path to SQLite database file (default: ~/.calltrace/calltrace.db)
//	--metrics   HTTP address for Prometheus metrics (default: 127.0.0.1:9125)
//	--batch     Batch size for flush (default: 256)
//	--flush     Flush interval (default: 500ms)
//	--unit      Timestamp unit of reports (default: us)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Mr-Dark-debug/calltrace/internal/database"
	"github.com/Mr-Dark-debug/calltrace/internal/ingestion"
)

func main() {
	cfg := ingestion.DefaultConfig()

	configPath := flag.String("config", "", "YAML config file")
	listen := flag.String("listen", cfg.ListenAddr, "Unix socket / TCP listen address (empty disables)")
	report := flag.String("report", cfg.ReportAddr, "HTTP report address (empty disables)")
	dbPath := flag.String("db", cfg.DBPath, "Path to SQLite database file")
	metrics := flag.String("metrics", cfg.MetricsAddr, "Prometheus metrics HTTP address (empty disables)")
	batch := flag.Int("batch", cfg.BatchSize, "Batch size before flush")
	flush := flag.Duration("flush", cfg.FlushInterval, "Flush interval")
	unit := flag.String("unit", cfg.TimestampUnit, "Timestamp unit of reports: ns, us, ms, s")
	flag.Parse()

	if *configPath != "" {
		loaded, err := ingestion.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	// Explicit flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.ListenAddr = *listen
		case "report":
			cfg.ReportAddr = *report
		case "db":
			cfg.DBPath = *dbPath
		case "metrics":
			cfg.MetricsAddr = *metrics
		case "batch":
			cfg.BatchSize = *batch
		case "flush":
			cfg.FlushInterval = *flush
		case "unit":
			cfg.TimestampUnit = *unit
		}
	})

	// Ensure the database directory exists
	dbDir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		log.Fatalf("Failed to create database directory %s: %v", dbDir, err)
	}

	// Initialize storage
	store, err := database.NewDBService(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Create and start the daemon
	daemon, err := ingestion.NewDaemonIngester(cfg, store)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := daemon.Start(ctx); err != nil {
		log.Fatalf("Failed to start daemon: %v", err)
	}

	// Print startup banner
	fmt.Println()
	fmt.Println("  CALLTRACE DAEMON")
	fmt.Println()
	if cfg.ReportAddr != "" {
		fmt.Printf("  Report:  http://%s/api/traces\n", daemon.ReportAddr())
	}
	if cfg.ListenAddr != "" {
		fmt.Printf("  Listen:  %s\n", cfg.ListenAddr)
	}
	fmt.Printf("  DB:      %s\n", cfg.DBPath)
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics: http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop.")
	fmt.Println()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\n  Shutting down gracefully...")
	cancel()
	if err := daemon.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	fmt.Println("  Done.")
}
