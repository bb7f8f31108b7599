// calltrace TUI: interactive call-tree browser.
//
// Usage:
//
//	calltrace-tui [flags]
//
// Flags:
//
//	--db     Path to SQLite database file (default: ~/.calltrace/calltrace.db)
//	--file   Open a single trace file instead of the database
//	--unit   Timestamp unit of --file (default: us)
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
	"github.com/Mr-Dark-debug/calltrace/internal/database"
	"github.com/Mr-Dark-debug/calltrace/internal/ingestion"
	"github.com/Mr-Dark-debug/calltrace/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	cfg := ingestion.DefaultConfig()

	dbPath := flag.String("db", cfg.DBPath, "Path to SQLite database file")
	file := flag.String("file", "", "Trace file to open instead of the database")
	unit := flag.String("unit", cfg.TimestampUnit, "Timestamp unit of --file: ns, us, ms, s")
	flag.Parse()

	u, err := calltrace.ParseUnit(*unit)
	if err != nil {
		log.Fatalf("Invalid --unit: %v", err)
	}
	opts := calltrace.Options{Unit: u, MaxDepth: cfg.MaxDepth}

	var model tui.Model
	if *file != "" {
		model = tui.NewFileModel(*file, opts)
	} else {
		store, err := database.NewDBService(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open database at %s: %v\n"+
				"Import a trace with: calltrace import tracker.json", *dbPath, err)
		}
		defer store.Close()
		model = tui.NewModel(store, opts)
	}

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		os.Exit(1)
	}
}
