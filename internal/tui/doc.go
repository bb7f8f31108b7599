// Package tui implements the calltrace terminal user interface.
//
// It browses stored traces (or a single trace file) as a collapsible
// call tree, built with Charmbracelet's BubbleTea, Lipgloss, and
// Bubbles libraries.
//
// Component architecture:
//
//	model.go     root model, message routing, Init/Update
//	keys.go      key bindings and help
//	theme.go     centralized color + style definitions
//	header.go    top bar with trace context, footer with hints
//	tree.go      collapsible call tree
//	detail.go    call timestamps, runtime fields, trace summary
//	events.go    runtime events attached to the selected call
//	tracelist.go trace selector (initial screen)
//	helpers.go   tree flattening, connectors, search
package tui
