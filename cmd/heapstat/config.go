package main

import (
	"github.com/xyproto/env/v2"

	"github.com/wdbg/heapstat/internal/heapwalk"
)

// Environment variables that tune knobs which would otherwise need a
// flag on every subcommand. Kept to a small number and read each time
// a command builds its options (walkOptions, umdhNewline) rather than
// threaded through every call site.
const (
	envPageHeapNodeLimit = "HEAPSTAT_PAGEHEAP_NODE_LIMIT"
	envUMDHCRLF          = "HEAPSTAT_UMDH_CRLF"
)

// walkOptions builds the heapwalk.Options every subcommand starts
// from, applying any environment overrides on top of the library
// defaults.
func walkOptions(tracer heapwalk.Tracer) heapwalk.Options {
	return heapwalk.Options{
		Tracer:            tracer,
		PageHeapNodeLimit: env.Int(envPageHeapNodeLimit, heapwalk.DefaultPageHeapNodeLimit),
	}
}

// umdhNewline returns the line terminator umdh output should use:
// "\r\n" when HEAPSTAT_UMDH_CRLF is set truthy, to match umdh.exe's
// own CRLF files byte-for-byte, "\n" otherwise.
func umdhNewline() string {
	if env.Bool(envUMDHCRLF) {
		return "\r\n"
	}
	return "\n"
}
