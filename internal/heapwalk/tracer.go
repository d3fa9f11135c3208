package heapwalk

import (
	"fmt"
	"io"

	"github.com/wdbg/heapstat/internal/target"
)

// logTracer writes each notification as a line to an io.Writer, the
// same plain fmt.Fprintf-to-stderr style cmd/viewcore's own commands
// use for progress and error output rather than a structured logger.
type logTracer struct {
	w       io.Writer
	verbose bool
}

// NewLogTracer returns a Tracer suitable for the `-v` flag: segment
// discovery is only printed when verbose is true, warnings are always
// printed since they indicate lost data the caller should know about.
func NewLogTracer(w io.Writer, verbose bool) Tracer {
	return &logTracer{w: w, verbose: verbose}
}

func (t *logTracer) SegmentFound(heap, seg, begin, end target.Address) {
	if !t.verbose {
		return
	}
	fmt.Fprintf(t.w, "heap %s: segment %s [%s, %s)\n", heap, seg, begin, end)
}

func (t *logTracer) Warn(addr target.Address, reason string) {
	fmt.Fprintf(t.w, "warning at %s: %s\n", addr, reason)
}
