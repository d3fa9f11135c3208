// Package heapwalk is the core of the analyzer: given a target.Target
// and its environment probe, it discovers every heap in the process,
// walks each one's segments, front-end allocator (LFH) or page-heap
// (AVL) structures, and virtual-allocated large blocks, and emits one
// Record per block found through the Emitter interface.
//
// The walk never aborts on a single bad block or segment: spec.md's
// error-handling design says a header checksum failure terminates
// only the current segment, and an unreadable heap terminates only
// that heap, so Walk calls Tracer.Warn and moves on rather than
// returning early, mirroring the original yoichi/HeapStat tool's
// per-heap try/continue loop in heapstat.cpp.
package heapwalk

import "github.com/wdbg/heapstat/internal/target"

// Mode is the allocator instrumentation active on a given heap.
type Mode int

const (
	// ModePlain is an ordinary heap with no stack-trace or page-heap
	// instrumentation: only size and busy/free state are known.
	ModePlain Mode = iota
	// ModeUST heaps were created with FLG_USER_STACK_TRACE_DB set:
	// every block's header points at the allocation-time call stack.
	ModeUST
	// ModeHPA (page heap / application verifier) puts every
	// allocation on its own page(s) and tracks blocks in an AVL tree
	// instead of the normal segment/LFH layout.
	ModeHPA
)

func (m Mode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeUST:
		return "ust"
	case ModeHPA:
		return "page-heap"
	default:
		return "unknown"
	}
}

// Record describes one allocation found during a walk. Which fields
// are populated depends on Mode: Plain heaps never populate USTAddr,
// HPA heaps populate StackTrace directly from the DPH_HEAP_BLOCK
// rather than via a UST record address.
type Record struct {
	Heap    target.Address
	Segment target.Address
	Addr    target.Address // address of the user-visible data
	Size    int64           // usable (user-requested) size of the block
	Gross   int64           // gross size of the block, header and padding included
	Busy    bool

	Mode Mode

	// USTAddr is the address of the UST stack-trace record for this
	// block (ModeUST only). 0 if the block predates the UST database
	// or the record couldn't be resolved.
	USTAddr target.Address

	// StackTrace is populated directly in HPA mode, where the
	// verifier stores the capturing stack trace inline in the
	// DPH_HEAP_BLOCK rather than through a separate UST database.
	StackTrace []target.Address
}

// Tracer receives progress and diagnostic notifications during a
// walk. A nil Tracer silently drops them; NewLogTracer wraps an
// io.Writer for the `-v` command-line flag (spec.md's supplemented
// verbose trace format).
type Tracer interface {
	// SegmentFound is called once per segment, after the segment's
	// header has been validated, before any blocks are emitted.
	SegmentFound(heap, seg, begin, end target.Address)
	// Warn reports a recoverable problem: a bad checksum, an
	// unreadable pointer, a page-heap node past the traversal limit.
	// The walk continues past whatever Warn was called about.
	Warn(addr target.Address, reason string)
}

// NopTracer discards every notification.
type NopTracer struct{}

func (NopTracer) SegmentFound(heap, seg, begin, end target.Address) {}
func (NopTracer) Warn(addr target.Address, reason string)            {}

// Emitter receives the walk's output. Implementations include each of
// internal/aggregate's three aggregators; MultiEmitter composes
// several of them when more than one view of the same walk is wanted.
type Emitter interface {
	OnHeapStart(heap target.Address, mode Mode)
	OnSegmentStart(heap, seg, begin, end target.Address)
	OnRecord(r Record)
	OnSegmentEnd(heap, seg target.Address)
	OnHeapEnd(heap target.Address)
}

// MultiEmitter fans a single walk's output out to several Emitters,
// preserving the emission protocol's ordering for each of them
// independently.
type MultiEmitter []Emitter

func (m MultiEmitter) OnHeapStart(heap target.Address, mode Mode) {
	for _, e := range m {
		e.OnHeapStart(heap, mode)
	}
}
func (m MultiEmitter) OnSegmentStart(heap, seg, begin, end target.Address) {
	for _, e := range m {
		e.OnSegmentStart(heap, seg, begin, end)
	}
}
func (m MultiEmitter) OnRecord(r Record) {
	for _, e := range m {
		e.OnRecord(r)
	}
}
func (m MultiEmitter) OnSegmentEnd(heap, seg target.Address) {
	for _, e := range m {
		e.OnSegmentEnd(heap, seg)
	}
}
func (m MultiEmitter) OnHeapEnd(heap target.Address) {
	for _, e := range m {
		e.OnHeapEnd(heap)
	}
}
