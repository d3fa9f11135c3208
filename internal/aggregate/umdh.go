package aggregate

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/wdbg/heapstat/internal/heapwalk"
	"github.com/wdbg/heapstat/internal/target"
	"github.com/wdbg/heapstat/internal/ust"
)

// UMDHWriter renders a heap walk in the format Microsoft's umdh.exe
// produces, one line per busy UST-mode block (not aggregated), so an
// existing umdh-diff workflow can consume the output directly. It
// mirrors UmdhProcessor's three hooks (module header, written by
// Write ahead of everything else; per-heap start/end banners; per-record line with first-use stack
// expansion) one for one.
type UMDHWriter struct {
	t target.Target

	// Newline selects the line terminator: "\n" (default) or "\r\n"
	// to match umdh.exe's own CRLF output exactly, overridable via
	// the HEAPSTAT_UMDH_CRLF environment variable (see cmd/heapstat).
	Newline string

	lines     []string
	seenTrace map[target.Address]bool
	heapOpen  bool
}

// NewUMDHWriter returns a UMDHWriter that resolves stack frames and
// the loaded-module list against t.
func NewUMDHWriter(t target.Target) *UMDHWriter {
	return &UMDHWriter{t: t, Newline: "\n", seenTrace: map[target.Address]bool{}}
}

func (w *UMDHWriter) backtraceArrayAddr(ustAddr target.Address) target.Address {
	if w.t.Bitness() == 32 {
		return ustAddr.Add(0xc)
	}
	return ustAddr.Add(0x10)
}

func (w *UMDHWriter) OnHeapStart(heap target.Address, mode heapwalk.Mode) {
	w.lines = append(w.lines,
		"",
		fmt.Sprintf("*- - - - - - - - - - Start of data for heap @ %s - - - - - - - - - -", heap),
		"",
		"REQUESTED bytes + OVERHEAD at ADDRESS by BackTraceID",
		"     STACK if not already dumped.",
		"",
		fmt.Sprintf("*- - - - - - - - - - Heap %s Hogs - - - - - - - - - -", heap),
		"",
	)
	w.heapOpen = true
}

func (w *UMDHWriter) OnSegmentStart(heap, seg, begin, end target.Address) {}
func (w *UMDHWriter) OnSegmentEnd(heap, seg target.Address)               {}

func (w *UMDHWriter) OnHeapEnd(heap target.Address) {
	w.lines = append(w.lines,
		"",
		fmt.Sprintf("*- - - - - - - - - - End of data for heap @ %s - - - - - - - - - -", heap),
		"",
	)
	w.heapOpen = false
}

// OnRecord appends one "<size> bytes + <overhead> at <addr> by
// BackTrace<id>" line, and the first time a given backtrace is seen,
// its symbolized stack indented underneath, exactly like
// UmdhProcessor::Register.
func (w *UMDHWriter) OnRecord(r heapwalk.Record) {
	if !r.Busy || r.Mode != heapwalk.ModeUST {
		return
	}
	var backtrace target.Address
	if r.USTAddr != 0 {
		backtrace = w.backtraceArrayAddr(r.USTAddr)
	}
	overhead := r.Gross - r.Size
	w.lines = append(w.lines, fmt.Sprintf("%#x bytes + %#x at %s by BackTrace%s", r.Size, overhead, r.Addr, backtrace))

	if r.USTAddr != 0 && !w.seenTrace[backtrace] {
		w.seenTrace[backtrace] = true
		w.lines = append(w.lines, "")
		if rec, err := ust.Read(w.t, r.USTAddr, w.t.Bitness()); err == nil {
			for _, pc := range rec.Frames {
				w.lines = append(w.lines, fmt.Sprintf("\t%s", pc))
			}
		}
		w.lines = append(w.lines, "")
	}
}

// WriteFile renders the aggregated output to path. It refuses to
// overwrite an existing file (O_EXCL), matching umdh.exe's own
// CREATE_NEW semantics.
func (w *UMDHWriter) WriteFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", target.ErrOutputUnavailable, err)
	}
	defer f.Close()
	if err := w.Write(f); err != nil {
		return fmt.Errorf("%w: %v", target.ErrOutputUnavailable, err)
	}
	return nil
}

// Write renders the module header followed by every buffered heap
// section, in the order the walk produced them.
func (w *UMDHWriter) Write(out io.Writer) error {
	nl := w.Newline
	if nl == "" {
		nl = "\n"
	}
	bw := bufio.NewWriter(out)

	if _, err := fmt.Fprintf(bw, "// Loaded modules:%s//     Base Size Module%s", nl, nl); err != nil {
		return err
	}
	mods, err := w.t.Modules()
	if err == nil {
		sort.Slice(mods, func(i, j int) bool { return mods[i].Base < mods[j].Base })
		for _, m := range mods {
			if _, err := fmt.Fprintf(bw, "//    %16X %8X %s%s", uint64(m.Base), m.Size, m.Name, nl); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprintf(bw, "//%s", nl); err != nil {
		return err
	}

	for _, line := range w.lines {
		if _, err := fmt.Fprintf(bw, "%s%s", line, nl); err != nil {
			return err
		}
	}
	return bw.Flush()
}
