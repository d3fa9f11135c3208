// Package aggregate implements the three summary views spec.md §4.5
// builds over a heap walk's record stream: grouped by allocating
// caller, grouped by block size, and the Microsoft UMDH leak-diff
// file format. Each is a heapwalk.Emitter, so any of them (or several
// at once, via heapwalk.MultiEmitter) can be driven by a single Walk.
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wdbg/heapstat/internal/heapwalk"
	"github.com/wdbg/heapstat/internal/target"
	"github.com/wdbg/heapstat/internal/ust"
)

// skipModules is the original tool's by-caller classification skip
// set: frames in these modules are never reported as "the caller",
// because they're always the allocator's own entry point, not the
// application code that asked for memory. Matching is
// case-insensitive, and msvcr is a prefix match (msvcr80.dll,
// msvcr100.dll, ...), the rest exact, mirroring the original's
// _stricmp/_strnicmp split.
var skipModules = []string{"ntdll.dll", "verifier.dll"}

func defaultSkip(module string) bool {
	m := strings.ToLower(module)
	for _, s := range skipModules {
		if m == s {
			return true
		}
	}
	return strings.HasPrefix(strings.TrimSuffix(m, ".dll"), "msvcr")
}

// CallerSummary maintains ustAddress -> (count, totalSize, maxSize,
// largestEntry), like the original tool's SummaryProcessor except
// that 0 is kept (the key is the raw UST record address, 0 included: a heap with no
// UST instrumentation at all still produces one row keyed on 0).
// Rendering additionally classifies each record to the module owning
// the first non-skipped frame of its stack trace, rolling those up
// into a per-module total ahead of the per-record detail.
type CallerSummary struct {
	t    target.Target
	skip func(string) bool

	// SymbolPrefixFilter, if non-empty, restricts rendering to UST
	// records whose stack contains at least one frame whose symbol
	// begins with this string (the original tool's optional `-k`
	// flag to the heapstat command).
	SymbolPrefixFilter string

	totals map[target.Address]*ustTotals
}

type ustTotals struct {
	count     int64
	totalSize int64
	maxSize   int64
	maxAddr   target.Address
}

// NewCallerSummary returns a CallerSummary that resolves stack frames
// against t using the default ntdll/msvcr*/verifier skip set.
func NewCallerSummary(t target.Target) *CallerSummary {
	return &CallerSummary{t: t, skip: defaultSkip, totals: map[target.Address]*ustTotals{}}
}

func (c *CallerSummary) OnHeapStart(heap target.Address, mode heapwalk.Mode) {}
func (c *CallerSummary) OnSegmentStart(heap, seg, begin, end target.Address) {}
func (c *CallerSummary) OnSegmentEnd(heap, seg target.Address)               {}
func (c *CallerSummary) OnHeapEnd(heap target.Address)                       {}

func (c *CallerSummary) OnRecord(r heapwalk.Record) {
	if !r.Busy {
		return
	}
	tt := c.totals[r.USTAddr]
	if tt == nil {
		tt = &ustTotals{}
		c.totals[r.USTAddr] = tt
	}
	tt.count++
	tt.totalSize += r.Gross
	if r.Gross > tt.maxSize {
		tt.maxSize = r.Gross
		tt.maxAddr = r.Addr
	}
}

// UstRow is one per-UST-record row of a rendered by-caller summary,
// with its stack trace already resolved for the caller-classification
// and full-expansion steps.
type UstRow struct {
	USTAddr    target.Address
	Count      int64
	TotalSize  int64
	MaxSize    int64
	MaxAddr    target.Address
	Frames     []ust.Frame
	Module     string
	ModuleBase target.Address
}

func (c *CallerSummary) ustRow(addr target.Address, tt *ustTotals) UstRow {
	row := UstRow{USTAddr: addr, Count: tt.count, TotalSize: tt.totalSize, MaxSize: tt.maxSize, MaxAddr: tt.maxAddr}
	if addr == 0 {
		return row
	}
	rec, err := ust.Read(c.t, addr, c.t.Bitness())
	if err != nil {
		return row
	}
	row.Frames, _ = ust.Symbolize(c.t, rec)
	row.Module, row.ModuleBase = c.classify(row.Frames)
	return row
}

// classify scans frames for the first one whose module is not in the
// skip set, returning its module name and base address; an
// all-skipped or empty stack classifies as "unknown" (empty module,
// base 0).
func (c *CallerSummary) classify(frames []ust.Frame) (module string, base target.Address) {
	for _, f := range frames {
		if f.Module == "" || c.skip(f.Module) {
			continue
		}
		mods, err := c.t.Modules()
		if err != nil {
			return f.Module, 0
		}
		for _, m := range mods {
			if m.Name == f.Module {
				return m.Name, m.Base
			}
		}
		return f.Module, 0
	}
	return "", 0
}

func matchesPrefix(frames []ust.Frame, prefix string) bool {
	for _, f := range frames {
		if strings.HasPrefix(f.Symbol, prefix) {
			return true
		}
	}
	return false
}

// Rows returns every UST row, sorted by total size descending,
// honoring SymbolPrefixFilter if set.
func (c *CallerSummary) Rows() []UstRow {
	rows := make([]UstRow, 0, len(c.totals))
	for addr, tt := range c.totals {
		row := c.ustRow(addr, tt)
		if c.SymbolPrefixFilter != "" && !matchesPrefix(row.Frames, c.SymbolPrefixFilter) {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalSize != rows[j].TotalSize {
			return rows[i].TotalSize > rows[j].TotalSize
		}
		return rows[i].USTAddr < rows[j].USTAddr
	})
	return rows
}

// ModuleRow is one line of the per-module rollup rendered ahead of
// the per-UST detail.
type ModuleRow struct {
	Module     string
	ModuleBase target.Address
	Count      int64
	TotalSize  int64
}

// ModuleRows rolls Rows() up by classified module, sorted by total
// size descending.
func (c *CallerSummary) ModuleRows() []ModuleRow {
	byModule := map[target.Address]*ModuleRow{}
	for _, row := range c.Rows() {
		mr := byModule[row.ModuleBase]
		if mr == nil {
			mr = &ModuleRow{Module: row.Module, ModuleBase: row.ModuleBase}
			byModule[row.ModuleBase] = mr
		}
		mr.Count += row.Count
		mr.TotalSize += row.TotalSize
	}
	out := make([]ModuleRow, 0, len(byModule))
	for _, mr := range byModule {
		out = append(out, *mr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalSize != out[j].TotalSize {
			return out[i].TotalSize > out[j].TotalSize
		}
		return out[i].Module < out[j].Module
	})
	return out
}

// String formats a module rollup row: "<count> allocs, <bytes>
// bytes: <module>".
func (r ModuleRow) String() string {
	name := r.Module
	if name == "" {
		name = "<unknown>"
	}
	return fmt.Sprintf("%8d allocs, %10d bytes: %s", r.Count, r.TotalSize, name)
}

// String formats a UST row the way the original tool's
// SummaryProcessor prints one: "<ust>, <count>, <total>, <max>,
// <entry>".
func (r UstRow) String() string {
	return fmt.Sprintf("%s, %d, %#x, %#x, %s", r.USTAddr, r.Count, r.TotalSize, r.MaxSize, r.MaxAddr)
}
