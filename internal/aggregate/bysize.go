package aggregate

import (
	"fmt"
	"sort"

	"github.com/wdbg/heapstat/internal/heapwalk"
	"github.com/wdbg/heapstat/internal/target"
)

// SizeSummary maintains user_size -> (count, set of UST addresses),
// the way the original tool's BySizeProcessor does: one row per
// distinct usable size, useful for spotting a single pathologically
// repeated allocation size and, via Addresses, listing exactly which
// allocations produced it.
type SizeSummary struct {
	// ExactSize, if non-zero, restricts Rows to this size only. No
	// command sets it (`bysize <n>` prints Addresses instead);
	// Addresses is unaffected by it and always answers for the size
	// asked.
	ExactSize int64

	totals map[int64]*sizeBucket
}

type sizeBucket struct {
	count int64
	usts  []target.Address
}

// NewSizeSummary returns an empty SizeSummary.
func NewSizeSummary() *SizeSummary {
	return &SizeSummary{totals: map[int64]*sizeBucket{}}
}

func (s *SizeSummary) OnHeapStart(heap target.Address, mode heapwalk.Mode) {}
func (s *SizeSummary) OnSegmentStart(heap, seg, begin, end target.Address) {}
func (s *SizeSummary) OnSegmentEnd(heap, seg target.Address)               {}
func (s *SizeSummary) OnHeapEnd(heap target.Address)                       {}

func (s *SizeSummary) OnRecord(r heapwalk.Record) {
	if !r.Busy {
		return
	}
	b := s.totals[r.Size]
	if b == nil {
		b = &sizeBucket{}
		s.totals[r.Size] = b
	}
	b.count++
	if r.USTAddr == 0 {
		return
	}
	for _, a := range b.usts {
		if a == r.USTAddr {
			return
		}
	}
	b.usts = append(b.usts, r.USTAddr)
}

// SizeRow is one line of a rendered by-size summary.
type SizeRow struct {
	Size  int64
	Count int64
}

// Rows returns the aggregated totals, sorted by count descending,
// ties broken by size ascending, restricted to ExactSize if set.
func (s *SizeSummary) Rows() []SizeRow {
	rows := make([]SizeRow, 0, len(s.totals))
	for size, b := range s.totals {
		if s.ExactSize != 0 && size != s.ExactSize {
			continue
		}
		rows = append(rows, SizeRow{Size: size, Count: b.count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Size < rows[j].Size
	})
	return rows
}

// Addresses returns the UST addresses recorded for an exact usable
// size, sorted ascending: the `bysize <size>` secondary mode's
// no-header, one-address-per-line output.
func (s *SizeSummary) Addresses(size int64) []target.Address {
	b := s.totals[size]
	if b == nil {
		return nil
	}
	out := append([]target.Address(nil), b.usts...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r SizeRow) String() string {
	return fmt.Sprintf("%8d allocs of size %6d", r.Count, r.Size)
}
