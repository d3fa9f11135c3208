package aggregate

import (
	"bytes"
	"strings"
	"testing"

	"github.com/wdbg/heapstat/internal/heapwalk"
	"github.com/wdbg/heapstat/internal/target"
)

// fakeTarget resolves a fixed set of addresses to canned modules and
// serves canned UST records, enough to drive CallerSummary and
// UMDHWriter without a real target.Target implementation.
type fakeTarget struct {
	mods   []target.Module
	ustRec map[target.Address][]target.Address // USTAddr -> frame PCs
}

func (f *fakeTarget) ReadBytes(a target.Address, n int64) ([]byte, error) {
	return nil, target.NotReadable(a, n)
}
func (f *fakeTarget) ReadU8(a target.Address) (uint8, error) { return 0, target.NotReadable(a, 1) }
func (f *fakeTarget) ReadU16(a target.Address) (uint16, error) {
	if frames, ok := f.ustRec[a.Add(-0xC)]; ok {
		return uint16(len(frames)), nil
	}
	return 0, target.NotReadable(a, 2)
}
func (f *fakeTarget) ReadU32(a target.Address) (uint32, error) { return 0, target.NotReadable(a, 4) }
func (f *fakeTarget) ReadU64(a target.Address) (uint64, error) {
	for base, frames := range f.ustRec {
		for i, pc := range frames {
			if a == base.Add(0x10+int64(i)*8) {
				return uint64(pc), nil
			}
		}
	}
	return 0, target.NotReadable(a, 8)
}
func (f *fakeTarget) FieldOffset(t, n string) (int64, error) { return 0, target.UnknownField(t, n) }
func (f *fakeTarget) FieldValue(a target.Address, t, n string, w int) (uint64, error) {
	return 0, target.UnknownField(t, n)
}
func (f *fakeTarget) TypeSize(t string) (int64, error) { return 0, target.UnknownField(t, "<size>") }
func (f *fakeTarget) ResolveExpression(n string) (target.Address, error) {
	return 0, target.UnknownField("<expr>", n)
}
func (f *fakeTarget) Symbolize(a target.Address) (string, string, int64, error) {
	for _, m := range f.mods {
		if a >= m.Base && a < m.Base.Add(m.Size) {
			return m.Name, "", a.Sub(m.Base), nil
		}
	}
	return "", "", 0, target.NotReadable(a, 0)
}
func (f *fakeTarget) Modules() ([]target.Module, error) { return f.mods, nil }
func (f *fakeTarget) Bitness() int                      { return 64 }

func newFake() *fakeTarget {
	return &fakeTarget{
		mods: []target.Module{
			{Name: "ntdll.dll", Base: 0x1000, Size: 0x1000},
			{Name: "myapp.exe", Base: 0x2000, Size: 0x1000},
		},
		ustRec: map[target.Address][]target.Address{},
	}
}

func TestCallerSummaryTracksUSTZeroAndAggregates(t *testing.T) {
	// Three busy, plain-mode (no UST) blocks: all key on USTAddr 0,
	// matching scenario 1 of spec.md §8 (a plain heap still produces
	// one row, keyed 0).
	ft := newFake()
	cs := NewCallerSummary(ft)
	cs.OnRecord(heapwalk.Record{Busy: true, Gross: 32, Addr: 0x9000})
	cs.OnRecord(heapwalk.Record{Busy: true, Gross: 48, Addr: 0x9100})
	cs.OnRecord(heapwalk.Record{Busy: true, Gross: 16384, Addr: 0x9200})

	rows := cs.Rows()
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1, rows=%+v", len(rows), rows)
	}
	if rows[0].USTAddr != 0 {
		t.Errorf("USTAddr = %s, want 0", rows[0].USTAddr)
	}
	if rows[0].Count != 3 || rows[0].TotalSize != 32+48+16384 {
		t.Errorf("Count/TotalSize = %d/%d, want 3/%d", rows[0].Count, rows[0].TotalSize, 32+48+16384)
	}
	if rows[0].MaxSize != 16384 || rows[0].MaxAddr != 0x9200 {
		t.Errorf("MaxSize/MaxAddr = %d/%s, want 16384/0x9200", rows[0].MaxSize, rows[0].MaxAddr)
	}
}

func TestCallerSummaryRanksUSTRecordsByTotal(t *testing.T) {
	ft := newFake()
	ft.ustRec[0x5000] = []target.Address{0x1010, 0x2010} // A: skipped ntdll frame, then myapp
	ft.ustRec[0x5100] = []target.Address{0x1020, 0x2010} // B: same caller

	cs := NewCallerSummary(ft)
	cs.OnRecord(heapwalk.Record{Busy: true, Mode: heapwalk.ModeUST, USTAddr: 0x5000, Gross: 64})
	cs.OnRecord(heapwalk.Record{Busy: true, Mode: heapwalk.ModeUST, USTAddr: 0x5000, Gross: 64})
	cs.OnRecord(heapwalk.Record{Busy: true, Mode: heapwalk.ModeUST, USTAddr: 0x5100, Gross: 256})

	rows := cs.Rows()
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].USTAddr != 0x5100 || rows[0].TotalSize != 256 {
		t.Errorf("rows[0] = %+v, want ust=0x5100 total=256 first", rows[0])
	}
	if rows[1].USTAddr != 0x5000 || rows[1].TotalSize != 128 {
		t.Errorf("rows[1] = %+v, want ust=0x5000 total=128 second", rows[1])
	}

	mrows := cs.ModuleRows()
	if len(mrows) != 1 || mrows[0].Module != "myapp.exe" || mrows[0].Count != 3 {
		t.Fatalf("ModuleRows = %+v, want one myapp.exe row count=3", mrows)
	}
}

func TestCallerSummarySymbolPrefixFilterScansWholeStack(t *testing.T) {
	ft := newFake()
	ft.ustRec[0x5000] = []target.Address{0x1010, 0x2010}
	cs := NewCallerSummary(ft)
	cs.SymbolPrefixFilter = "nope"
	cs.OnRecord(heapwalk.Record{Busy: true, Mode: heapwalk.ModeUST, USTAddr: 0x5000, Gross: 64})
	if rows := cs.Rows(); len(rows) != 0 {
		t.Fatalf("got %d rows, want 0 (filter excludes all frames)", len(rows))
	}
}

func TestSizeSummaryRanksByCountAndAnswersAddresses(t *testing.T) {
	ss := NewSizeSummary()
	ss.OnRecord(heapwalk.Record{Busy: true, Size: 64, USTAddr: 0x5000})
	ss.OnRecord(heapwalk.Record{Busy: true, Size: 64, USTAddr: 0x5000}) // same UST again: address set dedups
	ss.OnRecord(heapwalk.Record{Busy: true, Size: 256, USTAddr: 0x5100})

	rows := ss.Rows()
	if len(rows) != 2 || rows[0].Size != 64 || rows[0].Count != 2 {
		t.Fatalf("Rows = %+v, want size=64 count=2 first", rows)
	}

	addrs := ss.Addresses(64)
	if len(addrs) != 1 || addrs[0] != 0x5000 {
		t.Fatalf("Addresses(64) = %v, want [0x5000]", addrs)
	}
}

func TestSizeSummaryExactFilterRestrictsRows(t *testing.T) {
	ss := NewSizeSummary()
	ss.ExactSize = 64
	ss.OnRecord(heapwalk.Record{Busy: true, Size: 64})
	ss.OnRecord(heapwalk.Record{Busy: true, Size: 128})
	ss.OnRecord(heapwalk.Record{Busy: true, Size: 64})

	rows := ss.Rows()
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Size != 64 || rows[0].Count != 2 {
		t.Errorf("row = %+v, want size=64 count=2", rows[0])
	}
}

func TestUMDHWriterOneLinePerBlockWithDedupedTraces(t *testing.T) {
	ft := newFake()
	ft.ustRec[0x5000] = []target.Address{0x1010, 0x2010}
	ft.ustRec[0x5100] = []target.Address{0x2020}

	w := NewUMDHWriter(ft)
	w.OnHeapStart(0x10000, heapwalk.ModeUST)
	w.OnRecord(heapwalk.Record{Busy: true, Mode: heapwalk.ModeUST, USTAddr: 0x5000, Addr: 0x9000, Size: 40, Gross: 48})
	w.OnRecord(heapwalk.Record{Busy: true, Mode: heapwalk.ModeUST, USTAddr: 0x5000, Addr: 0x9100, Size: 40, Gross: 48})
	w.OnRecord(heapwalk.Record{Busy: true, Mode: heapwalk.ModeUST, USTAddr: 0x5100, Addr: 0x9200, Size: 16, Gross: 24})
	w.OnHeapEnd(0x10000)

	var buf bytes.Buffer
	if err := w.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "// Loaded modules:") {
		t.Errorf("output missing module header: %q", out)
	}
	if !strings.Contains(out, "myapp.exe") {
		t.Errorf("output missing module line: %q", out)
	}
	if got := strings.Count(out, " bytes + 0x"); got != 3 {
		t.Errorf("got %d record lines, want 3 (one per block): %q", got, out)
	}
	if !strings.Contains(out, "by BackTrace0x5010") {
		t.Errorf("output missing first backtrace id (ust+0x10): %q", out)
	}
	if !strings.Contains(out, "by BackTrace0x5110") {
		t.Errorf("output missing second backtrace id: %q", out)
	}
	// The first UST's trace is shared by two records but must appear once.
	if got := strings.Count(out, "0x2010"); got != 1 {
		t.Errorf("shared frame printed %d times, want 1 (deduped)", got)
	}
}
