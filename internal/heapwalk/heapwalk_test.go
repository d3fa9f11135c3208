package heapwalk

import (
	"encoding/binary"
	"testing"

	"github.com/wdbg/heapstat/internal/target"
)

// fakeTarget is a minimal, package-local target.Target used to build
// synthetic heaps byte-by-byte, the way the teacher's gocore tests
// build a synthetic core.Process rather than shelling out to a real
// dump.
type fakeTarget struct {
	mm      target.MemoryMap
	offsets map[string]int64
	exprs   map[string]target.Address
	bits    int
}

func newFakeTarget(bitness int) *fakeTarget {
	return &fakeTarget{
		offsets: map[string]int64{},
		exprs:   map[string]target.Address{},
		bits:    bitness,
	}
}

func (f *fakeTarget) mapPage(addr target.Address) {
	base := target.Address(uint64(addr) &^ 0xfff)
	if _, err := f.mm.ReadBytes(base, 1); err == nil {
		return
	}
	if err := f.mm.Add(base, base.Add(0x1000), make([]byte, 0x1000)); err != nil {
		panic(err)
	}
}

func (f *fakeTarget) putU8(addr target.Address, v uint8) {
	f.mapPage(addr)
	b, _ := f.mm.ReadBytes(target.Address(uint64(addr)&^0xfff), 0x1000)
	b[uint64(addr)&0xfff] = v
}
func (f *fakeTarget) putU16(addr target.Address, v uint16) {
	f.mapPage(addr)
	b, _ := f.mm.ReadBytes(target.Address(uint64(addr)&^0xfff), 0x1000)
	binary.LittleEndian.PutUint16(b[uint64(addr)&0xfff:], v)
}
func (f *fakeTarget) putU32(addr target.Address, v uint32) {
	f.mapPage(addr)
	b, _ := f.mm.ReadBytes(target.Address(uint64(addr)&^0xfff), 0x1000)
	binary.LittleEndian.PutUint32(b[uint64(addr)&0xfff:], v)
}
func (f *fakeTarget) putU64(addr target.Address, v uint64) {
	f.mapPage(addr)
	b, _ := f.mm.ReadBytes(target.Address(uint64(addr)&^0xfff), 0x1000)
	binary.LittleEndian.PutUint64(b[uint64(addr)&0xfff:], v)
}

func (f *fakeTarget) ReadBytes(a target.Address, n int64) ([]byte, error) { return f.mm.ReadBytes(a, n) }
func (f *fakeTarget) ReadU8(a target.Address) (uint8, error) {
	b, err := f.mm.ReadBytes(a, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}
func (f *fakeTarget) ReadU16(a target.Address) (uint16, error) {
	b, err := f.mm.ReadBytes(a, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}
func (f *fakeTarget) ReadU32(a target.Address) (uint32, error) {
	b, err := f.mm.ReadBytes(a, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}
func (f *fakeTarget) ReadU64(a target.Address) (uint64, error) {
	b, err := f.mm.ReadBytes(a, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}
func (f *fakeTarget) FieldOffset(typeName, fieldName string) (int64, error) {
	off, ok := f.offsets[typeName+"."+fieldName]
	if !ok {
		return 0, target.UnknownField(typeName, fieldName)
	}
	return off, nil
}
func (f *fakeTarget) FieldValue(base target.Address, typeName, fieldName string, width int) (uint64, error) {
	off, err := f.FieldOffset(typeName, fieldName)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		v, err := f.ReadU8(base.Add(off))
		return uint64(v), err
	case 4:
		v, err := f.ReadU32(base.Add(off))
		return uint64(v), err
	case 8:
		return f.ReadU64(base.Add(off))
	}
	return 0, target.UnknownField(typeName, fieldName)
}
func (f *fakeTarget) TypeSize(typeName string) (int64, error) { return 0, target.UnknownField(typeName, "<size>") }
func (f *fakeTarget) ResolveExpression(name string) (target.Address, error) {
	a, ok := f.exprs[name]
	if !ok {
		return 0, target.UnknownField("<expr>", name)
	}
	return a, nil
}
func (f *fakeTarget) Symbolize(a target.Address) (string, string, int64, error) {
	return "", "", 0, target.NotReadable(a, 0)
}
func (f *fakeTarget) Modules() ([]target.Module, error) { return nil, nil }
func (f *fakeTarget) Bitness() int                      { return f.bits }

// buildPlainHeap wires up a single plain-mode heap with one segment
// containing two busy blocks, entirely through raw byte writes, and
// returns the fakeTarget plus a probed Env.
func buildPlainHeap(t *testing.T) (*fakeTarget, *target.Env) {
	t.Helper()
	ft := newFakeTarget(64)

	const peb = target.Address(0x7ffe0000)
	const heapsArr = target.Address(0x7ffe2000)
	const heap = target.Address(0x10000)
	const seg = target.Address(0x20000)

	ft.offsets["_PEB.NtGlobalFlag"] = 0x68
	ft.offsets["_PEB.OSMajorVersion"] = 0xa4
	ft.offsets["_PEB.OSMinorVersion"] = 0xa8
	ft.offsets["_PEB.NumberOfHeaps"] = 0xe8
	ft.offsets["_PEB.ProcessHeaps"] = 0xf0
	ft.exprs["$peb"] = peb

	ft.putU32(peb.Add(0x68), 0) // NtGlobalFlag: neither UST nor page heap
	ft.putU32(peb.Add(0xe8), 1)
	ft.putU64(peb.Add(0xf0), uint64(heapsArr))
	ft.putU64(heapsArr, uint64(heap))

	ft.offsets["_HEAP.EncodeFlagMask"] = 0x84
	ft.offsets["_HEAP.FrontEndHeapType"] = 0x6a0
	ft.offsets["_HEAP.SegmentList"] = 0x658
	ft.offsets["_HEAP.VirtualAllocdBlocks"] = 0x650
	ft.offsets["_HEAP_SEGMENT.SegmentListEntry"] = 0x30
	ft.offsets["_HEAP_SEGMENT.FirstEntry"] = 0x18
	ft.offsets["_HEAP_SEGMENT.LastValidEntry"] = 0x20
	ft.offsets["_HEAP_VIRTUAL_ALLOC_ENTRY.Entry"] = 0x00
	ft.offsets["_HEAP_VIRTUAL_ALLOC_ENTRY.CommitSize"] = 0x20

	ft.mapPage(heap)
	ft.putU64(heap.Add(0x658), uint64(seg.Add(0x30))) // SegmentList head -> seg's list entry
	ft.putU64(heap.Add(0x650), uint64(heap.Add(0x650))) // VirtualAllocdBlocks: empty, self-pointing

	ft.mapPage(seg)
	ft.putU64(seg.Add(0x30), uint64(heap.Add(0x658))) // segment list entry -> back to head (1-element list)
	ft.putU64(seg.Add(0x18), uint64(seg.Add(0x100)))  // FirstEntry
	ft.putU64(seg.Add(0x20), uint64(seg.Add(0x100+32+48))) // LastValidEntry

	// On a 64-bit target the header is 16 bytes: the leading 8 are
	// PreviousBlockPrivateData (unencoded, uninspected here), and the
	// classic Size/PreviousSize/checksum/Flags/ExtendedBlockSignature
	// fields occupy the trailing 8, at absolute offsets 8..15.

	// Entry 0: size=2 units (32 bytes gross), busy, no previous block,
	// ExtendedBlockSignature=16 (== headerSize) so user_size = 32-16=16.
	e0 := seg.Add(0x100)
	ft.putU8(e0.Add(8), 2)
	ft.putU8(e0.Add(9), 0)
	ft.putU8(e0.Add(10), 0)
	ft.putU8(e0.Add(11), 2^0^0)
	ft.putU8(e0.Add(13), heapEntryBusy)
	ft.putU8(e0.Add(15), 16)

	// Entry 1: size=3 units (48 bytes gross), busy, previous size 2
	// units, ExtendedBlockSignature=24 so user_size = 48-24=24.
	e1 := e0.Add(32)
	ft.putU8(e1.Add(8), 3)
	ft.putU8(e1.Add(9), 0)
	ft.putU8(e1.Add(10), 2)
	ft.putU8(e1.Add(11), 3^0^2)
	ft.putU8(e1.Add(13), heapEntryBusy)
	ft.putU8(e1.Add(15), 24)

	env, err := target.NewEnv(ft)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	return ft, env
}

type recordingEmitter struct {
	events  []string
	records []Record
}

func (e *recordingEmitter) OnHeapStart(heap target.Address, mode Mode) {
	e.events = append(e.events, "heap-start:"+mode.String())
}
func (e *recordingEmitter) OnSegmentStart(heap, seg, begin, end target.Address) {
	e.events = append(e.events, "seg-start")
}
func (e *recordingEmitter) OnRecord(r Record) {
	e.events = append(e.events, "record")
	e.records = append(e.records, r)
}
func (e *recordingEmitter) OnSegmentEnd(heap, seg target.Address) { e.events = append(e.events, "seg-end") }
func (e *recordingEmitter) OnHeapEnd(heap target.Address)         { e.events = append(e.events, "heap-end") }

func TestWalkPlainHeapEmitsBothBlocks(t *testing.T) {
	ft, env := buildPlainHeap(t)
	var emit recordingEmitter

	if err := Walk(ft, env, &emit, Options{}); err != nil {
		t.Fatalf("Walk: %v", err)
	}

	wantEvents := []string{"heap-start:plain", "seg-start", "record", "record", "seg-end", "heap-end"}
	if len(emit.events) != len(wantEvents) {
		t.Fatalf("events = %v, want %v", emit.events, wantEvents)
	}
	for i, ev := range wantEvents {
		if emit.events[i] != ev {
			t.Errorf("event[%d] = %q, want %q", i, emit.events[i], ev)
		}
	}

	if len(emit.records) != 2 {
		t.Fatalf("got %d records, want 2", len(emit.records))
	}
	if emit.records[0].Size != 16 {
		t.Errorf("record[0].Size = %d, want 16 (32-byte gross minus ExtendedBlockSignature 16)", emit.records[0].Size)
	}
	if emit.records[1].Size != 24 {
		t.Errorf("record[1].Size = %d, want 24 (48-byte gross minus ExtendedBlockSignature 24)", emit.records[1].Size)
	}
	if emit.records[0].Addr >= emit.records[1].Addr {
		t.Errorf("records not in address order: %s >= %s", emit.records[0].Addr, emit.records[1].Addr)
	}
}

func TestWalkAbandonsSegmentOnBadChecksum(t *testing.T) {
	ft, env := buildPlainHeap(t)
	seg := target.Address(0x20000)
	e0 := seg.Add(0x100)
	ft.putU8(e0.Add(11), 0xff) // corrupt the checksum byte

	var emit recordingEmitter
	var warned bool
	tracer := tracerFunc{warn: func(addr target.Address, reason string) { warned = true }}

	if err := Walk(ft, env, &emit, Options{Tracer: tracer}); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if !warned {
		t.Error("expected a warning for the corrupted checksum")
	}
	if len(emit.records) != 0 {
		t.Errorf("expected no records after checksum failure, got %d", len(emit.records))
	}
}

type tracerFunc struct {
	warn func(addr target.Address, reason string)
}

func (t tracerFunc) SegmentFound(heap, seg, begin, end target.Address) {}
func (t tracerFunc) Warn(addr target.Address, reason string)           { t.warn(addr, reason) }

// buildLFHHeap wires up a plain-mode, Win8+ heap whose front end is
// the Low-Fragmentation Heap: two LFH sub-segments (one busy block,
// then two busy blocks) straddling a single back-end segment holding
// one busy block, addressed so that spec.md's LFH-integration scenario
// applies: one LFH block below the back-end block, two above it.
func buildLFHHeap(t *testing.T) (*fakeTarget, *target.Env) {
	t.Helper()
	ft := newFakeTarget(64)

	const peb = target.Address(0x7ffe0000)
	const heapsArr = target.Address(0x7ffe2000)
	const heap = target.Address(0x10000)
	const seg = target.Address(0x20000)
	const lfh = target.Address(0x28000)
	const zone = target.Address(0x29000)
	const ub0 = target.Address(0x1000)
	const ub1 = target.Address(0x30000)

	ft.offsets["_PEB.NtGlobalFlag"] = 0x68
	ft.offsets["_PEB.OSMajorVersion"] = 0xa4
	ft.offsets["_PEB.OSMinorVersion"] = 0xa8
	ft.offsets["_PEB.NumberOfHeaps"] = 0xe8
	ft.offsets["_PEB.ProcessHeaps"] = 0xf0
	ft.exprs["$peb"] = peb

	ft.putU32(peb.Add(0x68), 0) // NtGlobalFlag: plain mode
	ft.putU32(peb.Add(0xa4), 6) // OSMajorVersion: Win8+ FirstAllocationOffset layout
	ft.putU32(peb.Add(0xa8), 2)
	ft.putU32(peb.Add(0xe8), 1)
	ft.putU64(peb.Add(0xf0), uint64(heapsArr))
	ft.putU64(heapsArr, uint64(heap))

	ft.offsets["_HEAP.EncodeFlagMask"] = 0x84
	ft.offsets["_HEAP.FrontEndHeapType"] = 0x6a0
	ft.offsets["_HEAP.FrontEndHeap"] = 0x6a8
	ft.offsets["_HEAP.SegmentList"] = 0x658
	ft.offsets["_HEAP.VirtualAllocdBlocks"] = 0x650
	ft.offsets["_HEAP_SEGMENT.SegmentListEntry"] = 0x30
	ft.offsets["_HEAP_SEGMENT.FirstEntry"] = 0x18
	ft.offsets["_HEAP_SEGMENT.LastValidEntry"] = 0x20
	ft.offsets["_HEAP_VIRTUAL_ALLOC_ENTRY.Entry"] = 0x00
	ft.offsets["_HEAP_VIRTUAL_ALLOC_ENTRY.CommitSize"] = 0x20
	ft.offsets["_LFH_HEAP.SubSegmentZones"] = 0x10
	ft.offsets["_HEAP_SUBSEGMENT.UserBlocks"] = 0x00
	ft.offsets["_HEAP_SUBSEGMENT.BlockSize"] = 0x08
	ft.offsets["_HEAP_SUBSEGMENT.BlockCount"] = 0x0a
	ft.offsets["_HEAP_USERDATA_HEADER.FirstAllocationOffset"] = 0x10

	ft.mapPage(heap)
	ft.putU64(heap.Add(0x658), uint64(seg.Add(0x30)))
	ft.putU64(heap.Add(0x650), uint64(heap.Add(0x650)))
	ft.putU8(heap.Add(0x6a0), 2) // FrontEndHeapType: LFH
	ft.putU64(heap.Add(0x6a8), uint64(lfh))

	ft.mapPage(lfh)
	ft.putU64(lfh.Add(0x10), uint64(zone)) // SubSegmentZones head -> zone

	ft.mapPage(zone)
	ft.putU64(zone, uint64(lfh.Add(0x10))) // zone's next link -> back to head (1-zone list)

	zoneBase := zone.Add(16)
	sub0 := zoneBase
	sub1 := zoneBase.Add(24)
	ft.putU64(sub0, uint64(ub0))
	ft.putU16(sub0.Add(8), 2) // BlockSize: 2 units (32 bytes/block)
	ft.putU16(sub0.Add(0xa), 1)
	ft.putU64(sub1, uint64(ub1))
	ft.putU16(sub1.Add(8), 2)
	ft.putU16(sub1.Add(0xa), 2)

	ft.mapPage(ub0)
	ft.putU16(ub0.Add(0x10), 0x30) // FirstAllocationOffset
	block0 := ub0.Add(0x30)
	ft.putU8(block0.Add(15), 0x88) // plain-mode LFH busy sentinel

	ft.mapPage(ub1)
	ft.putU16(ub1.Add(0x10), 0x30)
	block1a := ub1.Add(0x30)
	block1b := block1a.Add(32)
	ft.putU8(block1a.Add(15), 0x88)
	ft.putU8(block1b.Add(15), 0x88)

	ft.mapPage(seg)
	ft.putU64(seg.Add(0x30), uint64(heap.Add(0x658)))
	ft.putU64(seg.Add(0x18), uint64(seg.Add(0x100)))
	ft.putU64(seg.Add(0x20), uint64(target.Address(0x40000)))

	// Back-end entry: size=2 units (32 bytes gross), busy,
	// ExtendedBlockSignature=16 so user_size = 32-16=16.
	e0 := seg.Add(0x100)
	ft.putU8(e0.Add(8), 2)
	ft.putU8(e0.Add(9), 0)
	ft.putU8(e0.Add(10), 0)
	ft.putU8(e0.Add(11), 2^0^0)
	ft.putU8(e0.Add(13), heapEntryBusy)
	ft.putU8(e0.Add(15), 16)

	// Terminator header right after e0: ExtendedBlockSignature=0x03
	// ends the segment loop (step 2 of the five-step walk), so the
	// final LFH drain at segment end picks up the two remaining
	// sub-segment-1 blocks regardless of LastValidEntry's distance.
	term := e0.Add(32)
	ft.putU8(term.Add(8), 0)
	ft.putU8(term.Add(9), 0)
	ft.putU8(term.Add(10), 0)
	ft.putU8(term.Add(11), 0)
	ft.putU8(term.Add(15), 0x03)

	env, err := target.NewEnv(ft)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	return ft, env
}

func TestWalkLFHIntegrationOrdersByAddress(t *testing.T) {
	ft, env := buildLFHHeap(t)
	var emit recordingEmitter

	if err := Walk(ft, env, &emit, Options{}); err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(emit.records) != 4 {
		t.Fatalf("got %d records, want 4 (1 LFH, 1 back-end, 2 LFH)", len(emit.records))
	}
	for i := 1; i < len(emit.records); i++ {
		if emit.records[i-1].Addr >= emit.records[i].Addr {
			t.Errorf("records not in address order: [%d]=%s >= [%d]=%s",
				i-1, emit.records[i-1].Addr, i, emit.records[i].Addr)
		}
	}
	// The second record (by address) must be the back-end block: its
	// address sits between the low LFH block and the two high ones.
	if emit.records[1].Addr != target.Address(0x20110) {
		t.Errorf("records[1].Addr = %s, want the back-end block at 0x20110", emit.records[1].Addr)
	}
}

// buildPageHeapRoot wires a single _DPH_HEAP_ROOT with a three-node
// BusyNodesTable: two live allocations (valid 0xABCDBBBB signature)
// and one already-freed node (a stale signature), per spec.md's
// page-heap scenario.
func buildPageHeapRoot(t *testing.T) (*fakeTarget, *target.Env, target.Address) {
	t.Helper()
	ft := newFakeTarget(64)

	const peb = target.Address(0x7ffe0000)
	const heapsArr = target.Address(0x7ffe2000)
	const root = target.Address(0x50000)
	const nodeMid = target.Address(0x60000)
	const nodeLeft = target.Address(0x61000)
	const nodeRight = target.Address(0x62000)
	const allocMid = target.Address(0x70040)
	const allocLeft = target.Address(0x71040)
	const allocRight = target.Address(0x72040)

	ft.offsets["_PEB.NtGlobalFlag"] = 0x68
	ft.offsets["_PEB.OSMajorVersion"] = 0xa4
	ft.offsets["_PEB.OSMinorVersion"] = 0xa8
	ft.offsets["_PEB.NumberOfHeaps"] = 0xe8
	ft.offsets["_PEB.ProcessHeaps"] = 0xf0
	ft.exprs["$peb"] = peb

	ft.putU32(peb.Add(0x68), 0x02000000) // NtGlobalFlag: FLG_HEAP_PAGE_ALLOCS
	ft.putU32(peb.Add(0xe8), 1)
	ft.putU64(peb.Add(0xf0), uint64(heapsArr))
	ft.putU64(heapsArr, uint64(root))

	ft.offsets["DPH_HEAP_ROOT.BusyNodesTable"] = 0x10
	ft.offsets["DPH_HEAP_BLOCK.LeftChild"] = 0x00
	ft.offsets["DPH_HEAP_BLOCK.RightChild"] = 0x08
	ft.offsets["DPH_HEAP_BLOCK.pUserAllocation"] = 0x10
	ft.offsets["DPH_HEAP_BLOCK.nUserRequestedSize"] = 0x18
	ft.offsets["DPH_HEAP_BLOCK.StackTrace"] = 0x20

	ft.mapPage(root)
	ft.putU64(root.Add(0x10), uint64(nodeMid))

	ft.mapPage(nodeMid)
	ft.putU64(nodeMid.Add(0x00), uint64(nodeLeft))
	ft.putU64(nodeMid.Add(0x08), uint64(nodeRight))
	ft.putU64(nodeMid.Add(0x10), uint64(allocMid))
	ft.putU64(nodeMid.Add(0x18), 0x40)
	ft.mapPage(allocMid)
	ft.putU32(allocMid.Add(-0x40), 0xABCDBBBB)

	ft.mapPage(nodeLeft)
	ft.putU64(nodeLeft.Add(0x10), uint64(allocLeft))
	ft.putU64(nodeLeft.Add(0x18), 0x20)
	ft.mapPage(allocLeft)
	ft.putU32(allocLeft.Add(-0x40), 0xABCDBBBB)

	// nodeRight's allocation has already been freed: the validity
	// signature at pUserAllocation-0x40 no longer reads 0xABCDBBBB.
	ft.mapPage(nodeRight)
	ft.putU64(nodeRight.Add(0x10), uint64(allocRight))
	ft.putU64(nodeRight.Add(0x18), 0x30)
	ft.mapPage(allocRight)
	ft.putU32(allocRight.Add(-0x40), 0xDEADBEEF)

	env, err := target.NewEnv(ft)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	return ft, env, root
}

func TestWalkPageHeapSuppressesFreedNode(t *testing.T) {
	ft, env, _ := buildPageHeapRoot(t)
	var emit recordingEmitter

	if err := Walk(ft, env, &emit, Options{}); err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(emit.records) != 2 {
		t.Fatalf("got %d records, want 2 (freed node suppressed)", len(emit.records))
	}
	for _, r := range emit.records {
		if r.Addr == target.Address(0x72040) {
			t.Errorf("freed node's allocation %s was emitted", r.Addr)
		}
	}
}

// buildUSTHeap is buildPlainHeap's layout with NtGlobalFlag's UST bit
// set, so the heap walks in UST mode and constructUSTRecord's fields
// can be checked directly.
func buildUSTHeap(t *testing.T) (*fakeTarget, *target.Env) {
	t.Helper()
	ft, _ := buildPlainHeap(t)
	const peb = target.Address(0x7ffe0000)
	ft.putU32(peb.Add(0x68), 0x1000) // FLG_USER_STACK_TRACE_DB
	env2, err := target.NewEnv(ft)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	return ft, env2
}

func TestWalkUSTRecordConstruction(t *testing.T) {
	ft, env := buildUSTHeap(t)
	const seg = target.Address(0x20000)
	e0 := seg.Add(0x100)
	e1 := e0.Add(32) // gross 48 bytes: big enough to hold a non-degenerate UST prefix+extra

	// Entry 0 is only 32 bytes, so its "extra" field (post-header
	// +0x1c) falls inside entry 1's header and reads 0x100, more than
	// entry 0's 32-byte block; it is rejected, leaving only entry 1's
	// record to check.
	const ustAddr = target.Address(0x99000)
	postHeader := e1.Add(16)
	ft.putU64(postHeader, uint64(ustAddr))
	ft.putU16(postHeader.Add(0x1c), 0x24) // extra=36: within [0x20, 48]

	var emit recordingEmitter
	if err := Walk(ft, env, &emit, Options{}); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(emit.records) != 1 {
		t.Fatalf("got %d records, want 1 (entry 0's degenerate extra field is rejected)", len(emit.records))
	}
	r := emit.records[0]
	if r.USTAddr != ustAddr {
		t.Errorf("USTAddr = %s, want %s", r.USTAddr, ustAddr)
	}
	wantAddr := postHeader.Add(0x20)
	if r.Addr != wantAddr {
		t.Errorf("Addr = %s, want %s", r.Addr, wantAddr)
	}
	if r.Size != 48-36 {
		t.Errorf("Size = %d, want %d", r.Size, 48-36)
	}
}
