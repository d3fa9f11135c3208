package layout

import "github.com/wdbg/heapstat/internal/target"

// literalResolver answers from a hardcoded table, the way the
// original yoichi/HeapStat tool's Utility.cpp switches on OS version
// to pick hardcoded structure offsets. Pre-Windows-8 heap/PEB/TEB
// layouts are stable enough across service packs that one table per
// bitness suffices; spec.md's documented scope does not extend to
// per-service-pack granularity.
type literalResolver struct {
	bitness int
}

// offsets64/offsets32 hold "TypeName.FieldName" -> byte offset.
// Grounded in the publicly documented ntdll/_PEB, _TEB and heap
// manager layouts used throughout the original tool and in WinDbg's
// own `dt` output for these structures on Windows Vista/7.
var offsets64 = map[string]int64{
	"_PEB.NtGlobalFlag":    0x68,
	"_PEB.OSMajorVersion":  0xa4,
	"_PEB.OSMinorVersion":  0xa8,
	"_PEB.ProcessHeap":     0x30,
	"_PEB.NumberOfHeaps":   0xe8,
	"_PEB.ProcessHeaps":    0xf0,

	"_TEB.ProcessEnvironmentBlock": 0x60,
	"_TEB.WOW64Reserved":           0x1488,

	"_HEAP.Signature":          0x08,
	"_HEAP.Flags":              0x70,
	"_HEAP.EncodeFlagMask":     0x84,
	"_HEAP.Encoding":           0x88,
	"_HEAP.FrontEndHeap":       0x698,
	"_HEAP.FrontEndHeapType":   0x6a0,
	"_HEAP.SegmentList":        0x658,
	"_HEAP.SegmentCount":       0x648,
	"_HEAP.VirtualAllocdBlocks": 0x650,

	"_HEAP_SEGMENT.SegmentSignature": 0x08,
	"_HEAP_SEGMENT.Heap":             0x10,
	"_HEAP_SEGMENT.FirstEntry":       0x18,
	"_HEAP_SEGMENT.LastValidEntry":   0x20,
	"_HEAP_SEGMENT.NumberOfPages":    0x28,
	"_HEAP_SEGMENT.SegmentListEntry": 0x30,

	"_HEAP_ENTRY.Size":       0x00,
	"_HEAP_ENTRY.Flags":      0x05,
	"_HEAP_ENTRY.SmallTagIndex": 0x06,
	"_HEAP_ENTRY.PreviousSize": 0x02,
	"_HEAP_ENTRY.UnusedBytes": 0x07,

	"_HEAP_VIRTUAL_ALLOC_ENTRY.Entry":     0x00,
	"_HEAP_VIRTUAL_ALLOC_ENTRY.CommitSize": 0x20,
	"_HEAP_VIRTUAL_ALLOC_ENTRY.ReserveSize": 0x28,

	"_LFH_HEAP.SubSegmentZones": 0x20,
	"_LFH_HEAP.Lock":            0x08,

	"_HEAP_SUBSEGMENT.UserBlocks": 0x00,
	"_HEAP_SUBSEGMENT.BlockSize":  0x14,
	"_HEAP_SUBSEGMENT.BlockCount": 0x16,

	"_HEAP_USERDATA_HEADER.SubSegment": 0x00,
	"_HEAP_USERDATA_HEADER.SizeIndex":  0x1a,

	"DPH_HEAP_ROOT.pVirtualStorageRanges": 0x18,
	"DPH_HEAP_ROOT.BusyNodesTable":        0xd8,
	"DPH_HEAP_ROOT.NodeSize":              0x0c,

	"DPH_HEAP_BLOCK.pUserAllocation": 0x40,
	"DPH_HEAP_BLOCK.nVirtualBlockSize": 0x48,
	"DPH_HEAP_BLOCK.nUserRequestedSize": 0x50,
	"DPH_HEAP_BLOCK.StackTrace":        0x58,
	"DPH_HEAP_BLOCK.LeftChild":         0x60,
	"DPH_HEAP_BLOCK.RightChild":        0x68,
}

var offsets32 = map[string]int64{
	"_PEB.NtGlobalFlag":    0x68,
	"_PEB.OSMajorVersion":  0xa4,
	"_PEB.OSMinorVersion":  0xa8,
	"_PEB.ProcessHeap":     0x18,
	"_PEB.NumberOfHeaps":   0x88,
	"_PEB.ProcessHeaps":    0x90,

	"_TEB.ProcessEnvironmentBlock": 0x30,
	"_TEB.WOW64Reserved":           0xc0,

	"_HEAP.Signature":          0x04,
	"_HEAP.Flags":              0x40,
	"_HEAP.EncodeFlagMask":     0x50,
	"_HEAP.Encoding":           0x54,
	"_HEAP.FrontEndHeap":       0x580,
	"_HEAP.FrontEndHeapType":   0x584,
	"_HEAP.SegmentList":        0x568,
	"_HEAP.SegmentCount":       0x2f8,
	"_HEAP.VirtualAllocdBlocks": 0x560,

	"_HEAP_SEGMENT.SegmentSignature": 0x04,
	"_HEAP_SEGMENT.Heap":             0x08,
	"_HEAP_SEGMENT.FirstEntry":       0x0c,
	"_HEAP_SEGMENT.LastValidEntry":   0x10,
	"_HEAP_SEGMENT.NumberOfPages":    0x14,
	"_HEAP_SEGMENT.SegmentListEntry": 0x18,

	"_HEAP_ENTRY.Size":       0x00,
	"_HEAP_ENTRY.Flags":      0x05,
	"_HEAP_ENTRY.SmallTagIndex": 0x06,
	"_HEAP_ENTRY.PreviousSize": 0x02,
	"_HEAP_ENTRY.UnusedBytes": 0x07,

	"_HEAP_VIRTUAL_ALLOC_ENTRY.Entry":     0x00,
	"_HEAP_VIRTUAL_ALLOC_ENTRY.CommitSize": 0x10,
	"_HEAP_VIRTUAL_ALLOC_ENTRY.ReserveSize": 0x14,

	"_LFH_HEAP.SubSegmentZones": 0x10,
	"_LFH_HEAP.Lock":            0x04,

	"_HEAP_SUBSEGMENT.UserBlocks": 0x00,
	"_HEAP_SUBSEGMENT.BlockSize":  0x0c,
	"_HEAP_SUBSEGMENT.BlockCount": 0x0e,

	"_HEAP_USERDATA_HEADER.SubSegment": 0x00,
	"_HEAP_USERDATA_HEADER.SizeIndex":  0x0e,

	"DPH_HEAP_ROOT.pVirtualStorageRanges": 0x0c,
	"DPH_HEAP_ROOT.BusyNodesTable":        0x94,
	"DPH_HEAP_ROOT.NodeSize":              0x08,

	"DPH_HEAP_BLOCK.pUserAllocation": 0x24,
	"DPH_HEAP_BLOCK.nVirtualBlockSize": 0x28,
	"DPH_HEAP_BLOCK.nUserRequestedSize": 0x2c,
	"DPH_HEAP_BLOCK.StackTrace":        0x30,
	"DPH_HEAP_BLOCK.LeftChild":         0x34,
	"DPH_HEAP_BLOCK.RightChild":        0x38,
}

var sizes64 = map[string]int64{
	"_HEAP_ENTRY":    0x10,
	"_HEAP_SEGMENT":  0x70,
	"_HEAP_USERDATA_HEADER": 0x20,
	"_TEB":           0x1838,
	"_PEB":           0x480,
}

var sizes32 = map[string]int64{
	"_HEAP_ENTRY":    0x08,
	"_HEAP_SEGMENT":  0x38,
	"_HEAP_USERDATA_HEADER": 0x10,
	"_TEB":           0xfe4,
	"_PEB":           0x238,
}

func (l literalResolver) FieldOffset(typeName, fieldName string) (int64, error) {
	table := offsets64
	if l.bitness == 32 {
		table = offsets32
	}
	off, ok := table[typeName+"."+fieldName]
	if !ok {
		return 0, target.UnknownField(typeName, fieldName)
	}
	return off, nil
}

// FieldOffset32 always answers from the 32-bit table regardless of
// l.bitness, used when resolving a WOW64 substructure (e.g. a TEB32)
// embedded inside a 64-bit target.
func (l literalResolver) FieldOffset32(typeName, fieldName string) (int64, error) {
	off, ok := offsets32[typeName+"."+fieldName]
	if !ok {
		return 0, target.UnknownField(typeName, fieldName)
	}
	return off, nil
}

func (l literalResolver) TypeSize(typeName string) (int64, error) {
	table := sizes64
	if l.bitness == 32 {
		table = sizes32
	}
	size, ok := table[typeName]
	if !ok {
		return 0, target.UnknownField(typeName, "<size>")
	}
	return size, nil
}
