package layout

import "github.com/wdbg/heapstat/internal/target"

// symbolicResolver serves the small subset of fields that haven't
// moved across Windows 8 through 10 (PEB/TEB layout is effectively
// frozen; only the heap manager's internals churn release to
// release). Anything it doesn't recognize returns ErrUnknownField,
// which heapwalk treats as "can't resolve this symbolically without a
// live debugger's type information", a legitimate, documented
// limitation rather than a bug: a real WinDbg extension gets this for
// free from the loaded PDB, which this offline analyzer doesn't have.
type symbolicResolver struct {
	bitness int
}

var stableOffsets64 = map[string]int64{
	"_PEB.NtGlobalFlag":   0x68,
	"_PEB.OSMajorVersion": 0xa4,
	"_PEB.OSMinorVersion": 0xa8,
	"_PEB.ProcessHeap":    0x30,
	"_PEB.NumberOfHeaps":  0xe8,
	"_PEB.ProcessHeaps":   0xf0,

	"_TEB.ProcessEnvironmentBlock": 0x60,
	"_TEB.WOW64Reserved":           0x1488,
}

var stableOffsets32 = map[string]int64{
	"_PEB.NtGlobalFlag":   0x68,
	"_PEB.OSMajorVersion": 0xa4,
	"_PEB.OSMinorVersion": 0xa8,
	"_PEB.ProcessHeap":    0x18,
	"_PEB.NumberOfHeaps":  0x88,
	"_PEB.ProcessHeaps":   0x90,

	"_TEB.ProcessEnvironmentBlock": 0x30,
	"_TEB.WOW64Reserved":           0xc0,
}

func (s symbolicResolver) FieldOffset(typeName, fieldName string) (int64, error) {
	table := stableOffsets64
	if s.bitness == 32 {
		table = stableOffsets32
	}
	off, ok := table[typeName+"."+fieldName]
	if !ok {
		return 0, target.UnknownField(typeName, fieldName)
	}
	return off, nil
}

func (s symbolicResolver) FieldOffset32(typeName, fieldName string) (int64, error) {
	off, ok := stableOffsets32[typeName+"."+fieldName]
	if !ok {
		return 0, target.UnknownField(typeName, fieldName)
	}
	return off, nil
}

func (s symbolicResolver) TypeSize(typeName string) (int64, error) {
	return 0, target.UnknownField(typeName, "<size>")
}
