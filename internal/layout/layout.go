// Package layout supplies the version- and bitness-dependent field
// offsets the heap walker needs to decode _PEB, _TEB, _HEAP,
// _HEAP_SEGMENT, _HEAP_ENTRY, _LFH_HEAP and related structures.
//
// Windows never published these as a stable ABI; a debugger extension
// either hardcodes offsets per OS version (the pre-Win8 approach, and
// what the original yoichi/HeapStat tool does throughout
// Utility.cpp/heapstat.cpp) or resolves them symbolically against
// loaded PDB type information (required from Windows 8 onward, when
// the heap manager's layout started changing across minor updates
// too often to hardcode). This package offers both, selected by OS
// version per the design note in spec.md §9.
package layout

import "fmt"

// Resolver answers FieldOffset/TypeSize queries for a specific OS
// version and bitness. internal/minidump.Reader and the live reader
// both hold one and delegate target.Target's FieldOffset/TypeSize to
// it.
type Resolver interface {
	FieldOffset(typeName, fieldName string) (int64, error)
	FieldOffset32(typeName, fieldName string) (int64, error)
	TypeSize(typeName string) (int64, error)
}

// New selects a Resolver for the given bitness and OS version
// (major.minor, as found in the PEB). Versions below 6.2 (Windows 8)
// get the literal table; 6.2 and later require symbolic resolution,
// which this package can't itself perform without PDB type
// information, so it returns a resolver that reports
// target.ErrUnknownField for anything not in the small stable subset
// symbolicResolver hardcodes (a few _PEB and _TEB fields that haven't
// moved since Windows 8; no heap-manager structure is in it). A
// version of 0.0 (unknown) also gets the literal table.
func New(bitness int, osMajor, osMinor uint32) (Resolver, error) {
	if bitness != 32 && bitness != 64 {
		return nil, fmt.Errorf("unsupported bitness %d", bitness)
	}
	if osMajor < 6 || (osMajor == 6 && osMinor < 2) {
		return literalResolver{bitness: bitness}, nil
	}
	return symbolicResolver{bitness: bitness}, nil
}
