package target

import "fmt"

// A Module is one PE image mapped into the target, as reported by the
// minidump's ModuleListStream or (for a live target) the loader's
// module list.
type Module struct {
	Name string // base file name, e.g. "ntdll.dll"
	Base Address
	Size int64
}

// Target is the address-space and symbol view that every other
// package in this module reads through: the UST record reader, the
// heap walker, and the aggregators never talk to a minidump file or a
// live process directly, only to this interface. internal/minidump
// supplies the two concrete implementations: a post-mortem minidump
// file and a live debugger session.
//
// Unlike the core package this is generalized from, Read* never
// panics: every failure comes back as an error wrapping ErrNotReadable
// so a heap walk can abandon one heap and continue with the next
// (spec's error-handling design, §7).
type Target interface {
	ReadBytes(a Address, n int64) ([]byte, error)
	ReadU8(a Address) (uint8, error)
	ReadU16(a Address) (uint16, error)
	ReadU32(a Address) (uint32, error)
	ReadU64(a Address) (uint64, error)

	// FieldOffset returns the byte offset of fieldName within
	// typeName. Backed by a literal table on pre-Win8 targets and by
	// symbolic type info (when available) on Win8+, per
	// internal/layout.
	FieldOffset(typeName, fieldName string) (int64, error)

	// FieldValue reads the width-byte field fieldName of typeName at
	// base, zero-extended into a uint64. width must be 1, 2, 4 or 8.
	FieldValue(base Address, typeName, fieldName string, width int) (uint64, error)

	// TypeSize returns the size in bytes of typeName.
	TypeSize(typeName string) (int64, error)

	// ResolveExpression evaluates a symbolic expression (a debugger
	// pseudo-register or global, e.g. "ntdll!RtlpLFHKeyCookie") to an
	// address.
	ResolveExpression(symbolicName string) (Address, error)

	// Symbolize maps an address to the nearest preceding exported
	// symbol: the owning module's name, the symbol name, and the byte
	// displacement from that symbol. Used for UST frame formatting
	// and by-caller classification.
	Symbolize(a Address) (module, symbol string, displacement int64, err error)

	Modules() ([]Module, error)

	// Bitness returns 32 or 64, the target's pointer width, as
	// reported by the environment probe.
	Bitness() int
}

// Env is the environment probe described by spec §4.2: a handful of
// facts about the target that the heap walker and record readers need
// before they can interpret anything else (word size, where the PEB
// lives, which NtGlobalFlag bits are set, which Windows version this
// is). It wraps a Target and caches its answers, the way the teacher's
// Process caches arch/ptrSize/byteOrder once at core-open time rather
// than re-deriving them on every read.
type Env struct {
	t Target

	bitness       int
	pebAddr       Address
	ntGlobalFlags uint32
	osMajor       uint32
	osMinor       uint32

	wow64 bool
}

// NewEnv probes t and returns a cached Env. t.Bitness() must already
// reflect the target's native word size; NewEnv additionally detects
// whether a 64-bit target is actually running a WOW64 (32-bit) process
// being inspected, in which case the effective bitness for heap layout
// purposes is 32 even though Target.Bitness() reports 64.
func NewEnv(t Target) (*Env, error) {
	e := &Env{t: t, bitness: t.Bitness()}

	peb, wow64, err := findPEB(t, e.bitness)
	if err != nil {
		return nil, fmt.Errorf("probing PEB: %w", err)
	}
	e.pebAddr = peb
	e.wow64 = wow64
	if wow64 {
		e.bitness = 32
	}

	flags, err := readNtGlobalFlag(t, peb, e.bitness)
	if err != nil {
		return nil, fmt.Errorf("probing NtGlobalFlag: %w", err)
	}
	e.ntGlobalFlags = flags

	major, minor, err := readOSVersion(t, peb, e.bitness)
	if err != nil {
		return nil, fmt.Errorf("probing OS version: %w", err)
	}
	e.osMajor, e.osMinor = major, minor

	return e, nil
}

// Bitness returns the effective target word size: 32 or 64. For a
// WOW64 process inspected from a 64-bit dump, this is 32, matching the
// layout the process's own heaps actually use.
func (e *Env) Bitness() int { return e.bitness }

// PEB returns the address of the target's Process Environment Block.
func (e *Env) PEB() Address { return e.pebAddr }

// WOW64 reports whether the target is a 32-bit process running under
// WOW64 on a 64-bit system.
func (e *Env) WOW64() bool { return e.wow64 }

// Flags used in NtGlobalFlag that this analyzer cares about: whether
// the target was launched with heap tail-checking/UST tracing, or
// page-heap (verifier) instrumentation enabled.
const (
	FLG_HEAP_ENABLE_TAIL_CHECK   = 0x00000010
	FLG_HEAP_ENABLE_FREE_CHECK   = 0x00000020
	FLG_HEAP_VALIDATE_PARAMETERS = 0x00000040
	FLG_USER_STACK_TRACE_DB      = 0x00001000
	FLG_HEAP_PAGE_ALLOCS         = 0x02000000
)

// USTEnabled reports whether NtGlobalFlag indicates UST (user-mode
// stack trace) recording was active for this target.
func (e *Env) USTEnabled() bool {
	return e.ntGlobalFlags&FLG_USER_STACK_TRACE_DB != 0
}

// PageHeapEnabled reports whether NtGlobalFlag indicates page-heap
// (application verifier) instrumentation was active for this target.
func (e *Env) PageHeapEnabled() bool {
	return e.ntGlobalFlags&FLG_HEAP_PAGE_ALLOCS != 0
}

// OSVersion returns the major, minor Windows version numbers recorded
// in the PEB (e.g. 6, 1 for Windows 7). internal/heapwalk's LFH walk
// uses it to choose how to locate a sub-segment's first block. It is
// not passed on to internal/layout: minidump.Reader picks its offset
// tables before this probe runs and always uses the literal (pre-6.2)
// tables, whatever version the PEB records.
func (e *Env) OSVersion() (major, minor uint32) {
	return e.osMajor, e.osMinor
}

// findPEB locates the PEB address for the target, detecting WOW64
// along the way. The real logic (walking the TEB chain or reading the
// minidump's ThreadInfoListStream/MiscInfoStream) lives in
// internal/minidump, which knows whether it's looking at a post-mortem
// file or a live process; here it's reached through ResolveExpression
// so this package stays free of any minidump-format knowledge.
func findPEB(t Target, bitness int) (addr Address, wow64 bool, err error) {
	addr, err = t.ResolveExpression("$peb")
	if err != nil {
		return 0, false, fmt.Errorf("resolving $peb: %w", err)
	}
	wow64Addr, err := t.ResolveExpression("$peb32")
	if err == nil && wow64Addr != 0 {
		return wow64Addr, true, nil
	}
	return addr, false, nil
}

func readNtGlobalFlag(t Target, peb Address, bitness int) (uint32, error) {
	off, err := t.FieldOffset("_PEB", "NtGlobalFlag")
	if err != nil {
		return 0, err
	}
	v, err := t.ReadU32(peb.Add(off))
	if err != nil {
		return 0, fmt.Errorf("reading NtGlobalFlag: %w", err)
	}
	return v, nil
}

func readOSVersion(t Target, peb Address, bitness int) (major, minor uint32, err error) {
	majorOff, err := t.FieldOffset("_PEB", "OSMajorVersion")
	if err != nil {
		return 0, 0, err
	}
	minorOff, err := t.FieldOffset("_PEB", "OSMinorVersion")
	if err != nil {
		return 0, 0, err
	}
	major, err = t.ReadU32(peb.Add(majorOff))
	if err != nil {
		return 0, 0, fmt.Errorf("reading OSMajorVersion: %w", err)
	}
	minor, err = t.ReadU32(peb.Add(minorOff))
	if err != nil {
		return 0, 0, fmt.Errorf("reading OSMinorVersion: %w", err)
	}
	return major, minor, nil
}
