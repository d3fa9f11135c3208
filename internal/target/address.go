// Package target defines the typed view of a debuggee's address space
// that the rest of heapstat reads through: the Target-memory interface.
//
// Every other package in this module — the UST record reader, the
// heap walker, the aggregators — depends only on this package's
// interfaces, never on a concrete reader. internal/minidump supplies
// the concrete implementations (a post-mortem minidump file and a
// live debugger session).
package target

import "fmt"

// Address is a virtual address in the target's address space. The
// analyzer always widens 32-bit target pointers to 64 bits, so a
// single type serves both bitnesses.
type Address uint64

// Add returns a+n.
func (a Address) Add(n int64) Address {
	return Address(int64(a) + n)
}

// Sub returns a-b.
func (a Address) Sub(b Address) int64 {
	return int64(a) - int64(b)
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// AlignedTo64K reports whether a falls on a 64-KiB boundary, the
// granularity Windows uses for heap (and VirtualAlloc) base addresses.
func (a Address) AlignedTo64K() bool {
	return a%0x10000 == 0
}
