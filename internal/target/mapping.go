package target

import "fmt"

// A Mapping represents a contiguous, committed range of the target's
// address space together with the bytes backing it. Unlike the ELF
// core reader this is adapted from, there's no on-disk file to mmap:
// minidump memory streams and live ReadProcessMemory calls both hand
// us the bytes directly, so a Mapping just holds them.
type Mapping struct {
	min, max Address
	contents []byte
}

// Min returns the lowest address in the mapping.
func (m *Mapping) Min() Address { return m.min }

// Max returns the address just beyond the mapping.
func (m *Mapping) Max() Address { return m.max }

// Size returns Max-Min.
func (m *Mapping) Size() int64 { return m.max.Sub(m.min) }

// We assume every mapping starts and ends at a multiple of 4K, same
// as the ELF core reader this is adapted from assumed for its host
// page size. Windows memory regions are always page (4K) granular.
// The remaining 52 bits are split into a 5-level radix tree (12 bits
// at the top level, 10 at each of the four below), so lookups stay
// O(1)-ish regardless of how sparse the address space is.
type pageTable0 [1 << 10]*Mapping
type pageTable1 [1 << 10]*pageTable0
type pageTable2 [1 << 10]*pageTable1
type pageTable3 [1 << 10]*pageTable2
type pageTable4 [1 << 12]*pageTable3

// MemoryMap is a collection of Mappings, kept in insertion order and
// not merged, with O(1)-ish address lookup via a radix page table.
type MemoryMap struct {
	mappings []*Mapping
	table    pageTable4
}

// Add inserts a new mapping covering [min,max). The mapping's bytes
// must already be sized max-min.
func (mm *MemoryMap) Add(min, max Address, contents []byte) error {
	if min%(1<<12) != 0 {
		return fmt.Errorf("mapping start %s isn't a multiple of 4096", min)
	}
	if max%(1<<12) != 0 {
		return fmt.Errorf("mapping end %s isn't a multiple of 4096", max)
	}
	if int64(len(contents)) != max.Sub(min) {
		return fmt.Errorf("mapping [%s,%s) contents length %d doesn't match", min, max, len(contents))
	}
	m := &Mapping{min: min, max: max, contents: contents}
	mm.mappings = append(mm.mappings, m)
	for a := min; a < max; a += 1 << 12 {
		i3 := a >> 52
		t3 := mm.table[i3]
		if t3 == nil {
			t3 = new(pageTable3)
			mm.table[i3] = t3
		}
		i2 := a >> 42 % (1 << 10)
		t2 := t3[i2]
		if t2 == nil {
			t2 = new(pageTable2)
			t3[i2] = t2
		}
		i1 := a >> 32 % (1 << 10)
		t1 := t2[i1]
		if t1 == nil {
			t1 = new(pageTable1)
			t2[i1] = t1
		}
		i0 := a >> 22 % (1 << 10)
		t0 := t1[i0]
		if t0 == nil {
			t0 = new(pageTable0)
			t1[i0] = t0
		}
		t0[a>>12%(1<<10)] = m
	}
	return nil
}

// find is simple enough that it inlines.
func (mm *MemoryMap) find(a Address) *Mapping {
	t3 := mm.table[a>>52]
	if t3 == nil {
		return nil
	}
	t2 := t3[a>>42%(1<<10)]
	if t2 == nil {
		return nil
	}
	t1 := t2[a>>32%(1<<10)]
	if t1 == nil {
		return nil
	}
	t0 := t1[a>>22%(1<<10)]
	if t0 == nil {
		return nil
	}
	return t0[a>>12%(1<<10)]
}

// Mappings returns every mapping known to mm, in no particular order.
func (mm *MemoryMap) Mappings() []*Mapping {
	return mm.mappings
}

// ReadBytes reads n bytes starting at a. The read must lie entirely
// within a single mapping; Windows heap and allocator structures are
// never split across mapped regions in a way the walker needs to
// follow, so unlike the ELF core reader's splicedMemory this doesn't
// need to stitch reads across mappings.
func (mm *MemoryMap) ReadBytes(a Address, n int64) ([]byte, error) {
	m := mm.find(a)
	if m == nil {
		return nil, NotReadable(a, n)
	}
	off := a.Sub(m.min)
	if off < 0 || off+n > int64(len(m.contents)) {
		return nil, NotReadable(a, n)
	}
	return m.contents[off : off+n], nil
}
