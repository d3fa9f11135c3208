package minidump

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"os"
	"unicode/utf16"

	"github.com/wdbg/heapstat/internal/layout"
	"github.com/wdbg/heapstat/internal/target"
)

// Reader is a post-mortem target.Target backed by a parsed minidump
// file. Analogous to the teacher's core.Process, but for the MINIDUMP
// file format instead of ELF.
type Reader struct {
	mm      target.MemoryMap
	mods    []target.Module
	bitness int

	tebs []target.Address // TebBaseAddress of each thread, from ThreadInfoListStream

	layout layout.Resolver

	warnings []string
}

// Core opens path as a minidump file and returns a Reader presenting
// its memory and module list through the target.Target interface.
func Core(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading minidump %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (*Reader, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("minidump too small: %d bytes", len(data))
	}
	var h header
	h.Signature = byteOrder.Uint32(data[0:4])
	h.Version = byteOrder.Uint32(data[4:8])
	h.NumberOfStreams = byteOrder.Uint32(data[8:12])
	h.StreamDirectoryRva = byteOrder.Uint32(data[12:16])
	if h.Signature != headerSignature {
		return nil, fmt.Errorf("not a minidump file: bad signature %#x", h.Signature)
	}

	r := &Reader{}

	for i := uint32(0); i < h.NumberOfStreams; i++ {
		off := h.StreamDirectoryRva + i*12
		if int(off+12) > len(data) {
			return nil, fmt.Errorf("stream directory entry %d out of range", i)
		}
		d := directory{
			StreamType: byteOrder.Uint32(data[off : off+4]),
			DataSize:   byteOrder.Uint32(data[off+4 : off+8]),
			Rva:        byteOrder.Uint32(data[off+8 : off+12]),
		}
		if err := r.readStream(data, d); err != nil {
			return nil, fmt.Errorf("stream %d (type %d): %w", i, d.StreamType, err)
		}
	}

	if r.bitness == 0 {
		// No SystemInfoStream told us; default to 64, the common case
		// for a modern analyst's machine. A wrong guess here only
		// matters if the dump is also missing the streams that would
		// let heapwalk cross-check, which would fail loudly anyway.
		r.bitness = 64
	}

	resolver, err := layout.New(r.bitness, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("selecting struct layout: %w", err)
	}
	r.layout = resolver

	return r, nil
}

func (r *Reader) readStream(data []byte, d directory) error {
	switch d.StreamType {
	case streamMemoryList:
		return r.readMemoryList(data, d)
	case streamMemory64List:
		return r.readMemory64List(data, d)
	case streamModuleList:
		return r.readModuleList(data, d)
	case streamSystemInfo:
		return r.readSystemInfo(data, d)
	case streamThreadInfoList:
		return r.readThreadInfoList(data, d)
	default:
		return nil
	}
}

func (r *Reader) readSystemInfo(data []byte, d directory) error {
	if int(d.Rva+4) > len(data) {
		return fmt.Errorf("system info out of range")
	}
	arch := byteOrder.Uint16(data[d.Rva : d.Rva+2])
	switch arch {
	case procArchAMD64, procArchARM64:
		r.bitness = 64
	case procArchIntel:
		r.bitness = 32
	}
	return nil
}

func (r *Reader) readMemoryList(data []byte, d directory) error {
	if int(d.Rva+4) > len(data) {
		return fmt.Errorf("memory list out of range")
	}
	count := byteOrder.Uint32(data[d.Rva : d.Rva+4])
	off := d.Rva + 4
	for i := uint32(0); i < count; i++ {
		if int(off+16) > len(data) {
			return fmt.Errorf("memory descriptor %d out of range", i)
		}
		start := byteOrder.Uint64(data[off : off+8])
		size := byteOrder.Uint32(data[off+8 : off+12])
		rva := byteOrder.Uint32(data[off+12 : off+16])
		off += 16
		if err := r.addRange(data, start, uint64(size), rva); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) readMemory64List(data []byte, d directory) error {
	if int(d.Rva+12) > len(data) {
		return fmt.Errorf("memory64 list out of range")
	}
	count := byteOrder.Uint64(data[d.Rva : d.Rva+8])
	baseRva := byteOrder.Uint64(data[d.Rva+8 : d.Rva+16])
	off := d.Rva + 16
	cur := baseRva
	for i := uint64(0); i < count; i++ {
		if int(off+16) > len(data) {
			return fmt.Errorf("memory64 descriptor %d out of range", i)
		}
		start := byteOrder.Uint64(data[off : off+8])
		size := byteOrder.Uint64(data[off+8 : off+16])
		off += 16
		if err := r.addRange(data, start, size, uint32(cur)); err != nil {
			return err
		}
		cur += size
	}
	return nil
}

func (r *Reader) addRange(data []byte, start, size uint64, rva uint32) error {
	if size == 0 {
		return nil
	}
	if uint64(rva)+size > uint64(len(data)) {
		return fmt.Errorf("memory range at rva %#x/%d bytes out of file bounds", rva, size)
	}
	contents := data[rva : uint64(rva)+size]

	// Minidump memory ranges aren't guaranteed 4K-aligned/sized the
	// way target.MemoryMap requires; pad to page boundaries exactly
	// like the teacher's Core() does when it expands mmap ranges to
	// host page granularity.
	const pageSize = 0x1000
	min := target.Address(start)
	pad := size % pageSize
	padded := contents
	if pad != 0 {
		padded = make([]byte, size+(pageSize-pad))
		copy(padded, contents)
	}
	alignedMin := target.Address(uint64(min) &^ (pageSize - 1))
	if alignedMin != min {
		// Rare: a range starting mid-page. Shift the data back to the
		// page boundary with zero padding at the front.
		lead := min.Sub(alignedMin)
		n := lead + int64(size)
		if rem := n % pageSize; rem != 0 {
			n += pageSize - rem
		}
		shifted := make([]byte, n)
		copy(shifted[lead:], contents)
		padded = shifted
		min = alignedMin
	}
	max := min.Add(int64(len(padded)))
	return r.mm.Add(min, max, padded)
}

func (r *Reader) readModuleList(data []byte, d directory) error {
	if int(d.Rva+4) > len(data) {
		return fmt.Errorf("module list out of range")
	}
	count := byteOrder.Uint32(data[d.Rva : d.Rva+4])
	off := d.Rva + 4
	const entrySize = 108 // sizeof(MINIDUMP_MODULE)
	for i := uint32(0); i < count; i++ {
		if int(off+entrySize) > len(data) {
			return fmt.Errorf("module entry %d out of range", i)
		}
		base := byteOrder.Uint64(data[off : off+8])
		size := byteOrder.Uint32(data[off+8 : off+12])
		nameRva := byteOrder.Uint32(data[off+12+4+4+8 : off+12+4+4+8+4])
		off += entrySize

		name, err := readMinidumpString(data, nameRva)
		if err != nil {
			r.warnings = append(r.warnings, fmt.Sprintf("module %d: %s", i, err))
			name = fmt.Sprintf("module_%x", base)
		}
		r.mods = append(r.mods, target.Module{
			Name: baseName(name),
			Base: target.Address(base),
			Size: int64(size),
		})
	}
	return nil
}

// readMinidumpString reads a MINIDUMP_STRING: a uint32 byte length
// followed by UTF-16LE text, no terminator required.
func readMinidumpString(data []byte, rva uint32) (string, error) {
	if int(rva+4) > len(data) {
		return "", fmt.Errorf("string rva %#x out of range", rva)
	}
	n := byteOrder.Uint32(data[rva : rva+4])
	start := rva + 4
	if uint64(start)+uint64(n) > uint64(len(data)) {
		return "", fmt.Errorf("string rva %#x/%d out of range", rva, n)
	}
	raw := data[start : uint64(start)+uint64(n)]
	u16 := make([]uint16, n/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return string(utf16.Decode(u16)), nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '\\' || path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func (r *Reader) readThreadInfoList(data []byte, d directory) error {
	// MINIDUMP_THREAD_INFO_LIST: uint32 SizeOfHeader, uint32
	// SizeOfEntry, array of MINIDUMP_THREAD_INFO. We only need
	// ThreadId (first field) and TebBaseAddress (offset 0x30 in the
	// documented layout), so we read by the declared entry size
	// rather than hardcoding the whole struct.
	if int(d.Rva+8) > len(data) {
		return fmt.Errorf("thread info list out of range")
	}
	sizeOfHeader := byteOrder.Uint32(data[d.Rva : d.Rva+4])
	sizeOfEntry := byteOrder.Uint32(data[d.Rva+4 : d.Rva+8])
	count := (d.DataSize - sizeOfHeader) / sizeOfEntry
	base := d.Rva + sizeOfHeader
	const tebOffset = 0x30
	for i := uint32(0); i < count; i++ {
		entryOff := base + i*sizeOfEntry
		if int(entryOff+tebOffset+8) > len(data) {
			break
		}
		teb := byteOrder.Uint64(data[entryOff+tebOffset : entryOff+tebOffset+8])
		r.tebs = append(r.tebs, target.Address(teb))
	}
	return nil
}

// --- target.Target implementation ---

func (r *Reader) ReadBytes(a target.Address, n int64) ([]byte, error) {
	return r.mm.ReadBytes(a, n)
}

func (r *Reader) ReadU8(a target.Address) (uint8, error) {
	b, err := r.mm.ReadBytes(a, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadU16(a target.Address) (uint16, error) {
	b, err := r.mm.ReadBytes(a, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadU32(a target.Address) (uint32, error) {
	b, err := r.mm.ReadBytes(a, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadU64(a target.Address) (uint64, error) {
	b, err := r.mm.ReadBytes(a, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) FieldOffset(typeName, fieldName string) (int64, error) {
	return r.layout.FieldOffset(typeName, fieldName)
}

func (r *Reader) FieldValue(base target.Address, typeName, fieldName string, width int) (uint64, error) {
	off, err := r.layout.FieldOffset(typeName, fieldName)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		v, err := r.ReadU8(base.Add(off))
		return uint64(v), err
	case 2:
		v, err := r.ReadU16(base.Add(off))
		return uint64(v), err
	case 4:
		v, err := r.ReadU32(base.Add(off))
		return uint64(v), err
	case 8:
		return r.ReadU64(base.Add(off))
	default:
		return 0, target.UnknownField(typeName, fieldName)
	}
}

func (r *Reader) TypeSize(typeName string) (int64, error) {
	return r.layout.TypeSize(typeName)
}

// ResolveExpression supports the handful of pseudo-registers the
// environment probe needs: "$peb" (first thread's PEB) and "$peb32"
// (the WOW64 PEB, if the first thread has one).
func (r *Reader) ResolveExpression(name string) (target.Address, error) {
	if len(r.tebs) == 0 {
		return 0, fmt.Errorf("no threads recorded in dump")
	}
	teb := r.tebs[0]
	switch name {
	case "$peb":
		off, err := r.layout.FieldOffset("_TEB", "ProcessEnvironmentBlock")
		if err != nil {
			return 0, err
		}
		v, err := r.ReadU64(teb.Add(off))
		if err != nil {
			// 32-bit targets store a 4-byte pointer.
			v32, err32 := r.ReadU32(teb.Add(off))
			if err32 != nil {
				return 0, err
			}
			return target.Address(v32), nil
		}
		return target.Address(v), nil
	case "$peb32":
		off, err := r.layout.FieldOffset("_TEB", "WOW64Reserved")
		if err != nil {
			return 0, err
		}
		v, err := r.ReadU64(teb.Add(off))
		if err != nil || v == 0 {
			return 0, fmt.Errorf("no WOW64 TEB32 present")
		}
		// WOW64Reserved points at the TEB32; PEB32 sits at the same
		// relative offset within the 32-bit TEB layout.
		off32, err := r.layout.FieldOffset32("_TEB", "ProcessEnvironmentBlock")
		if err != nil {
			return 0, err
		}
		peb32, err := r.ReadU32(target.Address(v).Add(off32))
		if err != nil {
			return 0, err
		}
		return target.Address(peb32), nil
	default:
		return 0, fmt.Errorf("unknown expression %q", name)
	}
}

// Symbolize resolves a through the module list and the owning
// module's COFF symbol table (debug/pe's File.Symbols); the PE export
// directory is not read, so a module without COFF symbols resolves to
// module+offset with an empty symbol. No third-party PE parser
// in the reference pack ships as a fetchable module (the only PE
// example is a standalone file with no go.mod), so this one corner
// uses the standard library.
func (r *Reader) Symbolize(a target.Address) (module, symbol string, displacement int64, err error) {
	for _, m := range r.mods {
		if a < m.Base || a >= m.Base.Add(m.Size) {
			continue
		}
		sym, disp, serr := r.symbolizeInModule(m, a)
		if serr != nil {
			return m.Name, "", a.Sub(m.Base), nil
		}
		return m.Name, sym, disp, nil
	}
	return "", "", 0, target.NotReadable(a, 0)
}

func (r *Reader) symbolizeInModule(m target.Module, a target.Address) (symbol string, displacement int64, err error) {
	raw, err := r.mm.ReadBytes(m.Base, m.Size)
	if err != nil {
		return "", 0, err
	}
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	best := ""
	bestRVA := uint32(0)
	rva := uint32(a.Sub(m.Base))
	for _, s := range f.Symbols {
		if s.Value == 0 {
			continue
		}
		if s.Value <= rva && (best == "" || s.Value > bestRVA) {
			best = s.Name
			bestRVA = s.Value
		}
	}
	if best == "" {
		return "", 0, fmt.Errorf("no exported symbol covers rva %#x", rva)
	}
	return best, int64(rva - bestRVA), nil
}

func (r *Reader) Modules() ([]target.Module, error) {
	return r.mods, nil
}

func (r *Reader) Bitness() int { return r.bitness }

// Warnings returns non-fatal issues noticed while parsing, e.g. a
// module whose name string couldn't be read.
func (r *Reader) Warnings() []string { return r.warnings }
