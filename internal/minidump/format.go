// Package minidump implements the two concrete target.Target
// backends: a post-mortem reader for the Windows MINIDUMP file format,
// and a thin live-process reader over golang.org/x/sys/windows.
//
// The post-mortem reader is structured the way the teacher's
// internal/core package reads an ELF core file: read a header, walk a
// table of directory entries building up a set of memory mappings and
// a module list, then hand the result to the higher layers through a
// single interface. There's no ELF here, just a different file format
// serving the same role.
package minidump

import "encoding/binary"

// Stream type constants from the MINIDUMP_STREAM_TYPE enumeration.
// Only the streams this analyzer needs are named; the rest of the
// directory is skipped.
const (
	streamThreadList     = 3
	streamModuleList     = 4
	streamMemoryList     = 5
	streamException      = 6
	streamSystemInfo     = 7
	streamMiscInfo       = 15
	streamMemory64List   = 9
	streamThreadInfoList = 24
)

const headerSignature = 0x504d444d // "MDMP"

// header mirrors MINIDUMP_HEADER.
type header struct {
	Signature          uint32
	Version            uint32
	NumberOfStreams    uint32
	StreamDirectoryRva uint32
	CheckSum           uint32
	TimeDateStamp      uint32
	Flags              uint64
}

// directory mirrors MINIDUMP_DIRECTORY.
type directory struct {
	StreamType uint32
	DataSize   uint32
	Rva        uint32
}

// locationDescriptor mirrors MINIDUMP_LOCATION_DESCRIPTOR.
type locationDescriptor struct {
	DataSize uint32
	Rva      uint32
}

// memoryDescriptor mirrors MINIDUMP_MEMORY_DESCRIPTOR, an entry of
// MemoryListStream: a single, separately-located memory range.
type memoryDescriptor struct {
	StartOfMemoryRange uint64
	Memory             locationDescriptor
}

// moduleEntry mirrors MINIDUMP_MODULE, trimmed to the fields this
// analyzer reads. VersionInfo and the CV/misc record locations aren't
// needed: symbolization here only uses the image's COFF symbol table
// via debug/pe, not PDB CodeView records.
type moduleEntry struct {
	BaseOfImage   uint64
	SizeOfImage   uint32
	CheckSum      uint32
	TimeDateStamp uint32
	ModuleNameRva uint32
}

// systemInfo mirrors MINIDUMP_SYSTEM_INFO, trimmed to the fields
// needed to decide the target's pointer width.
type systemInfo struct {
	ProcessorArchitecture uint16
	ProcessorLevel        uint16
	ProcessorRevision     uint16
	_pad                  [2]byte
	MajorVersion          uint32
	MinorVersion          uint32
	BuildNumber           uint32
	PlatformID            uint32
}

// Processor architecture values from SYSTEM_INFO.
const (
	procArchIntel = 0
	procArchAMD64 = 9
	procArchARM64 = 12
)

var byteOrder binary.ByteOrder = binary.LittleEndian
