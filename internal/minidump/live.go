//go:build windows

// Live attachment needs real Windows syscalls (OpenProcess,
// ReadProcessMemory, NtQueryInformationProcess, the psapi module
// enumeration family); the offline minidump reader in reader.go has
// no such requirement and stays buildable on any host.
package minidump

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/wdbg/heapstat/internal/layout"
	"github.com/wdbg/heapstat/internal/target"
)

var (
	modkernel32           = windows.NewLazySystemDLL("kernel32.dll")
	procReadProcessMemory = modkernel32.NewProc("ReadProcessMemory")
)

// SymbolProvider resolves addresses to module-relative symbols for a
// live session. Unlike the minidump reader (which can fall back to an
// image's COFF symbol table), a live session defers entirely to whatever symbol
// engine the caller already has running (DbgHelp, a debugger host's
// own resolver); this repo does not implement one.
type SymbolProvider interface {
	Symbolize(a target.Address) (module, symbol string, displacement int64, err error)
}

// LiveReader implements target.Target against a running process via
// OpenProcess/ReadProcessMemory, the Windows analog of the teacher's
// ptrace-based server.ptracePeek. Unlike ptrace, ReadProcessMemory
// needs no dedicated OS thread or serialized request channel: the
// handle is valid from any goroutine, so LiveReader has none of
// ptraceRun's thread-affinity machinery.
type LiveReader struct {
	handle windows.Handle
	pid    uint32
	layout layout.Resolver
	bitness int
	symbols SymbolProvider

	mu   sync.Mutex
	mods []target.Module
}

// OpenLive attaches to pid with the access rights needed to read
// memory and query basic process information. bitness and the OS
// version select the struct-layout resolver the same way
// target.NewEnv's probe does for a minidump.
func OpenLive(pid uint32, bitness int, osMajor, osMinor uint32, symbols SymbolProvider) (*LiveReader, error) {
	h, err := windows.OpenProcess(windows.PROCESS_VM_READ|windows.PROCESS_QUERY_INFORMATION, false, pid)
	if err != nil {
		return nil, fmt.Errorf("OpenProcess(%d): %w", pid, err)
	}
	l, err := layout.New(bitness, osMajor, osMinor)
	if err != nil {
		windows.CloseHandle(h)
		return nil, err
	}
	return &LiveReader{handle: h, pid: pid, layout: l, bitness: bitness, symbols: symbols}, nil
}

// Close releases the process handle.
func (r *LiveReader) Close() error {
	return windows.CloseHandle(r.handle)
}

func (r *LiveReader) ReadBytes(a target.Address, n int64) ([]byte, error) {
	buf := make([]byte, n)
	var read uintptr
	ret, _, _ := procReadProcessMemory.Call(
		uintptr(r.handle),
		uintptr(a),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(n),
		uintptr(unsafe.Pointer(&read)),
	)
	if ret == 0 || int64(read) != n {
		return nil, target.NotReadable(a, n)
	}
	return buf, nil
}

func (r *LiveReader) ReadU8(a target.Address) (uint8, error) {
	b, err := r.ReadBytes(a, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *LiveReader) ReadU16(a target.Address) (uint16, error) {
	b, err := r.ReadBytes(a, 2)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint16(b), nil
}

func (r *LiveReader) ReadU32(a target.Address) (uint32, error) {
	b, err := r.ReadBytes(a, 4)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint32(b), nil
}

func (r *LiveReader) ReadU64(a target.Address) (uint64, error) {
	b, err := r.ReadBytes(a, 8)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint64(b), nil
}

func (r *LiveReader) FieldOffset(typeName, fieldName string) (int64, error) {
	return r.layout.FieldOffset(typeName, fieldName)
}

func (r *LiveReader) FieldValue(base target.Address, typeName, fieldName string, width int) (uint64, error) {
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
	default:
		return r.ReadU64(base.Add(off))
	}
}

func (r *LiveReader) TypeSize(typeName string) (int64, error) {
	return r.layout.TypeSize(typeName)
}

// ResolveExpression supports the "$peb" pseudo-symbol target.NewEnv
// probes for, via NtQueryInformationProcess's ProcessBasicInformation
// (the live equivalent of reading a TEB out of the minidump's
// ThreadInfoListStream). "$peb32" and every other name return
// UnknownField, so NewEnv never reports WOW64 for a live session.
func (r *LiveReader) ResolveExpression(name string) (target.Address, error) {
	switch name {
	case "$peb":
		return r.queryPEB()
	default:
		return 0, target.UnknownField("<expr>", name)
	}
}

func (r *LiveReader) queryPEB() (target.Address, error) {
	var pbi processBasicInformation
	ret, _, _ := procNtQueryInformationProcess.Call(
		uintptr(r.handle),
		0, // ProcessBasicInformation
		uintptr(unsafe.Pointer(&pbi)),
		unsafe.Sizeof(pbi),
		0,
	)
	if ret != 0 {
		return 0, fmt.Errorf("%w: NtQueryInformationProcess failed (status %#x)", target.ErrNotReadable, ret)
	}
	return target.Address(pbi.pebBaseAddress), nil
}

// processBasicInformation mirrors the stable subset of
// PROCESS_BASIC_INFORMATION this analyzer needs: just the PEB
// pointer, at the same offset on every Windows version this tool
// targets.
type processBasicInformation struct {
	exitStatus                   uintptr
	pebBaseAddress               uintptr
	affinityMask                 uintptr
	basePriority                 uintptr
	uniqueProcessID               uintptr
	inheritedFromUniqueProcessID  uintptr
}

var (
	modntdll                      = windows.NewLazySystemDLL("ntdll.dll")
	procNtQueryInformationProcess = modntdll.NewProc("NtQueryInformationProcess")

	modpsapi                 = windows.NewLazySystemDLL("psapi.dll")
	procEnumProcessModulesEx = modpsapi.NewProc("EnumProcessModulesEx")
	procGetModuleInformation = modpsapi.NewProc("GetModuleInformation")
	procGetModuleBaseNameW   = modpsapi.NewProc("GetModuleBaseNameW")
)

type moduleInfo struct {
	baseOfDll   uintptr
	sizeOfImage uint32
	entryPoint  uintptr
}

const listModulesAll = 0x03

// enumModules lists every module loaded in the process owning handle,
// the live-session counterpart of readModuleList's minidump
// ModuleListStream parse.
func enumModules(handle windows.Handle) ([]target.Module, error) {
	const maxModules = 1024
	handles := make([]uintptr, maxModules)
	var needed uint32
	ret, _, _ := procEnumProcessModulesEx.Call(
		uintptr(handle),
		uintptr(unsafe.Pointer(&handles[0])),
		uintptr(len(handles))*unsafe.Sizeof(handles[0]),
		uintptr(unsafe.Pointer(&needed)),
		listModulesAll,
	)
	if ret == 0 {
		return nil, fmt.Errorf("EnumProcessModulesEx: %w", windows.GetLastError())
	}
	count := int(needed) / int(unsafe.Sizeof(handles[0]))
	if count > maxModules {
		count = maxModules
	}

	var mods []target.Module
	for _, h := range handles[:count] {
		var mi moduleInfo
		if ret, _, _ := procGetModuleInformation.Call(uintptr(handle), h, uintptr(unsafe.Pointer(&mi)), unsafe.Sizeof(mi)); ret == 0 {
			continue
		}
		nameBuf := make([]uint16, windows.MAX_PATH)
		n, _, _ := procGetModuleBaseNameW.Call(uintptr(handle), h, uintptr(unsafe.Pointer(&nameBuf[0])), uintptr(len(nameBuf)))
		if n == 0 {
			continue
		}
		mods = append(mods, target.Module{
			Name: windows.UTF16ToString(nameBuf[:n]),
			Base: target.Address(mi.baseOfDll),
			Size: int64(mi.sizeOfImage),
		})
	}
	return mods, nil
}

func (r *LiveReader) Symbolize(a target.Address) (module, symbol string, displacement int64, err error) {
	if r.symbols == nil {
		return "", "", 0, target.UnknownField("<symbol>", a.String())
	}
	return r.symbols.Symbolize(a)
}

// Modules enumerates loaded modules via EnumProcessModules/
// GetModuleInformation, caching the result for the life of the
// session since a live analysis run doesn't track module
// load/unload events mid-walk.
func (r *LiveReader) Modules() ([]target.Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mods != nil {
		return r.mods, nil
	}
	mods, err := enumModules(r.handle)
	if err != nil {
		return nil, err
	}
	r.mods = mods
	return mods, nil
}

func (r *LiveReader) Bitness() int { return r.bitness }
