// Package ust reads User-mode Stack Trace records: the small,
// separately-allocated structures the heap manager writes one per
// unique call stack when FLG_USER_STACK_TRACE_DB is set, and that
// every UST-mode heap block header points back to instead of storing
// its own copy of the stack.
//
// The record layout is one of the few pieces of this analyzer that
// isn't officially documented; it's reverse-engineered the same way
// the original yoichi/HeapStat tool's Utility.cpp::GetUstAddress
// does, and is stable across the whole Windows XP-10 range this
// analyzer targets.
package ust

import "github.com/wdbg/heapstat/internal/target"

// MaxDepth bounds how many frames a single record can report. The
// heap manager itself caps captured depth at 32; reading more than
// that from a corrupt record would just be reading garbage.
const MaxDepth = 32

// Record is one decoded UST entry: the call stack recorded at the
// moment a still-live block was allocated.
type Record struct {
	Addr   target.Address // address of the stack-trace entry itself
	Depth  int
	Frames []target.Address // Frames[0] is the innermost (allocator) frame
}

// Read decodes the stack-trace entry at addr. bitness selects 4- or
// 8-byte frame pointers. The entry's 16-bit depth count sits at +0x8
// (32-bit) or +0xC (64-bit), and the Depth frame pointers follow it
// at +0xC (32-bit) or +0x10 (64-bit); the entry's other fields are
// not read.
func Read(t target.Target, addr target.Address, bitness int) (*Record, error) {
	frameSize := int64(4)
	depthOff, arrayOff := int64(0x8), int64(0xC)
	if bitness == 64 {
		frameSize = 8
		depthOff, arrayOff = 0xC, 0x10
	}

	depthRaw, err := t.ReadU16(addr.Add(depthOff))
	if err != nil {
		return nil, err
	}
	depth := int(depthRaw)
	if depth > MaxDepth {
		depth = MaxDepth
	}

	base := addr.Add(arrayOff)

	frames := make([]target.Address, 0, depth)
	for i := 0; i < depth; i++ {
		fa := base.Add(int64(i) * frameSize)
		var v uint64
		if bitness == 64 {
			v, err = t.ReadU64(fa)
		} else {
			var v32 uint32
			v32, err = t.ReadU32(fa)
			v = uint64(v32)
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, target.Address(v))
	}

	return &Record{Addr: addr, Depth: depth, Frames: frames}, nil
}

// Frame is one symbolized stack frame, as printed by the `ust`
// command (spec.md §6) and consumed by the by-caller aggregator.
type Frame struct {
	PC           target.Address
	Module       string
	Symbol       string
	Displacement int64
}

// Symbolize resolves every frame in r against t, in innermost-first
// order, the way the original tool's `ust` command prints a raw frame
// list with no aggregation.
func Symbolize(t target.Target, r *Record) ([]Frame, error) {
	out := make([]Frame, 0, len(r.Frames))
	for _, pc := range r.Frames {
		module, symbol, disp, err := t.Symbolize(pc)
		if err != nil {
			out = append(out, Frame{PC: pc})
			continue
		}
		out = append(out, Frame{PC: pc, Module: module, Symbol: symbol, Displacement: disp})
	}
	return out, nil
}

// Caller returns the first frame in r that isn't in the classifier's
// skip set (spec.md's by-caller aggregation rule: ntdll, any msvcr*,
// and verifier frames are skipped so the reported "caller" is the
// first frame of actual application or library code). If every frame
// is skipped, Caller falls back to the innermost frame.
func Caller(t target.Target, r *Record, skip func(module string) bool) (Frame, error) {
	frames, err := Symbolize(t, r)
	if err != nil {
		return Frame{}, err
	}
	for _, f := range frames {
		if f.Module == "" || !skip(f.Module) {
			return f, nil
		}
	}
	if len(frames) > 0 {
		return frames[0], nil
	}
	return Frame{}, nil
}
