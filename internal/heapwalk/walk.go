package heapwalk

import (
	"fmt"

	"github.com/wdbg/heapstat/internal/target"
)

// Options configures a Walk. The zero value is usable and matches the
// original tool's defaults.
type Options struct {
	// Tracer receives progress/diagnostic notifications. Defaults to
	// NopTracer if nil.
	Tracer Tracer

	// PageHeapNodeLimit bounds how many nodes the page-heap AVL walk
	// will visit before giving up on a single heap, guarding against
	// a corrupted tree's cycle. Configurable via the
	// HEAPSTAT_PAGEHEAP_NODE_LIMIT environment variable (see
	// cmd/heapstat's config wiring); 0 means use DefaultPageHeapNodeLimit.
	PageHeapNodeLimit int

	// OnlyHeap restricts the walk to a single heap address. 0 (the
	// zero value) means walk every heap, spec.md's default and the
	// only behavior its distilled command table exposes. Walk
	// honors a non-zero value; no cmd/heapstat command sets it.
	OnlyHeap target.Address
}

// DefaultPageHeapNodeLimit is the ceiling used when Options doesn't
// override it.
const DefaultPageHeapNodeLimit = 1 << 20

// Walk discovers every heap of the target process and emits its
// blocks through emit. env must already have probed the process (see
// target.NewEnv). A failure walking one heap is reported to the
// tracer and does not stop the walk from continuing to the next heap,
// per spec.md's error-handling design.
func Walk(t target.Target, env *target.Env, emit Emitter, opts Options) error {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = NopTracer{}
	}
	limit := opts.PageHeapNodeLimit
	if limit == 0 {
		limit = DefaultPageHeapNodeLimit
	}

	heaps, err := listHeaps(t, env)
	if err != nil {
		return fmt.Errorf("listing process heaps: %w", err)
	}

	for _, h := range heaps {
		if opts.OnlyHeap != 0 && h != opts.OnlyHeap {
			continue
		}
		if err := walkHeap(t, env, h, emit, tracer, limit); err != nil {
			tracer.Warn(h, fmt.Sprintf("abandoning heap: %v", err))
		}
	}
	return nil
}

// listHeaps reads PEB.ProcessHeaps, an array of PEB.NumberOfHeaps
// heap base addresses, the process-wide heap registry every Windows
// process maintains regardless of which individual heaps have UST or
// page-heap instrumentation enabled.
func listHeaps(t target.Target, env *target.Env) ([]target.Address, error) {
	peb := env.PEB()
	bitness := env.Bitness()

	countOff, err := t.FieldOffset("_PEB", "NumberOfHeaps")
	if err != nil {
		return nil, err
	}
	count, err := t.ReadU32(peb.Add(countOff))
	if err != nil {
		return nil, fmt.Errorf("reading NumberOfHeaps: %w", err)
	}

	arrOff, err := t.FieldOffset("_PEB", "ProcessHeaps")
	if err != nil {
		return nil, err
	}
	arr, err := t.ReadU64(peb.Add(arrOff))
	var arrAddr target.Address
	if err != nil {
		v32, err32 := t.ReadU32(peb.Add(arrOff))
		if err32 != nil {
			return nil, fmt.Errorf("reading ProcessHeaps pointer: %w", err)
		}
		arrAddr = target.Address(v32)
	} else {
		arrAddr = target.Address(arr)
	}

	ptrSize := int64(8)
	if bitness == 32 {
		ptrSize = 4
	}

	heaps := make([]target.Address, 0, count)
	for i := uint32(0); i < count; i++ {
		entry := arrAddr.Add(int64(i) * ptrSize)
		var v uint64
		if ptrSize == 8 {
			v, err = t.ReadU64(entry)
		} else {
			var v32 uint32
			v32, err = t.ReadU32(entry)
			v = uint64(v32)
		}
		if err != nil {
			return nil, fmt.Errorf("reading heap entry %d: %w", i, err)
		}
		heaps = append(heaps, target.Address(v))
	}
	return heaps, nil
}

// heapMode decides which walker to dispatch a heap to from the
// process-wide NtGlobalFlag bits held in env; the heap itself is not
// inspected, so every heap of a process gets the same mode. Page-heap instrumentation
// replaces the entire heap layout (its base "heap" pointer actually
// refers to a DPH_HEAP_ROOT, not a _HEAP), so it's checked first.
func heapMode(t target.Target, env *target.Env, heap target.Address) Mode {
	if env.PageHeapEnabled() {
		return ModeHPA
	}
	if env.USTEnabled() {
		return ModeUST
	}
	return ModePlain
}

func walkHeap(t target.Target, env *target.Env, heap target.Address, emit Emitter, tracer Tracer, pageHeapLimit int) error {
	mode := heapMode(t, env, heap)
	emit.OnHeapStart(heap, mode)
	defer emit.OnHeapEnd(heap)

	switch mode {
	case ModeHPA:
		return walkPageHeap(t, env, heap, emit, tracer, pageHeapLimit)
	default:
		return walkSegments(t, env, heap, mode, emit, tracer)
	}
}
