package heapwalk

import (
	"fmt"

	"github.com/wdbg/heapstat/internal/target"
)

// vaOffsets gives the mode/bitness-dependent fixed offsets, relative
// to a _HEAP_VIRTUAL_ALLOC_ENTRY's own address, of its UST address and
// user address fields, per spec.md §4.4.6.
type vaOffsets struct {
	ustAddr  int64
	userAddr int64
}

func virtualAllocOffsets(mode Mode, bitness int) (vaOffsets, bool) {
	switch {
	case mode == ModeUST && bitness == 32:
		return vaOffsets{ustAddr: 0x20, userAddr: 0x30}, true
	case mode == ModeUST && bitness == 64:
		return vaOffsets{ustAddr: 0x40, userAddr: 0x60}, true
	default:
		return vaOffsets{}, false
	}
}

// walkVirtualAllocBlocks walks _HEAP.VirtualAllocdBlocks, the linked
// list of large allocations (bigger than the segment's standard block
// granularity can serve efficiently) that went straight to
// VirtualAlloc instead of the segment/LFH machinery. Every entry on
// this list is, by construction, busy: the heap manager frees these
// directly back to VirtualAlloc rather than keeping them around as
// free nodes.
func walkVirtualAllocBlocks(t target.Target, heap target.Address, mode Mode, bitness int, emit Emitter, tracer Tracer) error {
	listOff, err := t.FieldOffset("_HEAP", "VirtualAllocdBlocks")
	if err != nil {
		return err
	}
	ptrSize := int64(8)
	if bitness == 32 {
		ptrSize = 4
	}
	listHead := heap.Add(listOff)
	first, err := readPtr(t, listHead, ptrSize)
	if err != nil {
		return fmt.Errorf("reading VirtualAllocdBlocks head: %w", err)
	}

	entryOff, err := t.FieldOffset("_HEAP_VIRTUAL_ALLOC_ENTRY", "Entry")
	if err != nil {
		return err
	}
	commitOff, err := t.FieldOffset("_HEAP_VIRTUAL_ALLOC_ENTRY", "CommitSize")
	if err != nil {
		return err
	}

	enc, err := readEncoding(t, heap, bitness)
	if err != nil {
		return fmt.Errorf("reading heap encoding: %w", err)
	}

	cur := first
	seen := map[target.Address]bool{}
	for cur != 0 && cur != listHead && !seen[cur] {
		seen[cur] = true
		node := cur.Add(-entryOff)

		var commit uint64
		if ptrSize == 8 {
			commit, err = t.ReadU64(node.Add(commitOff))
		} else {
			var v32 uint32
			v32, err = t.ReadU32(node.Add(commitOff))
			commit = uint64(v32)
		}
		if err != nil {
			tracer.Warn(node, fmt.Sprintf("reading CommitSize: %v", err))
			break
		}

		headerAddr := node.Add(entryOff)
		hdr, err := decodeEntry(t, headerAddr, enc, bitness)
		if err != nil {
			tracer.Warn(headerAddr, fmt.Sprintf("embedded header: %v", err))
			next, nerr := readPtr(t, cur, ptrSize)
			if nerr != nil {
				break
			}
			cur = next
			continue
		}

		var rec Record
		if off, ok := virtualAllocOffsets(mode, bitness); ok {
			ustAddr, uerr := readPtr(t, node.Add(off.ustAddr), ptrSize)
			if uerr != nil {
				tracer.Warn(node, fmt.Sprintf("reading UST address: %v", uerr))
			}
			rec = Record{
				Heap:    heap,
				Addr:    node.Add(off.userAddr),
				Size:    int64(commit) - off.userAddr,
				Gross:   int64(commit),
				Busy:    true,
				Mode:    mode,
				USTAddr: ustAddr,
			}
		} else {
			plain, perr := constructPlainRecord(heap, 0, headerAddr, hdr)
			if perr != nil {
				tracer.Warn(headerAddr, perr.Error())
				next, nerr := readPtr(t, cur, ptrSize)
				if nerr != nil {
					break
				}
				cur = next
				continue
			}
			plain.Gross = int64(commit) // gross size comes from CommitSize, not the embedded header
			plain.Mode = mode
			rec = plain
		}

		emit.OnRecord(rec)

		next, err := readPtr(t, cur, ptrSize)
		if err != nil {
			break
		}
		cur = next
	}
	return nil
}
