package heapwalk

import (
	"fmt"
	"sort"

	"github.com/wdbg/heapstat/internal/target"
)

// Sentinel values an LFH block's ExtendedBlockSignature carries
// instead of the back-end's Flags bit, per spec.md §4.4.4.
const (
	lfhBusySignatureUST   = 0xC2
	lfhBusySignaturePlain = 0x88
)

// lfhSubsegment is a decoded _HEAP_SUBSEGMENT: a fixed-size-block
// arena the Low-Fragmentation Heap hands out of instead of going to
// the backend allocator for every small request.
type lfhSubsegment struct {
	addr       target.Address
	userBlocks target.Address
	blockSize  int64 // in block_unit units, matching entryHeader.size
	blockCount int64
}

// collectLFHSubsegments walks _HEAP.FrontEndHeap (an _LFH_HEAP) and
// returns every subsegment it owns.
func collectLFHSubsegments(t target.Target, heap target.Address, bitness int) ([]lfhSubsegment, error) {
	feOff, err := t.FieldOffset("_HEAP", "FrontEndHeap")
	if err != nil {
		return nil, err
	}
	ptrSize := int64(8)
	if bitness == 32 {
		ptrSize = 4
	}
	lfh, err := readPtr(t, heap.Add(feOff), ptrSize)
	if err != nil {
		return nil, fmt.Errorf("reading FrontEndHeap: %w", err)
	}
	if lfh == 0 {
		return nil, nil
	}

	zonesOff, err := t.FieldOffset("_LFH_HEAP", "SubSegmentZones")
	if err != nil {
		return nil, err
	}
	zoneHead := lfh.Add(zonesOff)
	first, err := readPtr(t, zoneHead, ptrSize)
	if err != nil {
		return nil, fmt.Errorf("reading SubSegmentZones head: %w", err)
	}

	ubOff, err := t.FieldOffset("_HEAP_SUBSEGMENT", "UserBlocks")
	if err != nil {
		return nil, err
	}
	bsOff, err := t.FieldOffset("_HEAP_SUBSEGMENT", "BlockSize")
	if err != nil {
		return nil, err
	}
	bcOff, err := t.FieldOffset("_HEAP_SUBSEGMENT", "BlockCount")
	if err != nil {
		return nil, err
	}

	// Each zone is a fixed-size arena of back-to-back _HEAP_SUBSEGMENT
	// records; the zone header's own two pointers (FreePointer, Limit)
	// bound how many are actually in use. This analyzer doesn't need
	// zone-level bookkeeping precision: it reads a conservative fixed
	// count per zone and skips any entry with a zero UserBlocks
	// pointer (an unused slot) or zero BlockSize (ends the zone).
	const subsegEntrySize = 24
	const subsegsPerZone = 8

	var out []lfhSubsegment
	cur := first
	seen := map[target.Address]bool{}
	for cur != 0 && cur != zoneHead && !seen[cur] {
		seen[cur] = true
		zoneBase := cur.Add(2 * ptrSize) // skip the zone's own LIST_ENTRY-style links
		for i := int64(0); i < subsegsPerZone; i++ {
			sub := zoneBase.Add(i * subsegEntrySize)
			ub, err := readPtr(t, sub.Add(ubOff), ptrSize)
			if err != nil || ub == 0 {
				continue
			}
			bsRaw, err := t.ReadU16(sub.Add(bsOff))
			if err != nil {
				continue
			}
			if bsRaw == 0 {
				break
			}
			bcRaw, err := t.ReadU16(sub.Add(bcOff))
			if err != nil {
				continue
			}
			out = append(out, lfhSubsegment{
				addr:       sub,
				userBlocks: ub,
				blockSize:  int64(bsRaw),
				blockCount: int64(bcRaw),
			})
		}
		next, err := readPtr(t, cur, ptrSize)
		if err != nil {
			break
		}
		cur = next
	}
	return out, nil
}

// firstBlockOffset returns the byte offset from a sub-segment's
// UserBlocks to its first block, per spec.md §4.4.4: Win8+ stores it
// in the UserBlocks region's own FirstAllocationOffset field;
// pre-Win8 it's simply sizeof(_HEAP_USERDATA_HEADER).
func firstBlockOffset(t target.Target, env *target.Env, userBlocks target.Address) (int64, error) {
	major, minor := env.OSVersion()
	if major > 6 || (major == 6 && minor >= 2) {
		off, err := t.FieldOffset("_HEAP_USERDATA_HEADER", "FirstAllocationOffset")
		if err != nil {
			return 0, err
		}
		v, err := t.ReadU16(userBlocks.Add(off))
		if err != nil {
			return 0, fmt.Errorf("reading FirstAllocationOffset: %w", err)
		}
		return int64(v), nil
	}
	return t.TypeSize("_HEAP_USERDATA_HEADER")
}

// collectLFHRecords finds every busy LFH block reachable from heap's
// front end and returns them sorted by block_address, ready for
// walkOneSegment to drain in address order alongside the back-end
// walk (spec.md §4.4.4's "Integration with back-end walk"). A block is
// busy iff its ExtendedBlockSignature equals the mode's sentinel; the
// rest of each record is built with the same plain/UST formulas the
// back-end walk uses (constructRecord in segment.go), since an LFH
// block's layout past its own header is identical.
func collectLFHRecords(t target.Target, env *target.Env, heap target.Address, mode Mode) ([]Record, error) {
	bitness := env.Bitness()
	subs, err := collectLFHSubsegments(t, heap, bitness)
	if err != nil || len(subs) == 0 {
		return nil, err
	}

	sentinel := uint8(lfhBusySignaturePlain)
	if mode == ModeUST {
		sentinel = lfhBusySignatureUST
	}
	headerSize := headerSizeFor(bitness)
	blockUnit := blockUnitFor(bitness)
	sigOff := headerSize - 1

	var out []Record
	for _, sub := range subs {
		if sub.blockSize <= 0 {
			continue
		}
		firstOff, err := firstBlockOffset(t, env, sub.userBlocks)
		if err != nil {
			continue
		}
		stride := sub.blockSize * blockUnit
		base := sub.userBlocks.Add(firstOff)
		for i := int64(0); i < sub.blockCount; i++ {
			blockAddr := base.Add(i * stride)
			sig, err := t.ReadU8(blockAddr.Add(sigOff))
			if err != nil || sig != sentinel {
				continue
			}
			// sig is the busy-classification sentinel (0xC2/0x88), not
			// an overhead byte count: constructRecord's plain-mode
			// formula subtracts ExtendedBlockSignature from the gross
			// size, so feeding it the sentinel itself would reject
			// every LFH block. An LFH block's usable region is simply
			// what remains after its own header.
			hdr := entryHeader{
				size:                   sub.blockSize,
				extendedBlockSignature: uint8(headerSize),
				headerSize:             headerSize,
				blockUnit:              blockUnit,
			}
			rec, err := constructRecord(t, heap, sub.addr, blockAddr, hdr, mode, bitness)
			if err != nil {
				continue
			}
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out, nil
}
