package heapwalk

import (
	"fmt"

	"github.com/wdbg/heapstat/internal/target"
)

const frontEndHeapTypeLFH = 2

// walkSegments handles plain and UST heaps: it walks the heap's
// segment list, and within each segment, the linear chain of
// _HEAP_ENTRY headers from FirstEntry to LastValidEntry. Where the
// heap's front end is the Low-Fragmentation Heap, every busy LFH block
// across the whole heap is collected up front, sorted by address, and
// drained into the back-end stream at the right position as
// walkOneSegment's cursor passes it (the "LFH integration" merge
// spec.md calls for: the walk's output is ordered by address
// regardless of which layer a block came from).
func walkSegments(t target.Target, env *target.Env, heap target.Address, mode Mode, emit Emitter, tracer Tracer) error {
	bitness := env.Bitness()
	enc, err := readEncoding(t, heap, bitness)
	if err != nil {
		return fmt.Errorf("reading heap encoding: %w", err)
	}

	var lfhRecords []Record
	feTypeOff, err := t.FieldOffset("_HEAP", "FrontEndHeapType")
	if err == nil {
		feType, ferr := t.ReadU8(heap.Add(feTypeOff))
		if ferr == nil && feType == frontEndHeapTypeLFH {
			lfhRecords, err = collectLFHRecords(t, env, heap, mode)
			if err != nil {
				tracer.Warn(heap, fmt.Sprintf("LFH front end unreadable, falling back to backend-only view: %v", err))
				lfhRecords = nil
			}
		}
	}

	segments, err := segmentList(t, heap, bitness)
	if err != nil {
		return fmt.Errorf("reading segment list: %w", err)
	}

	for _, seg := range segments {
		if err := walkOneSegment(t, env, heap, seg, mode, enc, &lfhRecords, emit, tracer); err != nil {
			tracer.Warn(seg, fmt.Sprintf("abandoning segment: %v", err))
		}
	}

	if err := walkVirtualAllocBlocks(t, heap, mode, bitness, emit, tracer); err != nil {
		tracer.Warn(heap, fmt.Sprintf("virtual-alloc block list: %v", err))
	}

	return nil
}

// segmentList walks the doubly-linked, circular _HEAP.SegmentList.
func segmentList(t target.Target, heap target.Address, bitness int) ([]target.Address, error) {
	listOff, err := t.FieldOffset("_HEAP", "SegmentList")
	if err != nil {
		return nil, err
	}
	ptrSize := int64(8)
	if bitness == 32 {
		ptrSize = 4
	}
	listHead := heap.Add(listOff)

	first, err := readPtr(t, listHead, ptrSize)
	if err != nil {
		return nil, fmt.Errorf("reading SegmentList head: %w", err)
	}

	var segs []target.Address
	entryOff, err := t.FieldOffset("_HEAP_SEGMENT", "SegmentListEntry")
	if err != nil {
		return nil, err
	}

	cur := first
	seen := map[target.Address]bool{}
	for cur != 0 && cur != listHead && !seen[cur] {
		seen[cur] = true
		// cur points at the embedded LIST_ENTRY field, not the start
		// of the _HEAP_SEGMENT; back up to the segment's base.
		seg := cur.Add(-entryOff)
		segs = append(segs, seg)
		next, err := readPtr(t, cur, ptrSize)
		if err != nil {
			return segs, fmt.Errorf("reading segment list link at %s: %w", cur, err)
		}
		cur = next
	}
	return segs, nil
}

// walkOneSegment walks one segment's linear entry chain per spec.md
// §4.4.3's five-step loop: decode, check for trailing uncommitted
// space (by ExtendedBlockSignature and by proximity to
// LastValidEntry), classify busy, construct and emit, advance. Any
// LFH record bucketed in *lfhRecords whose address precedes the
// current cursor is drained and emitted first, producing one
// address-ordered stream per segment.
func walkOneSegment(t target.Target, env *target.Env, heap, seg target.Address, mode Mode, enc encoding, lfhRecords *[]Record, emit Emitter, tracer Tracer) error {
	bitness := env.Bitness()
	ptrSize := int64(8)
	if bitness == 32 {
		ptrSize = 4
	}

	firstOff, err := t.FieldOffset("_HEAP_SEGMENT", "FirstEntry")
	if err != nil {
		return err
	}
	lastOff, err := t.FieldOffset("_HEAP_SEGMENT", "LastValidEntry")
	if err != nil {
		return err
	}
	first, err := readPtr(t, seg.Add(firstOff), ptrSize)
	if err != nil {
		return fmt.Errorf("reading FirstEntry: %w", err)
	}
	last, err := readPtr(t, seg.Add(lastOff), ptrSize)
	if err != nil {
		return fmt.Errorf("reading LastValidEntry: %w", err)
	}

	tracer.SegmentFound(heap, seg, first, last)
	emit.OnSegmentStart(heap, seg, first, last)
	defer emit.OnSegmentEnd(heap, seg)

	// NumberOfUnCommittedPages is optional: a fixture or target that
	// doesn't expose it simply never trips the step-3 proximity check.
	var uncommittedBytes int64
	if off, uoErr := t.FieldOffset("_HEAP_SEGMENT", "NumberOfUnCommittedPages"); uoErr == nil {
		if pages, perr := t.ReadU32(seg.Add(off)); perr == nil {
			uncommittedBytes = int64(pages) * 0x1000
		}
	}

	drainLFH := func(before target.Address) {
		recs := *lfhRecords
		i := 0
		for i < len(recs) && recs[i].Addr < before {
			emit.OnRecord(recs[i])
			i++
		}
		*lfhRecords = recs[i:]
	}

	cur := first
	for cur != 0 && cur < last {
		hdr, err := decodeEntry(t, cur, enc, bitness)
		if err != nil {
			tracer.Warn(cur, err.Error())
			return nil // checksum failure: abandon the rest of this segment
		}
		if hdr.extendedBlockSignature == 0x03 {
			break // uncommitted space follows
		}
		size := hdr.byteSize()
		if size <= 0 {
			tracer.Warn(cur, "non-positive block size, stopping segment walk")
			return nil
		}
		blockEnd := cur.Add(size)
		if uncommittedBytes > 0 && last.Sub(blockEnd) <= uncommittedBytes {
			break
		}

		drainLFH(cur)

		if hdr.busy() {
			rec, err := constructRecord(t, heap, seg, cur, hdr, mode, bitness)
			if err != nil {
				tracer.Warn(cur, err.Error())
			} else {
				emit.OnRecord(rec)
			}
		}

		cur = blockEnd
	}
	drainLFH(last)
	return nil
}

// constructRecord derives an allocation record from a classified-busy
// entry per spec.md §4.4.5's mode-specific formulas. It's shared by
// the back-end walk above and the LFH walk (lfh.go), which classify
// busy differently but construct records the same way once an
// entryHeader is in hand.
func constructRecord(t target.Target, heap, seg, cur target.Address, hdr entryHeader, mode Mode, bitness int) (Record, error) {
	if mode == ModeUST {
		return constructUSTRecord(t, heap, seg, cur, hdr, bitness)
	}
	return constructPlainRecord(heap, seg, cur, hdr)
}

// constructPlainRecord implements §4.4.5's plain-mode formula:
// user_address = block_address + sizeof(header); user_size =
// entry.Size×block_unit − ExtendedBlockSignature, rejecting a
// signature outside [sizeof(header), block size] (the canonical
// resolution of §9's open question).
func constructPlainRecord(heap, seg, cur target.Address, hdr entryHeader) (Record, error) {
	sig := int64(hdr.extendedBlockSignature)
	gross := hdr.byteSize()
	if sig < hdr.headerSize || sig > gross {
		return Record{}, fmt.Errorf("block at %s: ExtendedBlockSignature %d out of range for block size %d", cur, sig, gross)
	}
	return Record{
		Heap:    heap,
		Segment: seg,
		Addr:    cur.Add(hdr.headerSize),
		Size:    gross - sig,
		Gross:   gross,
		Busy:    true,
		Mode:    ModePlain,
	}, nil
}

// constructUSTRecord implements §4.4.5's UST-mode formula: the
// post-header region begins with a pointer-sized UST address,
// followed 0x0C (32-bit) / 0x1C (64-bit) bytes later by a 16-bit
// extra field; user_address = block_address + sizeof(header) + 0x10
// (32-bit) or +0x20 (64-bit); user_size = entry.Size×block_unit −
// extra, rejecting extra outside [prefix, block size].
func constructUSTRecord(t target.Target, heap, seg, cur target.Address, hdr entryHeader, bitness int) (Record, error) {
	prefix := int64(0x10)
	extraOff := int64(0x0C)
	ptrSize := int64(4)
	if bitness == 64 {
		prefix = 0x20
		extraOff = 0x1C
		ptrSize = 8
	}
	postHeader := cur.Add(hdr.headerSize)

	ustAddr, err := readPtr(t, postHeader, ptrSize)
	if err != nil {
		return Record{}, fmt.Errorf("reading UST address at %s: %w", postHeader, err)
	}
	extra, err := t.ReadU16(postHeader.Add(extraOff))
	if err != nil {
		return Record{}, fmt.Errorf("reading extra field at %s: %w", postHeader.Add(extraOff), err)
	}
	gross := hdr.byteSize()
	if int64(extra) < prefix || int64(extra) > gross {
		return Record{}, fmt.Errorf("block at %s: extra %d out of range for block size %d", cur, extra, gross)
	}

	return Record{
		Heap:    heap,
		Segment: seg,
		Addr:    postHeader.Add(prefix),
		Size:    gross - int64(extra),
		Gross:   gross,
		Busy:    true,
		Mode:    ModeUST,
		USTAddr: ustAddr,
	}, nil
}

func readPtr(t target.Target, a target.Address, ptrSize int64) (target.Address, error) {
	if ptrSize == 8 {
		v, err := t.ReadU64(a)
		return target.Address(v), err
	}
	v, err := t.ReadU32(a)
	return target.Address(v), err
}
