package heapwalk

import (
	"fmt"

	"github.com/wdbg/heapstat/internal/target"
)

// dphBusyValidityMagic is the sentinel _DPH_HEAP_BLOCK stores just
// before its user allocation (at pUserAllocation-0x20 on 32-bit,
// pUserAllocation-0x40 on 64-bit) while the allocation is live. A node
// still linked in BusyNodesTable but carrying any other value there
// has already been freed; verifier leaves the node in the tree for
// delayed-free tracking, so the walk must check this before trusting
// the node's busy classification.
const dphBusyValidityMagic = 0xABCDBBBB

// walkPageHeap handles a heap running under page-heap (application
// verifier) instrumentation: the heap's base pointer actually refers
// to a DPH_HEAP_ROOT, and every live allocation is a node in an AVL
// tree (DPH_HEAP_ROOT.BusyNodesTable) of DPH_HEAP_BLOCK records
// instead of the normal segment layout. The traversal is iterative
// with an explicit stack, not recursion, both to match the style of
// the rest of this package's walkers and so a cyclic or unbounded
// tree (a corrupted dump) is caught by nodeLimit rather than by
// blowing the goroutine stack.
func walkPageHeap(t target.Target, env *target.Env, heapRoot target.Address, emit Emitter, tracer Tracer, nodeLimit int) error {
	bitness := env.Bitness()
	ptrSize := int64(8)
	if bitness == 32 {
		ptrSize = 4
	}

	tableOff, err := t.FieldOffset("DPH_HEAP_ROOT", "BusyNodesTable")
	if err != nil {
		return err
	}
	root, err := readPtr(t, heapRoot.Add(tableOff), ptrSize)
	if err != nil {
		return fmt.Errorf("reading BusyNodesTable root: %w", err)
	}
	if root == 0 {
		return nil // no busy blocks
	}

	leftOff, err := t.FieldOffset("DPH_HEAP_BLOCK", "LeftChild")
	if err != nil {
		return err
	}
	rightOff, err := t.FieldOffset("DPH_HEAP_BLOCK", "RightChild")
	if err != nil {
		return err
	}
	userAllocOff, err := t.FieldOffset("DPH_HEAP_BLOCK", "pUserAllocation")
	if err != nil {
		return err
	}
	sizeOff, err := t.FieldOffset("DPH_HEAP_BLOCK", "nUserRequestedSize")
	if err != nil {
		return err
	}
	stackOff, err := t.FieldOffset("DPH_HEAP_BLOCK", "StackTrace")
	if err != nil {
		return err
	}

	stack := []target.Address{root}
	visited := map[target.Address]bool{}

	for len(stack) > 0 {
		if len(visited) >= nodeLimit {
			tracer.Warn(heapRoot, fmt.Sprintf("page-heap node limit (%d) reached, truncating walk", nodeLimit))
			break
		}
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == 0 || visited[node] {
			continue
		}
		visited[node] = true

		userAlloc, err := readPtr(t, node.Add(userAllocOff), ptrSize)
		if err != nil {
			tracer.Warn(node, fmt.Sprintf("reading pUserAllocation: %v", err))
			continue
		}
		var size uint64
		if ptrSize == 8 {
			size, err = t.ReadU64(node.Add(sizeOff))
		} else {
			var v32 uint32
			v32, err = t.ReadU32(node.Add(sizeOff))
			size = uint64(v32)
		}
		if err != nil {
			tracer.Warn(node, fmt.Sprintf("reading nUserRequestedSize: %v", err))
			continue
		}

		magicOff := int64(-0x20)
		if ptrSize == 8 {
			magicOff = -0x40
		}
		magic, err := t.ReadU32(userAlloc.Add(magicOff))
		if err != nil {
			tracer.Warn(node, fmt.Sprintf("reading validity signature: %v", err))
		} else if magic != dphBusyValidityMagic {
			// node has already been freed; verifier keeps it in the
			// tree, but it no longer holds a live allocation.
		} else {
			trace, terr := readPageHeapStackTrace(t, node.Add(stackOff), ptrSize)
			if terr != nil {
				tracer.Warn(node, fmt.Sprintf("reading stack trace: %v", terr))
			}
			emit.OnRecord(Record{
				Heap:       heapRoot,
				Addr:       userAlloc,
				Size:       int64(size),
				Gross:      int64(size),
				Busy:       true,
				Mode:       ModeHPA,
				StackTrace: trace,
			})
		}

		left, err := readPtr(t, node.Add(leftOff), ptrSize)
		if err == nil && left != 0 {
			stack = append(stack, left)
		}
		right, err := readPtr(t, node.Add(rightOff), ptrSize)
		if err == nil && right != 0 {
			stack = append(stack, right)
		}
	}
	return nil
}

// readPageHeapStackTrace reads the inline stack-trace pointer a
// DPH_HEAP_BLOCK carries directly (unlike UST mode, page heap doesn't
// share a separate stack-trace database: each block's capturing stack
// is recorded at verifier-allocation time as a small array of return
// addresses pointed to by StackTrace).
func readPageHeapStackTrace(t target.Target, stackPtrAddr target.Address, ptrSize int64) ([]target.Address, error) {
	base, err := readPtr(t, stackPtrAddr, ptrSize)
	if err != nil || base == 0 {
		return nil, err
	}
	const maxFrames = 32
	frames := make([]target.Address, 0, maxFrames)
	for i := 0; i < maxFrames; i++ {
		fa := base.Add(int64(i) * ptrSize)
		v, err := readPtr(t, fa, ptrSize)
		if err != nil {
			break
		}
		if v == 0 {
			break
		}
		frames = append(frames, v)
	}
	return frames, nil
}
