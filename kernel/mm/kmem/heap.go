package kmem

import (
	"sort"
	"unsafe"

	"matrixos/kernel"
	"matrixos/kernel/kfmt"
	"matrixos/kernel/mm"
	"matrixos/kernel/mm/vmm"
	"matrixos/kernel/sync"
)

const (
	heapMagic = uint32(0x123890AB)

	headerSize = uintptr(16)
	footerSize = uintptr(16)
	blockAlign = uintptr(16)

	// minHoleSize is the smallest block that can exist on its own: a
	// header, a footer and one aligned unit of payload.
	minHoleSize = headerSize + footerSize + blockAlign
)

var (
	errHeapBadConfig   = &kernel.Error{Module: "kmem", Message: "invalid heap geometry"}
	errHeapExhausted   = &kernel.Error{Module: "kmem", Message: "heap cannot grow past its maximum size"}
	errHeapCorrupted   = &kernel.Error{Module: "kmem", Message: "heap block magic number mismatch"}
	errHeapDoubleFree  = &kernel.Error{Module: "kmem", Message: "attempted to free a heap block that is not allocated"}
	errHeapInvalidFree = &kernel.Error{Module: "kmem", Message: "pointer does not belong to the heap"}
	errZeroSize        = &kernel.Error{Module: "kmem", Message: "zero-sized allocation"}
)

// blockHeader precedes every heap block. Size includes the header and the
// footer.
type blockHeader struct {
	magic uint32
	hole  uint32
	size  uint32
	_     uint32
}

// blockFooter ends every heap block and points back to its header.
type blockFooter struct {
	magic  uint32
	header uint32
	_      [2]uint32
}

// Heap is a kernel heap living in a reserved range of the kernel address
// space. Blocks are delimited by headers and footers stored in the heap
// itself; free blocks (holes) are tracked by an index ordered by size.
type Heap struct {
	mutex sync.Spinlock

	as *vmm.AddressSpace

	start, end uintptr
	min, max   uintptr

	// index holds the header addresses of all holes ordered by size.
	index []uintptr
}

// HeapStats summarizes the state of the heap.
type HeapStats struct {
	Start, End uintptr
	Holes      int
	FreeBytes  uintptr
}

// NewHeap creates a heap at start in the supplied address space, mapping
// initialSize bytes. The heap never shrinks below minSize and never grows
// past maxSize.
func NewHeap(as *vmm.AddressSpace, start, initialSize, minSize, maxSize uintptr) (*Heap, *kernel.Error) {
	if mm.PageOffset(start) != 0 || initialSize < minHoleSize ||
		minSize > initialSize || initialSize > maxSize ||
		uint64(start)+uint64(maxSize) > mm.AddressSpaceSize {
		return nil, errHeapBadConfig
	}

	initialSize = mm.RoundUp(initialSize)
	if err := as.Map(start, initialSize, vmm.MapRead|vmm.MapWrite); err != nil {
		return nil, err
	}

	h := &Heap{
		as:    as,
		start: start,
		end:   start + initialSize,
		min:   mm.RoundUp(minSize),
		max:   maxSize,
	}
	h.makeHole(start, initialSize)

	return h, nil
}

// Alloc returns the address of a block with at least size bytes of payload.
// If pageAlign is true the payload starts at a page boundary. The heap grows
// as needed; growing past the maximum size is fatal.
func (h *Heap) Alloc(size uintptr, pageAlign bool) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errZeroSize
	}

	need := alignUp(size, blockAlign) + headerSize + footerSize

	h.mutex.Acquire()
	defer h.mutex.Release()

	for {
		if hole, blockAddr, ok := h.findHole(need, pageAlign); ok {
			return h.allocFromHole(hole, blockAddr, need), nil
		}

		growBy := need
		if pageAlign {
			growBy += mm.PageSize + minHoleSize
		}
		if err := h.expand(growBy); err != nil {
			return 0, err
		}
	}
}

// Free releases a block returned by Alloc. A magic number mismatch or a
// double free is fatal.
func (h *Heap) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	h.mutex.Acquire()
	defer h.mutex.Release()

	blockAddr := ptr - headerSize
	if ptr < h.start+headerSize || ptr >= h.end {
		panicFn(errHeapInvalidFree)
		return
	}

	hdr := h.header(blockAddr)
	if hdr.magic != heapMagic {
		panicFn(errHeapCorrupted)
		return
	}
	size := uintptr(hdr.size)
	if blockAddr+size > h.end {
		panicFn(errHeapCorrupted)
		return
	}
	if ftr := h.footer(blockAddr + size - footerSize); ftr.magic != heapMagic || uintptr(ftr.header) != blockAddr {
		panicFn(errHeapCorrupted)
		return
	}
	if hdr.hole != 0 {
		panicFn(errHeapDoubleFree)
		return
	}

	// Coalesce with the block on the left
	if blockAddr > h.start {
		leftFtr := h.footer(blockAddr - footerSize)
		if leftFtr.magic == heapMagic {
			leftAddr := uintptr(leftFtr.header)
			if leftHdr := h.header(leftAddr); leftHdr.magic == heapMagic && leftHdr.hole != 0 {
				h.removeFromIndex(leftAddr)
				size += uintptr(leftHdr.size)
				blockAddr = leftAddr
			}
		}
	}

	// Coalesce with the block on the right
	if rightAddr := blockAddr + size; rightAddr < h.end {
		if rightHdr := h.header(rightAddr); rightHdr.magic == heapMagic && rightHdr.hole != 0 {
			h.removeFromIndex(rightAddr)
			size += uintptr(rightHdr.size)
		}
	}

	if blockAddr+size == h.end {
		h.contract(blockAddr)
		return
	}

	h.makeHole(blockAddr, size)
}

// Contains returns true if addr lies within the mapped part of the heap.
func (h *Heap) Contains(addr uintptr) bool {
	h.mutex.Acquire()
	defer h.mutex.Release()
	return addr >= h.start && addr < h.end
}

// AddressSpace returns the address space the heap is mapped in.
func (h *Heap) AddressSpace() *vmm.AddressSpace {
	return h.as
}

// Stats returns a snapshot of the heap state.
func (h *Heap) Stats() HeapStats {
	h.mutex.Acquire()
	defer h.mutex.Release()

	stats := HeapStats{Start: h.start, End: h.end, Holes: len(h.index)}
	for _, hole := range h.index {
		stats.FreeBytes += uintptr(h.header(hole).size)
	}
	return stats
}

// PrintStats outputs heap usage statistics.
func (h *Heap) PrintStats() {
	stats := h.Stats()
	kfmt.Printf("[kmem] heap: [0x%08x - 0x%08x] size %dKb, %d holes, %d bytes free\n",
		stats.Start, stats.End, (stats.End-stats.Start)/1024, stats.Holes, stats.FreeBytes,
	)
}

// findHole returns the smallest hole that can hold a block of need bytes and
// the address where the block header must be placed.
func (h *Heap) findHole(need uintptr, pageAlign bool) (uintptr, uintptr, bool) {
	for _, hole := range h.index {
		holeSize := uintptr(h.header(hole).size)
		blockAddr := hole

		if pageAlign {
			// The payload must start at a page boundary. Any gap left
			// before the block must be large enough to form a hole.
			blockAddr = mm.RoundUp(hole+headerSize) - headerSize
			if gap := blockAddr - hole; gap != 0 && gap < minHoleSize {
				blockAddr += mm.PageSize
			}
		}

		if blockAddr+need <= hole+holeSize {
			return hole, blockAddr, true
		}
	}

	return 0, 0, false
}

// allocFromHole carves a block of need bytes at blockAddr out of hole.
func (h *Heap) allocFromHole(hole, blockAddr, need uintptr) uintptr {
	holeEnd := hole + uintptr(h.header(hole).size)
	h.removeFromIndex(hole)

	if blockAddr > hole {
		h.makeHole(hole, blockAddr-hole)
	}

	// Split when the remainder can stand on its own; otherwise the block
	// consumes the rest of the hole.
	if rem := holeEnd - (blockAddr + need); rem >= minHoleSize {
		h.makeHole(blockAddr+need, rem)
	} else {
		need = holeEnd - blockAddr
	}

	h.writeBlock(blockAddr, need, false)
	return blockAddr + headerSize
}

// expand maps at least growBy more bytes at the end of the heap. The new
// space is merged with a trailing hole if there is one.
func (h *Heap) expand(growBy uintptr) *kernel.Error {
	growBy = mm.RoundUp(growBy)
	if h.end-h.start+growBy > h.max {
		panicFn(errHeapExhausted)
		return errHeapExhausted
	}

	if err := h.as.Map(h.end, growBy, vmm.MapRead|vmm.MapWrite); err != nil {
		panicFn(err)
		return err
	}

	// A heap contracted down to a zero minimum has no trailing block.
	holeAddr, holeSize := h.end, growBy
	if h.end > h.start {
		if ftr := h.footer(h.end - footerSize); ftr.magic == heapMagic {
			if lastHdr := h.header(uintptr(ftr.header)); lastHdr.magic == heapMagic && lastHdr.hole != 0 {
				holeAddr = uintptr(ftr.header)
				holeSize += uintptr(lastHdr.size)
				h.removeFromIndex(holeAddr)
			}
		}
	}

	h.end += growBy
	h.makeHole(holeAddr, holeSize)
	return nil
}

// contract releases the trailing pages of the heap starting at the hole
// that begins at holeAddr and extends to the heap end. The heap never
// shrinks below its minimum size.
func (h *Heap) contract(holeAddr uintptr) {
	newEnd := mm.RoundUp(holeAddr)
	if gap := newEnd - holeAddr; gap != 0 && gap < minHoleSize {
		newEnd += mm.PageSize
	}
	if newEnd < h.start+h.min {
		newEnd = h.start + h.min
	}

	if newEnd < h.end {
		_, _ = h.as.Unmap(newEnd, h.end-newEnd)
		h.end = newEnd
	}

	if h.end > holeAddr {
		h.makeHole(holeAddr, h.end-holeAddr)
	}
}

// makeHole writes a free block and adds it to the index.
func (h *Heap) makeHole(addr, size uintptr) {
	h.writeBlock(addr, size, true)
	h.insertIntoIndex(addr, size)
}

func (h *Heap) writeBlock(addr, size uintptr, hole bool) {
	hdr := h.header(addr)
	hdr.magic = heapMagic
	hdr.size = uint32(size)
	hdr.hole = 0
	if hole {
		hdr.hole = 1
	}

	ftr := h.footer(addr + size - footerSize)
	ftr.magic = heapMagic
	ftr.header = uint32(addr)
}

// insertIntoIndex keeps the index ordered by hole size; holes of equal size
// are ordered by address.
func (h *Heap) insertIntoIndex(addr, size uintptr) {
	pos := sort.Search(len(h.index), func(i int) bool {
		other := h.index[i]
		otherSize := uintptr(h.header(other).size)
		return otherSize > size || (otherSize == size && other > addr)
	})

	h.index = append(h.index, 0)
	copy(h.index[pos+1:], h.index[pos:])
	h.index[pos] = addr
}

func (h *Heap) removeFromIndex(addr uintptr) {
	for i, hole := range h.index {
		if hole == addr {
			h.index = append(h.index[:i], h.index[i+1:]...)
			return
		}
	}
}

func (h *Heap) header(addr uintptr) *blockHeader {
	return (*blockHeader)(h.ptr(addr))
}

func (h *Heap) footer(addr uintptr) *blockFooter {
	return (*blockFooter)(h.ptr(addr))
}

// ptr resolves a heap virtual address through the kernel address space.
func (h *Heap) ptr(addr uintptr) unsafe.Pointer {
	phys, err := h.as.Translate(addr)
	if err != nil {
		panicFn(err)
	}
	return h.as.Memory().Ptr(phys)
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
