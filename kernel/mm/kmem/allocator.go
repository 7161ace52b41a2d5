package kmem

import (
	"matrixos/kernel"
	"matrixos/kernel/mm"
	"matrixos/kernel/mm/vmm"
	"matrixos/kernel/sync"
)

var errHeapAlreadyInitialized = &kernel.Error{Module: "kmem", Message: "kernel heap already initialized"}

// Allocator is the kernel allocation entry point. Requests are served by the
// placement allocator until InitHeap is called and by the kernel heap
// afterwards.
type Allocator struct {
	mutex sync.Spinlock

	placement *Placement
	heap      *Heap
}

// NewAllocator returns an allocator that serves requests from placement.
func NewAllocator(placement *Placement) *Allocator {
	return &Allocator{placement: placement}
}

// Alloc reserves size bytes, optionally page-aligned.
func (a *Allocator) Alloc(size uintptr, pageAlign bool) (uintptr, *kernel.Error) {
	if heap := a.Heap(); heap != nil {
		return heap.Alloc(size, pageAlign)
	}
	return a.placement.Alloc(size, pageAlign)
}

// Free releases memory obtained from Alloc. Placement allocations are never
// released.
func (a *Allocator) Free(ptr uintptr) {
	if heap := a.Heap(); heap != nil && heap.Contains(ptr) {
		heap.Free(ptr)
	}
}

// Heap returns the kernel heap or nil if it has not been initialized yet.
func (a *Allocator) Heap() *Heap {
	a.mutex.Acquire()
	defer a.mutex.Release()
	return a.heap
}

// InitHeap creates the kernel heap in the kernel address space, seals the
// placement allocator and switches page table allocation to the heap. The
// transition happens once; later calls are fatal.
func (a *Allocator) InitHeap(mgr *vmm.Manager, start, initialSize, minSize, maxSize uintptr) (*Heap, *kernel.Error) {
	if a.Heap() != nil {
		panicFn(errHeapAlreadyInitialized)
		return nil, errHeapAlreadyInitialized
	}

	heap, err := NewHeap(mgr.Kernel(), start, initialSize, minSize, maxSize)
	if err != nil {
		return nil, err
	}

	a.mutex.Acquire()
	a.heap = heap
	a.mutex.Release()

	a.placement.Seal()
	mgr.SetTableAllocator(NewHeapTables(heap))

	return heap, nil
}

// HeapTables allocates page tables and directories from the kernel heap.
type HeapTables struct {
	mutex sync.Spinlock

	heap *Heap
	virt map[mm.Frame]uintptr
}

// NewHeapTables returns a table allocator backed by heap.
func NewHeapTables(heap *Heap) *HeapTables {
	return &HeapTables{
		heap: heap,
		virt: make(map[mm.Frame]uintptr),
	}
}

// AllocTable implements vmm.TableAllocator. Each table is a page-aligned
// heap block and therefore backed by exactly one frame.
func (ht *HeapTables) AllocTable() (mm.Frame, *kernel.Error) {
	ptr, err := ht.heap.Alloc(mm.PageSize, true)
	if err != nil {
		return mm.InvalidFrame, err
	}

	phys, err := ht.heap.AddressSpace().Translate(ptr)
	if err != nil {
		ht.heap.Free(ptr)
		return mm.InvalidFrame, err
	}

	frame := mm.FrameFromAddress(phys)
	ht.mutex.Acquire()
	ht.virt[frame] = ptr
	ht.mutex.Release()

	return frame, nil
}

// FreeTable implements vmm.TableAllocator. Tables that were not allocated
// from the heap (boot tables from the placement allocator) are ignored.
func (ht *HeapTables) FreeTable(frame mm.Frame) {
	ht.mutex.Acquire()
	ptr, ok := ht.virt[frame]
	delete(ht.virt, frame)
	ht.mutex.Release()

	if ok {
		ht.heap.Free(ptr)
	}
}
