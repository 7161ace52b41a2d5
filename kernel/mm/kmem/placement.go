// Package kmem provides kernel memory allocation: a placement allocator used
// during early boot and the kernel heap that replaces it once paging is up.
package kmem

import (
	"matrixos/kernel"
	"matrixos/kernel/kfmt"
	"matrixos/kernel/mm"
	"matrixos/kernel/mm/physmem"
	"matrixos/kernel/sync"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errPlacementSealed    = &kernel.Error{Module: "kmem", Message: "placement allocator used after the heap was initialized"}
	errPlacementExhausted = &kernel.Error{Module: "kmem", Message: "placement allocation exceeds physical memory"}
)

// Placement is a bump allocator over physical memory that is identity
// mapped during boot. Allocations can not be freed.
type Placement struct {
	mutex sync.Spinlock

	mem    *physmem.Memory
	next   uintptr
	sealed bool
}

// NewPlacement returns a placement allocator over mem starting at address 0.
// SetBase must be called before the first allocation to skip the memory used
// by the kernel image and the boot modules.
func NewPlacement(mem *physmem.Memory) *Placement {
	return &Placement{mem: mem}
}

// SetBase moves the allocation pointer to addr.
func (p *Placement) SetBase(addr uintptr) {
	p.mutex.Acquire()
	defer p.mutex.Release()

	if p.sealed {
		panicFn(errPlacementSealed)
		return
	}
	p.next = addr
}

// Next returns the address the next allocation will start at (before any
// alignment).
func (p *Placement) Next() uintptr {
	p.mutex.Acquire()
	defer p.mutex.Release()
	return p.next
}

// Alloc reserves size bytes and returns their address. If pageAlign is true,
// the returned address is page-aligned.
func (p *Placement) Alloc(size uintptr, pageAlign bool) (uintptr, *kernel.Error) {
	p.mutex.Acquire()
	defer p.mutex.Release()

	if p.sealed {
		panicFn(errPlacementSealed)
		return 0, errPlacementSealed
	}

	addr := p.next
	if pageAlign {
		addr = mm.RoundUp(addr)
	}

	if !p.mem.Contains(addr, size) {
		return 0, errPlacementExhausted
	}

	p.next = addr + size
	return addr, nil
}

// Reserve returns a zero-filled, page-aligned byte view of size bytes of
// physical memory.
func (p *Placement) Reserve(size uintptr) ([]byte, *kernel.Error) {
	addr, err := p.Alloc(size, true)
	if err != nil {
		return nil, err
	}

	p.mem.Memset(addr, 0, size)
	return p.mem.Bytes(addr, size)
}

// AllocTable implements vmm.TableAllocator.
func (p *Placement) AllocTable() (mm.Frame, *kernel.Error) {
	addr, err := p.Alloc(mm.PageSize, true)
	if err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(addr), nil
}

// FreeTable implements vmm.TableAllocator. Placement memory is never
// reclaimed.
func (p *Placement) FreeTable(mm.Frame) {}

// Seal disables the allocator. It is called once the kernel heap takes
// over.
func (p *Placement) Seal() {
	p.mutex.Acquire()
	p.sealed = true
	p.mutex.Release()
}
