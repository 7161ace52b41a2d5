// Package vmm implements two-level x86 paging on top of simulated physical
// memory: page directory and page table management, address spaces (MMU
// contexts) and the page fault handlers.
package vmm

import (
	"matrixos/kernel"
	"matrixos/kernel/cpu"
	"matrixos/kernel/kfmt"
	"matrixos/kernel/mm"
	"matrixos/kernel/mm/physmem"
	"matrixos/kernel/sync"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned by Map when any page of the requested
	// range is already present.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrKernelRange is returned when a process address space attempts to
	// modify mappings that live in page tables shared with the kernel.
	ErrKernelRange = &kernel.Error{Module: "vmm", Message: "virtual address belongs to the shared kernel range"}

	errInvalidRange       = &kernel.Error{Module: "vmm", Message: "virtual address range exceeds the address space"}
	errDestroyKernel      = &kernel.Error{Module: "vmm", Message: "attempted to destroy the kernel address space"}
	errDestroyActive      = &kernel.Error{Module: "vmm", Message: "attempted to destroy an address space that is active on a CPU"}
	errUseAfterDestroy    = &kernel.Error{Module: "vmm", Message: "address space has been destroyed"}
	errCloneIntoKernel    = &kernel.Error{Module: "vmm", Message: "the kernel address space cannot be a clone target"}
	errCloneTargetInUse   = &kernel.Error{Module: "vmm", Message: "clone target already contains page tables"}
	errInvalidCore        = &kernel.Error{Module: "vmm", Message: "CPU id out of range"}
	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// TableAllocator provides zero-filled, frame-aligned storage for page
// directories and page tables.
type TableAllocator interface {
	AllocTable() (mm.Frame, *kernel.Error)
	FreeTable(mm.Frame)
}

// Manager owns the kernel address space and tracks the address space that
// is active on each CPU.
type Manager struct {
	mem    *physmem.Memory
	frames mm.FrameAllocator

	tablesLock sync.Spinlock
	tables     TableAllocator

	kernelAS *AddressSpace

	curLock sync.Spinlock
	current [cpu.MaxCores]*AddressSpace
	cores   [cpu.MaxCores]cpu.Arch

	reserveLock     sync.Spinlock
	reserveStart    uintptr
	reserveLastUsed uintptr
}

// NewManager creates a manager and its kernel address space. Page tables are
// obtained from tables until SetTableAllocator is called.
func NewManager(mem *physmem.Memory, frames mm.FrameAllocator, tables TableAllocator) (*Manager, *kernel.Error) {
	m := &Manager{
		mem:    mem,
		frames: frames,
		tables: tables,
	}

	as, err := m.Create()
	if err != nil {
		return nil, err
	}
	m.kernelAS = as

	return m, nil
}

// Kernel returns the kernel address space.
func (m *Manager) Kernel() *AddressSpace {
	return m.kernelAS
}

// Memory returns the physical memory managed by m.
func (m *Manager) Memory() *physmem.Memory {
	return m.mem
}

// SetTableAllocator replaces the allocator used for new page tables and
// directories. Tables obtained from the previous allocator are released
// through the allocator that is active at release time, so the new allocator
// must accept them.
func (m *Manager) SetTableAllocator(tables TableAllocator) {
	m.tablesLock.Acquire()
	m.tables = tables
	m.tablesLock.Release()
}

func (m *Manager) tableAllocator() TableAllocator {
	m.tablesLock.Acquire()
	defer m.tablesLock.Release()
	return m.tables
}

func (m *Manager) allocTable() (mm.Frame, *kernel.Error) {
	frame, err := m.tableAllocator().AllocTable()
	if err != nil {
		return mm.InvalidFrame, err
	}
	m.mem.ClearFrame(frame)
	return frame, nil
}

func (m *Manager) freeTable(frame mm.Frame) {
	m.tableAllocator().FreeTable(frame)
}

// Create allocates a new address space with an empty page directory. On
// failure no resources are retained.
func (m *Manager) Create() (*AddressSpace, *kernel.Error) {
	dirFrame, err := m.allocTable()
	if err != nil {
		return nil, err
	}

	return &AddressSpace{mgr: m, dirFrame: dirFrame}, nil
}

// Destroy releases the page directory, every page table owned by as and the
// frames mapped through those tables. Tables shared with the kernel address
// space are left untouched. Destroying the kernel address space or an
// address space that is active on any CPU is a fatal error.
func (m *Manager) Destroy(as *AddressSpace) {
	if as == m.kernelAS {
		panicFn(errDestroyKernel)
		return
	}

	if m.isActive(as) {
		panicFn(errDestroyActive)
		return
	}

	as.mutex.Acquire()
	if as.destroyed {
		as.mutex.Release()
		panicFn(errUseAfterDestroy)
		return
	}

	as.releaseOwnedSlots()
	dirFrame := as.dirFrame
	as.dirFrame = mm.InvalidFrame
	as.destroyed = true
	as.mutex.Release()

	m.freeTable(dirFrame)
}

// Switch makes as the active address space on core. The per-CPU current
// pointer and the translation-root register are updated with interrupts
// disabled on core. Paging is enabled on the first switch.
func (m *Manager) Switch(core cpu.Arch, as *AddressSpace) *kernel.Error {
	id := core.ID()
	if id < 0 || id >= cpu.MaxCores {
		return errInvalidCore
	}

	as.mutex.Acquire()
	destroyed, root := as.destroyed, as.dirFrame.Address()
	as.mutex.Release()
	if destroyed {
		panicFn(errUseAfterDestroy)
		return errUseAfterDestroy
	}

	intEnabled := core.DisableInterrupts()
	m.curLock.Acquire()

	m.current[id] = as
	m.cores[id] = core
	core.LoadTranslationRoot(root)
	if !core.PagingEnabled() {
		core.EnablePaging()
	}

	m.curLock.Release()
	core.RestoreInterrupts(intEnabled)

	return nil
}

// Current returns the address space active on core or nil if Switch has not
// been called for it yet.
func (m *Manager) Current(core cpu.Arch) *AddressSpace {
	id := core.ID()
	if id < 0 || id >= cpu.MaxCores {
		return nil
	}

	m.curLock.Acquire()
	defer m.curLock.Release()
	return m.current[id]
}

func (m *Manager) isActive(as *AddressSpace) bool {
	m.curLock.Acquire()
	defer m.curLock.Release()

	for _, cur := range m.current {
		if cur == as {
			return true
		}
	}
	return false
}

// invalidate flushes the TLB entry for virtAddr on every CPU whose active
// translation may reference it. Changes to the kernel address space are
// visible to every CPU.
func (m *Manager) invalidate(as *AddressSpace, virtAddr uintptr) {
	m.curLock.Acquire()
	defer m.curLock.Release()

	for id, core := range m.cores {
		if core == nil {
			continue
		}
		if as == m.kernelAS || m.current[id] == as {
			core.Invalidate(virtAddr)
		}
	}
}
