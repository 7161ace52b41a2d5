package vmm

import (
	"matrixos/kernel"
	"matrixos/kernel/mm"
	"matrixos/kernel/mm/physmem"
	"matrixos/kernel/sync"
)

// MapFlag describes the access requested for a mapping.
type MapFlag uint8

const (
	// MapRead requests read access. Present pages are always readable.
	MapRead MapFlag = 1 << iota

	// MapWrite requests write access.
	MapWrite

	// MapExec requests execute access. Non-PAE paging cannot express
	// no-execute so every readable page is executable.
	MapExec

	// MapFixed requests that the mapping is placed exactly at the
	// supplied address. All mappings are fixed.
	MapFixed

	// MapUser makes the mapping accessible from user mode.
	MapUser
)

// entryFlags converts the requested access into page table entry flags.
func (f MapFlag) entryFlags() PageTableEntryFlag {
	flags := FlagPresent
	if f&MapWrite != 0 {
		flags |= FlagRW
	}
	if f&MapUser != 0 {
		flags |= FlagUserAccessible
	}
	return flags
}

type slotKind uint8

const (
	slotEmpty slotKind = iota

	// slotOwned tables belong to the address space and are released
	// when it is destroyed.
	slotOwned

	// slotShared tables belong to the kernel address space.
	slotShared
)

type tableSlot struct {
	kind  slotKind
	table mm.Frame
}

// dirEntryFlags are set on every page directory entry. Access checks are
// enforced at the page table level.
const dirEntryFlags = FlagPresent | FlagRW | FlagUserAccessible

// AddressSpace is an MMU context: a page directory plus the page tables it
// references. All mutation is serialized by a per-address-space lock.
type AddressSpace struct {
	mutex sync.Spinlock
	mgr   *Manager

	dirFrame  mm.Frame
	slots     [entriesPerTable]tableSlot
	destroyed bool
}

// DirectoryFrame returns the physical frame holding the page directory. Its
// address is the value loaded into the translation-root register.
func (as *AddressSpace) DirectoryFrame() mm.Frame {
	as.mutex.Acquire()
	defer as.mutex.Release()
	return as.dirFrame
}

// Memory returns the physical memory backing the address space.
func (as *AddressSpace) Memory() *physmem.Memory {
	return as.mgr.mem
}

// IsKernel returns true for the kernel address space.
func (as *AddressSpace) IsKernel() bool {
	return as == as.mgr.kernelAS
}

// Entry returns the page table entry for virtAddr. If the page table covering
// virtAddr does not exist, Entry returns (nil, nil) unless create is true in
// which case a zero-filled table is allocated and installed first.
func (as *AddressSpace) Entry(virtAddr uintptr, create bool) (*PageTableEntry, *kernel.Error) {
	if create {
		if err := as.ensureTables(virtAddr, virtAddr+1); err != nil {
			return nil, err
		}
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.destroyed {
		return nil, errUseAfterDestroy
	}
	return as.entry(virtAddr), nil
}

// Translate returns the physical address that corresponds to virtAddr or
// ErrInvalidMapping if the page is not present.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	pte := as.entry(virtAddr)
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	return pte.Frame().Address() + mm.PageOffset(virtAddr), nil
}

// Map backs the pages covering [virtAddr, virtAddr+length) with freshly
// allocated, zero-filled frames. Map fails with ErrAlreadyMapped without
// changing anything if any page in the range is present. If the frame
// allocator is exhausted, the pages mapped by this call are released and
// the allocator error is returned.
func (as *AddressSpace) Map(virtAddr, length uintptr, flags MapFlag) *kernel.Error {
	start, end, err := pageRange(virtAddr, length)
	if err != nil || start == end {
		return err
	}

	if err = as.precheckUnmapped(start, end); err != nil {
		return err
	}
	if err = as.ensureTables(start, end); err != nil {
		return err
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	if err = as.checkUnmapped(start, end); err != nil {
		return err
	}

	entryFlags := flags.entryFlags()
	for addr := start; addr != end; addr += mm.PageSize {
		frame, err := as.mgr.frames.AllocFrame()
		if err != nil {
			as.unmapLocked(start, addr)
			return err
		}

		as.mgr.mem.ClearFrame(frame)

		pte := as.entry(addr)
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(entryFlags)
		as.mgr.invalidate(as, addr)
	}

	return nil
}

// MapFrame maps page to a specific physical frame. The frame is not
// allocated by MapFrame; callers that pass frames not owned by the frame
// allocator must include FlagUnmanaged in flags.
func (as *AddressSpace) MapFrame(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	addr := page.Address()
	if err := as.precheckUnmapped(addr, addr+mm.PageSize); err != nil {
		return err
	}
	if err := as.ensureTables(addr, addr+mm.PageSize); err != nil {
		return err
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	if err := as.checkUnmapped(addr, addr+mm.PageSize); err != nil {
		return err
	}

	pte := as.entry(addr)
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags | FlagPresent)
	as.mgr.invalidate(as, addr)

	return nil
}

// Unmap removes the mappings for the pages covering [virtAddr,
// virtAddr+length) and releases their frames. Pages that are not mapped are
// skipped. The returned flag reports whether any page was unmapped.
func (as *AddressSpace) Unmap(virtAddr, length uintptr) (bool, *kernel.Error) {
	start, end, err := pageRange(virtAddr, length)
	if err != nil || start == end {
		return false, err
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.destroyed {
		return false, errUseAfterDestroy
	}

	if !as.IsKernel() {
		for addr := start; addr != end; addr += mm.PageSize {
			if as.slots[directoryIndex(addr)].kind == slotShared {
				return false, ErrKernelRange
			}
		}
	}

	return as.unmapLocked(start, end), nil
}

// ReserveTables installs page tables for every directory slot covering
// [start, end) without mapping any pages. Reserving the kernel's tables
// before any address space is cloned from it guarantees that every clone
// shares them.
func (as *AddressSpace) ReserveTables(start, end uintptr) *kernel.Error {
	if uint64(end) > mm.AddressSpaceSize || end < start {
		return errInvalidRange
	}
	return as.ensureTables(start, end)
}

// ensureTables makes sure a page table exists for every directory slot that
// covers [start, end). Tables are allocated without holding the address
// space lock since the table allocator may need to grow the kernel heap.
func (as *AddressSpace) ensureTables(start, end uintptr) *kernel.Error {
	if end <= start {
		return nil
	}

	firstSlot, lastSlot := directoryIndex(start), directoryIndex(end-1)

	for {
		as.mutex.Acquire()
		if as.destroyed {
			as.mutex.Release()
			return errUseAfterDestroy
		}

		var missing []int
		for slot := firstSlot; slot <= lastSlot; slot++ {
			if as.slots[slot].kind == slotEmpty {
				missing = append(missing, slot)
			}
		}
		as.mutex.Release()

		if len(missing) == 0 {
			return nil
		}

		tables := make([]mm.Frame, 0, len(missing))
		for range missing {
			table, err := as.mgr.allocTable()
			if err != nil {
				for _, t := range tables {
					as.mgr.freeTable(t)
				}
				return err
			}
			tables = append(tables, table)
		}

		var unused []mm.Frame
		as.mutex.Acquire()
		for i, slot := range missing {
			if as.destroyed || as.slots[slot].kind != slotEmpty {
				unused = append(unused, tables[i])
				continue
			}
			as.setSlot(slot, tableSlot{kind: slotOwned, table: tables[i]})
		}
		as.mutex.Release()

		for _, t := range unused {
			as.mgr.freeTable(t)
		}
	}
}

// precheckUnmapped runs checkUnmapped before any page table is allocated
// so that a failing request leaves the directory untouched.
func (as *AddressSpace) precheckUnmapped(start, end uintptr) *kernel.Error {
	as.mutex.Acquire()
	defer as.mutex.Release()
	return as.checkUnmapped(start, end)
}

// checkUnmapped verifies that no page in [start, end) is present and that a
// process address space does not touch a kernel-shared table. The caller
// must hold the address space lock.
func (as *AddressSpace) checkUnmapped(start, end uintptr) *kernel.Error {
	if as.destroyed {
		return errUseAfterDestroy
	}

	for addr := start; addr != end; addr += mm.PageSize {
		if !as.IsKernel() && as.slots[directoryIndex(addr)].kind == slotShared {
			return ErrKernelRange
		}

		if pte := as.entry(addr); pte != nil && pte.HasFlags(FlagPresent) {
			return ErrAlreadyMapped
		}
	}

	return nil
}

// unmapLocked clears the present entries in [start, end) and releases their
// managed frames. The caller must hold the address space lock.
func (as *AddressSpace) unmapLocked(start, end uintptr) bool {
	var unmapped bool

	for addr := start; addr != end; addr += mm.PageSize {
		pte := as.entry(addr)
		if pte == nil || !pte.HasFlags(FlagPresent) {
			continue
		}

		if !pte.HasFlags(FlagUnmanaged) {
			as.mgr.frames.FreeFrame(pte.Frame())
		}
		*pte = 0
		as.mgr.invalidate(as, addr)
		unmapped = true
	}

	return unmapped
}

// releaseOwnedSlots frees every table owned by the address space along with
// the managed frames they map. The caller must hold the address space lock.
func (as *AddressSpace) releaseOwnedSlots() {
	for slot := range as.slots {
		if as.slots[slot].kind != slotOwned {
			as.setSlot(slot, tableSlot{})
			continue
		}

		table := as.slots[slot].table
		for i := 0; i < entriesPerTable; i++ {
			pte := as.tableEntry(table, i)
			if pte.HasFlags(FlagPresent) && !pte.HasFlags(FlagUnmanaged) {
				as.mgr.frames.FreeFrame(pte.Frame())
			}
		}

		as.setSlot(slot, tableSlot{})
		as.mgr.freeTable(table)
	}
}

// entry returns the page table entry for virtAddr or nil if no table covers
// it. The caller must hold the address space lock.
func (as *AddressSpace) entry(virtAddr uintptr) *PageTableEntry {
	slot := as.slots[directoryIndex(virtAddr)]
	if slot.kind == slotEmpty {
		return nil
	}
	return as.tableEntry(slot.table, tableIndex(virtAddr))
}

func (as *AddressSpace) tableEntry(table mm.Frame, index int) *PageTableEntry {
	return (*PageTableEntry)(as.mgr.mem.Ptr(table.Address() + uintptr(index)<<entryShift))
}

func (as *AddressSpace) directoryEntry(slot int) *PageTableEntry {
	return (*PageTableEntry)(as.mgr.mem.Ptr(as.dirFrame.Address() + uintptr(slot)<<entryShift))
}

// setSlot updates a directory slot and the matching hardware directory
// entry.
func (as *AddressSpace) setSlot(slot int, ts tableSlot) {
	as.slots[slot] = ts

	pde := as.directoryEntry(slot)
	*pde = 0
	if ts.kind != slotEmpty {
		pde.SetFrame(ts.table)
		pde.SetFlags(dirEntryFlags)
	}
}

// pageRange returns the page-aligned bounds of [virtAddr, virtAddr+length).
func pageRange(virtAddr, length uintptr) (uintptr, uintptr, *kernel.Error) {
	if uint64(virtAddr)+uint64(length) > mm.AddressSpaceSize {
		return 0, 0, errInvalidRange
	}
	if length == 0 {
		return 0, 0, nil
	}

	start := mm.RoundDown(virtAddr)
	end := mm.RoundUp(virtAddr + length)
	return start, end, nil
}
