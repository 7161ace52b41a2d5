package vmm

import (
	"matrixos/kernel/mm"
)

const (
	// entriesPerTable is the number of entries in a page directory or a
	// page table.
	entriesPerTable = 1024

	// entryShift is equal to log2 of the size of an entry in bytes.
	entryShift = 2

	// pageTableShift is the number of virtual address bits covered by
	// one page table.
	pageTableShift = mm.PageShift + 10

	ptePhysPageMask = uint32(0xfffff000)
)

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry or a page directory entry.
type PageTableEntryFlag uint32

const (
	// FlagPresent is set when the page is available in memory and not
	// swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory
	// address for this page when the swapping page tables by updating the
	// CR3 register.
	FlagGlobal

	// FlagUnmanaged marks an entry whose frame is not owned by the frame
	// allocator (boot memory, device windows). Such frames are never
	// released and are aliased instead of copied when cloning.
	FlagUnmanaged
)

// PageTableEntry describes a page table or page directory entry. These
// entries encode a physical frame address and a set of flags using the
// 32-bit x86 layout.
type PageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint32(*pte) &^ uint32(flags))
}

// Flags returns the flag bits of the entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint32(pte) &^ ptePhysPageMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint32(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (PageTableEntry)((uint32(*pte) &^ ptePhysPageMask) | uint32(frame.Address()))
}

// directoryIndex returns the page directory slot covering virtAddr.
func directoryIndex(virtAddr uintptr) int {
	return int((virtAddr >> pageTableShift) & (entriesPerTable - 1))
}

// tableIndex returns the page table slot covering virtAddr.
func tableIndex(virtAddr uintptr) int {
	return int((virtAddr >> mm.PageShift) & (entriesPerTable - 1))
}
