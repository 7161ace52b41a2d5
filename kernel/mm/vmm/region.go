package vmm

import (
	"matrixos/kernel"
	"matrixos/kernel/mm"
)

var errReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}

// SetReserveWindow configures the kernel virtual range [start, end) that
// ReserveRegion carves device windows from.
func (m *Manager) SetReserveWindow(start, end uintptr) {
	m.reserveLock.Acquire()
	m.reserveStart = mm.RoundUp(start)
	m.reserveLastUsed = mm.RoundDown(end)
	m.reserveLock.Release()
}

// ReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mm.PageSize it will be automatically
// rounded up. Regions are allocated downwards from the end of the reserve
// window and are never returned.
func (m *Manager) ReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = mm.RoundUp(size)

	m.reserveLock.Acquire()
	defer m.reserveLock.Release()

	// reserving a region of the requested size will cause an underflow
	if size == 0 || size > m.reserveLastUsed-m.reserveStart {
		return 0, errReserveNoSpace
	}

	m.reserveLastUsed -= size
	return m.reserveLastUsed, nil
}

// MapRegion establishes a mapping to the physical memory region which starts
// at the given frame and ends at frame + pages(size). The size argument is
// always rounded up to the nearest page boundary. MapRegion reserves the next
// available region in the kernel reserve window, establishes the mapping and
// returns back the Page that corresponds to the region start. The frames are
// treated as unmanaged.
func (m *Manager) MapRegion(frame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	size = mm.RoundUp(size)
	startAddr, err := m.ReserveRegion(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mm.PageShift
	for page := mm.PageFromAddress(startAddr); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := m.kernelAS.MapFrame(page, frame, flags|FlagUnmanaged); err != nil {
			return 0, err
		}
	}

	return mm.PageFromAddress(startAddr), nil
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size). The
// size argument is always rounded up to the nearest page boundary.
// IdentityMapRegion returns back the Page that corresponds to the region
// start. Pages that are already identity mapped are skipped.
func (as *AddressSpace) IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	pageCount := mm.Page(mm.RoundUp(size) >> mm.PageShift)

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		err := as.MapFrame(curPage, mm.Frame(curPage), flags)
		if err == ErrAlreadyMapped {
			if phys, _ := as.Translate(curPage.Address()); phys == curPage.Address() {
				continue
			}
		}
		if err != nil {
			return 0, err
		}
	}

	return startPage, nil
}
