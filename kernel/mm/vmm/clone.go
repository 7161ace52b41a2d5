package vmm

import (
	"matrixos/kernel"
	"matrixos/kernel/mm"
)

// Clone creates a new address space and populates it from src via
// CloneInto. On failure the partially built address space is destroyed.
func (m *Manager) Clone(src *AddressSpace) (*AddressSpace, *kernel.Error) {
	dst, err := m.Create()
	if err != nil {
		return nil, err
	}

	if err = m.CloneInto(dst, src); err != nil {
		m.Destroy(dst)
		return nil, err
	}

	return dst, nil
}

// CloneInto copies the mappings of src into dst, which must not contain any
// page tables. Directory slots whose table is the kernel's table for the same
// slot are shared. Every other table is duplicated together with the
// contents of the frames it maps; unmanaged entries are aliased. If a frame
// or table cannot be allocated, dst is reset to an empty directory and the
// error is returned.
func (m *Manager) CloneInto(dst, src *AddressSpace) *kernel.Error {
	if dst == m.kernelAS {
		return errCloneIntoKernel
	}

	// Lock order: the source address space (which may be the kernel) is
	// acquired before the clone target.
	src.mutex.Acquire()
	defer src.mutex.Release()
	dst.mutex.Acquire()
	defer dst.mutex.Release()

	if src.destroyed || dst.destroyed {
		return errUseAfterDestroy
	}

	for slot := range dst.slots {
		if dst.slots[slot].kind != slotEmpty {
			return errCloneTargetInUse
		}
	}

	for slot := range src.slots {
		srcSlot := src.slots[slot]
		if srcSlot.kind == slotEmpty {
			continue
		}

		if m.isKernelTable(src, slot) {
			dst.setSlot(slot, tableSlot{kind: slotShared, table: srcSlot.table})
			continue
		}

		table, err := m.copyTable(src, srcSlot.table)
		if err != nil {
			dst.releaseOwnedSlots()
			return err
		}
		dst.setSlot(slot, tableSlot{kind: slotOwned, table: table})
	}

	return nil
}

// isKernelTable returns true if the table in the given slot of as is the
// kernel's table for that slot. The caller must hold the lock of as.
func (m *Manager) isKernelTable(as *AddressSpace, slot int) bool {
	if as == m.kernelAS {
		return true
	}

	m.kernelAS.mutex.Acquire()
	kernelSlot := m.kernelAS.slots[slot]
	m.kernelAS.mutex.Release()

	return kernelSlot.kind != slotEmpty && kernelSlot.table == as.slots[slot].table
}

// copyTable allocates a new page table and fills it with copies of the
// present entries of srcTable. Managed frames are duplicated; unmanaged ones
// are aliased. On failure, every frame allocated by the call is released.
func (m *Manager) copyTable(src *AddressSpace, srcTable mm.Frame) (mm.Frame, *kernel.Error) {
	dstTable, err := m.allocTable()
	if err != nil {
		return mm.InvalidFrame, err
	}

	for i := 0; i < entriesPerTable; i++ {
		srcPte := *src.tableEntry(srcTable, i)
		if !srcPte.HasFlags(FlagPresent) {
			continue
		}

		dstPte := src.tableEntry(dstTable, i)
		if srcPte.HasFlags(FlagUnmanaged) {
			*dstPte = srcPte
			continue
		}

		frame, err := m.frames.AllocFrame()
		if err != nil {
			m.releaseTable(src, dstTable)
			return mm.InvalidFrame, err
		}

		m.mem.CopyFrame(srcPte.Frame(), frame)
		*dstPte = srcPte
		dstPte.SetFrame(frame)
	}

	return dstTable, nil
}

// releaseTable frees the managed frames mapped by table and the table itself.
func (m *Manager) releaseTable(as *AddressSpace, table mm.Frame) {
	for i := 0; i < entriesPerTable; i++ {
		pte := as.tableEntry(table, i)
		if pte.HasFlags(FlagPresent) && !pte.HasFlags(FlagUnmanaged) {
			m.frames.FreeFrame(pte.Frame())
		}
	}
	m.freeTable(table)
}
