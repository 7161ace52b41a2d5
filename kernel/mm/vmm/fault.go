package vmm

import (
	"matrixos/kernel/cpu"
	"matrixos/kernel/gate"
	"matrixos/kernel/kfmt"
)

var (
	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt
)

// InstallFaultHandlers registers the page fault and general protection fault
// handlers with the trap dispatcher.
func InstallFaultHandlers(m *Manager) {
	handleInterruptFn(gate.PageFaultException, m.pageFaultHandler)
	handleInterruptFn(gate.GPFException, m.generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a page directory entry or page table entry
// is not present or when a privilege and/or RW protection check fails. There
// is no demand paging so every page fault is fatal.
func (m *Manager) pageFaultHandler(core cpu.Arch, regs *gate.Registers) {
	faultAddress := core.ReadFaultAddress()

	kfmt.Printf("\nPage fault while accessing address: 0x%08x\nReason: %s\n", faultAddress, decodeFaultCode(regs.Info))
	m.dumpMapping(core, faultAddress)

	kfmt.Printf("\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func (m *Manager) generalProtectionFaultHandler(core cpu.Arch, regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%08x\n", core.ReadFaultAddress())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}

// dumpMapping prints the directory and table entries that the active address
// space of core holds for virtAddr.
func (m *Manager) dumpMapping(core cpu.Arch, virtAddr uintptr) {
	as := m.Current(core)
	if as == nil {
		kfmt.Printf("Address space: none (paging disabled)\n")
		return
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	owner := "process"
	if as.IsKernel() {
		owner = "kernel"
	}
	kfmt.Printf("Address space: %s (directory at 0x%08x)\n", owner, as.dirFrame.Address())

	if as.destroyed {
		return
	}

	slot := directoryIndex(virtAddr)
	kfmt.Printf("PDE[%4d] = 0x%08x\n", slot, uint32(*as.directoryEntry(slot)))
	if pte := as.entry(virtAddr); pte != nil {
		kfmt.Printf("PTE[%4d] = 0x%08x\n", tableIndex(virtAddr), uint32(*pte))
	} else {
		kfmt.Printf("PTE[%4d] = <no page table>\n", tableIndex(virtAddr))
	}
}

// decodeFaultCode converts a page fault error code into a human readable
// description.
func decodeFaultCode(code uint32) string {
	var reason string

	switch {
	case code&cpu.FaultFetch != 0:
		reason = "instruction fetch from "
	case code&cpu.FaultWrite != 0:
		reason = "write to "
	default:
		reason = "read from "
	}

	if code&cpu.FaultPresent != 0 {
		reason += "protected page"
	} else {
		reason += "non-present page"
	}

	if code&cpu.FaultUser != 0 {
		reason += " in user-mode"
	} else {
		reason += " in supervisor-mode"
	}

	if code&cpu.FaultReserved != 0 {
		reason += " (reserved bit set)"
	}

	return reason
}
