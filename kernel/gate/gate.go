// Package gate routes processor exceptions to registered handlers.
package gate

import (
	"io"

	"matrixos/kernel/cpu"
	"matrixos/kernel/kfmt"
	"matrixos/kernel/sync"
)

// Registers contains a snapshot of all register values when an exception
// occurs.
type Registers struct {
	cpu.State

	// Info contains the error code pushed by the processor for
	// exceptions that supply one.
	Info uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %08x EBX = %08x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %08x EDX = %08x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %08x EDI = %08x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %08x\n", r.EBP)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %08x CS  = %08x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %08x SS  = %08x\n", r.ESP, r.SS)
	kfmt.Fprintf(w, "EFL = %08x\n", r.EFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems.
	NMI = InterruptNumber(2)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory or one of its
	// entries is not present or when a privilege and/or RW protection
	// check fails.
	PageFaultException = InterruptNumber(14)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)
)

// Handler is invoked with the processor that raised the exception and a
// snapshot of its registers.
type Handler func(core cpu.Arch, regs *Registers)

var (
	handlerLock sync.Spinlock
	handlers    [256]Handler
)

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Passing a nil handler removes any
// previously registered handler.
func HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	handlerLock.Acquire()
	handlers[intNumber] = handler
	handlerLock.Release()
}

// Dispatch routes an exception to its registered handler and reports
// whether a handler was found.
func Dispatch(core cpu.Arch, intNumber InterruptNumber, regs *Registers) bool {
	handlerLock.Acquire()
	handler := handlers[intNumber]
	handlerLock.Release()

	if handler == nil {
		return false
	}

	handler(core, regs)
	return true
}

// Attach connects a processor's exception delivery to Dispatch. Exceptions
// without a registered handler are treated as a double fault.
func Attach(core cpu.TrapSource) {
	core.SetTrapHandler(func(vector uint8, errorCode uint32, state cpu.State) {
		regs := &Registers{State: state, Info: errorCode}
		if Dispatch(core, InterruptNumber(vector), regs) {
			return
		}

		kfmt.Printf("\nUnhandled exception %d (error code: 0x%x)\nRegisters:\n", vector, errorCode)
		regs.DumpTo(kfmt.GetOutputSink())
		if !Dispatch(core, DoubleFault, regs) {
			core.Halt()
		}
	})
}
