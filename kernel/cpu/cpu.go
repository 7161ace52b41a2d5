// Package cpu defines the architecture capability the memory subsystem relies
// on and a simulated x86 (32-bit) processor that implements it.
package cpu

import (
	"os"

	"matrixos/kernel/sync"
)

// MaxCores bounds the number of processors the memory subsystem tracks.
const MaxCores = 8

// Arch is the architecture-specific capability used by the memory manager.
// Every register access the memory manager needs goes through this interface.
type Arch interface {
	// ID returns the index of this processor (0 <= ID < MaxCores).
	ID() int

	// ReadFaultAddress returns the address latched by the last page
	// fault (CR2).
	ReadFaultAddress() uintptr

	// LoadTranslationRoot loads the physical address of a page directory
	// into the translation-root register (CR3) and flushes the TLB.
	LoadTranslationRoot(physAddr uintptr)

	// ActiveTranslationRoot returns the value of the translation-root
	// register.
	ActiveTranslationRoot() uintptr

	// EnablePaging turns on address translation (CR0.PG).
	EnablePaging()

	// PagingEnabled returns true if address translation is active.
	PagingEnabled() bool

	// Invalidate flushes the TLB entry for a virtual address (INVLPG).
	Invalidate(virtAddr uintptr)

	// DisableInterrupts masks interrupts on this processor and returns
	// true if they were enabled before the call.
	DisableInterrupts() bool

	// RestoreInterrupts re-enables interrupts if enabled is true.
	RestoreInterrupts(enabled bool)

	// Halt stops instruction execution on this processor.
	Halt()
}

// State holds the general purpose and control-flow registers reported to
// trap handlers.
type State struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EIP, EFlags        uint32
	CS, SS             uint32
}

// TrapFn receives exceptions raised by a processor.
type TrapFn func(vector uint8, errorCode uint32, state State)

// TrapSource is implemented by processors that can deliver exceptions to a
// trap dispatcher.
type TrapSource interface {
	Arch
	SetTrapHandler(TrapFn)
}

const haltExitCode = 1

var (
	// exitFn is used by tests to intercept the process exit that follows
	// a system halt.
	exitFn = os.Exit

	bootCPULock sync.Spinlock
	bootCPU     Arch
)

// SetBootCPU registers the processor that Halt will stop.
func SetBootCPU(a Arch) {
	bootCPULock.Acquire()
	bootCPU = a
	bootCPULock.Release()
}

// BootCPU returns the processor registered via SetBootCPU.
func BootCPU() Arch {
	bootCPULock.Acquire()
	defer bootCPULock.Release()
	return bootCPU
}

// Halt stops the boot processor and terminates the simulation. It is the
// final step of every kernel panic.
func Halt() {
	if a := BootCPU(); a != nil {
		a.Halt()
	}
	exitFn(haltExitCode)
}
