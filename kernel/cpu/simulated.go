package cpu

import (
	"sync/atomic"

	"matrixos/kernel"
	"matrixos/kernel/mm"
	"matrixos/kernel/mm/physmem"
	"matrixos/kernel/sync"
)

// PageFaultVector is the exception number raised for translation faults.
const PageFaultVector = uint8(14)

// Page fault error code bits pushed by the processor.
const (
	FaultPresent  = uint32(1 << 0)
	FaultWrite    = uint32(1 << 1)
	FaultUser     = uint32(1 << 2)
	FaultReserved = uint32(1 << 3)
	FaultFetch    = uint32(1 << 4)
)

// Paging structure bits interpreted by the simulated MMU.
const (
	entryPresent  = uint32(1 << 0)
	entryRW       = uint32(1 << 1)
	entryUser     = uint32(1 << 2)
	entryAccessed = uint32(1 << 5)
	entryDirty    = uint32(1 << 6)
	entryFrame    = uint32(0xfffff000)

	cr0PG = uint32(1 << 31)
	cr0WP = uint32(1 << 16)

	eflagsIF = uint32(1 << 9)
)

var (
	// ErrPageFault is returned by Load and Store when an access could not
	// be completed because of a translation fault.
	ErrPageFault = &kernel.Error{Module: "cpu", Message: "page fault"}

	errBusError      = &kernel.Error{Module: "cpu", Message: "physical address outside installed memory"}
	errHalted        = &kernel.Error{Module: "cpu", Message: "processor is halted"}
	errAddressWrap   = &kernel.Error{Module: "cpu", Message: "access wraps around the 32-bit address space"}
	errInvalidCoreID = &kernel.Error{Module: "cpu", Message: "processor id out of range"}
)

// Simulated models a 32-bit x86 processor with a two-level paging MMU that
// walks page directories stored in simulated physical memory.
type Simulated struct {
	id  int
	mem *physmem.Memory

	cr0, cr2, cr3 uint32
	eflags        uint32
	userMode      uint32
	halted        uint32

	tlbFlushes      uint64
	tlbInvalidation uint64

	trapLock sync.Spinlock
	trapFn   TrapFn

	// State is reported to trap handlers as the interrupted context.
	State State
}

// NewSimulated returns a processor attached to the supplied RAM. Interrupts
// start disabled and paging starts off.
func NewSimulated(id int, mem *physmem.Memory) (*Simulated, *kernel.Error) {
	if id < 0 || id >= MaxCores {
		return nil, errInvalidCoreID
	}
	return &Simulated{id: id, mem: mem}, nil
}

// ID implements Arch.
func (c *Simulated) ID() int { return c.id }

// ReadFaultAddress implements Arch.
func (c *Simulated) ReadFaultAddress() uintptr {
	return uintptr(atomic.LoadUint32(&c.cr2))
}

// LoadTranslationRoot implements Arch.
func (c *Simulated) LoadTranslationRoot(physAddr uintptr) {
	atomic.StoreUint32(&c.cr3, uint32(physAddr)&entryFrame)
	atomic.AddUint64(&c.tlbFlushes, 1)
}

// ActiveTranslationRoot implements Arch.
func (c *Simulated) ActiveTranslationRoot() uintptr {
	return uintptr(atomic.LoadUint32(&c.cr3))
}

// EnablePaging implements Arch.
func (c *Simulated) EnablePaging() {
	setBits(&c.cr0, cr0PG)
}

// PagingEnabled implements Arch.
func (c *Simulated) PagingEnabled() bool {
	return atomic.LoadUint32(&c.cr0)&cr0PG != 0
}

// SetWriteProtect toggles CR0.WP. When set, supervisor writes honour the
// read/write bit of page table entries.
func (c *Simulated) SetWriteProtect(enabled bool) {
	if enabled {
		setBits(&c.cr0, cr0WP)
		return
	}
	clearBits(&c.cr0, cr0WP)
}

// Invalidate implements Arch.
func (c *Simulated) Invalidate(_ uintptr) {
	atomic.AddUint64(&c.tlbInvalidation, 1)
}

// DisableInterrupts implements Arch.
func (c *Simulated) DisableInterrupts() bool {
	return clearBits(&c.eflags, eflagsIF)&eflagsIF != 0
}

// RestoreInterrupts implements Arch.
func (c *Simulated) RestoreInterrupts(enabled bool) {
	if enabled {
		c.EnableInterrupts()
	}
}

// EnableInterrupts sets the interrupt flag.
func (c *Simulated) EnableInterrupts() {
	setBits(&c.eflags, eflagsIF)
}

// InterruptsEnabled returns the state of the interrupt flag.
func (c *Simulated) InterruptsEnabled() bool {
	return atomic.LoadUint32(&c.eflags)&eflagsIF != 0
}

// Halt implements Arch.
func (c *Simulated) Halt() {
	c.DisableInterrupts()
	atomic.StoreUint32(&c.halted, 1)
}

// Halted returns true once Halt has been called.
func (c *Simulated) Halted() bool {
	return atomic.LoadUint32(&c.halted) != 0
}

// SetUserMode switches the current privilege level between ring 3 (true)
// and ring 0 (false).
func (c *Simulated) SetUserMode(user bool) {
	var v uint32
	if user {
		v = 1
	}
	atomic.StoreUint32(&c.userMode, v)
}

// UserMode returns true when the processor runs at ring 3.
func (c *Simulated) UserMode() bool {
	return atomic.LoadUint32(&c.userMode) != 0
}

// TLBStats returns the number of full TLB flushes and single-entry
// invalidations performed so far.
func (c *Simulated) TLBStats() (flushes, invalidations uint64) {
	return atomic.LoadUint64(&c.tlbFlushes), atomic.LoadUint64(&c.tlbInvalidation)
}

// SetTrapHandler implements TrapSource.
func (c *Simulated) SetTrapHandler(fn TrapFn) {
	c.trapLock.Acquire()
	c.trapFn = fn
	c.trapLock.Release()
}

// Load reads len(buf) bytes starting at virtAddr using the active
// translation.
func (c *Simulated) Load(virtAddr uintptr, buf []byte) *kernel.Error {
	return c.access(virtAddr, buf, false)
}

// Store writes data starting at virtAddr using the active translation.
func (c *Simulated) Store(virtAddr uintptr, data []byte) *kernel.Error {
	return c.access(virtAddr, data, true)
}

func (c *Simulated) access(virtAddr uintptr, buf []byte, write bool) *kernel.Error {
	if c.Halted() {
		return errHalted
	}

	if uint64(virtAddr)+uint64(len(buf)) > mm.AddressSpaceSize {
		return errAddressWrap
	}

	for done := 0; done < len(buf); {
		addr := virtAddr + uintptr(done)
		chunkLen := int(mm.PageSize - mm.PageOffset(addr))
		if rem := len(buf) - done; chunkLen > rem {
			chunkLen = rem
		}

		physAddr, err := c.resolve(addr, write)
		if err != nil {
			return err
		}

		chunk, err := c.mem.Bytes(physAddr, uintptr(chunkLen))
		if err != nil {
			return errBusError
		}

		if write {
			copy(chunk, buf[done:done+chunkLen])
		} else {
			copy(buf[done:done+chunkLen], chunk)
		}
		done += chunkLen
	}

	return nil
}

// resolve translates addr and raises a page fault if the translation fails.
// If the fault handler returns, the translation is retried once.
func (c *Simulated) resolve(addr uintptr, write bool) (uintptr, *kernel.Error) {
	physAddr, errorCode, ok := c.Translate(addr, write)
	if ok {
		return physAddr, nil
	}

	atomic.StoreUint32(&c.cr2, uint32(addr))
	if !c.raise(PageFaultVector, errorCode) {
		return 0, ErrPageFault
	}

	if physAddr, _, ok = c.Translate(addr, write); !ok {
		return 0, ErrPageFault
	}
	return physAddr, nil
}

func (c *Simulated) raise(vector uint8, errorCode uint32) bool {
	c.trapLock.Acquire()
	fn := c.trapFn
	c.trapLock.Release()

	if fn == nil {
		return false
	}

	state := c.State
	state.EFlags = atomic.LoadUint32(&c.eflags)
	fn(vector, errorCode, state)
	return true
}

// Translate performs the page walk the MMU would perform for an access to
// virtAddr. On success it returns the physical address; on failure it returns
// the error code the processor would push for the resulting page fault.
// Successful walks update the accessed and dirty bits.
func (c *Simulated) Translate(virtAddr uintptr, write bool) (uintptr, uint32, bool) {
	if !c.PagingEnabled() {
		return virtAddr, 0, true
	}

	var errorCode uint32
	user := c.UserMode()
	if write {
		errorCode |= FaultWrite
	}
	if user {
		errorCode |= FaultUser
	}

	root := uintptr(atomic.LoadUint32(&c.cr3))
	pde := c.entryAt(root + ((virtAddr >> 22) << 2))
	if pde == nil {
		return 0, errorCode | FaultReserved, false
	}
	pdeVal := atomic.LoadUint32(pde)
	if pdeVal&entryPresent == 0 {
		return 0, errorCode, false
	}

	pte := c.entryAt(uintptr(pdeVal&entryFrame) + (((virtAddr >> 12) & 0x3ff) << 2))
	if pte == nil {
		return 0, errorCode | FaultReserved, false
	}
	pteVal := atomic.LoadUint32(pte)
	if pteVal&entryPresent == 0 {
		return 0, errorCode, false
	}

	errorCode |= FaultPresent
	writeProtect := user || atomic.LoadUint32(&c.cr0)&cr0WP != 0
	if write && writeProtect && (pdeVal&entryRW == 0 || pteVal&entryRW == 0) {
		return 0, errorCode, false
	}
	if user && (pdeVal&entryUser == 0 || pteVal&entryUser == 0) {
		return 0, errorCode, false
	}

	setBits(pde, entryAccessed)
	if write {
		setBits(pte, entryAccessed|entryDirty)
	} else {
		setBits(pte, entryAccessed)
	}

	return uintptr(pteVal&entryFrame) + mm.PageOffset(virtAddr), 0, true
}

func (c *Simulated) entryAt(physAddr uintptr) *uint32 {
	if !c.mem.Contains(physAddr, 4) {
		return nil
	}
	return (*uint32)(c.mem.Ptr(physAddr))
}

// setBits atomically ORs bits into *addr and returns the previous value.
func setBits(addr *uint32, bits uint32) uint32 {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old|bits) {
			return old
		}
	}
}

// clearBits atomically clears bits from *addr and returns the previous value.
func clearBits(addr *uint32, bits uint32) uint32 {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old&^bits) {
			return old
		}
	}
}
