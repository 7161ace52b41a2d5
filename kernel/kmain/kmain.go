// Package kmain brings up the memory subsystem: it reads the boot
// information, initializes the frame allocator, builds the kernel address
// space, attaches the fault handlers and finally switches kernel allocations
// over to the heap.
package kmain

import (
	"unsafe"

	"matrixos/kernel"
	"matrixos/kernel/cpu"
	"matrixos/kernel/driver/tty"
	"matrixos/kernel/driver/video/console"
	"matrixos/kernel/gate"
	"matrixos/kernel/kfmt"
	"matrixos/kernel/mm"
	"matrixos/kernel/mm/kmem"
	"matrixos/kernel/mm/physmem"
	"matrixos/kernel/mm/pmm"
	"matrixos/kernel/mm/vmm"
	"matrixos/multiboot"
)

const (
	// egaTextFrame is the frame holding the EGA text mode buffer.
	egaTextFrame = mm.Frame(0xb8)
	egaWidth     = 80
	egaHeight    = 25
)

var (
	errNoMemoryInfo   = &kernel.Error{Module: "kmain", Message: "boot information does not describe any memory"}
	errKernelTooLarge = &kernel.Error{Module: "kmain", Message: "kernel image and boot modules do not fit in physical memory"}
)

// System is a booted memory subsystem.
type System struct {
	Config Config

	Memory    *physmem.Memory
	Frames    *pmm.BitmapAllocator
	Placement *kmem.Placement
	VMM       *vmm.Manager
	Allocator *kmem.Allocator
	Heap      *kmem.Heap
	Cores     []*cpu.Simulated

	// Console and Terminal are set by AttachConsole.
	Console  *console.Ega
	Terminal *tty.Vt
}

// Boot initializes the memory subsystem from a boot information blob. The
// boot command line may override the heap geometry and the number of cores
// in cfg.
func Boot(info []byte, cfg Config) (*System, *kernel.Error) {
	multiboot.SetInfo(info)

	cfg = cfg.ApplyCmdLine(multiboot.GetBootCmdLine())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	totalMem := multiboot.MemorySize()
	if totalMem == 0 {
		return nil, errNoMemoryInfo
	}
	if totalMem > mm.AddressSpaceSize {
		totalMem = mm.AddressSpaceSize
	}

	mem, err := physmem.New(mm.Size(totalMem))
	if err != nil {
		return nil, err
	}

	sys := &System{
		Config: cfg,
		Memory: mem,
		Frames: &pmm.FrameAllocator,
	}

	if err = sys.initMemory(); err != nil {
		_ = mem.Release()
		return nil, err
	}

	kfmt.Printf("[kmain] booted with %dKb of memory, heap at 0x%08x\n", totalMem/1024, cfg.HeapStart)
	sys.PrintStats()

	return sys, nil
}

func (sys *System) initMemory() *kernel.Error {
	cfg := sys.Config

	base := cfg.KernelEnd
	if modEnd := multiboot.ModulesEnd(); modEnd > base {
		base = modEnd
	}
	if !sys.Memory.Contains(base, mm.PageSize) {
		return errKernelTooLarge
	}

	sys.Placement = kmem.NewPlacement(sys.Memory)
	sys.Placement.SetBase(base)

	if err := sys.Frames.Init(uint64(sys.Memory.Size()), sys.Placement.Reserve); err != nil {
		return err
	}
	sys.reserveUnavailableRegions()

	mgr, err := vmm.NewManager(sys.Memory, sys.Frames, sys.Placement)
	if err != nil {
		return err
	}
	sys.VMM = mgr
	mgr.SetReserveWindow(cfg.DeviceWindowStart, cfg.DeviceWindowEnd)

	// Every clone shares the heap and device window tables so they must
	// exist before the first process address space is created.
	kernelAS := mgr.Kernel()
	if err = kernelAS.ReserveTables(cfg.HeapStart, cfg.HeapStart+cfg.HeapMaxSize); err != nil {
		return err
	}
	if err = kernelAS.ReserveTables(cfg.DeviceWindowStart, cfg.DeviceWindowEnd); err != nil {
		return err
	}

	if err = sys.identityMapBootMemory(); err != nil {
		return err
	}

	if err = sys.initCores(); err != nil {
		return err
	}

	sys.Allocator = kmem.NewAllocator(sys.Placement)
	sys.Heap, err = sys.Allocator.InitHeap(mgr, cfg.HeapStart, cfg.HeapInitialSize, cfg.HeapMinSize, cfg.HeapMaxSize)
	return err
}

// reserveUnavailableRegions marks the frames of every memory region that is
// not available for general use as allocated.
func (sys *System) reserveUnavailableRegions() {
	totalFrames := mm.Frame(sys.Frames.TotalFrames())

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable {
			return true
		}

		first := mm.Frame(region.PhysAddress >> mm.PageShift)
		last := mm.Frame((region.PhysAddress + region.Length + uint64(mm.PageSize-1)) >> mm.PageShift)
		for f := first; f < last && f < totalFrames; f++ {
			sys.Frames.SetUsed(f)
		}
		return true
	})
}

// identityMapBootMemory identity-maps everything below the placement cursor:
// the kernel image, the boot modules, the frame bitmap and the boot page
// tables. Mapping may consume more placement memory for page tables so the
// loop runs until the cursor stops moving. The first page stays unmapped so
// that null pointer accesses fault.
func (sys *System) identityMapBootMemory() *kernel.Error {
	kernelAS := sys.VMM.Kernel()
	flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagUnmanaged

	mapped := mm.PageSize
	for end := mm.RoundUp(sys.Placement.Next()); mapped < end; end = mm.RoundUp(sys.Placement.Next()) {
		if _, err := kernelAS.IdentityMapRegion(mm.FrameFromAddress(mapped), end-mapped, flags); err != nil {
			return err
		}
		mapped = end
	}

	for f := mm.Frame(0); f < mm.FrameFromAddress(mapped); f++ {
		sys.Frames.SetUsed(f)
	}

	return nil
}

// initCores creates the simulated processors, attaches them to the trap
// dispatcher and activates the kernel address space on each of them.
func (sys *System) initCores() *kernel.Error {
	vmm.InstallFaultHandlers(sys.VMM)

	for id := 0; id < sys.Config.Cores; id++ {
		core, err := cpu.NewSimulated(id, sys.Memory)
		if err != nil {
			return err
		}
		if id == 0 {
			cpu.SetBootCPU(core)
		}

		gate.Attach(core)
		if err = sys.VMM.Switch(core, sys.VMM.Kernel()); err != nil {
			return err
		}
		core.EnableInterrupts()

		sys.Cores = append(sys.Cores, core)
	}

	return nil
}

// AttachConsole maps the EGA text buffer into the kernel device window and
// sets up a terminal on top of it.
func (sys *System) AttachConsole() (*tty.Vt, *kernel.Error) {
	size := uintptr(egaWidth * egaHeight * 2)

	page, err := sys.VMM.MapRegion(egaTextFrame, size, vmm.FlagRW|vmm.FlagDoNotCache)
	if err != nil {
		return nil, err
	}

	phys, err := sys.VMM.Kernel().Translate(page.Address())
	if err != nil {
		return nil, err
	}
	buf, err := sys.Memory.Bytes(phys, size)
	if err != nil {
		return nil, err
	}

	cons := new(console.Ega)
	if err = cons.Init(egaWidth, egaHeight, unsafe.Slice((*uint16)(unsafe.Pointer(&buf[0])), egaWidth*egaHeight)); err != nil {
		return nil, err
	}

	vt := new(tty.Vt)
	vt.AttachTo(cons)
	vt.Clear()

	sys.Console, sys.Terminal = cons, vt
	return vt, nil
}

// BootCore returns the boot processor.
func (sys *System) BootCore() *cpu.Simulated {
	return sys.Cores[0]
}

// PrintStats outputs frame allocator and heap statistics.
func (sys *System) PrintStats() {
	sys.Frames.PrintStats()
	if sys.Heap != nil {
		sys.Heap.PrintStats()
	}
}

// Shutdown releases the simulated physical memory. The system must not be
// used afterwards.
func (sys *System) Shutdown() *kernel.Error {
	if cpu.BootCPU() == cpu.Arch(sys.BootCore()) {
		cpu.SetBootCPU(nil)
	}
	return sys.Memory.Release()
}
