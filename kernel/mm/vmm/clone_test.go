package vmm

import (
	"testing"

	"matrixos/kernel/cpu"
	"matrixos/kernel/mm"
	"matrixos/kernel/mm/pmm"
)

func loadByte(t *testing.T, core *cpu.Simulated, virt uintptr) byte {
	t.Helper()

	buf := make([]byte, 1)
	if err := core.Load(virt, buf); err != nil {
		t.Fatalf("load from 0x%x failed: %v", virt, err)
	}
	return buf[0]
}

func storeByte(t *testing.T, core *cpu.Simulated, virt uintptr, v byte) {
	t.Helper()

	if err := core.Store(virt, []byte{v}); err != nil {
		t.Fatalf("store to 0x%x failed: %v", virt, err)
	}
}

func TestCloneIsolationScenario(t *testing.T) {
	env := newTestEnv(t, 16<<20, 4<<20)
	core := env.newCore(t, 0)

	src, _ := env.mgr.Create()
	if err := src.Map(0x50000000, 4096, MapRead|MapWrite); err != nil {
		t.Fatal(err)
	}

	if err := env.mgr.Switch(core, src); err != nil {
		t.Fatal(err)
	}
	storeByte(t, core, 0x50000000, 0xAB)

	dst, err := env.mgr.Clone(src)
	if err != nil {
		t.Fatal(err)
	}

	srcPhys, _ := src.Translate(0x50000000)
	dstPhys, _ := dst.Translate(0x50000000)
	if srcPhys == dstPhys {
		t.Fatal("expected the clone to map a different physical frame")
	}

	_ = env.mgr.Switch(core, dst)
	if got := loadByte(t, core, 0x50000000); got != 0xAB {
		t.Fatalf("expected the clone to observe 0xAB; got 0x%x", got)
	}
	storeByte(t, core, 0x50000000, 0xCD)

	_ = env.mgr.Switch(core, src)
	if got := loadByte(t, core, 0x50000000); got != 0xAB {
		t.Fatalf("expected the source to still hold 0xAB; got 0x%x", got)
	}
}

func TestCloneSharesKernelTables(t *testing.T) {
	env := newTestEnv(t, 16<<20, 4<<20)
	kernelAS := env.mgr.Kernel()

	if err := kernelAS.ReserveTables(0xc0000000, 0xc0800000); err != nil {
		t.Fatal(err)
	}
	if err := kernelAS.Map(0xc0000000, mm.PageSize, MapRead|MapWrite); err != nil {
		t.Fatal(err)
	}

	src, err := env.mgr.Clone(kernelAS)
	if err != nil {
		t.Fatal(err)
	}
	if err = src.Map(0x08048000, 2*mm.PageSize, MapRead|MapWrite|MapUser); err != nil {
		t.Fatal(err)
	}

	dst, err := env.mgr.Clone(src)
	if err != nil {
		t.Fatal(err)
	}

	kernelPhys, _ := kernelAS.Translate(0xc0000000)
	for _, as := range []*AddressSpace{src, dst} {
		phys, err := as.Translate(0xc0000000)
		if err != nil || phys != kernelPhys {
			t.Fatalf("expected kernel page to be shared; got 0x%x, %v", phys, err)
		}
	}

	slot := directoryIndex(0xc0000000)
	if src.slots[slot].kind != slotShared || dst.slots[slot].kind != slotShared {
		t.Fatal("expected kernel slots to be tagged as shared")
	}
	if *dst.directoryEntry(slot) != *kernelAS.directoryEntry(slot) {
		t.Fatal("expected the directory entry of a shared slot to be copied verbatim")
	}

	// Kernel mappings created after the clone are visible through the
	// shared table.
	if err = kernelAS.Map(0xc0400000, mm.PageSize, MapRead); err != nil {
		t.Fatal(err)
	}
	if _, err = dst.Translate(0xc0400000); err != nil {
		t.Fatalf("expected kernel mapping to be visible in the clone; got %v", err)
	}

	t.Run("process cannot modify the kernel range", func(t *testing.T) {
		if err := dst.Map(0xc0001000, mm.PageSize, MapRead); err != ErrKernelRange {
			t.Fatalf("expected ErrKernelRange; got %v", err)
		}
		if _, err := dst.Unmap(0xc0000000, mm.PageSize); err != ErrKernelRange {
			t.Fatalf("expected ErrKernelRange; got %v", err)
		}
	})

	t.Run("destroy does not affect siblings", func(t *testing.T) {
		free := env.frames.FreeFrames()
		env.mgr.Destroy(dst)

		if got := env.frames.FreeFrames(); got != free+2 {
			t.Fatalf("expected destroy to release the 2 private frames of the clone; %d -> %d free", free, got)
		}

		if phys, err := src.Translate(0xc0000000); err != nil || phys != kernelPhys {
			t.Fatalf("expected kernel mapping in the sibling to be intact; got 0x%x, %v", phys, err)
		}
		if _, err := src.Translate(0x08049000); err != nil {
			t.Fatalf("expected private mapping in the sibling to be intact; got %v", err)
		}

		if err := src.Map(0x10000000, mm.PageSize, MapRead|MapWrite); err != nil {
			t.Fatal(err)
		}
		if unmapped, err := src.Unmap(0x10000000, mm.PageSize); err != nil || !unmapped {
			t.Fatalf("expected map/unmap cycle on the sibling to succeed; got %t, %v", unmapped, err)
		}

		if err := kernelAS.Map(0xc0001000, mm.PageSize, MapRead); err != nil {
			t.Fatalf("expected the shared kernel table to remain usable; got %v", err)
		}
	})
}

func TestCloneAliasesUnmanagedEntries(t *testing.T) {
	env := newTestEnv(t, 16<<20, 4<<20)

	src, _ := env.mgr.Create()
	if err := src.MapFrame(mm.PageFromAddress(0x70000000), mm.Frame(4100), FlagRW|FlagUnmanaged); err != nil {
		t.Fatal(err)
	}

	free := env.frames.FreeFrames()
	dst, err := env.mgr.Clone(src)
	if err != nil {
		t.Fatal(err)
	}

	if phys, _ := dst.Translate(0x70000000); phys != mm.Frame(4100).Address() {
		t.Fatalf("expected unmanaged entry to be aliased; got 0x%x", phys)
	}
	if got := env.frames.FreeFrames(); got != free {
		t.Fatal("expected cloning an unmanaged entry to allocate no frames")
	}
}

func TestCloneErrors(t *testing.T) {
	t.Run("kernel target", func(t *testing.T) {
		env := newTestEnv(t, 16<<20, 4<<20)
		src, _ := env.mgr.Create()

		if err := env.mgr.CloneInto(env.mgr.Kernel(), src); err != errCloneIntoKernel {
			t.Fatalf("expected errCloneIntoKernel; got %v", err)
		}
	})

	t.Run("non-empty target", func(t *testing.T) {
		env := newTestEnv(t, 16<<20, 4<<20)
		src, _ := env.mgr.Create()
		dst, _ := env.mgr.Create()
		_ = dst.Map(0x1000, 1, MapRead)

		if err := env.mgr.CloneInto(dst, src); err != errCloneTargetInUse {
			t.Fatalf("expected errCloneTargetInUse; got %v", err)
		}
	})

	t.Run("frame exhaustion rolls back", func(t *testing.T) {
		env := newTestEnv(t, 8*uint64(mm.PageSize), 16*uint64(mm.PageSize))
		liveTables := env.tables.live()

		src, _ := env.mgr.Create()
		if err := src.Map(0x40000000, 3*mm.PageSize, MapRead|MapWrite); err != nil {
			t.Fatal(err)
		}
		if err := src.Map(0x80000000, 3*mm.PageSize, MapRead|MapWrite); err != nil {
			t.Fatal(err)
		}

		if _, err := env.mgr.Clone(src); err != pmm.ErrNoFreeFrames {
			t.Fatalf("expected ErrNoFreeFrames; got %v", err)
		}

		if got := env.frames.FreeFrames(); got != 2 {
			t.Fatalf("expected failed clone to release its frames; %d free", got)
		}

		env.mgr.Destroy(src)
		if got := env.tables.live(); got != liveTables {
			t.Fatalf("expected all tables to be released; %d live, expected %d", got, liveTables)
		}
	})
}
