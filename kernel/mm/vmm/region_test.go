package vmm

import (
	"testing"

	"matrixos/kernel"
	"matrixos/kernel/mm"
)

func TestReserveRegion(t *testing.T) {
	env := newTestEnv(t, 16<<20, 4<<20)
	env.mgr.SetReserveWindow(0xff000000, 0xff010000)

	specs := []struct {
		size    uintptr
		expAddr uintptr
		expErr  *kernel.Error
	}{
		{1, 0xff00f000, nil},
		{mm.PageSize + 1, 0xff00d000, nil},
		{0x10000, 0, errReserveNoSpace},
		{0, 0, errReserveNoSpace},
		{0xd000, 0xff000000, nil},
		{1, 0, errReserveNoSpace},
	}

	for specIndex, spec := range specs {
		addr, err := env.mgr.ReserveRegion(spec.size)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}
		if addr != spec.expAddr {
			t.Errorf("[spec %d] expected address 0x%x; got 0x%x", specIndex, spec.expAddr, addr)
		}
	}
}

func TestMapRegion(t *testing.T) {
	env := newTestEnv(t, 16<<20, 4<<20)
	kernelAS := env.mgr.Kernel()
	env.mgr.SetReserveWindow(0xffc00000, 0xfffff000)

	page, err := env.mgr.MapRegion(mm.Frame(0xb8), 2*mm.PageSize-1, FlagRW|FlagDoNotCache)
	if err != nil {
		t.Fatal(err)
	}

	if exp := mm.PageFromAddress(0xffffd000); page != exp {
		t.Fatalf("expected region to start at page 0x%x; got 0x%x", exp, page)
	}

	for i := uintptr(0); i < 2; i++ {
		pte, _ := kernelAS.Entry(page.Address()+i*mm.PageSize, false)
		if pte == nil || !pte.HasFlags(FlagPresent|FlagRW|FlagDoNotCache|FlagUnmanaged) {
			t.Fatalf("[page %d] expected present, unmanaged device entry", i)
		}
		if exp := mm.Frame(0xb8 + i); pte.Frame() != exp {
			t.Fatalf("[page %d] expected frame 0x%x; got 0x%x", i, exp, pte.Frame())
		}
	}

	if got := env.frames.FreeFrames(); got != 4096 {
		t.Fatalf("expected device windows to allocate no frames; %d free", got)
	}

	// Unmapping must not hand the device frames to the frame allocator.
	if unmapped, err := kernelAS.Unmap(page.Address(), 2*mm.PageSize); err != nil || !unmapped {
		t.Fatalf("expected unmap to succeed; got %t, %v", unmapped, err)
	}
	if env.frames.IsUsed(0xb8) {
		t.Fatal("device frame should never be marked used")
	}
}

func TestIdentityMapRegion(t *testing.T) {
	env := newTestEnv(t, 16<<20, 4<<20)
	kernelAS := env.mgr.Kernel()

	page, err := kernelAS.IdentityMapRegion(mm.Frame(0), 0x3000, FlagRW|FlagUnmanaged)
	if err != nil {
		t.Fatal(err)
	}
	if page != 0 {
		t.Fatalf("expected start page 0; got %d", page)
	}

	// Extending an identity mapped region skips the pages that are
	// already mapped.
	if _, err = kernelAS.IdentityMapRegion(mm.Frame(0), 0x5000, FlagRW|FlagUnmanaged); err != nil {
		t.Fatal(err)
	}

	for addr := uintptr(0); addr < 0x5000; addr += mm.PageSize {
		if phys, err := kernelAS.Translate(addr + 0x10); err != nil || phys != addr+0x10 {
			t.Fatalf("expected 0x%x to be identity mapped; got 0x%x, %v", addr, phys, err)
		}
	}

	// A page mapped elsewhere is still reported as a conflict.
	_ = kernelAS.MapFrame(mm.Page(8), mm.Frame(100), FlagRW|FlagUnmanaged)
	if _, err = kernelAS.IdentityMapRegion(mm.Frame(6), 0x4000, FlagRW|FlagUnmanaged); err != ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped; got %v", err)
	}
}
