package kmem

import (
	"testing"

	"matrixos/kernel/mm"
	"matrixos/kernel/mm/physmem"
)

func TestPlacement(t *testing.T) {
	mem, err := physmem.New(64 * mm.Kb)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Release()

	p := NewPlacement(mem)
	p.SetBase(0x1010)

	addr, err := p.Alloc(24, false)
	if err != nil || addr != 0x1010 {
		t.Fatalf("expected unaligned allocation at 0x1010; got 0x%x, %v", addr, err)
	}

	if addr, err = p.Alloc(8, true); err != nil || addr != 0x2000 {
		t.Fatalf("expected page-aligned allocation at 0x2000; got 0x%x, %v", addr, err)
	}

	if got := p.Next(); got != 0x2008 {
		t.Fatalf("expected next address 0x2008; got 0x%x", got)
	}

	mem.Memset(0x3000, 0xff, mm.PageSize)
	buf, err := p.Reserve(64)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("expected reserved memory to be zeroed; byte %d = 0x%x", i, b)
		}
	}

	frame, err := p.AllocTable()
	if err != nil || frame != 4 {
		t.Fatalf("expected table at frame 4; got %d, %v", frame, err)
	}
	p.FreeTable(frame)
	if got := p.Next(); got != 0x5000 {
		t.Fatalf("expected FreeTable to be a no-op; next = 0x%x", got)
	}

	if _, err = p.Alloc(64*1024, false); err != errPlacementExhausted {
		t.Fatalf("expected errPlacementExhausted; got %v", err)
	}
}

func TestPlacementSeal(t *testing.T) {
	mem, _ := physmem.New(16 * mm.Kb)
	defer mem.Release()

	got := mockPanic(t)

	p := NewPlacement(mem)
	p.Seal()

	if _, err := p.Alloc(16, false); err != errPlacementSealed {
		t.Fatalf("expected errPlacementSealed; got %v", err)
	}
	if *got != errPlacementSealed {
		t.Fatalf("expected allocation after Seal to be fatal; got %v", *got)
	}

	*got = nil
	p.SetBase(0x1000)
	if *got != errPlacementSealed {
		t.Fatalf("expected SetBase after Seal to be fatal; got %v", *got)
	}
}
