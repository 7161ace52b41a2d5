package vmm

import (
	"testing"

	"matrixos/kernel/mm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   PageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 11)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.ClearFlags(flag1 | flag2)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       PageTableEntry
		physFrame = mm.Frame(123)
	)

	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}

	if exp := PageTableEntry(123<<12 | 0x3); pte != exp {
		t.Fatalf("expected raw entry to be 0x%x; got 0x%x", exp, pte)
	}

	if got := pte.Flags(); got != FlagPresent|FlagRW {
		t.Fatalf("expected flags to be 0x3; got 0x%x", got)
	}
}

func TestFlagBitLayout(t *testing.T) {
	specs := []struct {
		flag PageTableEntryFlag
		bit  uint
	}{
		{FlagPresent, 0},
		{FlagRW, 1},
		{FlagUserAccessible, 2},
		{FlagAccessed, 5},
		{FlagDirty, 6},
		{FlagHugePage, 7},
		{FlagGlobal, 8},
		{FlagUnmanaged, 9},
	}

	for _, spec := range specs {
		if spec.flag != PageTableEntryFlag(1)<<spec.bit {
			t.Errorf("expected flag 0x%x to occupy bit %d", spec.flag, spec.bit)
		}
	}
}

func TestIndices(t *testing.T) {
	specs := []struct {
		virt     uintptr
		dir, tbl int
	}{
		{0, 0, 0},
		{0x40000000, 256, 0},
		{0x50001fff, 320, 1},
		{0xffffffff, 1023, 1023},
	}

	for _, spec := range specs {
		if got := directoryIndex(spec.virt); got != spec.dir {
			t.Errorf("[0x%x] expected directory index %d; got %d", spec.virt, spec.dir, got)
		}
		if got := tableIndex(spec.virt); got != spec.tbl {
			t.Errorf("[0x%x] expected table index %d; got %d", spec.virt, spec.tbl, got)
		}
	}
}
