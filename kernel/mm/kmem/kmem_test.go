package kmem

import (
	"testing"

	"matrixos/kernel/kfmt"
	"matrixos/kernel/mm"
	"matrixos/kernel/mm/physmem"
	"matrixos/kernel/mm/pmm"
	"matrixos/kernel/mm/vmm"
)

const (
	testHeapStart   = uintptr(0xc0000000)
	testHeapInitial = uintptr(0x4000)
	testHeapMax     = uintptr(0x40000)
)

type heapEnv struct {
	mem       *physmem.Memory
	frames    *pmm.BitmapAllocator
	placement *Placement
	mgr       *vmm.Manager
}

// newHeapEnv boots a minimal memory subsystem: the frame bitmap and the
// kernel page tables live in placement memory above 1 MiB and the tables for
// the heap range are reserved up front.
func newHeapEnv(t *testing.T) *heapEnv {
	t.Helper()

	mem, err := physmem.New(8 * mm.Mb)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Release() })

	placement := NewPlacement(mem)
	placement.SetBase(0x100000)

	frames := new(pmm.BitmapAllocator)
	if err = frames.Init(uint64(mem.Size()), placement.Reserve); err != nil {
		t.Fatal(err)
	}

	mgr, err := vmm.NewManager(mem, frames, placement)
	if err != nil {
		t.Fatal(err)
	}
	if err = mgr.Kernel().ReserveTables(testHeapStart, testHeapStart+testHeapMax); err != nil {
		t.Fatal(err)
	}

	for f := mm.Frame(0); f < mm.FrameFromAddress(mm.RoundUp(placement.Next())); f++ {
		frames.SetUsed(f)
	}

	return &heapEnv{mem: mem, frames: frames, placement: placement, mgr: mgr}
}

func (env *heapEnv) newHeap(t *testing.T) *Heap {
	t.Helper()

	h, err := NewHeap(env.mgr.Kernel(), testHeapStart, testHeapInitial, testHeapInitial, testHeapMax)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func mockPanic(t *testing.T) *interface{} {
	var got interface{}
	panicFn = func(e interface{}) { got = e }
	t.Cleanup(func() { panicFn = kfmt.Panic })
	return &got
}

// checkHeap walks every block between the heap start and end and verifies
// the structural invariants of the heap.
func checkHeap(t *testing.T, h *Heap) {
	t.Helper()

	h.mutex.Acquire()
	defer h.mutex.Release()

	var (
		holes    = make(map[uintptr]bool)
		prevHole bool
		addr     = h.start
	)

	for addr < h.end {
		hdr := h.header(addr)
		if hdr.magic != heapMagic {
			t.Fatalf("block at 0x%x: bad header magic 0x%x", addr, hdr.magic)
		}

		size := uintptr(hdr.size)
		if size < minHoleSize || size%blockAlign != 0 {
			t.Fatalf("block at 0x%x: invalid size %d", addr, size)
		}

		ftr := h.footer(addr + size - footerSize)
		if ftr.magic != heapMagic || uintptr(ftr.header) != addr {
			t.Fatalf("block at 0x%x: footer does not point back to its header", addr)
		}

		isHole := hdr.hole != 0
		if isHole && prevHole {
			t.Fatalf("block at 0x%x: adjacent holes were not coalesced", addr)
		}
		if isHole {
			holes[addr] = true
		}

		prevHole = isHole
		addr += size
	}

	if addr != h.end {
		t.Fatalf("blocks end at 0x%x; heap ends at 0x%x", addr, h.end)
	}

	if len(h.index) != len(holes) {
		t.Fatalf("index has %d entries; heap has %d holes", len(h.index), len(holes))
	}
	for i, hole := range h.index {
		if !holes[hole] {
			t.Fatalf("index entry 0x%x is not a hole", hole)
		}
		if i > 0 && h.header(h.index[i-1]).size > h.header(hole).size {
			t.Fatal("index is not ordered by size")
		}
	}
}
