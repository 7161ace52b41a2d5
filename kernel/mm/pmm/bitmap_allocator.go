// Package pmm implements the physical frame allocator.
package pmm

import (
	"unsafe"

	"matrixos/kernel"
	"matrixos/kernel/kfmt"
	"matrixos/kernel/mm"
	"matrixos/kernel/sync"
)

const wordBits = 32

var (
	// FrameAllocator is a BitmapAllocator instance that serves as the
	// primary allocator for reserving frames.
	FrameAllocator BitmapAllocator

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrNoFreeFrames is returned by AllocFrame when every frame is in
	// use.
	ErrNoFreeFrames = &kernel.Error{Module: "pmm", Message: "no free frames"}

	errNoMemory         = &kernel.Error{Module: "pmm", Message: "platform reported zero usable memory"}
	errFrameOutOfRange  = &kernel.Error{Module: "pmm", Message: "frame index out of range"}
	errFrameAlreadyFree = &kernel.Error{Module: "pmm", Message: "attempted to free a frame that is not in use"}
	errBitmapTooSmall   = &kernel.Error{Module: "pmm", Message: "reserved bitmap storage is too small"}
)

// ReserveFn returns size bytes of zero-filled storage for the allocator
// bitmap.
type ReserveFn func(size uintptr) ([]byte, *kernel.Error)

// BitmapAllocator tracks frame reservations using one bit per frame. Bit
// (f % 32) of word (f / 32) is set when frame f is in use.
type BitmapAllocator struct {
	mutex sync.Spinlock

	totalFrames uint32
	usedFrames  uint32

	bitmap []uint32
}

// Init sizes the allocator for totalBytes of physical memory. The bitmap
// storage is obtained through reserveFn since the kernel heap does not exist
// yet when the allocator is initialized.
func (alloc *BitmapAllocator) Init(totalBytes uint64, reserveFn ReserveFn) *kernel.Error {
	frames := totalBytes >> mm.PageShift
	if frames == 0 {
		return errNoMemory
	}

	words := (frames + wordBits - 1) / wordBits
	storage, err := reserveFn(uintptr(words * 4))
	if err != nil {
		return err
	}
	if uint64(len(storage)) < words*4 {
		return errBitmapTooSmall
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	alloc.bitmap = unsafe.Slice((*uint32)(unsafe.Pointer(&storage[0])), int(words))
	for i := range alloc.bitmap {
		alloc.bitmap[i] = 0
	}
	alloc.totalFrames = uint32(frames)
	alloc.usedFrames = 0

	// Bits past the last frame in the final word are permanently marked
	// as used so FirstFree never reports them.
	if tail := frames % wordBits; tail != 0 {
		alloc.bitmap[words-1] = ^uint32(0) << tail
	}

	return nil
}

// TotalFrames returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint32 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.totalFrames
}

// FreeFrames returns the number of frames that are not in use.
func (alloc *BitmapAllocator) FreeFrames() uint32 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.totalFrames - alloc.usedFrames
}

// SetUsed marks a frame as in use. Marking a frame that is already in use is
// a no-op.
func (alloc *BitmapAllocator) SetUsed(frame mm.Frame) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	alloc.markFrame(frame, true)
}

// ClearUsed marks a frame as free. Clearing a frame that is already free is
// a no-op.
func (alloc *BitmapAllocator) ClearUsed(frame mm.Frame) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	alloc.markFrame(frame, false)
}

// IsUsed returns true if the frame is marked as in use.
func (alloc *BitmapAllocator) IsUsed(frame mm.Frame) bool {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if !alloc.inRange(frame) {
		return false
	}
	word, mask := bitmapIndex(frame)
	return alloc.bitmap[word]&mask != 0
}

// FirstFree returns the lowest free frame or mm.InvalidFrame if all frames
// are in use.
func (alloc *BitmapAllocator) FirstFree() mm.Frame {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.firstFree()
}

// AllocFrame reserves the lowest free frame.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	frame := alloc.firstFree()
	if !frame.Valid() {
		return mm.InvalidFrame, ErrNoFreeFrames
	}

	alloc.markFrame(frame, true)
	return frame, nil
}

// FreeFrame releases a frame previously reserved via AllocFrame.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if !alloc.inRange(frame) {
		panicFn(errFrameOutOfRange)
		return
	}

	if word, mask := bitmapIndex(frame); alloc.bitmap[word]&mask == 0 {
		panicFn(errFrameAlreadyFree)
		return
	}

	alloc.markFrame(frame, false)
}

// PrintStats outputs frame usage statistics.
func (alloc *BitmapAllocator) PrintStats() {
	alloc.mutex.Acquire()
	total, used := alloc.totalFrames, alloc.usedFrames
	alloc.mutex.Release()

	kfmt.Printf("[pmm] frames: %d total, %d used, %d free (%dKb free)\n",
		total, used, total-used, uint64(total-used)*uint64(mm.PageSize)/1024,
	)
}

func (alloc *BitmapAllocator) firstFree() mm.Frame {
	for word, block := range alloc.bitmap {
		// Skip fully allocated words
		if block == ^uint32(0) {
			continue
		}

		for bit := uint32(0); bit < wordBits; bit++ {
			if block&(1<<bit) == 0 {
				return mm.Frame(uint32(word)*wordBits + bit)
			}
		}
	}

	return mm.InvalidFrame
}

func (alloc *BitmapAllocator) markFrame(frame mm.Frame, used bool) {
	if !alloc.inRange(frame) {
		panicFn(errFrameOutOfRange)
		return
	}

	word, mask := bitmapIndex(frame)
	wasUsed := alloc.bitmap[word]&mask != 0

	switch {
	case used && !wasUsed:
		alloc.bitmap[word] |= mask
		alloc.usedFrames++
	case !used && wasUsed:
		alloc.bitmap[word] &^= mask
		alloc.usedFrames--
	}
}

func (alloc *BitmapAllocator) inRange(frame mm.Frame) bool {
	return frame.Valid() && uint64(frame) < uint64(alloc.totalFrames)
}

func bitmapIndex(frame mm.Frame) (int, uint32) {
	return int(frame / wordBits), uint32(1) << (uint32(frame) % wordBits)
}
