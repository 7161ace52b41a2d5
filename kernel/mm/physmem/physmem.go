// Package physmem provides the simulated physical RAM that backs every frame
// handed out by the memory subsystem. Addresses used by this package are
// physical addresses; offset 0 corresponds to physical address 0.
package physmem

import (
	"unsafe"

	"matrixos/kernel"
	"matrixos/kernel/mm"
)

var (
	errZeroSize    = &kernel.Error{Module: "physmem", Message: "physical memory size must be greater than zero"}
	errOutOfBounds = &kernel.Error{Module: "physmem", Message: "physical address range exceeds installed memory"}
	errTooLarge    = &kernel.Error{Module: "physmem", Message: "physical memory size exceeds the 32-bit address space"}
)

// maxSize is the largest amount of RAM addressable by a 32-bit physical
// address.
const maxSize = uint64(1) << 32

// Memory is a contiguous block of simulated physical RAM.
type Memory struct {
	data    []byte
	release func([]byte) error
}

// New reserves size bytes of simulated RAM, rounded up to the page size.
// The returned memory is zero-filled.
func New(size mm.Size) (*Memory, *kernel.Error) {
	if size == 0 {
		return nil, errZeroSize
	}

	size = (size + mm.Size(mm.PageSize-1)) &^ mm.Size(mm.PageSize-1)
	if uint64(size) > maxSize {
		return nil, errTooLarge
	}

	data, release, err := allocFn(int(size))
	if err != nil {
		return nil, &kernel.Error{Module: "physmem", Message: err.Error()}
	}

	return &Memory{data: data, release: release}, nil
}

// Size returns the amount of installed memory in bytes.
func (m *Memory) Size() mm.Size {
	return mm.Size(len(m.data))
}

// Contains returns true if the [addr, addr+size) range lies within the
// installed memory.
func (m *Memory) Contains(addr, size uintptr) bool {
	end := addr + size
	return end >= addr && end <= uintptr(len(m.data))
}

// Bytes returns a slice that aliases size bytes of RAM starting at addr.
func (m *Memory) Bytes(addr, size uintptr) ([]byte, *kernel.Error) {
	if !m.Contains(addr, size) {
		return nil, errOutOfBounds
	}
	return m.data[addr : addr+size : addr+size], nil
}

// Ptr returns a pointer to the RAM location at addr. Callers must ensure that
// addr is valid and suitably aligned for the type they access through it.
func (m *Memory) Ptr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(&m.data[addr])
}

// Memset sets size bytes starting at addr to value.
func (m *Memory) Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := m.data[addr : addr+size]

	// Set first element and make log2(size) copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func (m *Memory) Memcopy(src, dst, size uintptr) {
	if size == 0 {
		return
	}
	copy(m.data[dst:dst+size], m.data[src:src+size])
}

// CopyFrame copies the contents of one physical frame to another.
func (m *Memory) CopyFrame(src, dst mm.Frame) {
	m.Memcopy(src.Address(), dst.Address(), mm.PageSize)
}

// ClearFrame zero-fills a physical frame.
func (m *Memory) ClearFrame(frame mm.Frame) {
	m.Memset(frame.Address(), 0, mm.PageSize)
}

// Release returns the backing storage to the host. The Memory must not be
// used afterwards.
func (m *Memory) Release() *kernel.Error {
	if m.data == nil {
		return nil
	}

	data := m.data
	m.data = nil
	if m.release == nil {
		return nil
	}
	if err := m.release(data); err != nil {
		return &kernel.Error{Module: "physmem", Message: err.Error()}
	}
	return nil
}
