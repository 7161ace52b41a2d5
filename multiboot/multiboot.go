// Package multiboot decodes the boot information blob handed to the kernel by
// the boot loader. The blob follows the multiboot2 layout: an 8-byte header
// ({total size, reserved}) followed by 8-byte aligned tags, each starting with
// a {type, size} header and terminated by an end tag.
package multiboot

import (
	"encoding/binary"
	"strings"
)

var (
	infoData  []byte
	cmdLineKV map[string]string

	byteOrder = binary.LittleEndian
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	infoHeaderSize  = 8
	tagHeaderSize   = 8
	mmapHeaderSize  = 8
	mmapEntrySize   = 24
	tagAlignment    = 8
	moduleFixedSize = 8
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// Module describes a boot module loaded into physical memory.
type Module struct {
	Start, End uint32
	Name       string
}

// ModuleVisitor is invoked by VisitModules for each boot module. The visitor
// must return true to continue or false to abort the scan.
type ModuleVisitor func(*Module) bool

// SetInfo updates the internal multiboot information blob. This function must
// be invoked before invoking any other function exported by this package.
func SetInfo(data []byte) {
	infoData = data
	cmdLineKV = nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	payload := findTagByType(tagMemoryMap)
	if len(payload) < mmapHeaderSize {
		return
	}

	entrySize := int(byteOrder.Uint32(payload))
	if entrySize < mmapEntrySize-4 {
		return
	}

	var entry MemoryMapEntry
	for cur := payload[mmapHeaderSize:]; len(cur) >= entrySize; cur = cur[entrySize:] {
		entry.PhysAddress = byteOrder.Uint64(cur)
		entry.Length = byteOrder.Uint64(cur[8:])
		entry.Type = MemoryEntryType(byteOrder.Uint32(cur[16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// VisitModules invokes visitor for each boot module.
func VisitModules(visitor ModuleVisitor) {
	visitTags(func(t tagType, payload []byte) bool {
		if t != tagModules || len(payload) < moduleFixedSize {
			return true
		}

		mod := Module{
			Start: byteOrder.Uint32(payload),
			End:   byteOrder.Uint32(payload[4:]),
			Name:  cString(payload[moduleFixedSize:]),
		}
		return visitor(&mod)
	})
}

// ModulesEnd returns the physical address just past the last boot module or 0
// if no modules were loaded.
func ModulesEnd() uintptr {
	var end uintptr
	VisitModules(func(mod *Module) bool {
		if uintptr(mod.End) > end {
			end = uintptr(mod.End)
		}
		return true
	})
	return end
}

// GetBasicMemInfo returns the amount of lower and upper memory in KiB as
// reported by the boot loader. The ok flag is false if the tag is missing.
func GetBasicMemInfo() (lower, upper uint32, ok bool) {
	payload := findTagByType(tagBasicMemoryInfo)
	if len(payload) < 8 {
		return 0, 0, false
	}
	return byteOrder.Uint32(payload), byteOrder.Uint32(payload[4:]), true
}

// MemorySize returns the total amount of physical memory in bytes. It is the
// end address of the highest available memory map region; if no memory map is
// present the basic memory info is used instead (upper memory starts at 1 MiB).
func MemorySize() uint64 {
	var size uint64
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.Type == MemAvailable {
			if end := entry.PhysAddress + entry.Length; end > size {
				size = end
			}
		}
		return true
	})

	if size != 0 {
		return size
	}

	if _, upper, ok := GetBasicMemInfo(); ok {
		return (uint64(upper) + 1024) * 1024
	}
	return 0
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	if payload := findTagByType(tagBootCmdLine); len(payload) != 0 {
		pairs := strings.Fields(cString(payload))
		for _, pair := range pairs {
			kv := strings.Split(pair, "=")
			switch len(kv) {
			case 2: // foo=bar
				cmdLineKV[kv[0]] = kv[1]
			case 1: // nofoo
				cmdLineKV[kv[0]] = kv[0]
			}
		}
	}

	return cmdLineKV
}

// findTagByType scans the multiboot info data looking for the first tag of
// the specified type and returns its payload (excluding the tag header). It
// returns nil if the tag is not present.
func findTagByType(want tagType) []byte {
	var found []byte
	visitTags(func(t tagType, payload []byte) bool {
		if t == want {
			found = payload
			return false
		}
		return true
	})
	return found
}

// visitTags invokes fn for each well-formed tag until the end tag is reached,
// fn returns false or a truncated tag is encountered.
func visitTags(fn func(tagType, []byte) bool) {
	if len(infoData) < infoHeaderSize {
		return
	}

	data := infoData
	if total := int(byteOrder.Uint32(data)); total >= infoHeaderSize && total < len(data) {
		data = data[:total]
	}

	for cur := infoHeaderSize; cur+tagHeaderSize <= len(data); {
		t := tagType(byteOrder.Uint32(data[cur:]))
		size := int(byteOrder.Uint32(data[cur+4:]))
		if t == tagMbSectionEnd || size < tagHeaderSize || cur+size > len(data) {
			return
		}

		if !fn(t, data[cur+tagHeaderSize:cur+size]) {
			return
		}

		// Tags are aligned at 8-byte aligned addresses
		cur += (size + tagAlignment - 1) &^ (tagAlignment - 1)
	}
}

// cString returns the contents of a NULL-terminated string.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
