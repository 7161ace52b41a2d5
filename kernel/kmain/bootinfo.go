package kmain

import "matrixos/multiboot"

// BootInfo builds the boot information a PC boot loader would hand to the
// kernel for a machine with memSize bytes of memory: 639 KiB of
// conventional memory, the BIOS areas below 1 MiB and a single extended
// memory region spanning the rest.
func BootInfo(memSize uint64, cmdLine string) []byte {
	const extendedStart = 0x100000

	b := new(multiboot.Builder)
	if cmdLine != "" {
		b.AddCmdLine(cmdLine)
	}

	return b.
		AddBasicMemInfo(639, uint32((memSize-extendedStart)/1024)).
		AddMemoryMap(
			multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
			multiboot.MemoryMapEntry{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
			multiboot.MemoryMapEntry{PhysAddress: 0xf0000, Length: 0x10000, Type: multiboot.MemReserved},
			multiboot.MemoryMapEntry{PhysAddress: extendedStart, Length: memSize - extendedStart, Type: multiboot.MemAvailable},
		).
		Bytes()
}
