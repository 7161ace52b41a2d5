package multiboot

// Builder assembles a boot information blob. It is used by the simulator in
// place of a boot loader.
type Builder struct {
	tags []byte
}

// AddCmdLine appends a boot command line tag.
func (b *Builder) AddCmdLine(cmdLine string) *Builder {
	payload := append([]byte(cmdLine), 0)
	b.addTag(tagBootCmdLine, payload)
	return b
}

// AddBasicMemInfo appends a basic memory info tag. Both values are in KiB;
// upper memory starts at 1 MiB.
func (b *Builder) AddBasicMemInfo(lowerKb, upperKb uint32) *Builder {
	payload := make([]byte, 8)
	byteOrder.PutUint32(payload, lowerKb)
	byteOrder.PutUint32(payload[4:], upperKb)
	b.addTag(tagBasicMemoryInfo, payload)
	return b
}

// AddMemoryMap appends a memory map tag containing the supplied entries.
func (b *Builder) AddMemoryMap(entries ...MemoryMapEntry) *Builder {
	payload := make([]byte, mmapHeaderSize+len(entries)*mmapEntrySize)
	byteOrder.PutUint32(payload, mmapEntrySize)

	for i, entry := range entries {
		cur := payload[mmapHeaderSize+i*mmapEntrySize:]
		byteOrder.PutUint64(cur, entry.PhysAddress)
		byteOrder.PutUint64(cur[8:], entry.Length)
		byteOrder.PutUint32(cur[16:], uint32(entry.Type))
	}

	b.addTag(tagMemoryMap, payload)
	return b
}

// AddModule appends a boot module tag.
func (b *Builder) AddModule(start, end uint32, name string) *Builder {
	payload := make([]byte, moduleFixedSize, moduleFixedSize+len(name)+1)
	byteOrder.PutUint32(payload, start)
	byteOrder.PutUint32(payload[4:], end)
	payload = append(append(payload, name...), 0)
	b.addTag(tagModules, payload)
	return b
}

// Bytes returns the encoded blob, including the info header and the end tag.
func (b *Builder) Bytes() []byte {
	out := make([]byte, infoHeaderSize, infoHeaderSize+len(b.tags)+tagHeaderSize)
	out = append(out, b.tags...)

	end := make([]byte, tagHeaderSize)
	byteOrder.PutUint32(end[4:], tagHeaderSize)
	out = append(out, end...)

	byteOrder.PutUint32(out, uint32(len(out)))
	return out
}

func (b *Builder) addTag(t tagType, payload []byte) {
	size := tagHeaderSize + len(payload)
	hdr := make([]byte, tagHeaderSize)
	byteOrder.PutUint32(hdr, uint32(t))
	byteOrder.PutUint32(hdr[4:], uint32(size))

	b.tags = append(b.tags, hdr...)
	b.tags = append(b.tags, payload...)
	if pad := (tagAlignment - size%tagAlignment) % tagAlignment; pad != 0 {
		b.tags = append(b.tags, make([]byte, pad)...)
	}
}
