package console

import (
	"matrixos/kernel"
	"matrixos/kernel/sync"
)

const (
	clearColor = Black
	clearChar  = byte(' ')
)

var errFramebufferTooSmall = &kernel.Error{Module: "console", Message: "framebuffer cannot hold the requested number of cells"}

// Ega implements an EGA-compatible text console. Each cell of the
// framebuffer holds a character in its low byte and a color attribute in its
// high byte.
type Ega struct {
	mutex sync.Spinlock

	width  uint16
	height uint16

	fb []uint16
}

var _ Console = (*Ega)(nil)

// Init sets up the console on top of fb, which is typically a view of the
// video memory window established by the memory manager.
func (cons *Ega) Init(width, height uint16, fb []uint16) *kernel.Error {
	if len(fb) < int(width)*int(height) {
		return errFramebufferTooSmall
	}

	cons.mutex.Acquire()
	defer cons.mutex.Release()

	cons.width = width
	cons.height = height
	cons.fb = fb[:int(width)*int(height)]
	return nil
}

// Clear clears the specified rectangular region
func (cons *Ega) Clear(x, y, width, height uint16) {
	var (
		attr                 = uint16((clearColor << 4) | clearColor)
		clr                  = attr<<8 | uint16(clearChar)
		rowOffset, colOffset uint16
	)

	cons.mutex.Acquire()
	defer cons.mutex.Release()

	// clip rectangle
	if x >= cons.width {
		x = cons.width
	}
	if y >= cons.height {
		y = cons.height
	}

	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	rowOffset = (y * cons.width) + x
	for ; height > 0; height, rowOffset = height-1, rowOffset+cons.width {
		for colOffset = rowOffset; colOffset < rowOffset+width; colOffset++ {
			cons.fb[colOffset] = clr
		}
	}
}

// Dimensions returns the console width and height in characters.
func (cons *Ega) Dimensions() (uint16, uint16) {
	cons.mutex.Acquire()
	defer cons.mutex.Release()
	return cons.width, cons.height
}

// Scroll a particular number of lines to the specified direction.
func (cons *Ega) Scroll(dir ScrollDir, lines uint16) {
	cons.mutex.Acquire()
	defer cons.mutex.Release()

	if lines == 0 || lines > cons.height {
		return
	}

	offset := int(lines) * int(cons.width)
	switch dir {
	case Up:
		copy(cons.fb, cons.fb[offset:])
	case Down:
		copy(cons.fb[offset:], cons.fb)
	}
}

// Write a char to the specified location.
func (cons *Ega) Write(ch byte, attr Attr, x, y uint16) {
	cons.mutex.Acquire()
	defer cons.mutex.Release()

	if x >= cons.width || y >= cons.height {
		return
	}

	cons.fb[(y*cons.width)+x] = (uint16(attr) << 8) | uint16(ch)
}

// Read returns the char and attribute at the specified location.
func (cons *Ega) Read(x, y uint16) (byte, Attr) {
	cons.mutex.Acquire()
	defer cons.mutex.Release()

	if x >= cons.width || y >= cons.height {
		return 0, 0
	}

	cell := cons.fb[(y*cons.width)+x]
	return byte(cell), Attr(cell >> 8)
}
