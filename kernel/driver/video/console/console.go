// Package console implements text consoles whose character cells live in
// simulated video memory.
package console

// Attr is a 4-bit EGA color. A cell attribute packs the foreground color in
// the low nibble and the background color in the high nibble.
type Attr uint16

// EGA text mode palette. Values 8-15 are the bright variants of 0-7.
const (
	Black        Attr = 0x0
	Blue         Attr = 0x1
	Green        Attr = 0x2
	Cyan         Attr = 0x3
	Red          Attr = 0x4
	Magenta      Attr = 0x5
	Brown        Attr = 0x6
	LightGrey    Attr = 0x7
	Grey         Attr = 0x8
	LightBlue    Attr = 0x9
	LightGreen   Attr = 0xa
	LightCyan    Attr = 0xb
	LightRed     Attr = 0xc
	LightMagenta Attr = 0xd
	LightBrown   Attr = 0xe
	White        Attr = 0xf
)

// ScrollDir selects which way Scroll moves the rows of a console.
type ScrollDir uint8

const (
	// Up moves every row towards the top and blanks the rows at the bottom.
	Up ScrollDir = iota

	// Down moves every row towards the bottom and blanks the rows at the top.
	Down
)

// Console is the cell-level surface a terminal draws on. Coordinates are
// zero-based and writes outside the console are dropped.
type Console interface {
	Dimensions() (width, height uint16)
	Clear(x, y, width, height uint16)
	Scroll(dir ScrollDir, lines uint16)
	Write(ch byte, attr Attr, x, y uint16)
}
