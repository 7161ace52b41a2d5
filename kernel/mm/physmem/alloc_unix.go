//go:build linux || darwin || freebsd || netbsd || openbsd
// +build linux darwin freebsd netbsd openbsd

package physmem

import "golang.org/x/sys/unix"

// allocFn is used by tests to override the host allocation strategy.
var allocFn = mmapAnon

// mmapAnon backs simulated RAM with a private anonymous mapping so that
// untouched frames do not consume host memory.
func mmapAnon(size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return data, unix.Munmap, nil
}
