//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd
// +build !linux,!darwin,!freebsd,!netbsd,!openbsd

package physmem

// allocFn is used by tests to override the host allocation strategy.
var allocFn = heapAlloc

func heapAlloc(size int) ([]byte, func([]byte) error, error) {
	return make([]byte, size), nil, nil
}
