//go:build linux

package mem

import "golang.org/x/sys/unix"

// allocSlab reserves zeroed, page-backed memory. Anonymous mappings keep DMA
// buffers off the Go heap so their addresses stay stable for the lifetime of
// the mapping.
func allocSlab(size int) ([]byte, func([]byte) error, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, err
	}
	return buf, unix.Munmap, nil
}
