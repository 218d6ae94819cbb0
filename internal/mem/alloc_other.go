//go:build !linux

package mem

// allocSlab falls back to heap allocation on platforms without an mmap
// binding. The Go runtime does not move heap objects, so the address is
// stable for the life of the slab.
func allocSlab(size int) ([]byte, func([]byte) error, error) {
	buf := make([]byte, size)
	return buf, func([]byte) error { return nil }, nil
}
