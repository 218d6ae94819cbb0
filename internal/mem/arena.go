// Package mem provides fixed-capacity DMA arenas for driver-owned buffers.
//
// The firmware environments this layer targets run with identity mapping
// (virtual == bus address), so an arena's bus address is simply the address
// of its backing storage. Devices only ever see addresses inside an arena
// through descriptors the driver publishes.
package mem

import (
	"fmt"
	"unsafe"
)

// Arena is a fixed-capacity buffer pool with a stable bus address. An arena
// is owned by exactly one driver for its entire lifetime; the only sharing
// is the window between publishing a descriptor that names part of it and
// observing the matching completion.
type Arena struct {
	buf     []byte
	slab    []byte
	release func([]byte) error
}

// Alloc reserves a zeroed arena of size bytes whose base address is aligned
// to align, which must be a power of two.
func Alloc(size, align int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mem: invalid arena size %d", size)
	}
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("mem: alignment %d is not a power of two", align)
	}
	slab, release, err := allocSlab(size + align)
	if err != nil {
		return nil, fmt.Errorf("mem: allocate %d byte arena: %w", size, err)
	}
	base := BusAddr(slab)
	off := int((uint64(align) - base%uint64(align)) % uint64(align))
	return &Arena{
		buf:     slab[off : off+size : off+size],
		slab:    slab,
		release: release,
	}, nil
}

// Base returns the bus address of the first byte of the arena.
func (a *Arena) Base() uint64 { return BusAddr(a.buf) }

// Size returns the arena capacity in bytes.
func (a *Arena) Size() int { return len(a.buf) }

// Bytes returns the n bytes starting at offset off. Offsets are computed by
// the owning driver; an out-of-range request is a programming error and
// panics like any slice indexing bug.
func (a *Arena) Bytes(off, n int) []byte {
	return a.buf[off : off+n : off+n]
}

// Contains reports whether [addr, addr+n) lies entirely inside the arena.
func (a *Arena) Contains(addr uint64, n uint32) bool {
	base := a.Base()
	if addr < base {
		return false
	}
	off := addr - base
	return off <= uint64(len(a.buf)) && uint64(n) <= uint64(len(a.buf))-off
}

// ViewAt resolves an untrusted bus address, as reported by a device, to a
// bounded view of the arena. The address and length are validated against
// the arena before any byte is exposed.
func (a *Arena) ViewAt(addr uint64, n uint32) ([]byte, error) {
	if !a.Contains(addr, n) {
		return nil, fmt.Errorf("mem: address %#x+%d outside arena %#x+%d",
			addr, n, a.Base(), len(a.buf))
	}
	off := int(addr - a.Base())
	return a.buf[off : off+int(n) : off+int(n)], nil
}

// Slice carves a sub-arena out of this one. The sub-arena shares the backing
// storage and must not be closed; only the parent releases the memory.
func (a *Arena) Slice(off, n int) *Arena {
	return &Arena{buf: a.buf[off : off+n : off+n]}
}

// Close releases the backing storage. The caller must have quiesced any
// device holding descriptors into the arena first. Closing a sub-arena or
// closing twice is a no-op.
func (a *Arena) Close() error {
	if a.release == nil || a.slab == nil {
		return nil
	}
	slab := a.slab
	a.slab = nil
	a.buf = nil
	return a.release(slab)
}

// BusAddr returns the bus address of the first byte of b under identity
// mapping.
func BusAddr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}

// BytesAt materializes the n bytes at a bus address under identity mapping.
// It trusts the address completely and exists for device-side code (the
// test host) that plays the role of the hypervisor; driver code validates
// addresses with [Arena.ViewAt] instead.
func BytesAt(addr uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}
