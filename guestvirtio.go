// Package guestvirtio implements guest-side virtio block and network
// drivers over shared-memory descriptor rings. It is a library layer for a
// firmware runtime: the runtime supplies register windows, the drivers here
// negotiate the devices and move data through lock-free avail/used rings
// shared with the host.
//
// All data paths are synchronous and poll-driven; nothing in this package
// blocks waiting for the host.
package guestvirtio

import (
	"fmt"

	"github.com/tinyrange/guestvirtio/internal/profile"
	"github.com/tinyrange/guestvirtio/internal/virtio"
)

// -----------------------------------------------------------------------------
// Type aliases - these re-export types from internal packages
// -----------------------------------------------------------------------------

// Transport is the register-level binding to one virtio device.
type Transport = virtio.Transport

// RegisterWindow is a 32-bit MMIO register window supplied by the runtime.
type RegisterWindow = virtio.RegisterWindow

// BlockDevice is an open virtio block device.
type BlockDevice = virtio.BlockDevice

// BlockResult is one harvested block request completion.
type BlockResult = virtio.BlockResult

// BlockOp selects a block transfer direction.
type BlockOp = virtio.BlockOp

// NetDevice is an open virtio network device.
type NetDevice = virtio.NetDevice

// Manifest is a board description naming the devices to drive.
type Manifest = profile.Manifest

// ManifestDevice is one device binding in a Manifest.
type ManifestDevice = profile.Device

// Block transfer directions.
const (
	BlockRead  = virtio.BlockRead
	BlockWrite = virtio.BlockWrite
)

// NetBufferSize is the fixed per-frame network buffer capacity.
const NetBufferSize = virtio.NetBufferSize

// Common sentinel errors; match with errors.Is.
var (
	ErrNegotiationFailed = virtio.ErrNegotiationFailed
	ErrAllocationFailed  = virtio.ErrAllocationFailed
	ErrCapacityExceeded  = virtio.ErrCapacityExceeded
	ErrMisalignedConfig  = virtio.ErrMisalignedConfig
	ErrOversizedFrame    = virtio.ErrOversizedFrame
	ErrShortCompletion   = virtio.ErrShortCompletion
	ErrBadDescriptor     = virtio.ErrBadDescriptor
	ErrClosed            = virtio.ErrClosed
)

// NewMMIOTransport probes a register window for a virtio-MMIO device.
func NewMMIOTransport(win RegisterWindow) (Transport, error) {
	return virtio.NewMMIO(win)
}

// OpenBlock negotiates and arms a block device on the transport at the
// device's maximum queue size.
func OpenBlock(t Transport) (*BlockDevice, error) {
	return virtio.OpenBlock(t)
}

// OpenBlockSized is OpenBlock with a cap on the request queue ring size;
// zero accepts the device maximum.
func OpenBlockSized(t Transport, queueSize uint16) (*BlockDevice, error) {
	return virtio.OpenBlockSized(t, queueSize)
}

// OpenNet negotiates and arms a network device on the transport at the
// device's maximum queue sizes.
func OpenNet(t Transport) (*NetDevice, error) {
	return virtio.OpenNet(t)
}

// OpenNetSized is OpenNet with a cap on both queues' ring sizes; zero
// accepts the device maximum.
func OpenNetSized(t Transport, queueSize uint16) (*NetDevice, error) {
	return virtio.OpenNetSized(t, queueSize)
}

// LoadManifest reads and validates a board manifest file.
func LoadManifest(path string) (*Manifest, error) {
	return profile.Load(path)
}

// ParseManifest decodes and validates a board manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	return profile.Parse(data)
}

// WindowMapper maps a device's register window into the caller's address
// space. Supplied by the firmware runtime.
type WindowMapper func(base, size uint64) (RegisterWindow, error)

// System is the set of devices opened from a manifest, keyed by manifest
// name.
type System struct {
	Blocks map[string]*BlockDevice
	Nets   map[string]*NetDevice
}

// OpenAll opens every device in the manifest, honoring each entry's queue
// size cap. If any device fails, the ones already opened are closed before
// the error is returned, so no buffer memory leaks from a partial bring-up.
func OpenAll(m *Manifest, mapper WindowMapper) (*System, error) {
	// Check what the manifest demands before mapping anything: a frame
	// buffer larger than the drivers carry can never be honored.
	for _, d := range m.Devices {
		if d.BufferSize > NetBufferSize {
			return nil, fmt.Errorf("guestvirtio: device %q: buffer_size %d exceeds frame capacity %d",
				d.Name, d.BufferSize, NetBufferSize)
		}
	}

	sys := &System{
		Blocks: make(map[string]*BlockDevice),
		Nets:   make(map[string]*NetDevice),
	}
	for _, d := range m.Devices {
		win, err := mapper(d.MMIOBase, d.MMIOSize)
		if err != nil {
			sys.Close()
			return nil, fmt.Errorf("guestvirtio: map window for %q: %w", d.Name, err)
		}
		t, err := virtio.NewMMIO(win)
		if err != nil {
			sys.Close()
			return nil, fmt.Errorf("guestvirtio: probe %q: %w", d.Name, err)
		}
		switch d.Type {
		case profile.DeviceBlock:
			blk, err := virtio.OpenBlockSized(t, d.QueueSize)
			if err != nil {
				sys.Close()
				return nil, fmt.Errorf("guestvirtio: open %q: %w", d.Name, err)
			}
			sys.Blocks[d.Name] = blk
		case profile.DeviceNetwork:
			netdev, err := virtio.OpenNetSized(t, d.QueueSize)
			if err != nil {
				sys.Close()
				return nil, fmt.Errorf("guestvirtio: open %q: %w", d.Name, err)
			}
			sys.Nets[d.Name] = netdev
		}
	}
	return sys, nil
}

// Close shuts down every open device. Each device is quiesced before its
// buffer memory is released.
func (s *System) Close() error {
	var firstErr error
	for _, b := range s.Blocks {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, n := range s.Nets {
		if err := n.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
