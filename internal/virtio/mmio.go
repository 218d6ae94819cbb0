package virtio

import "fmt"

// virtio-MMIO register layout. Offsets above 0x040 differ between the
// legacy (version 1) and modern (version 2) device interface; both sets are
// listed here and the transport picks per the advertised version.
const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_GUEST_PAGE_SIZE     = 0x028 // legacy only
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_ALIGN         = 0x03c // legacy only
	VIRTIO_MMIO_QUEUE_PFN           = 0x040 // legacy only
	VIRTIO_MMIO_QUEUE_READY         = 0x044
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_CONFIG              = 0x100

	virtioMMIOMagic = 0x74726976 // "virt"

	guestPageShift = 12
)

// RegisterWindow is a 32-bit register window mapped into the guest address
// space. Offsets are relative to the window base.
type RegisterWindow interface {
	Read32(off uint64) uint32
	Write32(off uint64, v uint32)
}

// MMIO is the virtio-MMIO transport binding. It speaks both the legacy
// (version 1) and modern (version 2) register interface, chosen by the
// version register at probe time.
type MMIO struct {
	win    RegisterWindow
	legacy bool
}

// NewMMIO probes a register window for a virtio-MMIO device.
func NewMMIO(win RegisterWindow) (*MMIO, error) {
	if magic := win.Read32(VIRTIO_MMIO_MAGIC_VALUE); magic != virtioMMIOMagic {
		return nil, fmt.Errorf("virtio-mmio: bad magic %#x", magic)
	}
	version := win.Read32(VIRTIO_MMIO_VERSION)
	switch version {
	case 1, 2:
	default:
		return nil, fmt.Errorf("virtio-mmio: unsupported version %d", version)
	}
	if win.Read32(VIRTIO_MMIO_DEVICE_ID) == 0 {
		return nil, fmt.Errorf("virtio-mmio: empty device slot")
	}
	return &MMIO{win: win, legacy: version == 1}, nil
}

// DeviceID implements Transport.
func (m *MMIO) DeviceID() uint32 {
	return m.win.Read32(VIRTIO_MMIO_DEVICE_ID)
}

// Reset implements Transport. Writing zero status resets the device.
func (m *MMIO) Reset() {
	m.win.Write32(VIRTIO_MMIO_STATUS, 0)
}

// Status implements Transport.
func (m *MMIO) Status() Status {
	return Status(m.win.Read32(VIRTIO_MMIO_STATUS))
}

// SetStatus implements Transport.
func (m *MMIO) SetStatus(s Status) {
	m.win.Write32(VIRTIO_MMIO_STATUS, uint32(s))
}

// DeviceFeatures implements Transport. The 64-bit feature set is read as
// two selected 32-bit halves.
func (m *MMIO) DeviceFeatures() uint64 {
	m.win.Write32(VIRTIO_MMIO_DEVICE_FEATURES_SEL, 0)
	lo := m.win.Read32(VIRTIO_MMIO_DEVICE_FEATURES)
	m.win.Write32(VIRTIO_MMIO_DEVICE_FEATURES_SEL, 1)
	hi := m.win.Read32(VIRTIO_MMIO_DEVICE_FEATURES)
	return uint64(hi)<<32 | uint64(lo)
}

// SetDriverFeatures implements Transport.
func (m *MMIO) SetDriverFeatures(features uint64) {
	m.win.Write32(VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	m.win.Write32(VIRTIO_MMIO_DRIVER_FEATURES, uint32(features))
	m.win.Write32(VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1)
	m.win.Write32(VIRTIO_MMIO_DRIVER_FEATURES, uint32(features>>32))
}

// QueueMaxSize implements Transport.
func (m *MMIO) QueueMaxSize(index uint16) uint16 {
	m.win.Write32(VIRTIO_MMIO_QUEUE_SEL, uint32(index))
	max := m.win.Read32(VIRTIO_MMIO_QUEUE_NUM_MAX)
	if max > 0xffff {
		max = 0xffff
	}
	return uint16(max)
}

// SetQueue implements Transport. On the legacy interface the three rings
// must be laid out contiguously from the descriptor table with the used
// ring page-aligned; only the descriptor table PFN is programmed.
func (m *MMIO) SetQueue(index, size uint16, desc, avail, used uint64) error {
	m.win.Write32(VIRTIO_MMIO_QUEUE_SEL, uint32(index))
	if max := m.win.Read32(VIRTIO_MMIO_QUEUE_NUM_MAX); uint32(size) > max {
		return fmt.Errorf("virtio-mmio: queue %d size %d exceeds device max %d", index, size, max)
	}
	m.win.Write32(VIRTIO_MMIO_QUEUE_NUM, uint32(size))
	if m.legacy {
		if desc&(1<<guestPageShift-1) != 0 {
			return fmt.Errorf("virtio-mmio: legacy queue %d rings not page aligned at %#x", index, desc)
		}
		m.win.Write32(VIRTIO_MMIO_GUEST_PAGE_SIZE, 1<<guestPageShift)
		m.win.Write32(VIRTIO_MMIO_QUEUE_ALIGN, 1<<guestPageShift)
		m.win.Write32(VIRTIO_MMIO_QUEUE_PFN, uint32(desc>>guestPageShift))
		return nil
	}
	m.win.Write32(VIRTIO_MMIO_QUEUE_DESC_LOW, uint32(desc))
	m.win.Write32(VIRTIO_MMIO_QUEUE_DESC_HIGH, uint32(desc>>32))
	m.win.Write32(VIRTIO_MMIO_QUEUE_AVAIL_LOW, uint32(avail))
	m.win.Write32(VIRTIO_MMIO_QUEUE_AVAIL_HIGH, uint32(avail>>32))
	m.win.Write32(VIRTIO_MMIO_QUEUE_USED_LOW, uint32(used))
	m.win.Write32(VIRTIO_MMIO_QUEUE_USED_HIGH, uint32(used>>32))
	return nil
}

// SetQueueReady implements Transport. The legacy interface has no ready
// register; programming the PFN already armed the queue.
func (m *MMIO) SetQueueReady(index uint16) {
	if m.legacy {
		return
	}
	m.win.Write32(VIRTIO_MMIO_QUEUE_SEL, uint32(index))
	m.win.Write32(VIRTIO_MMIO_QUEUE_READY, 1)
}

// Notify implements Transport.
func (m *MMIO) Notify(index uint16) {
	m.win.Write32(VIRTIO_MMIO_QUEUE_NOTIFY, uint32(index))
}

// ReadConfig implements Transport. The window only exposes 32-bit register
// access, so bytes are extracted from aligned word reads.
func (m *MMIO) ReadConfig(off int, p []byte) {
	for i := range p {
		byteOff := uint64(off + i)
		word := m.win.Read32(VIRTIO_MMIO_CONFIG + byteOff&^3)
		p[i] = byte(word >> (8 * (byteOff & 3)))
	}
}

// InterruptStatus implements Transport.
func (m *MMIO) InterruptStatus() uint32 {
	return m.win.Read32(VIRTIO_MMIO_INTERRUPT_STATUS)
}

// InterruptAck implements Transport.
func (m *MMIO) InterruptAck(mask uint32) {
	m.win.Write32(VIRTIO_MMIO_INTERRUPT_ACK, mask)
}

// Legacy reports whether the device exposed the version 1 interface.
func (m *MMIO) Legacy() bool { return m.legacy }

var _ Transport = (*MMIO)(nil)
