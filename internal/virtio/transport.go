package virtio

// Transport is the register-level binding to one virtio device: status and
// feature registers, queue programming, notification, config space and
// interrupt delivery. The drivers in this package treat it as a pre-existing
// runtime; the MMIO implementation lives in mmio.go and the tests provide an
// in-memory device-backed one.
type Transport interface {
	// DeviceID returns the virtio device type identifier (1 network card,
	// 2 block device, ...).
	DeviceID() uint32

	// Reset returns the device to its pre-initialization state. After a
	// reset the device no longer reads or writes any driver memory.
	Reset()

	// Status reads the live device status register.
	Status() Status

	// SetStatus writes the device status register.
	SetStatus(Status)

	// DeviceFeatures returns the 64-bit feature set the device offers.
	DeviceFeatures() uint64

	// SetDriverFeatures declares the feature subset the driver will use.
	SetDriverFeatures(uint64)

	// QueueMaxSize reports the largest ring size the device supports for a
	// queue index, or 0 if the queue does not exist.
	QueueMaxSize(index uint16) uint16

	// SetQueue programs the ring triple of a queue: size and the bus
	// addresses of the descriptor table, avail ring and used ring.
	SetQueue(index, size uint16, desc, avail, used uint64) error

	// SetQueueReady tells the device the queue may be used.
	SetQueueReady(index uint16)

	// Notify signals the device that new avail-ring entries are ready on a
	// queue.
	Notify(index uint16)

	// ReadConfig copies len(p) bytes from device config space starting at
	// byte offset off.
	ReadConfig(off int, p []byte)

	// InterruptStatus reads the pending interrupt cause bits.
	InterruptStatus() uint32

	// InterruptAck acknowledges the given interrupt cause bits.
	InterruptAck(mask uint32)
}
