package virtio

// Status is the device status bitset driven through the status register as
// the initialization handshake advances. See virtio 1.2 section 2.1.
type Status uint32

const (
	StatusAcknowledge Status = 1 << 0
	StatusDriver      Status = 1 << 1
	StatusDriverOK    Status = 1 << 2
	StatusFeaturesOK  Status = 1 << 3
	StatusNeedsReset  Status = 1 << 6
	StatusFailed      Status = 1 << 7
)

// Transport-independent feature bits.
const (
	// VIRTIO_F_VERSION_1 indicates compliance with the versioned ("modern")
	// protocol: fixed little-endian field encoding and the explicit
	// FEATURES_OK accept step.
	VIRTIO_F_VERSION_1 = uint64(1) << 32
)
