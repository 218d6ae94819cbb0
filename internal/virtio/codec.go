package virtio

import "encoding/binary"

// Codec encodes multi-byte fields shared with the device: descriptor table
// entries, ring indices, request headers and config space values.
//
// The versioned protocol fixes every field to little-endian; the legacy
// protocol uses guest-native order. A device's codec is selected once during
// feature negotiation and never changes for the device's lifetime, so the
// hot paths carry no per-field generation branch.
type Codec interface {
	PutUint16(b []byte, v uint16)
	PutUint32(b []byte, v uint32)
	PutUint64(b []byte, v uint64)
	Uint16(b []byte) uint16
	Uint32(b []byte) uint32
	Uint64(b []byte) uint64
}

var (
	// Modern encodes fields as fixed little-endian (VIRTIO_F_VERSION_1).
	Modern Codec = byteOrderCodec{binary.LittleEndian}
	// Legacy encodes fields in guest-native byte order.
	Legacy Codec = byteOrderCodec{binary.NativeEndian}
)

type byteOrderCodec struct{ order binary.ByteOrder }

func (c byteOrderCodec) PutUint16(b []byte, v uint16) { c.order.PutUint16(b, v) }
func (c byteOrderCodec) PutUint32(b []byte, v uint32) { c.order.PutUint32(b, v) }
func (c byteOrderCodec) PutUint64(b []byte, v uint64) { c.order.PutUint64(b, v) }
func (c byteOrderCodec) Uint16(b []byte) uint16       { return c.order.Uint16(b) }
func (c byteOrderCodec) Uint32(b []byte) uint32       { return c.order.Uint32(b) }
func (c byteOrderCodec) Uint64(b []byte) uint64       { return c.order.Uint64(b) }

// Generation names the wire encoding negotiated for a device.
type Generation int

const (
	GenerationLegacy Generation = iota
	GenerationModern
)

// Codec returns the field codec for this generation.
func (g Generation) Codec() Codec {
	if g == GenerationModern {
		return Modern
	}
	return Legacy
}

func (g Generation) String() string {
	if g == GenerationModern {
		return "modern"
	}
	return "legacy"
}
