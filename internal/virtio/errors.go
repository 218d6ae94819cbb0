package virtio

import "errors"

// Sentinel errors for the failure categories the drivers report. Fatal
// categories additionally leave the device marked FAILED so the host can
// reclaim it; callers match with errors.Is.
//
// "Nothing available" on a poll is not in this list: it is a normal empty
// result, reported as a zero count with a nil error.
var (
	ErrNegotiationFailed = errors.New("virtio: feature negotiation failed")
	ErrAllocationFailed  = errors.New("virtio: buffer pool allocation failed")
	ErrCapacityExceeded  = errors.New("virtio: request beyond device capacity")
	ErrMisalignedConfig  = errors.New("virtio: device block size not sector aligned")
	ErrOversizedFrame    = errors.New("virtio: frame exceeds buffer capacity")
	ErrShortCompletion   = errors.New("virtio: completion shorter than packet header")
	ErrBadDescriptor     = errors.New("virtio: device reported an invalid descriptor")
	ErrClosed            = errors.New("virtio: device is closed")
)
