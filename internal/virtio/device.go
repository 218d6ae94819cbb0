package virtio

import (
	"fmt"
	"log/slog"
)

// Device is one negotiated virtio device instance: the transport binding,
// the surviving feature set, the protocol generation and the queues armed on
// it. A Device is owned by the driver that opened it and is driven from one
// goroutine.
type Device struct {
	transport  Transport
	generation Generation
	features   uint64
	status     Status
	queues     []*Queue
}

// Negotiate drives the status handshake and selects the protocol
// generation.
//
// If the device offers VIRTIO_F_VERSION_1, the driver requests wanted (plus
// the version bit), asserts FEATURES_OK and re-reads status to confirm the
// device accepted; rejection marks the device FAILED and reports
// ErrNegotiationFailed. Otherwise the legacy path declares legacyWanted
// as-is, with no accept step.
func Negotiate(t Transport, wanted, legacyWanted uint64) (*Device, error) {
	t.Reset()
	t.SetStatus(StatusAcknowledge)
	t.SetStatus(StatusAcknowledge | StatusDriver)

	d := &Device{transport: t, status: StatusAcknowledge | StatusDriver}

	offered := t.DeviceFeatures()
	if offered&VIRTIO_F_VERSION_1 != 0 {
		requested := offered & (wanted | VIRTIO_F_VERSION_1)
		t.SetDriverFeatures(requested)
		d.status |= StatusFeaturesOK
		t.SetStatus(d.status)
		if t.Status()&StatusFeaturesOK == 0 {
			d.Fail()
			return nil, fmt.Errorf("%w: device rejected features %#x", ErrNegotiationFailed, requested)
		}
		d.generation = GenerationModern
		d.features = requested
	} else {
		t.SetDriverFeatures(legacyWanted)
		d.generation = GenerationLegacy
		d.features = legacyWanted
	}

	slog.Debug("virtio: negotiated device",
		"device_id", t.DeviceID(),
		"generation", d.generation.String(),
		"features", fmt.Sprintf("%#x", d.features))
	return d, nil
}

// AddQueue arms one virtqueue. sizeCap caps the ring size; zero accepts the
// device maximum.
func (d *Device) AddQueue(index uint16, sizeCap uint16) (*Queue, error) {
	q, err := NewQueue(d.transport, index, d.generation, sizeCap)
	if err != nil {
		return nil, err
	}
	d.queues = append(d.queues, q)
	return q, nil
}

// Ready marks every armed queue ready and sets DRIVER_OK. After this the
// device may consume published chains at any time.
func (d *Device) Ready() {
	for _, q := range d.queues {
		d.transport.SetQueueReady(q.Index())
	}
	d.status |= StatusDriverOK
	d.transport.SetStatus(d.status)
}

// Fail marks the device FAILED so the host can reclaim it. Used on every
// early exit from initialization.
func (d *Device) Fail() {
	d.status |= StatusFailed
	d.transport.SetStatus(d.status)
}

// Shutdown quiesces the device: FAILED first, then reset, then the ring
// memory is released. The order matters because the host may keep writing
// into driver buffers until the reset completes.
func (d *Device) Shutdown() {
	d.transport.SetStatus(d.status | StatusFailed)
	d.transport.Reset()
	for _, q := range d.queues {
		q.Close()
	}
	d.queues = nil
}

// Features returns the negotiated (modern) or declared (legacy) feature
// set.
func (d *Device) Features() uint64 { return d.features }

// Generation returns the protocol generation selected at negotiation. The
// choice is immutable for the device's lifetime.
func (d *Device) Generation() Generation { return d.generation }

// Codec returns the field codec for the negotiated generation.
func (d *Device) Codec() Codec { return d.generation.Codec() }

// Transport returns the underlying register binding.
func (d *Device) Transport() Transport { return d.transport }

// ReadConfig copies from device config space.
func (d *Device) ReadConfig(off int, p []byte) {
	d.transport.ReadConfig(off, p)
}

// AckInterrupt drains and acknowledges pending interrupt status, returning
// the cause bits that were pending. It performs no data copies; data paths
// remain poll-driven.
func (d *Device) AckInterrupt() uint32 {
	pending := d.transport.InterruptStatus()
	if pending != 0 {
		d.transport.InterruptAck(pending)
	}
	return pending
}
