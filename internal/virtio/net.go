package virtio

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/tinyrange/guestvirtio/internal/mem"
)

// Network device feature bits.
const (
	VIRTIO_NET_F_MAC = uint64(1) << 5
)

const (
	netDeviceID = 1

	netQueueReceive  = 0
	netQueueTransmit = 1

	// NetBufferSize is the fixed per-frame buffer capacity: a maximum
	// Ethernet frame without the trailing FCS. Larger frames are rejected,
	// never fragmented.
	NetBufferSize = 1514

	// Packet header sizes for the two incompatible layouts. The versioned
	// layout appends a num_buffers field.
	netHdrSizeLegacy = 10
	netHdrSizeModern = 12
)

// NetDevice drives one virtio network device: a receive queue and a
// transmit queue, each using two-descriptor chains (packet header, then
// payload) over pre-allocated fixed-size buffer pools.
//
// Receive buffers are recycled, never reallocated: after a frame is copied
// out, the same chain is republished. Transmit is fire-and-forget and its
// completions are never harvested; see Xmit.
type NetDevice struct {
	dev *Device
	rx  *Queue
	tx  *Queue

	// One allocation carries both pools: the receive carve (header+payload
	// cells), one permanently zero transmit packet header, then the
	// transmit payload cells.
	pool   *mem.Arena
	rxPool *mem.Arena
	txHdr  int
	txOff  int

	hdrSize  int
	rxChains uint32
	txChains uint32

	mac     net.HardwareAddr
	running bool
}

// OpenNet negotiates a network device on the transport, arms both queues at
// the device's maximum ring size, pre-populates the whole receive ring and
// reads the hardware address from config space. On any failure the device
// is marked FAILED and partially acquired memory is released.
func OpenNet(t Transport) (*NetDevice, error) {
	return OpenNetSized(t, 0)
}

// OpenNetSized is OpenNet with a cap on both queues' ring sizes; zero
// accepts the device maximum.
func OpenNetSized(t Transport, queueSize uint16) (*NetDevice, error) {
	if id := t.DeviceID(); id != netDeviceID {
		return nil, fmt.Errorf("virtio-net: device id %d is not a network device", id)
	}

	dev, err := Negotiate(t, VIRTIO_NET_F_MAC, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio-net: %w", err)
	}

	hdrSize := netHdrSizeLegacy
	if dev.Generation() == GenerationModern {
		hdrSize = netHdrSizeModern
	}

	rx, err := dev.AddQueue(netQueueReceive, queueSize)
	if err != nil {
		dev.Fail()
		return nil, fmt.Errorf("virtio-net: %w", err)
	}
	tx, err := dev.AddQueue(netQueueTransmit, queueSize)
	if err != nil {
		dev.Fail()
		rx.Close()
		return nil, fmt.Errorf("virtio-net: %w", err)
	}

	n := &NetDevice{
		dev:      dev,
		rx:       rx,
		tx:       tx,
		hdrSize:  hdrSize,
		rxChains: uint32(rx.Size()) / 2,
		txChains: uint32(tx.Size()) / 2,
	}
	if n.rxChains == 0 || n.txChains == 0 {
		dev.Fail()
		rx.Close()
		tx.Close()
		return nil, fmt.Errorf("virtio-net: queue sizes %d/%d too small", rx.Size(), tx.Size())
	}

	rxCell := NetBufferSize + hdrSize
	rxBytes := int(n.rxChains) * rxCell
	n.txHdr = rxBytes
	n.txOff = rxBytes + hdrSize
	pool, err := mem.Alloc(n.txOff+int(n.txChains)*NetBufferSize, 8)
	if err != nil {
		dev.Fail()
		rx.Close()
		tx.Close()
		return nil, fmt.Errorf("virtio-net: buffer pools: %w: %v", ErrAllocationFailed, err)
	}
	n.pool = pool
	n.rxPool = pool.Slice(0, rxBytes)

	// Every receive chain is armed up front and published before the
	// queue is declared ready; the transmit side publishes lazily per
	// send.
	for i := uint32(0); i < n.rxChains; i++ {
		addr := pool.Base() + uint64(int(i)*rxCell)
		id := uint16(i * 2)
		rx.FillDesc(id, addr, uint32(hdrSize), VRING_DESC_F_NEXT|VRING_DESC_F_WRITE, id+1)
		rx.FillDesc(id+1, addr+uint64(hdrSize), NetBufferSize, VRING_DESC_F_WRITE, 0)
		rx.Publish(id)
	}
	tx.SetNoInterrupt(true)

	dev.Ready()
	rx.Notify()

	n.mac = make(net.HardwareAddr, 6)
	for i := range n.mac {
		dev.ReadConfig(i, n.mac[i:i+1])
	}
	n.running = true

	slog.Info("virtio-net: device ready",
		"generation", dev.Generation().String(),
		"mac", n.mac.String(),
		"rx_chains", n.rxChains,
		"tx_chains", n.txChains)
	return n, nil
}

// MAC returns the device-reported hardware address.
func (n *NetDevice) MAC() net.HardwareAddr {
	return append(net.HardwareAddr(nil), n.mac...)
}

// Xmit copies one frame into the transmit pool and publishes it, returning
// the number of bytes submitted. Frames larger than NetBufferSize are
// rejected without touching the rings.
//
// Transmit completions are never harvested: a chain's slots and buffer are
// reclaimed purely by avail-counter arithmetic the next time they come
// around, without confirming the device finished reading them. A
// sufficiently fast transmit flood can therefore overwrite a frame the
// device is still sending; callers that care must pace transmits.
func (n *NetDevice) Xmit(frame []byte) (int, error) {
	if !n.running {
		return 0, ErrClosed
	}
	if len(frame) > NetBufferSize {
		slog.Warn("virtio-net: frame too big", "len", len(frame), "max", NetBufferSize)
		return 0, fmt.Errorf("%w: %d bytes", ErrOversizedFrame, len(frame))
	}

	chain := n.tx.AvailCounter() % n.txChains
	id := uint16(chain) * 2
	bufOff := n.txOff + int(chain)*NetBufferSize

	// Reclaim whatever chain previously occupied these slots.
	n.tx.FreeDesc(id)
	n.tx.FreeDesc(id + 1)

	copy(n.pool.Bytes(bufOff, len(frame)), frame)

	n.tx.BuildChain(id, []Segment{
		{Addr: n.pool.Base() + uint64(n.txHdr), Len: uint32(n.hdrSize)},
		{Addr: n.pool.Base() + uint64(bufOff), Len: uint32(len(frame))},
	})
	n.tx.Publish(id)
	n.tx.Notify()

	return len(frame), nil
}

// PendingLength reports the payload length of the next received frame
// without consuming it, or 0 when nothing has arrived.
func (n *NetDevice) PendingLength() int {
	if !n.running {
		return 0
	}
	comp, ok, err := n.rx.PeekCompletion()
	if err != nil || !ok || comp.Len < uint32(n.hdrSize) {
		return 0
	}
	return int(comp.Len) - n.hdrSize
}

// Receive copies the next received frame's payload into buf and recycles
// the receive chain. It returns 0 with a nil error when nothing has
// arrived; a header-only completion (zero-length payload, which well-formed
// hosts do not send) is recycled and also reports (0, nil), so the caller
// cannot tell the two apart. Payloads longer than buf are truncated with a
// warning.
//
// The descriptor id and buffer address in the used entry are device
// controlled; both are validated against the driver's own receive pool
// before any byte is copied.
func (n *NetDevice) Receive(buf []byte) (int, error) {
	if !n.running {
		return 0, ErrClosed
	}
	comp, ok, err := n.rx.PollCompletion()
	if err != nil {
		return 0, fmt.Errorf("virtio-net: %w", err)
	}
	if !ok {
		return 0, nil
	}
	if comp.Len < uint32(n.hdrSize) {
		return 0, fmt.Errorf("%w: used length %d, header is %d", ErrShortCompletion, comp.Len, n.hdrSize)
	}

	payload := int(comp.Len) - n.hdrSize
	if payload > len(buf) {
		slog.Warn("virtio-net: receive buffer too small", "payload", payload, "buf", len(buf))
		payload = len(buf)
	}

	dataSlot := (comp.Slot + 1) % n.rx.Size()
	view, err := n.rxPool.ViewAt(n.rx.DescAddr(dataSlot), uint32(payload))
	if err != nil {
		return 0, fmt.Errorf("virtio-net: device reported buffer outside receive pool: %w", err)
	}
	copy(buf, view)

	// Republish the same chain: receive buffers are recycled, never
	// reallocated. The release-ordered index store in Publish keeps the
	// copy above ordered before the device can reuse the buffer.
	n.rx.Publish(comp.Slot)
	n.rx.Notify()

	return payload, nil
}

// HandleInterrupt drains and acknowledges pending interrupt status. It does
// not itself copy data; receive stays poll-driven.
func (n *NetDevice) HandleInterrupt() {
	n.dev.AckInterrupt()
}

// Close quiesces the device (FAILED, then reset) and releases the buffer
// pools; the transmit carve shares the receive allocation, so exactly one
// release happens. Closing twice is a no-op.
func (n *NetDevice) Close() error {
	if !n.running {
		return nil
	}
	n.running = false
	n.dev.Shutdown()
	return n.pool.Close()
}
