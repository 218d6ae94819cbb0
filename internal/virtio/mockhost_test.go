package virtio

import (
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/guestvirtio/internal/mem"
)

// testDevice is the driver's counterpart in tests: an in-memory device
// model that implements Transport directly and consumes the rings the way a
// host backend would, including the acquire/release pairing on the ring
// index words.
type testDevice struct {
	id      uint32
	offered uint64
	codec   Codec

	rejectFeatures bool

	status         Status
	statusWrites   []Status
	driverFeatures uint64
	resets         int

	queues   []testQueue
	notifies []uint16

	intStatus uint32
	acks      []uint32

	config []byte

	// onNotify, when set, runs the device model for a queue kick.
	onNotify func(d *testDevice, queue int)
}

type testQueue struct {
	maxSize   uint16
	size      uint16
	desc      uint64
	avail     uint64
	used      uint64
	ready     bool
	lastAvail uint16
	usedIdx   uint16
}

func newTestDevice(id uint32, offered uint64, queueSizes ...uint16) *testDevice {
	d := &testDevice{id: id, offered: offered, codec: Legacy}
	if offered&VIRTIO_F_VERSION_1 != 0 {
		d.codec = Modern
	}
	for _, size := range queueSizes {
		d.queues = append(d.queues, testQueue{maxSize: size})
	}
	return d
}

// Transport implementation.

func (d *testDevice) DeviceID() uint32 { return d.id }

func (d *testDevice) Reset() {
	d.resets++
	d.status = 0
	for i := range d.queues {
		max := d.queues[i].maxSize
		d.queues[i] = testQueue{maxSize: max}
	}
}

func (d *testDevice) Status() Status { return d.status }

func (d *testDevice) SetStatus(s Status) {
	if d.rejectFeatures {
		s &^= StatusFeaturesOK
	}
	d.status = s
	d.statusWrites = append(d.statusWrites, s)
}

func (d *testDevice) DeviceFeatures() uint64 { return d.offered }

func (d *testDevice) SetDriverFeatures(f uint64) { d.driverFeatures = f }

func (d *testDevice) QueueMaxSize(index uint16) uint16 {
	if int(index) >= len(d.queues) {
		return 0
	}
	return d.queues[index].maxSize
}

func (d *testDevice) SetQueue(index, size uint16, desc, avail, used uint64) error {
	q := &d.queues[index]
	q.size = size
	q.desc = desc
	q.avail = avail
	q.used = used
	return nil
}

func (d *testDevice) SetQueueReady(index uint16) { d.queues[index].ready = true }

func (d *testDevice) Notify(index uint16) {
	d.notifies = append(d.notifies, index)
	if d.onNotify != nil {
		d.onNotify(d, int(index))
	}
}

func (d *testDevice) ReadConfig(off int, p []byte) {
	for i := range p {
		if off+i < len(d.config) {
			p[i] = d.config[off+i]
		} else {
			p[i] = 0
		}
	}
}

func (d *testDevice) InterruptStatus() uint32 { return d.intStatus }

func (d *testDevice) InterruptAck(mask uint32) {
	d.acks = append(d.acks, mask)
	d.intStatus &^= mask
}

var _ Transport = (*testDevice)(nil)

// Device-side ring access. The test host observes the same memory the
// driver publishes into, under identity mapping.

func busWord32(addr uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(addr)))
}

func (d *testDevice) loadAvailIdx(qi int) uint16 {
	w := atomic.LoadUint32(busWord32(d.queues[qi].avail))
	var b [4]byte
	*(*uint32)(unsafe.Pointer(&b)) = w
	return d.codec.Uint16(b[2:4])
}

func (d *testDevice) storeUsedIdx(qi int) {
	q := &d.queues[qi]
	var b [4]byte
	d.codec.PutUint16(b[0:2], 0)
	d.codec.PutUint16(b[2:4], q.usedIdx)
	atomic.StoreUint32(busWord32(q.used), *(*uint32)(unsafe.Pointer(&b)))
}

// popAvail consumes the next published chain head, if any.
func (d *testDevice) popAvail(qi int) (uint16, bool) {
	q := &d.queues[qi]
	if q.lastAvail == d.loadAvailIdx(qi) {
		return 0, false
	}
	cell := mem.BytesAt(q.avail+4+uint64(q.lastAvail%q.size)*2, 2)
	head := d.codec.Uint16(cell)
	q.lastAvail++
	return head, true
}

type testPayload struct {
	addr   uint64
	length uint32
	write  bool
}

func (d *testDevice) readDesc(qi int, slot uint16) (testPayload, uint16, uint16) {
	b := mem.BytesAt(d.queues[qi].desc+uint64(slot)*descEntrySize, descEntrySize)
	p := testPayload{
		addr:   d.codec.Uint64(b[0:8]),
		length: d.codec.Uint32(b[8:12]),
	}
	flags := d.codec.Uint16(b[12:14])
	next := d.codec.Uint16(b[14:16])
	p.write = flags&VRING_DESC_F_WRITE != 0
	return p, flags, next
}

// readChain walks a descriptor chain from head, bounded by the queue size.
func (d *testDevice) readChain(qi int, head uint16) []testPayload {
	var chain []testPayload
	slot := head
	for range d.queues[qi].size {
		p, flags, next := d.readDesc(qi, slot)
		chain = append(chain, p)
		if flags&VRING_DESC_F_NEXT == 0 {
			break
		}
		slot = next
	}
	return chain
}

// pushUsed records a completed chain in the used ring and raises the ring
// interrupt bit.
func (d *testDevice) pushUsed(qi int, head uint16, length uint32) {
	q := &d.queues[qi]
	elem := mem.BytesAt(q.used+4+uint64(q.usedIdx%q.size)*8, 8)
	d.codec.PutUint32(elem[0:4], uint32(head))
	d.codec.PutUint32(elem[4:8], length)
	q.usedIdx++
	d.storeUsedIdx(qi)
	d.intStatus |= 1
}

// pushUsedRaw records a used entry with an arbitrary id, for feeding the
// driver malformed completions.
func (d *testDevice) pushUsedRaw(qi int, id, length uint32) {
	q := &d.queues[qi]
	elem := mem.BytesAt(q.used+4+uint64(q.usedIdx%q.size)*8, 8)
	d.codec.PutUint32(elem[0:4], id)
	d.codec.PutUint32(elem[4:8], length)
	q.usedIdx++
	d.storeUsedIdx(qi)
	d.intStatus |= 1
}

func (d *testDevice) readBus(addr uint64, n uint32) []byte {
	out := make([]byte, n)
	copy(out, mem.BytesAt(addr, int(n)))
	return out
}

func (d *testDevice) writeBus(addr uint64, p []byte) {
	copy(mem.BytesAt(addr, len(p)), p)
}

// testBlkDevice adds a sector-addressed backing store to the device model.
type testBlkDevice struct {
	*testDevice
	disk []byte

	lastOp     uint32
	lastSector uint64
}

func newTestBlkDevice(offered uint64, capacitySectors uint64, blockSize uint32, queueSize uint16) *testBlkDevice {
	td := newTestDevice(blkDeviceID, offered, queueSize)
	b := &testBlkDevice{
		testDevice: td,
		disk:       make([]byte, capacitySectors*uint64(blockSize)),
	}
	td.config = make([]byte, 24)
	td.codec.PutUint64(td.config[blkConfigCapacity:blkConfigCapacity+8], capacitySectors)
	td.codec.PutUint32(td.config[blkConfigBlkSize:blkConfigBlkSize+4], blockSize)
	td.onNotify = b.process
	return b
}

func (b *testBlkDevice) setBlockSize(blockSize uint32) {
	b.codec.PutUint32(b.config[blkConfigBlkSize:blkConfigBlkSize+4], blockSize)
}

func (b *testBlkDevice) process(d *testDevice, qi int) {
	for {
		head, ok := d.popAvail(qi)
		if !ok {
			return
		}
		chain := d.readChain(qi, head)
		if len(chain) != 3 {
			continue
		}
		hdr := d.readBus(chain[0].addr, chain[0].length)
		op := d.codec.Uint32(hdr[0:4])
		sector := d.codec.Uint64(hdr[8:16])
		b.lastOp = op
		b.lastSector = sector
		off := sector * blkDefaultSectorSize

		status := byte(VIRTIO_BLK_S_OK)
		var written uint32
		switch op {
		case VIRTIO_BLK_T_IN:
			end := off + uint64(chain[1].length)
			if end > uint64(len(b.disk)) {
				status = VIRTIO_BLK_S_IOERR
				break
			}
			d.writeBus(chain[1].addr, b.disk[off:end])
			written = chain[1].length
		case VIRTIO_BLK_T_OUT:
			end := off + uint64(chain[1].length)
			if end > uint64(len(b.disk)) {
				status = VIRTIO_BLK_S_IOERR
				break
			}
			copy(b.disk[off:end], d.readBus(chain[1].addr, chain[1].length))
		default:
			status = VIRTIO_BLK_S_UNSUPP
		}
		d.writeBus(chain[2].addr, []byte{status})
		d.pushUsed(qi, head, written+1)
	}
}

// testNetDevice adds frame capture and an optional loopback path to the
// device model.
type testNetDevice struct {
	*testDevice
	mac      [6]byte
	hdrSize  int
	loopback bool
	frames   [][]byte
	headers  [][]byte
}

func newTestNetDevice(offered uint64, queueSize uint16) *testNetDevice {
	td := newTestDevice(netDeviceID, offered, queueSize, queueSize)
	n := &testNetDevice{
		testDevice: td,
		mac:        [6]byte{0x52, 0x54, 0x00, 0xbe, 0xef, 0x01},
		hdrSize:    netHdrSizeLegacy,
	}
	if offered&VIRTIO_F_VERSION_1 != 0 {
		n.hdrSize = netHdrSizeModern
	}
	td.config = n.mac[:]
	td.onNotify = n.process
	return n
}

func (n *testNetDevice) process(d *testDevice, qi int) {
	if qi != netQueueTransmit {
		return
	}
	for {
		head, ok := d.popAvail(qi)
		if !ok {
			return
		}
		chain := d.readChain(qi, head)
		if len(chain) != 2 {
			continue
		}
		n.headers = append(n.headers, d.readBus(chain[0].addr, chain[0].length))
		frame := d.readBus(chain[1].addr, chain[1].length)
		n.frames = append(n.frames, frame)
		if n.loopback {
			n.deliver(frame)
		}
	}
}

// deliver plays the host's receive role: it claims one pre-published
// receive chain and fills it with the frame.
func (n *testNetDevice) deliver(frame []byte) bool {
	head, ok := n.popAvail(netQueueReceive)
	if !ok {
		return false
	}
	chain := n.readChain(netQueueReceive, head)
	if len(chain) != 2 || !chain[0].write || !chain[1].write {
		return false
	}
	n.writeBus(chain[0].addr, make([]byte, n.hdrSize))
	n.writeBus(chain[1].addr, frame)
	n.pushUsed(netQueueReceive, head, uint32(n.hdrSize+len(frame)))
	return true
}
