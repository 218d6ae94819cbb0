package virtio

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/guestvirtio/internal/mem"
)

// Descriptor flags.
const (
	VRING_DESC_F_NEXT  = 1 << 0
	VRING_DESC_F_WRITE = 1 << 1
)

// Avail ring flags.
const VRING_AVAIL_F_NO_INTERRUPT = 1

const descEntrySize = 16

// Segment is one buffer of a descriptor chain: a bus address, a length and
// a direction. DeviceWritable marks buffers the device fills (reads, receive
// buffers, status bytes); everything else is device-readable.
type Segment struct {
	Addr           uint64
	Len            uint32
	DeviceWritable bool
}

// Completion is one harvested used-ring entry: the head slot of a finished
// chain and the number of bytes the device wrote into it.
type Completion struct {
	Slot uint16
	Len  uint32
}

// Queue is the driver side of one split virtqueue. The descriptor table and
// avail ring are driver-written and device-read; the used ring is
// device-written and driver-read. That ownership split is the load-bearing
// invariant: the driver never writes a used-ring field, and never touches a
// descriptor or avail cell that belongs to a chain the device has not yet
// completed.
//
// The device consumes the rings asynchronously, so ordering is enforced with
// barriers rather than locks: the avail index is stored with release
// ordering after the cell and descriptors it exposes, and the used index is
// loaded with acquire ordering before the entry it covers is read. A Queue
// itself is driven from a single goroutine.
type Queue struct {
	transport Transport
	index     uint16
	size      uint16
	codec     Codec
	arena     *mem.Arena

	descOff  int
	availOff int
	usedOff  int

	availFlags uint16

	// Unwrapped counters. The monotonicity invariant lives on these; the
	// 16-bit wire fields and the slot numbers are reductions of them.
	availIdx uint32
	lastUsed uint32
}

// ringLayout computes the ring triple offsets for a queue of the given size
// inside one allocation. usedAlign is 4 for the versioned protocol; the
// legacy transport requires the used ring on its own page.
func ringLayout(size uint16, usedAlign int) (availOff, usedOff, total int) {
	availOff = int(size) * descEntrySize
	availEnd := availOff + 4 + int(size)*2 + 2
	usedOff = (availEnd + usedAlign - 1) &^ (usedAlign - 1)
	total = usedOff + 4 + int(size)*8 + 2
	return availOff, usedOff, total
}

// NewQueue allocates the ring triple for one queue and programs it into the
// transport. sizeCap caps the ring size; zero accepts the device maximum,
// and a cap above the maximum is clamped to it. The queue is not marked
// ready; Device.Ready does that after all queues exist.
func NewQueue(t Transport, index uint16, gen Generation, sizeCap uint16) (*Queue, error) {
	size := t.QueueMaxSize(index)
	if size == 0 {
		return nil, fmt.Errorf("virtio: queue %d not provided by device", index)
	}
	if sizeCap != 0 && sizeCap < size {
		size = sizeCap
	}
	if size&(size-1) != 0 {
		return nil, fmt.Errorf("virtio: queue %d size %d is not a power of two", index, size)
	}
	usedAlign := 4
	if gen == GenerationLegacy {
		usedAlign = 4096
	}
	availOff, usedOff, total := ringLayout(size, usedAlign)
	arena, err := mem.Alloc(total, 4096)
	if err != nil {
		return nil, fmt.Errorf("virtio: queue %d rings: %w: %v", index, ErrAllocationFailed, err)
	}
	q := &Queue{
		transport: t,
		index:     index,
		size:      size,
		codec:     gen.Codec(),
		arena:     arena,
		availOff:  availOff,
		usedOff:   usedOff,
	}
	base := arena.Base()
	if err := t.SetQueue(index, size, base, base+uint64(availOff), base+uint64(usedOff)); err != nil {
		arena.Close()
		return nil, err
	}
	return q, nil
}

// Size returns the ring size in descriptor slots.
func (q *Queue) Size() uint16 { return q.size }

// Index returns the queue's index at the transport.
func (q *Queue) Index() uint16 { return q.index }

// AvailCounter returns the unwrapped count of chains published so far.
func (q *Queue) AvailCounter() uint32 { return q.availIdx }

func (q *Queue) descBytes(slot uint16) []byte {
	return q.arena.Bytes(q.descOff+int(slot)*descEntrySize, descEntrySize)
}

// FillDesc writes one descriptor table entry. Slot and next wrap modulo the
// queue size. The caller must own the slot: it must not belong to a chain
// the device has not completed.
func (q *Queue) FillDesc(slot uint16, addr uint64, length uint32, flags uint16, next uint16) {
	b := q.descBytes(slot % q.size)
	q.codec.PutUint64(b[0:8], addr)
	q.codec.PutUint32(b[8:12], length)
	q.codec.PutUint16(b[12:14], flags)
	q.codec.PutUint16(b[14:16], next%q.size)
}

// FreeDesc clears a descriptor entry before its slot is reused.
func (q *Queue) FreeDesc(slot uint16) {
	clear(q.descBytes(slot % q.size))
}

// DescAddr reads back the buffer address a descriptor currently names. The
// device observes the same table, so the result is only as trustworthy as
// the device; callers bounds-check it against their own pool before
// dereferencing.
func (q *Queue) DescAddr(slot uint16) uint64 {
	return q.codec.Uint64(q.descBytes(slot % q.size)[0:8])
}

// BuildChain writes segs into consecutive descriptor slots starting at
// head, chaining each to the following slot (modulo queue size) and leaving
// the last unchained. A malformed segment list is a caller bug, not a
// runtime condition.
func (q *Queue) BuildChain(head uint16, segs []Segment) {
	for i, seg := range segs {
		flags := uint16(0)
		if seg.DeviceWritable {
			flags |= VRING_DESC_F_WRITE
		}
		next := uint16(0)
		if i < len(segs)-1 {
			flags |= VRING_DESC_F_NEXT
			next = head + uint16(i) + 1
		}
		q.FillDesc(head+uint16(i), seg.Addr, seg.Len, flags, next)
	}
}

// availHeader returns the avail ring's flags+idx word. The word is 4-byte
// aligned by construction, so the pair is accessed with one 32-bit atomic.
func (q *Queue) availHeader() *uint32 {
	return (*uint32)(unsafe.Pointer(unsafe.SliceData(q.arena.Bytes(q.availOff, 4))))
}

func (q *Queue) usedHeader() *uint32 {
	return (*uint32)(unsafe.Pointer(unsafe.SliceData(q.arena.Bytes(q.usedOff, 4))))
}

func (q *Queue) storeAvailHeader() {
	var word [4]byte
	q.codec.PutUint16(word[0:2], q.availFlags)
	q.codec.PutUint16(word[2:4], uint16(q.availIdx))
	// Release store: every descriptor and ring cell written before this
	// point must be visible to the device before the new index is.
	atomic.StoreUint32(q.availHeader(), *(*uint32)(unsafe.Pointer(&word)))
}

func (q *Queue) loadUsedIdx() uint16 {
	// Acquire load: once a new index is observed, the used entries and
	// buffer contents it covers are visible too.
	w := atomic.LoadUint32(q.usedHeader())
	var word [4]byte
	*(*uint32)(unsafe.Pointer(&word)) = w
	return q.codec.Uint16(word[2:4])
}

// SetNoInterrupt sets or clears the avail ring's interrupt suppression
// flag. The transmit path runs with it set since transmit completions are
// never harvested.
func (q *Queue) SetNoInterrupt(on bool) {
	if on {
		q.availFlags |= VRING_AVAIL_F_NO_INTERRUPT
	} else {
		q.availFlags &^= VRING_AVAIL_F_NO_INTERRUPT
	}
	q.storeAvailHeader()
}

// Publish places a chain head in the next avail ring cell and then advances
// the avail index. The index store is the publication point: it must not be
// observable before the cell and the descriptors it names, which is why it
// goes through the release-ordered header store.
func (q *Queue) Publish(slot uint16) {
	cell := q.arena.Bytes(q.availOff+4+int(q.availIdx%uint32(q.size))*2, 2)
	q.codec.PutUint16(cell, slot%q.size)
	q.availIdx++
	q.storeAvailHeader()
}

// Notify signals the device that published chains are ready.
func (q *Queue) Notify() {
	q.transport.Notify(q.index)
}

// PeekCompletion reports the next unharvested used-ring entry without
// consuming it. Absence of a completion is a normal empty result, not an
// error. One exception to non-consumption: an entry naming an out-of-range
// slot is consumed as it is reported, so a misbehaving device cannot wedge
// the queue on a single poisoned element.
func (q *Queue) PeekCompletion() (Completion, bool, error) {
	if q.loadUsedIdx() == uint16(q.lastUsed) {
		return Completion{}, false, nil
	}
	elem := q.arena.Bytes(q.usedOff+4+int(q.lastUsed%uint32(q.size))*8, 8)
	id := q.codec.Uint32(elem[0:4])
	length := q.codec.Uint32(elem[4:8])
	if id >= uint32(q.size) {
		// Consume the entry so a misbehaving device cannot wedge the
		// queue on one bad element.
		q.lastUsed++
		return Completion{}, false, fmt.Errorf("%w: used entry names slot %d (queue size %d)", ErrBadDescriptor, id, q.size)
	}
	return Completion{Slot: uint16(id), Len: length}, true, nil
}

// PollCompletion consumes and returns the next unharvested used-ring entry.
func (q *Queue) PollCompletion() (Completion, bool, error) {
	c, ok, err := q.PeekCompletion()
	if ok {
		q.lastUsed++
	}
	return c, ok, err
}

// Close releases the ring memory. The owning device must already be reset;
// until then the device may still read the rings.
func (q *Queue) Close() error {
	return q.arena.Close()
}
