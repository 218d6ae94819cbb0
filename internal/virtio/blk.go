package virtio

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/tinyrange/guestvirtio/internal/mem"
)

// Virtio block request types and status codes, per virtio 1.2 section 5.2.
const (
	VIRTIO_BLK_T_IN  = 0 // read
	VIRTIO_BLK_T_OUT = 1 // write

	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Block device feature bits.
const (
	VIRTIO_BLK_F_BLK_SIZE = uint64(1) << 6
)

const (
	blkDeviceID     = 2
	blkQueueRequest = 0

	// Offsets into the virtio_blk_config structure.
	blkConfigCapacity = 0
	blkConfigBlkSize  = 20

	blkDefaultSectorSize = 512

	blkReqHdrSize = 16
	// One request header plus the trailing status byte.
	blkCellSize = blkReqHdrSize + 1

	blkChainLen = 3
)

// BlockOp selects the transfer direction.
type BlockOp uint32

const (
	BlockRead  BlockOp = VIRTIO_BLK_T_IN
	BlockWrite BlockOp = VIRTIO_BLK_T_OUT
)

// BlockDevice drives one virtio block device over a single request queue.
//
// Transfers are fire-and-forget: Transfer publishes a request and returns
// without waiting; completions are harvested separately with Poll. The
// driver never blocks.
type BlockDevice struct {
	dev *Device
	q   *Queue

	// One header+status cell per three-slot chain. Headers must outlive
	// their request, so they live in a driver-owned arena indexed by chain
	// number rather than on the caller's stack.
	hdrs   *mem.Arena
	chains uint32
}

// BlockResult is one harvested request completion.
type BlockResult struct {
	Chain  uint16 // chain number the request was submitted on
	Status byte   // device status byte (VIRTIO_BLK_S_*)
	Len    uint32 // bytes the device reports written
}

// OpenBlock negotiates a block device on the transport and arms its request
// queue at the device's maximum ring size. On any failure the device is
// marked FAILED and partially acquired memory is released.
func OpenBlock(t Transport) (*BlockDevice, error) {
	return OpenBlockSized(t, 0)
}

// OpenBlockSized is OpenBlock with a cap on the request queue ring size;
// zero accepts the device maximum.
func OpenBlockSized(t Transport, queueSize uint16) (*BlockDevice, error) {
	if id := t.DeviceID(); id != blkDeviceID {
		return nil, fmt.Errorf("virtio-blk: device id %d is not a block device", id)
	}

	// The modern path needs no device-specific features; the legacy path
	// declares BLK_SIZE support outright (there is no accept step).
	dev, err := Negotiate(t, 0, VIRTIO_BLK_F_BLK_SIZE)
	if err != nil {
		return nil, fmt.Errorf("virtio-blk: %w", err)
	}

	q, err := dev.AddQueue(blkQueueRequest, queueSize)
	if err != nil {
		dev.Fail()
		return nil, fmt.Errorf("virtio-blk: %w", err)
	}
	if q.Size() < blkChainLen {
		dev.Fail()
		q.Close()
		return nil, fmt.Errorf("virtio-blk: queue size %d cannot hold a request chain", q.Size())
	}

	chains := uint32(q.Size()) / blkChainLen
	hdrs, err := mem.Alloc(int(chains)*blkCellSize, 8)
	if err != nil {
		dev.Fail()
		q.Close()
		return nil, fmt.Errorf("virtio-blk: header pool: %w: %v", ErrAllocationFailed, err)
	}

	dev.Ready()

	b := &BlockDevice{dev: dev, q: q, hdrs: hdrs, chains: chains}
	slog.Info("virtio-blk: device ready",
		"generation", dev.Generation().String(),
		"capacity_sectors", b.Capacity(),
		"block_size", b.BlockSize(),
		"queue_size", q.Size())
	return b, nil
}

// Capacity returns the device capacity in 512-byte sectors, read live from
// config space.
func (b *BlockDevice) Capacity() uint64 {
	var raw [8]byte
	b.dev.ReadConfig(blkConfigCapacity, raw[:])
	return b.dev.Codec().Uint64(raw[:])
}

// BlockSize returns the device block size, or the default sector size for
// devices that do not expose one. The gate is the device-offered feature
// set: the modern path never requests BLK_SIZE, but the field is still
// honored when the device advertises it.
func (b *BlockDevice) BlockSize() uint32 {
	if b.dev.Transport().DeviceFeatures()&VIRTIO_BLK_F_BLK_SIZE == 0 {
		return blkDefaultSectorSize
	}
	var raw [4]byte
	b.dev.ReadConfig(blkConfigBlkSize, raw[:])
	return b.dev.Codec().Uint32(raw[:])
}

// Transfer validates and submits one read or write of count blocks starting
// at sector, returning the number of blocks submitted. It never waits for
// the device: results arrive later through Poll, and buf must stay
// untouched until the matching completion has been polled.
//
// Rejections (capacity overrun, misaligned device block size) leave the
// rings unmodified and the device usable.
func (b *BlockDevice) Transfer(op BlockOp, sector uint64, count uint32, buf []byte) (uint32, error) {
	if count == 0 {
		return 0, nil
	}

	capacity := b.Capacity()
	if sector >= capacity || uint64(count) > capacity-sector {
		slog.Warn("virtio-blk: access beyond end of device",
			"sector", sector, "count", count, "capacity", capacity)
		return 0, fmt.Errorf("%w: sector %d count %d capacity %d", ErrCapacityExceeded, sector, count, capacity)
	}

	blockSize := b.BlockSize()
	if blockSize == 0 || blockSize%blkDefaultSectorSize != 0 {
		slog.Warn("virtio-blk: unaligned block size", "block_size", blockSize)
		return 0, fmt.Errorf("%w: block size %d", ErrMisalignedConfig, blockSize)
	}

	byteLen := uint64(count) * uint64(blockSize)
	if byteLen > math.MaxUint32 {
		return 0, fmt.Errorf("virtio-blk: transfer of %d bytes exceeds descriptor limit", byteLen)
	}
	if uint64(len(buf)) < byteLen {
		return 0, fmt.Errorf("virtio-blk: buffer holds %d bytes, transfer needs %d", len(buf), byteLen)
	}

	// Chain slots come straight off the avail counter; with at most
	// chains requests in flight each chain owns disjoint slots and one
	// header cell.
	chain := b.q.AvailCounter() % b.chains
	head := uint16(chain) * blkChainLen
	cellOff := int(chain) * blkCellSize

	hdr := b.hdrs.Bytes(cellOff, blkReqHdrSize)
	c := b.dev.Codec()
	c.PutUint32(hdr[0:4], uint32(op))
	c.PutUint32(hdr[4:8], 0) // reserved
	c.PutUint64(hdr[8:16], sector*uint64(blockSize)/blkDefaultSectorSize)
	b.hdrs.Bytes(cellOff+blkReqHdrSize, 1)[0] = 0xff

	b.q.BuildChain(head, []Segment{
		{Addr: b.hdrs.Base() + uint64(cellOff), Len: blkReqHdrSize},
		{Addr: mem.BusAddr(buf), Len: uint32(byteLen), DeviceWritable: op == BlockRead},
		{Addr: b.hdrs.Base() + uint64(cellOff) + blkReqHdrSize, Len: 1, DeviceWritable: true},
	})
	b.q.Publish(head)
	b.q.Notify()

	return count, nil
}

// Poll harvests one request completion, if any. Absence of a completion is
// a normal empty result.
func (b *BlockDevice) Poll() (BlockResult, bool, error) {
	comp, ok, err := b.q.PollCompletion()
	if err != nil || !ok {
		return BlockResult{}, ok, err
	}
	chain := comp.Slot / blkChainLen
	status := b.hdrs.Bytes(int(chain)*blkCellSize+blkReqHdrSize, 1)[0]
	return BlockResult{Chain: chain, Status: status, Len: comp.Len}, true, nil
}

// HandleInterrupt drains and acknowledges pending interrupt status. It does
// not itself harvest completions; callers still Poll.
func (b *BlockDevice) HandleInterrupt() {
	b.dev.AckInterrupt()
}

// Close quiesces the device (FAILED, then reset) and only then releases the
// header pool, since the host may write into it until the reset completes.
func (b *BlockDevice) Close() error {
	if b.hdrs == nil {
		return nil
	}
	b.dev.Shutdown()
	err := b.hdrs.Close()
	b.hdrs = nil
	return err
}
