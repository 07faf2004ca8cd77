// Package vq implements the split virtqueue: the descriptor-chain
// scatter/gather ring a device core pops work from. It exposes pop,
// add_used, undo_pop, is_empty, and actual_size.
//
// The ring layout follows the virtio 1.x split virtqueue: a descriptor
// table, an available ring the driver writes, and a used ring the
// device writes, each addressed independently into guest memory. Queue
// sizes are runtime values here rather than a fixed overlay struct, so
// ring entries are read and written with encoding/binary instead of an
// unsafe.Pointer cast.
package vq

import (
	"encoding/binary"

	"github.com/bobuhiro11/vioports/memory"
)

// Descriptor flags, per virtio_ring.h.
const (
	descFNext  = 1
	descFWrite = 2
)

const (
	descSize = 16 // addr(8) + len(4) + flags(2) + next(2)
)

// Queue is a split virtqueue bound to fixed guest-physical addresses for
// its three rings. Size is the negotiated queue size (number of
// descriptor-table / avail-ring entries); it must be a power of two per
// the virtio spec, though Queue does not itself enforce that.
type Queue struct {
	size uint16

	descTableAddr uint64
	availAddr     uint64
	usedAddr      uint64

	lastAvailIdx uint16
	usedIdx      uint16

	// parkedHead holds a popped-but-not-yet-returned head for UndoPop.
	// lastAvailIdx is decremented immediately on UndoPop so a fresh Pop
	// re-reads the ring slot; parkedHead is unused in the current
	// implementation but kept as the fallback for a future backing ring
	// that can't support rewinding lastAvailIdx (e.g. an indirect/packed
	// ring variant).
	parkedHead *Head
}

// New returns a queue of the given size, bound to the three ring
// addresses the driver negotiated (desc table, avail ring, used ring).
func New(size uint16, descTableAddr, availAddr, usedAddr uint64) *Queue {
	return &Queue{
		size:          size,
		descTableAddr: descTableAddr,
		availAddr:     availAddr,
		usedAddr:      usedAddr,
	}
}

// ActualSize returns the negotiated queue size.
func (q *Queue) ActualSize() uint16 {
	return q.size
}

func (q *Queue) availIdx(mem *memory.Memory) (uint16, error) {
	b, err := mem.Slice(q.availAddr+2, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

// IsEmpty reports whether the queue currently has no available
// descriptor chains for the device to pop.
func (q *Queue) IsEmpty(mem *memory.Memory) bool {
	idx, err := q.availIdx(mem)
	if err != nil {
		return true
	}

	return q.lastAvailIdx == idx
}

// Head is the first descriptor of a popped chain. It can be walked via
// NextDescriptor to visit the rest of the chain.
type Head struct {
	Index uint16
	Addr  uint64
	Len   uint32

	writeOnly bool
	hasNext   bool
	next      uint16

	mem   *memory.Memory
	queue *Queue
}

// IsWriteOnly reports whether this descriptor is device-writable
// (VRING_DESC_F_WRITE). A transmit chain with a write-only descriptor,
// or a receive chain with a read-only one, is malformed.
func (h *Head) IsWriteOnly() bool {
	return h.writeOnly
}

// NextDescriptor returns the next descriptor in the chain, or nil if
// this descriptor terminates it (VRING_DESC_F_NEXT unset).
func (h *Head) NextDescriptor() *Head {
	if !h.hasNext {
		return nil
	}

	d, err := h.queue.readDesc(h.mem, h.next)
	if err != nil {
		return nil
	}

	return d
}

func (q *Queue) readDesc(mem *memory.Memory, index uint16) (*Head, error) {
	off := q.descTableAddr + uint64(index)*descSize

	b, err := mem.Slice(off, descSize)
	if err != nil {
		return nil, err
	}

	addr := binary.LittleEndian.Uint64(b[0:8])
	length := binary.LittleEndian.Uint32(b[8:12])
	flags := binary.LittleEndian.Uint16(b[12:14])
	next := binary.LittleEndian.Uint16(b[14:16])

	return &Head{
		Index:     index,
		Addr:      addr,
		Len:       length,
		writeOnly: flags&descFWrite != 0,
		hasNext:   flags&descFNext != 0,
		next:      next,
		mem:       mem,
		queue:     q,
	}, nil
}

// Pop removes the next available descriptor-chain head, or returns
// (nil, false) if the queue is empty.
func (q *Queue) Pop(mem *memory.Memory) (*Head, bool) {
	if q.parkedHead != nil {
		h := q.parkedHead
		q.parkedHead = nil

		return h, true
	}

	idx, err := q.availIdx(mem)
	if err != nil {
		return nil, false
	}

	if q.lastAvailIdx == idx {
		return nil, false
	}

	ringSlot := q.lastAvailIdx % q.size
	b, err := mem.Slice(q.availAddr+4+uint64(ringSlot)*2, 2)
	if err != nil {
		return nil, false
	}

	headIndex := binary.LittleEndian.Uint16(b)

	head, err := q.readDesc(mem, headIndex)
	if err != nil {
		return nil, false
	}

	q.lastAvailIdx++

	return head, true
}

// UndoPop reverses the most recent Pop, so the same head is re-offered
// by the next Pop. Used when the device discovers it has no work for a
// head it already removed from the ring (e.g. no input bytes yet).
func (q *Queue) UndoPop() {
	if q.parkedHead != nil {
		return
	}

	q.lastAvailIdx--
}

// AddUsed publishes completion of the chain rooted at index, declaring
// usedLen bytes were written into its write-only descriptors.
func (q *Queue) AddUsed(mem *memory.Memory, index uint16, usedLen uint32) {
	slot := q.usedIdx % q.size
	off := q.usedAddr + 4 + uint64(slot)*8

	var entry [8]byte
	binary.LittleEndian.PutUint32(entry[0:4], uint32(index))
	binary.LittleEndian.PutUint32(entry[4:8], usedLen)

	if err := mem.WriteAt(off, entry[:]); err != nil {
		return
	}

	q.usedIdx++

	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)
	_ = mem.WriteAt(q.usedAddr+2, idxBuf[:])
}
