package cli

import "github.com/bobuhiro11/vioports/vq"

// ringAllocator bump-allocates split-virtqueue ring triples (descriptor
// table, avail ring, used ring) out of a flat guest-memory region. No
// bus exists in this standalone binary to negotiate ring placement with
// a guest driver, so this process plays that role itself, laying every
// device's queues out contiguously before Activate.
type ringAllocator struct {
	next uint64
}

// queue reserves space for one queue of the given size and returns a
// bound vq.Queue ready for Activate.
func (a *ringAllocator) queue(size uint16) *vq.Queue {
	descAddr := a.next
	a.next += uint64(size) * 16

	availAddr := a.next
	a.next += 4 + uint64(size)*2 + 2
	a.next = align(a.next, 8)

	usedAddr := a.next
	a.next += 4 + uint64(size)*8 + 2
	a.next = align(a.next, 8)

	return vq.New(size, descAddr, availAddr, usedAddr)
}

// queues reserves n queues of the given size in one call, for devices
// whose queue count depends on their port/config count.
func (a *ringAllocator) queues(n int, size uint16) []*vq.Queue {
	qs := make([]*vq.Queue, n)
	for i := range qs {
		qs[i] = a.queue(size)
	}

	return qs
}

func align(n, to uint64) uint64 {
	return (n + to - 1) &^ (to - 1)
}
