package virtio

import (
	"errors"
	"log"

	"github.com/bobuhiro11/vioports/device"
	"github.com/bobuhiro11/vioports/intc"
	"github.com/bobuhiro11/vioports/l2transport"
	"github.com/bobuhiro11/vioports/memory"
	"github.com/bobuhiro11/vioports/vq"
)

// Network feature bits (virtio-v1.1 §5.1.3). The device advertises the
// checksum/segmentation-offload bits even though it performs none of
// that work itself: they tell the guest it may hand the device frames
// without precomputing checksums or segmenting large packets.
const (
	fNetCSUM      = 1 << 0
	fNetGuestCSUM = 1 << 1
	fNetMAC       = 1 << 5
	fNetGuestTSO4 = 1 << 7
	fNetGuestUFO  = 1 << 10
	fNetHostTSO4  = 1 << 11
	fNetHostUFO   = 1 << 14
)

const netConfigLen = 6 // guest_mac

// vnetHdrLen is sizeof(virtio_net_hdr_v1): the 10-byte legacy fields
// plus the 2-byte num_buffers field. The device never negotiates
// VIRTIO_NET_F_MRG_RXBUF, so every prepended header is this fixed
// 12-byte layout, all zero.
const vnetHdrLen = 12

const (
	rxIndex = 0
	txIndex = 1
)

// Net is the single-queue-pair virtio-net device core relaying frames
// to and from an l2transport.Transport.
type Net struct {
	*device.Base

	transport *l2transport.Transport

	hasMAC bool
	mac    [6]byte

	rxDeferredIRQs bool
	rxFrameBuf     [vnetHdrLen + l2transport.MaxFrameSize]byte
	txBuf          [l2transport.MaxFrameSize]byte
}

// NewNet constructs a network device relaying frames over transport.
// mac may be nil, in which case the MAC feature bit is not advertised
// and the config space reads as all zero until the guest writes one.
func NewNet(ic intc.Controller, irq uint32, transport *l2transport.Transport, mac *[6]byte) *Net {
	features := uint64(fNetCSUM | fNetGuestCSUM | fNetGuestTSO4 | fNetGuestUFO | fNetHostTSO4 | fNetHostUFO | fVersion1)
	if mac != nil {
		features |= fNetMAC
	}

	n := &Net{
		Base:      device.NewBase(device.TypeNet, features, netConfigLen, ic, irq),
		transport: transport,
	}

	if mac != nil {
		n.hasMAC = true
		n.mac = *mac
		copy(n.Base.ConfigBytes(), n.mac[:])
	}

	return n
}

// WriteConfig overlays src onto the MAC config bytes and refreshes the
// cached guest MAC.
func (n *Net) WriteConfig(offset uint64, src []byte) error {
	if err := n.Base.WriteConfig(offset, src); err != nil {
		return err
	}

	copy(n.mac[:], n.Base.ConfigBytes()[:6])
	n.hasMAC = true

	return nil
}

// writeFrameToChain writes frame into head's write-only descriptor
// chain. It returns (bytesWritten, true) on success, or (0, false) if
// the chain contains a non-write-only descriptor or is too small to
// hold the whole frame; in both failure cases the caller marks used
// with length 0 and drops the frame.
func (n *Net) writeFrameToChain(mem *memory.Memory, head *vq.Head, frame []byte) (uint32, bool) {
	written := 0

	for cur := head; cur != nil; cur = cur.NextDescriptor() {
		if !cur.IsWriteOnly() {
			return 0, false
		}

		remaining := len(frame) - written
		if remaining <= 0 {
			break
		}

		chunk := int(cur.Len)
		if chunk > remaining {
			chunk = remaining
		}

		if err := mem.WriteAt(cur.Addr, frame[written:written+chunk]); err != nil {
			return 0, false
		}

		written += chunk
	}

	if written < len(frame) {
		return 0, false
	}

	return uint32(written), true
}

// ProcessRx reads frames from the transport and delivers them to the
// guest's rx queue. It never reads a
// frame it already knows it cannot deliver: per the backpressure rule
// an empty rx queue means the transport is left alone
// until the guest refills it.
func (n *Net) ProcessRx() error {
	mem := n.Memory()
	q := n.Queue(rxIndex)

	budget := int(q.ActualSize())
	if budget == 0 {
		budget = 1
	}

	for i := 0; i < budget; i++ {
		if q.IsEmpty(mem) {
			break
		}

		for j := 0; j < vnetHdrLen; j++ {
			n.rxFrameBuf[j] = 0
		}

		frameLen, err := n.transport.ReadFrame(n.rxFrameBuf[vnetHdrLen:])
		if err != nil {
			if !errors.Is(err, l2transport.ErrWouldBlock) {
				log.Printf("net: transport read failed: %v", err)
			}

			break
		}

		head, ok := q.Pop(mem)
		if !ok {
			break
		}

		total := vnetHdrLen + frameLen

		usedLen, ok := n.writeFrameToChain(mem, head, n.rxFrameBuf[:total])
		if !ok {
			log.Printf("net: dropping rx frame: chain malformed or too small")
		}

		q.AddUsed(mem, head.Index, usedLen)
		n.rxDeferredIRQs = true
	}

	return n.signalRxUsedQueue()
}

func (n *Net) signalRxUsedQueue() error {
	if !n.rxDeferredIRQs {
		return nil
	}

	n.rxDeferredIRQs = false

	return n.SignalUsedQueue()
}

// gatherChain concatenates head's read-only descriptors into dst,
// returning (0, false) if any descriptor is write-only (malformed) or
// the chain's total length exceeds len(dst).
func (n *Net) gatherChain(mem *memory.Memory, head *vq.Head, dst []byte) (int, bool) {
	total := 0

	for cur := head; cur != nil; cur = cur.NextDescriptor() {
		if cur.IsWriteOnly() {
			return 0, false
		}

		if total+int(cur.Len) > len(dst) {
			return 0, false
		}

		b, err := mem.Slice(cur.Addr, int(cur.Len))
		if err != nil {
			return 0, false
		}

		copy(dst[total:], b)
		total += int(cur.Len)
	}

	return total, true
}

// ProcessTx drains the tx queue, forwarding each chain's gathered
// bytes to the transport as one frame. The transport's own WriteFrame
// prepends the 4-byte length prefix itself, so nothing here needs to
// reserve header room; the gathered descriptor bytes are handed to
// WriteFrame exactly as the guest wrote them.
func (n *Net) ProcessTx() bool {
	mem := n.Memory()
	q := n.Queue(txIndex)

	usedAny := false

	for {
		head, ok := q.Pop(mem)
		if !ok {
			break
		}

		total, ok := n.gatherChain(mem, head, n.txBuf[:])
		if !ok {
			log.Printf("net: discarding malformed tx chain")
		} else if err := n.transport.WriteFrame(n.txBuf[:total]); err != nil &&
			!errors.Is(err, l2transport.ErrWouldBlock) {
			log.Printf("net: transport write failed: %v", err)
		}

		q.AddUsed(mem, head.Index, 0)
		usedAny = true
	}

	if usedAny {
		_ = n.SignalUsedQueue()
	}

	return usedAny
}
