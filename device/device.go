// Package device provides the shared virtio device-adapter scaffolding:
// feature negotiation, the activation lifecycle, config-space access,
// and interrupt-status bookkeeping common to every device backend
// regardless of which bus exposes it to the guest.
//
// The single-call level-IRQ interface and struct-to-byte-image config
// encoding generalize into one adapter both the console and network
// cores embed rather than reimplement.
package device

import (
	"errors"
	"sync/atomic"

	"github.com/bobuhiro11/vioports/intc"
	"github.com/bobuhiro11/vioports/memory"
	"github.com/bobuhiro11/vioports/vq"
)

// Canonical virtio device-id assignments (virtio-v1.1 §5).
const (
	TypeNet     = 1
	TypeConsole = 3
)

// Interrupt status bits, per virtio-v1.1 §4.1.4.5 (ISR status).
const (
	InterruptVringUsed    = 1 << 0
	InterruptConfigChange = 1 << 1
)

// ErrNotActivated reports an operation attempted before driver
// activation. No method of Base returns it.
var ErrNotActivated = errors.New("device: not activated")

// ErrConfigOutOfRange is returned by ReadConfig when offset falls past
// the end of the device's config space, and by WriteConfig when
// offset+len(data) does.
var ErrConfigOutOfRange = errors.New("device: config access out of range")

// Base is the activation/feature/config/interrupt scaffolding shared by
// every device backend in this module. It is embedded, not wrapped, so
// a concrete device (virtio.Console, virtio.Net) can add its own
// fields and methods alongside it.
type Base struct {
	deviceType uint32

	availFeatures uint64
	ackedFeatures uint64

	config []byte

	ic  intc.Controller
	irq uint32

	interruptStatus uint32 // accessed atomically; bitwise-OR of InterruptXxx

	activated bool
	mem       *memory.Memory
	queues    []*vq.Queue
}

// NewBase constructs a device adapter of the given virtio type, with
// the given available feature bitmap, config-space size, and
// interrupt line wired to ic.
func NewBase(deviceType uint32, availFeatures uint64, configLen int, ic intc.Controller, irq uint32) *Base {
	return &Base{
		deviceType:    deviceType,
		availFeatures: availFeatures,
		config:        make([]byte, configLen),
		ic:            ic,
		irq:           irq,
	}
}

// Type returns the virtio device-id this adapter presents.
func (b *Base) Type() uint32 {
	return b.deviceType
}

// AvailableFeatures returns the feature bits this device offers.
func (b *Base) AvailableFeatures() uint64 {
	return b.availFeatures
}

// AckFeatures records the subset of AvailableFeatures the driver has
// accepted. Bits outside AvailableFeatures are silently masked off,
// matching how a real virtio device ignores an unsupported ack rather
// than failing negotiation outright.
func (b *Base) AckFeatures(bits uint64) {
	b.ackedFeatures = bits & b.availFeatures
}

// AckedFeatures returns the features the driver has acknowledged so far.
func (b *Base) AckedFeatures() uint64 {
	return b.ackedFeatures
}

// Activate transitions the device from Inactive to Activated, binding
// it to guest memory and its negotiated virtqueues. It is idempotent:
// calling it again simply rebinds, matching a driver reset-then-reinit
// cycle.
func (b *Base) Activate(mem *memory.Memory, queues []*vq.Queue) {
	b.mem = mem
	b.queues = queues
	b.activated = true
}

// Deactivate returns the device to its pre-activation state, matching
// a driver-initiated device reset (virtio-v1.1 §2.1, writing 0 to the
// device status register).
func (b *Base) Deactivate() {
	b.mem = nil
	b.queues = nil
	b.activated = false
	b.ackedFeatures = 0
	atomic.StoreUint32(&b.interruptStatus, 0)
}

// IsActivated reports whether Activate has been called since
// construction or the last Deactivate.
func (b *Base) IsActivated() bool {
	return b.activated
}

// Memory returns the guest memory region bound at Activate, or nil
// before activation.
func (b *Base) Memory() *memory.Memory {
	return b.mem
}

// Queue returns the i'th negotiated virtqueue, or nil if i is out of
// range or the device isn't activated.
func (b *Base) Queue(i int) *vq.Queue {
	if i < 0 || i >= len(b.queues) {
		return nil
	}

	return b.queues[i]
}

// NumQueues returns the number of virtqueues bound at Activate.
func (b *Base) NumQueues() int {
	return len(b.queues)
}

// ReadConfig copies config space starting at offset into data. If
// offset+len(data) runs past the end of config space, the copy is
// clamped to min(len(config)-offset, len(data)) bytes rather than
// failing outright; only offset itself landing past the end of config
// space is an error.
func (b *Base) ReadConfig(offset uint64, data []byte) error {
	if offset > uint64(len(b.config)) {
		return ErrConfigOutOfRange
	}

	copy(data, b.config[offset:])

	return nil
}

// WriteConfig copies data into config space starting at offset.
func (b *Base) WriteConfig(offset uint64, data []byte) error {
	end := offset + uint64(len(data))
	if offset > uint64(len(b.config)) || end > uint64(len(b.config)) {
		return ErrConfigOutOfRange
	}

	copy(b.config[offset:end], data)

	return nil
}

// ConfigBytes returns the raw config-space backing buffer. Concrete
// devices use this to decode/encode their typed config struct without
// Base needing to know its layout.
func (b *Base) ConfigBytes() []byte {
	return b.config
}

// InterruptStatus returns the current ISR status bitmap and clears it,
// matching the read-to-acknowledge semantics of the virtio ISR status
// register (virtio-v1.1 §4.1.4.5).
func (b *Base) InterruptStatus() uint32 {
	return atomic.SwapUint32(&b.interruptStatus, 0)
}

// SignalUsedQueue marks a used-ring update pending and asserts the
// device's interrupt line.
func (b *Base) SignalUsedQueue() error {
	orUint32(&b.interruptStatus, InterruptVringUsed)

	return b.ic.SetIRQ(b.irq)
}

// SignalConfigUpdate marks a config-space change pending and asserts
// the device's interrupt line.
func (b *Base) SignalConfigUpdate() error {
	orUint32(&b.interruptStatus, InterruptConfigChange)

	return b.ic.SetIRQ(b.irq)
}

func orUint32(addr *uint32, bits uint32) {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old|bits) {
			return
		}
	}
}
