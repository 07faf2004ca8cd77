// Package virtio implements the two device cores this module exists
// to build: a multiport console and a network device, both embedding
// device.Base for the feature/config/activation/IRQ machinery they
// share.
package virtio

import (
	"encoding/binary"
	"errors"
	"io"
	"log"

	"github.com/bobuhiro11/vioports/device"
	"github.com/bobuhiro11/vioports/intc"
	"github.com/bobuhiro11/vioports/term"
)

// Control message events, per virtio-v1.1 §5.3.3.1 (standard assignments).
const (
	EventDeviceReady = 0
	EventPortAdd     = 1
	EventPortRemove  = 2
	EventPortReady   = 3
	EventConsolePort = 4
	EventResize      = 5
	EventPortOpen    = 6
)

// Console feature bits (virtio-v1.1 §5.3.3) plus the version-1 bit
// every modern device advertises.
const (
	FConsoleSize      = 1 << 0
	FConsoleMultiport = 1 << 1
	fVersion1         = 1 << 32
)

// consoleConfigLen is the 16-byte console config space (12 bytes of
// cols/rows/max_nr_ports/emerg_wr, padded to a 16-byte image).
const consoleConfigLen = 16

// Input event bits passed to Console.HandleInput, matching the event-loop
// readiness bits the original subscribes to on a port's fd.
const (
	EventIn         uint32 = 1 << 0
	EventHangUp     uint32 = 1 << 1
	EventReadHangUp uint32 = 1 << 2
)

// ControlMessage is the 12-byte control-queue record exchanged over
// the control-rx/control-tx queues.
type ControlMessage struct {
	ID    uint32
	Event uint16
	Value uint16
}

// Bytes encodes m as the 12-byte little-endian wire record (id at
// offset 0, event at offset 4, value at offset 8, 2 bytes of trailing
// padding to round the record out to 12 bytes).
func (m ControlMessage) Bytes() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:4], m.ID)
	binary.LittleEndian.PutUint16(b[4:6], m.Event)
	binary.LittleEndian.PutUint16(b[8:10], m.Value)

	return b
}

func parseControlMessage(b []byte) ControlMessage {
	return ControlMessage{
		ID:    binary.LittleEndian.Uint32(b[0:4]),
		Event: binary.LittleEndian.Uint16(b[4:6]),
		Value: binary.LittleEndian.Uint16(b[8:10]),
	}
}

// PortStatus is a port's control-plane state: NotReady (Ready==false)
// or Ready{Opened}.
type PortStatus struct {
	Ready  bool
	Opened bool
}

// Port is one multiport-console port: an optional input source, an
// optional output sink, and control-plane bookkeeping.
type Port struct {
	ID        uint32
	Name      string
	IsConsole bool

	// Interactive marks a port backed by the process's own stdio; the
	// caller that opens the port (cli) puts the terminal into raw mode
	// only for interactive ports. Console itself does not read it.
	Interactive bool

	Input  io.Reader
	Output io.Writer

	PendingRX bool
	Status    PortStatus
}

func portRxIndex(id uint32) int { return 2 + int(id+1)*2 }
func portTxIndex(id uint32) int { return portRxIndex(id) + 1 }

const (
	controlRxIndex = 2
	controlTxIndex = 3
)

// Console is the multiport virtio console device core.
type Console struct {
	*device.Base

	ports []*Port
	cfg   consoleConfig

	fifo []ControlMessage

	txBootstrapped bool
}

type consoleConfig struct {
	Cols       uint16
	Rows       uint16
	MaxNrPorts uint32
	EmergWr    uint32
}

func (c consoleConfig) encode() []byte {
	b := make([]byte, consoleConfigLen)
	binary.LittleEndian.PutUint16(b[0:2], c.Cols)
	binary.LittleEndian.PutUint16(b[2:4], c.Rows)
	binary.LittleEndian.PutUint32(b[4:8], c.MaxNrPorts)
	binary.LittleEndian.PutUint32(b[8:12], c.EmergWr)

	return b
}

// NewConsole constructs a console device over ports (port 0 must be
// the console port). irq is the line asserted via ic on every
// interrupt signal.
func NewConsole(ic intc.Controller, irq uint32, ports []*Port) *Console {
	c := &Console{
		Base: device.NewBase(device.TypeConsole,
			FConsoleSize|FConsoleMultiport|fVersion1,
			consoleConfigLen, ic, irq),
		ports: ports,
		cfg:   consoleConfig{MaxNrPorts: uint32(len(ports))},
	}

	copy(c.Base.ConfigBytes(), c.cfg.encode())

	return c
}

// NumQueues is the number of virtqueue slots this console needs, given
// its port count: slots 0 and 1 are unused, 2 and 3 are the control
// queues, then a rx/tx pair per port.
func (c *Console) NumQueues() int {
	return portTxIndex(uint32(len(c.ports)-1)) + 1
}

// WriteConfig overrides device.Base.WriteConfig: console config space
// is read-only to the guest.
func (c *Console) WriteConfig(offset uint64, src []byte) error {
	log.Printf("console: rejecting guest write to read-only config space (offset=%d, len=%d)", offset, len(src))

	return errors.New("virtio: console config space is read-only")
}

// drainControlRx pops control-rx heads and writes queued outbound
// control messages into them until either the FIFO empties or the
// queue runs out of descriptors. It does not itself raise an IRQ;
// callers batch it with their own used-marking and call
// SignalUsedQueue once, per design note on routing cross-queue work
// through the FIFO instead of nested handler calls.
func (c *Console) drainControlRx() bool {
	mem := c.Memory()
	q := c.Queue(controlRxIndex)

	usedAny := false

	for len(c.fifo) > 0 {
		head, ok := q.Pop(mem)
		if !ok {
			break
		}

		msg := c.fifo[0]

		if err := mem.WriteAt(head.Addr, msg.Bytes()); err != nil {
			log.Printf("console: control-rx write failed: %v", err)
			q.AddUsed(mem, head.Index, 0)
			usedAny = true

			continue
		}

		c.fifo = c.fifo[1:]

		q.AddUsed(mem, head.Index, 12)
		usedAny = true
	}

	return usedAny
}

// enqueueAndDrain appends msg to the command FIFO and drains+signals
// immediately, for control messages raised outside of ProcessControlTx
// (hang-up notifications).
func (c *Console) enqueueAndDrain(msg ControlMessage) {
	c.fifo = append(c.fifo, msg)

	if c.drainControlRx() {
		_ = c.SignalUsedQueue()
	}
}

// ProcessControlTx drains the control-tx queue, dispatching each
// inbound message, then drains any outbound messages the dispatch
// produced and raises a single IRQ covering both queues' used
// markings.
func (c *Console) ProcessControlTx() bool {
	mem := c.Memory()
	q := c.Queue(controlTxIndex)

	usedAny := false

	for {
		head, ok := q.Pop(mem)
		if !ok {
			break
		}

		buf := make([]byte, 12)
		if err := mem.ReadAt(head.Addr, buf); err != nil {
			log.Printf("console: control-tx read failed: %v", err)
			q.AddUsed(mem, head.Index, 0)
			usedAny = true

			continue
		}

		c.handleControlMessage(parseControlMessage(buf))

		q.AddUsed(mem, head.Index, 0)
		usedAny = true
	}

	if c.drainControlRx() {
		usedAny = true
	}

	if usedAny {
		_ = c.SignalUsedQueue()
	}

	return usedAny
}

func (c *Console) handleControlMessage(msg ControlMessage) {
	switch msg.Event {
	case EventDeviceReady:
		c.handleDeviceReady(msg.Value)
	case EventPortReady:
		c.handlePortReadyInbound(msg.ID, msg.Value)
	case EventPortOpen:
		c.handlePortOpenInbound(msg.ID, msg.Value)
	default:
		log.Printf("console: ignoring control event %d for port %d", msg.Event, msg.ID)
	}
}

func (c *Console) handleDeviceReady(value uint16) {
	if value != 1 {
		log.Printf("console: DEVICE_READY with value=%d, ignoring", value)

		return
	}

	for _, p := range c.ports {
		c.fifo = append(c.fifo, ControlMessage{ID: p.ID, Event: EventPortAdd})
	}
}

func (c *Console) handlePortReadyInbound(id uint32, value uint16) {
	if value != 1 {
		log.Printf("console: PORT_READY(id=%d) with value=%d, ignoring", id, value)

		return
	}

	p, ok := c.port(id)
	if !ok {
		log.Printf("console: PORT_READY for unknown port %d", id)

		return
	}

	p.Status = PortStatus{Ready: true, Opened: false}

	if p.IsConsole {
		c.fifo = append(c.fifo, ControlMessage{ID: id, Event: EventConsolePort, Value: 1})
	} else {
		c.fifo = append(c.fifo, ControlMessage{ID: id, Event: EventPortOpen, Value: 1})
	}
}

func (c *Console) handlePortOpenInbound(id uint32, value uint16) {
	if value != 0 && value != 1 {
		log.Printf("console: PORT_OPEN(id=%d) with value=%d, discarding", id, value)

		return
	}

	p, ok := c.port(id)
	if !ok {
		log.Printf("console: PORT_OPEN for unknown port %d", id)

		return
	}

	opened := value == 1
	p.Status = PortStatus{Ready: true, Opened: opened}

	if opened {
		c.ProcessRx(id)
	}
}

func (c *Console) port(id uint32) (*Port, bool) {
	for _, p := range c.ports {
		if p.ID == id {
			return p, true
		}
	}

	return nil, false
}

// ProcessRx drains the given port's receive queue by reading from its
// input source.
func (c *Console) ProcessRx(portID uint32) bool {
	p, ok := c.port(portID)
	if !ok || p.Input == nil {
		return false
	}

	p.PendingRX = true

	mem := c.Memory()
	q := c.Queue(portRxIndex(portID))

	usedAny := false

	for {
		head, ok := q.Pop(mem)
		if !ok {
			break
		}

		buf, err := mem.Slice(head.Addr, int(head.Len))
		if err != nil {
			log.Printf("console: rx guest memory error on port %d: %v", portID, err)
			q.AddUsed(mem, head.Index, 0)
			usedAny = true

			continue
		}

		n, err := p.Input.Read(buf)

		switch {
		case n > 0:
			q.AddUsed(mem, head.Index, uint32(n))
			usedAny = true
		case err == nil || errors.Is(err, term.ErrWouldBlock):
			q.UndoPop()
			p.PendingRX = false
		default:
			log.Printf("console: rx input error on port %d: %v", portID, err)
			q.AddUsed(mem, head.Index, 0)
			usedAny = true
		}

		if n == 0 {
			break
		}
	}

	if usedAny {
		_ = c.SignalUsedQueue()
	}

	return usedAny
}

// ProcessTx drains the given port's transmit queue, copying bytes to
// its output sink. It also implements
// the one-shot legacy bootstrap: the very first process_tx across the
// whole device raises a config-changed interrupt regardless of any
// actual config change, for drivers that never send DEVICE_READY.
func (c *Console) ProcessTx(portID uint32) bool {
	p, ok := c.port(portID)
	if !ok {
		return false
	}

	mem := c.Memory()
	q := c.Queue(portTxIndex(portID))

	usedAny := false

	for {
		head, ok := q.Pop(mem)
		if !ok {
			break
		}

		buf, err := mem.Slice(head.Addr, int(head.Len))
		if err != nil {
			log.Printf("console: tx guest memory error on port %d: %v", portID, err)
		} else if p.Output != nil {
			if _, werr := p.Output.Write(buf); werr != nil {
				log.Printf("console: tx output write error on port %d: %v", portID, werr)
			}

			if f, ok := p.Output.(interface{ Flush() error }); ok {
				_ = f.Flush()
			}
		}

		q.AddUsed(mem, head.Index, head.Len)
		usedAny = true
	}

	if !c.txBootstrapped {
		c.txBootstrapped = true
		_ = c.SignalConfigUpdate()
	}

	if usedAny {
		_ = c.SignalUsedQueue()
	}

	return usedAny
}

// HandleInput processes a readiness event on port portID's input fd,
// on port portID's input fd.
func (c *Console) HandleInput(events uint32, portID uint32) {
	p, ok := c.port(portID)
	if !ok {
		return
	}

	if !p.Status.Ready {
		p.PendingRX = true

		return
	}

	if !p.Status.Opened {
		return
	}

	if events&EventIn != 0 {
		c.ProcessRx(portID)
	}

	if events&(EventHangUp|EventReadHangUp) != 0 {
		p.Status.Opened = false
		c.enqueueAndDrain(ControlMessage{ID: portID, Event: EventPortOpen, Value: 0})
	}
}

// HandleSigwinch refreshes the config space's (cols, rows) from the
// controlling TTY's current dimensions and raises a config-changed
// interrupt.
func (c *Console) HandleSigwinch() error {
	ws, err := term.GetWinSize()
	if err != nil {
		log.Printf("console: GetWinSize failed: %v", err)

		return err
	}

	c.cfg.Cols = ws.Cols
	c.cfg.Rows = ws.Rows
	copy(c.Base.ConfigBytes(), c.cfg.encode())

	return c.SignalConfigUpdate()
}
