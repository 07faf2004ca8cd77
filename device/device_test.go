package device_test

import (
	"testing"

	"github.com/bobuhiro11/vioports/device"
	"github.com/bobuhiro11/vioports/intc"
	"github.com/bobuhiro11/vioports/memory"
	"github.com/bobuhiro11/vioports/vq"
)

func TestFeatureNegotiationMasksUnsupportedBits(t *testing.T) {
	t.Parallel()

	b := device.NewBase(device.TypeConsole, 0b0110, 0, intc.NewMutexed(func(uint32) error { return nil }), 5)

	b.AckFeatures(0b1111)

	if got := b.AckedFeatures(); got != 0b0110 {
		t.Fatalf("expected acked features masked to 0b0110, got %b", got)
	}
}

func TestActivateAndDeactivate(t *testing.T) {
	t.Parallel()

	b := device.NewBase(device.TypeNet, 0, 0, intc.NewMutexed(func(uint32) error { return nil }), 5)

	if b.IsActivated() {
		t.Fatal("expected device to start inactive")
	}

	mem := memory.NewFromBytes(make([]byte, 16))
	q := vq.New(4, 0, 0, 0)

	b.Activate(mem, []*vq.Queue{q})

	if !b.IsActivated() {
		t.Fatal("expected device to be activated")
	}

	if b.Queue(0) != q {
		t.Fatal("expected Queue(0) to return the bound queue")
	}

	if b.Queue(1) != nil {
		t.Fatal("expected out-of-range Queue to return nil")
	}

	b.Deactivate()

	if b.IsActivated() {
		t.Fatal("expected device to be inactive after Deactivate")
	}
}

func TestConfigSpaceReadWrite(t *testing.T) {
	t.Parallel()

	b := device.NewBase(device.TypeNet, 0, 6, intc.NewMutexed(func(uint32) error { return nil }), 5)

	mac := []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	if err := b.WriteConfig(0, mac); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	got := make([]byte, 6)
	if err := b.ReadConfig(0, got); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}

	for i := range mac {
		if got[i] != mac[i] {
			t.Fatalf("expected config byte %d to be %x, got %x", i, mac[i], got[i])
		}
	}

	partial := make([]byte, 4)
	if err := b.ReadConfig(5, partial); err != nil {
		t.Fatalf("ReadConfig clamped to remaining bytes: %v", err)
	}

	if partial[0] != mac[5] {
		t.Fatalf("expected clamped read to return the last config byte %x, got %x", mac[5], partial[0])
	}

	if err := b.ReadConfig(100, make([]byte, 4)); err == nil {
		t.Fatal("expected ReadConfig at an offset past config space to fail")
	}
}

func TestReadConfigClampsPartialCopyAtBoundary(t *testing.T) {
	t.Parallel()

	b := device.NewBase(device.TypeConsole, 0, 16, intc.NewMutexed(func(uint32) error { return nil }), 5)

	config := make([]byte, 16)
	for i := range config {
		config[i] = byte(i)
	}

	if err := b.WriteConfig(0, config); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	dst := make([]byte, 4)
	if err := b.ReadConfig(14, dst); err != nil {
		t.Fatalf("ReadConfig(14, len=4) on 16-byte config: %v", err)
	}

	want := []byte{14, 15}
	for i, w := range want {
		if dst[i] != w {
			t.Fatalf("expected clamped byte %d to be %x, got %x", i, w, dst[i])
		}
	}
}

func TestSignalUsedQueueSetsInterruptStatusAndCallsIRQ(t *testing.T) {
	t.Parallel()

	var firedIRQ uint32

	b := device.NewBase(device.TypeConsole, 0, 0, intc.NewMutexed(func(irq uint32) error {
		firedIRQ = irq

		return nil
	}), 9)

	if err := b.SignalUsedQueue(); err != nil {
		t.Fatalf("SignalUsedQueue: %v", err)
	}

	if firedIRQ != 9 {
		t.Fatalf("expected irq 9 to be asserted, got %d", firedIRQ)
	}

	status := b.InterruptStatus()
	if status&device.InterruptVringUsed == 0 {
		t.Fatal("expected InterruptVringUsed bit set")
	}

	if cleared := b.InterruptStatus(); cleared != 0 {
		t.Fatalf("expected InterruptStatus to clear on read, got %b", cleared)
	}
}

func TestSignalConfigUpdateSetsInterruptStatus(t *testing.T) {
	t.Parallel()

	b := device.NewBase(device.TypeNet, 0, 0, intc.NewMutexed(func(uint32) error { return nil }), 3)

	if err := b.SignalConfigUpdate(); err != nil {
		t.Fatalf("SignalConfigUpdate: %v", err)
	}

	if status := b.InterruptStatus(); status&device.InterruptConfigChange == 0 {
		t.Fatal("expected InterruptConfigChange bit set")
	}
}
