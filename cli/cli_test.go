package cli

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/vioports/intc"
	"github.com/bobuhiro11/vioports/l2transport"
	"github.com/bobuhiro11/vioports/memory"
	"github.com/bobuhiro11/vioports/virtio"
)

func TestConsolePortsStdioDefaultsToInteractive(t *testing.T) {
	t.Parallel()

	ports, sigwinch, cleanup, err := consolePorts([]string{"console0"})
	if err != nil {
		t.Fatalf("consolePorts: %v", err)
	}

	defer cleanup()

	if len(ports) != 1 {
		t.Fatalf("expected 1 port, got %d", len(ports))
	}

	if !ports[0].IsConsole {
		t.Fatal("expected the first port to be the console port")
	}

	if !ports[0].Interactive {
		t.Fatal("expected a stdio-backed port to be interactive")
	}

	// Running under `go test`, stdin is not a terminal, so raw mode
	// fails with ENOTTY and no SIGWINCH bridge is created.
	if sigwinch != nil {
		defer sigwinch.Close()
		t.Fatal("expected no SIGWINCH bridge when stdin is not a terminal")
	}
}

func TestConsolePortsFileBacked(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "port.log")

	ports, _, cleanup, err := consolePorts([]string{"logs:" + path})
	if err != nil {
		t.Fatalf("consolePorts: %v", err)
	}

	defer cleanup()

	if ports[0].Interactive {
		t.Fatal("expected file-backed port to be non-interactive")
	}
}

func TestConsoleEventLoopRegistersPortsAndTimer(t *testing.T) {
	t.Parallel()

	ports, sigwinch, cleanup, err := consolePorts([]string{"console0"})
	if err != nil {
		t.Fatalf("consolePorts: %v", err)
	}

	defer cleanup()

	ic := intc.NewMutexed(func(uint32) error { return nil })
	console := virtio.NewConsole(ic, 5, ports)

	mem, err := memory.New(1 << 20)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}

	alloc := &ringAllocator{}
	console.Activate(mem, alloc.queues(console.NumQueues(), queueSize))

	loop, err := consoleEventLoop(console, ports, sigwinch)
	if err != nil {
		t.Fatalf("consoleEventLoop: %v", err)
	}
	defer loop.Close()
}

func TestNetEventLoopRegistersTransportAndTimer(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "net.sock")

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)

	go func() {
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	transport, err := l2transport.Connect(path)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer transport.Close()

	server := <-accepted
	defer server.Close()

	ic := intc.NewMutexed(func(uint32) error { return nil })

	mem, err := memory.New(1 << 20)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}

	n := virtio.NewNet(ic, 6, transport, nil)

	alloc := &ringAllocator{}
	n.Activate(mem, alloc.queues(2, queueSize))

	loop, err := netEventLoop(n, transport.RawFD())
	if err != nil {
		t.Fatalf("netEventLoop: %v", err)
	}
	defer loop.Close()
}
