// Package cli implements the process bootstrap and argument parsing for
// running a multiport console and a network device backend against a
// framed L2 relay socket.
package cli

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/vioports/eventloop"
	"github.com/bobuhiro11/vioports/intc"
	"github.com/bobuhiro11/vioports/l2transport"
	"github.com/bobuhiro11/vioports/memory"
	"github.com/bobuhiro11/vioports/term"
	"github.com/bobuhiro11/vioports/virtio"
)

// queueSize is the per-virtqueue descriptor-table size used when this
// binary lays out its own rings. It must be a power of two.
const queueSize = 256

// txPollInterval is how often the tx-side queues are polled, standing
// in for the ioeventfd a real bus would signal on notify: this
// standalone binary has no bus to negotiate one with.
const txPollInterval = 5 * time.Millisecond

// CLI is the top-level kong command tree.
type CLI struct {
	Run RunCmd `cmd:"" help:"Run the console and network device backends."`
}

// RunCmd configures and runs both device backends until interrupted.
type RunCmd struct {
	ConsolePort []string `name:"console-port" placeholder:"name[:path]" help:"Console port, repeatable; the first is the console port. Omit :path to back it with this process's stdio."` //nolint:lll
	NetSocket   string   `name:"net-socket" help:"Path to the L2 relay's unix-domain socket."`
	MAC         string   `name:"mac" help:"Guest MAC address (aa:bb:cc:dd:ee:ff). Omitted until the guest writes one."`
	MemSize     string   `name:"mem-size" default:"256M" help:"Guest memory size, as number[kKmMgG]."`
	ConsoleIRQ  uint32   `name:"console-irq" default:"5" help:"Interrupt line asserted for the console device."`
	NetIRQ      uint32   `name:"net-irq" default:"6" help:"Interrupt line asserted for the network device."`
}

// Run parses os.Args and dispatches to the selected subcommand.
func Run() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("vioports"),
		kong.Description("vioports runs a multiport virtio console and a virtio-net device "+
			"backend over a framed L2 relay socket."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

// consolePorts parses --console-port values into virtio.Port objects,
// opening each target and, for stdio-backed ports, entering raw mode
// and bridging SIGWINCH. It returns a cleanup func that restores
// whatever terminal state it changed.
func consolePorts(specs []string) ([]*virtio.Port, *term.SigwinchBridge, func(), error) {
	ports := make([]*virtio.Port, 0, len(specs))

	var (
		restores []func()
		sigwinch *term.SigwinchBridge
	)

	cleanup := func() {
		for _, r := range restores {
			r()
		}

		if sigwinch != nil {
			_ = sigwinch.Close()
		}
	}

	for i, raw := range specs {
		ps, err := parsePortSpec(raw)
		if err != nil {
			cleanup()

			return nil, nil, nil, err
		}

		in, out, interactive, err := ps.open()
		if err != nil {
			cleanup()

			return nil, nil, nil, err
		}

		port := &virtio.Port{
			ID:          uint32(i),
			Name:        ps.name,
			IsConsole:   i == 0,
			Interactive: interactive,
			Output:      out,
		}

		if interactive {
			restore, rawErr := term.SetRawMode()

			switch {
			case rawErr == nil:
				restores = append(restores, restore)

				if sigwinch == nil {
					sigwinch, err = term.NewSigwinchBridge()
					if err != nil {
						cleanup()

						return nil, nil, nil, fmt.Errorf("cli: creating SIGWINCH bridge: %w", err)
					}
				}
			case errors.Is(rawErr, unix.ENOTTY):
				// Not actually attached to a terminal (e.g. stdio
				// redirected to a pipe); nothing to restore and no
				// window-resize events will ever arrive.
			default:
				cleanup()

				return nil, nil, nil, fmt.Errorf("cli: setting raw mode for port %q: %w", ps.name, rawErr)
			}
		}

		fd, err := term.NewFD(int(in.Fd()))
		if err != nil {
			cleanup()

			return nil, nil, nil, fmt.Errorf("cli: setting port %q non-blocking: %w", ps.name, err)
		}

		port.Input = fd

		ports = append(ports, port)
	}

	return ports, sigwinch, cleanup, nil
}

// consoleEventLoop registers every port's readable input fd, the
// SIGWINCH bridge (if any), and a tx-poll timer against a fresh event
// loop for the given console.
func consoleEventLoop(console *virtio.Console, ports []*virtio.Port, sigwinch *term.SigwinchBridge) (*eventloop.Loop, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf("cli: creating console event loop: %w", err)
	}

	for _, p := range ports {
		fd, ok := p.Input.(*term.FD)
		if !ok {
			continue
		}

		portID := p.ID

		if err := loop.Register(fd.RawFD(), func() error {
			console.HandleInput(virtio.EventIn, portID)

			return nil
		}); err != nil {
			return nil, fmt.Errorf("cli: registering port %d input fd: %w", portID, err)
		}
	}

	if sigwinch != nil {
		if err := loop.Register(sigwinch.FD(), func() error {
			sigwinch.Drain()

			return console.HandleSigwinch()
		}); err != nil {
			return nil, fmt.Errorf("cli: registering SIGWINCH bridge: %w", err)
		}
	}

	timerFD, err := newPeriodicTimerFD(txPollInterval)
	if err != nil {
		return nil, fmt.Errorf("cli: creating console tx timer: %w", err)
	}

	if err := loop.Register(timerFD, func() error {
		drainTimerFD(timerFD)
		console.ProcessControlTx()

		for _, p := range ports {
			console.ProcessTx(p.ID)
		}

		return nil
	}); err != nil {
		return nil, fmt.Errorf("cli: registering console tx timer: %w", err)
	}

	return loop, nil
}

// netEventLoop registers the transport's fd and a tx-poll timer against
// a fresh event loop for the given network device.
func netEventLoop(n *virtio.Net, transportFD int) (*eventloop.Loop, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf("cli: creating net event loop: %w", err)
	}

	if err := loop.Register(transportFD, func() error {
		return n.ProcessRx()
	}); err != nil {
		return nil, fmt.Errorf("cli: registering net transport fd: %w", err)
	}

	timerFD, err := newPeriodicTimerFD(txPollInterval)
	if err != nil {
		return nil, fmt.Errorf("cli: creating net tx timer: %w", err)
	}

	if err := loop.Register(timerFD, func() error {
		drainTimerFD(timerFD)
		n.ProcessTx()

		return nil
	}); err != nil {
		return nil, fmt.Errorf("cli: registering net tx timer: %w", err)
	}

	return loop, nil
}

// Run wires up guest memory, both device cores, and one event loop per
// device, then blocks until SIGINT or SIGTERM arrives. A device loop
// that stops on an error does not end the wait; after the signal, Run
// stops every loop and returns the first loop error, if any.
func (r *RunCmd) Run() error {
	if len(r.ConsolePort) == 0 {
		return ErrMissingConsolePort
	}

	memSize, err := ParseSize(r.MemSize, "m")
	if err != nil {
		return fmt.Errorf("cli: parsing --mem-size: %w", err)
	}

	mac, err := parseMAC(r.MAC)
	if err != nil {
		return err
	}

	mem, err := memory.New(memSize)
	if err != nil {
		return fmt.Errorf("cli: allocating guest memory: %w", err)
	}

	ic := intc.NewMutexed(func(irq uint32) error {
		log.Printf("cli: asserting irq %d", irq)

		return nil
	})

	alloc := &ringAllocator{}

	ports, sigwinch, cleanup, err := consolePorts(r.ConsolePort)
	if err != nil {
		return err
	}

	defer cleanup()

	console := virtio.NewConsole(ic, r.ConsoleIRQ, ports)
	console.Activate(mem, alloc.queues(console.NumQueues(), queueSize))

	consoleLoop, err := consoleEventLoop(console, ports, sigwinch)
	if err != nil {
		return err
	}

	loops := []*eventloop.Loop{consoleLoop}

	defer func() {
		for _, l := range loops {
			_ = l.Close()
		}
	}()

	var group errgroup.Group

	stop := make(chan struct{})

	group.Go(func() error { return consoleLoop.Run(stop) })

	if r.NetSocket != "" {
		transport, err := l2transport.Connect(r.NetSocket)
		if err != nil {
			close(stop)

			return fmt.Errorf("cli: connecting to %q: %w", r.NetSocket, err)
		}

		defer func() { _ = transport.Close() }()

		net := virtio.NewNet(ic, r.NetIRQ, transport, mac)
		net.Activate(mem, alloc.queues(2, queueSize))

		netLoop, err := netEventLoop(net, transport.RawFD())
		if err != nil {
			close(stop)

			return err
		}

		loops = append(loops, netLoop)
		group.Go(func() error { return netLoop.Run(stop) })
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	<-sigs
	close(stop)

	return group.Wait()
}
