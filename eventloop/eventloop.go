// Package eventloop provides the single-threaded epoll multiplexer each
// device instance runs on: one goroutine owns the device's fds
// (console port input fds, tx-poll timerfds, the l2transport socket,
// the SIGWINCH bridge fd) and dispatches them as they become readable, with no locking
// needed inside the device core itself.
//
// Built on golang.org/x/sys/unix's EpollCreate1/EpollCtl/EpollWait for
// the raw Linux syscalls with no portable stdlib wrapper.
package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Handler is invoked when its registered fd becomes readable.
type Handler func() error

// Loop is a single epoll instance multiplexing any number of
// registered fds onto one goroutine.
type Loop struct {
	epfd     int
	handlers map[int32]Handler
}

// New creates an epoll instance.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("eventloop: EpollCreate1: %w", err)
	}

	return &Loop{epfd: epfd, handlers: make(map[int32]Handler)}, nil
}

// Register arms fd for readability and associates handler with it.
// Re-registering the same fd replaces its handler.
func (l *Loop) Register(fd int, handler Handler) error {
	_, exists := l.handlers[int32(fd)]

	l.handlers[int32(fd)] = handler

	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}

	op := unix.EPOLL_CTL_ADD
	if exists {
		op = unix.EPOLL_CTL_MOD
	}

	if err := unix.EpollCtl(l.epfd, op, fd, &event); err != nil {
		return fmt.Errorf("eventloop: EpollCtl: %w", err)
	}

	return nil
}

// Unregister removes fd from the loop.
func (l *Loop) Unregister(fd int) error {
	delete(l.handlers, int32(fd))

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventloop: EpollCtl: %w", err)
	}

	return nil
}

// RunOnce blocks until at least one registered fd is readable (or
// timeoutMs elapses, with -1 meaning block indefinitely), then invokes
// every ready fd's handler in turn, returning the first handler error.
func (l *Loop) RunOnce(timeoutMs int) error {
	var events [16]unix.EpollEvent

	n, err := unix.EpollWait(l.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}

		return fmt.Errorf("eventloop: EpollWait: %w", err)
	}

	for i := 0; i < n; i++ {
		h, ok := l.handlers[events[i].Fd]
		if !ok {
			continue
		}

		if err := h(); err != nil {
			return err
		}
	}

	return nil
}

// Run calls RunOnce in a loop, waiting at most one second per
// iteration so a closed stop is noticed, until a handler returns an
// error (which Run propagates) or stop is closed.
func (l *Loop) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if err := l.RunOnce(1000); err != nil {
			return err
		}
	}
}

// Close releases the epoll fd.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
