// Package l2transport implements a framed unix-domain socket client:
// each Ethernet frame is preceded by a 4-byte big-endian length prefix,
// and the socket runs non-blocking so a device event loop can poll it
// alongside its virtqueues.
//
// ReadFrame loops across short reads of both the prefix and the
// payload, buffering partial progress across calls and only ever
// surfacing ErrWouldBlock once the kernel has no more bytes queued.
// A non-blocking stream socket can legitimately hand back a 1-, 2-, or
// 3-byte prefix read at any time.
package l2transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// HeaderLen is the size of the big-endian frame-length prefix.
const HeaderLen = 4

// MaxFrameSize bounds a single Ethernet frame plus any virtio-net
// header a caller chooses to fold into the same buffer.
const MaxFrameSize = 65562

// Sentinel errors returned by Transport's I/O methods.
var (
	ErrFailedToConnect = errors.New("l2transport: failed to connect")
	ErrWouldBlock      = errors.New("l2transport: would block")
	ErrUnspecifiedIO   = errors.New("l2transport: unspecified I/O error")
)

// Transport is a connected, non-blocking unix-domain stream socket
// speaking the length-prefixed frame protocol.
type Transport struct {
	fd int

	// readBuf accumulates a partially-read prefix+frame across calls to
	// ReadFrame so a WouldBlock mid-frame doesn't lose progress already
	// read off the socket.
	readBuf    [HeaderLen + MaxFrameSize]byte
	readFilled int
	readWant   int // total bytes readBuf must hold before the current step completes; HeaderLen while reading the prefix

	writeBuf [HeaderLen + MaxFrameSize]byte
}

// Connect dials the unix-domain stream socket at path and sets it
// non-blocking via golang.org/x/sys/unix.
func Connect(path string) (*Transport, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToConnect, err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("%w: %v", ErrFailedToConnect, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("%w: %v", ErrFailedToConnect, err)
	}

	return &Transport{fd: fd, readWant: HeaderLen}, nil
}

// RawFD returns the underlying file descriptor, for registration with
// an eventloop.Loop.
func (t *Transport) RawFD() int {
	return t.fd
}

// Close closes the underlying socket.
func (t *Transport) Close() error {
	return unix.Close(t.fd)
}

// ReadFrame reads one complete frame into buf, returning the number of
// bytes written. It returns ErrWouldBlock if the socket currently has
// no more bytes to offer; the caller should retry once the fd is
// readable again, and any bytes already read are preserved internally.
func (t *Transport) ReadFrame(buf []byte) (int, error) {
	for {
		n, err := unix.Read(t.fd, t.readBuf[t.readFilled:t.readWant])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return 0, ErrWouldBlock
			}

			return 0, fmt.Errorf("%w: %v", ErrUnspecifiedIO, err)
		}

		if n == 0 {
			return 0, fmt.Errorf("%w: connection closed", ErrUnspecifiedIO)
		}

		t.readFilled += n

		if t.readFilled < t.readWant {
			continue
		}

		if t.readWant == HeaderLen {
			frameLen := int(binary.BigEndian.Uint32(t.readBuf[:HeaderLen]))
			if frameLen > len(t.readBuf)-HeaderLen {
				t.readFilled = 0
				t.readWant = HeaderLen

				return 0, fmt.Errorf("%w: frame too large (%d bytes)", ErrUnspecifiedIO, frameLen)
			}

			t.readWant = HeaderLen + frameLen

			continue
		}

		frameLen := t.readWant - HeaderLen
		if frameLen > len(buf) {
			t.readFilled = 0
			t.readWant = HeaderLen

			return 0, fmt.Errorf("%w: destination buffer too small for %d-byte frame", ErrUnspecifiedIO, frameLen)
		}

		copy(buf, t.readBuf[HeaderLen:t.readWant])

		t.readFilled = 0
		t.readWant = HeaderLen

		return frameLen, nil
	}
}

// WriteFrame writes frame prefixed by its big-endian length. Callers
// pass frame already composed (virtio-net header included, if any);
// WriteFrame prepends only the 4-byte length.
func (t *Transport) WriteFrame(frame []byte) error {
	if len(frame) > len(t.writeBuf)-HeaderLen {
		return fmt.Errorf("%w: frame too large (%d bytes)", ErrUnspecifiedIO, len(frame))
	}

	binary.BigEndian.PutUint32(t.writeBuf[:HeaderLen], uint32(len(frame)))
	copy(t.writeBuf[HeaderLen:], frame)

	total := HeaderLen + len(frame)
	written := 0

	for written < total {
		n, err := unix.Write(t.fd, t.writeBuf[written:total])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				if written == 0 {
					return ErrWouldBlock
				}

				continue
			}

			return fmt.Errorf("%w: %v", ErrUnspecifiedIO, err)
		}

		written += n
	}

	return nil
}
