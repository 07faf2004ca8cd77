// Package term provides terminal-mode configuration: raw/canonical mode
// toggling for a console port's controlling TTY, window-size queries
// for the SIGWINCH path, and a SIGWINCH-to-fd bridge the console core's
// event loop can register like any other readable fd.
package term

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by FD.Read when a non-blocking read has no
// data currently available.
var ErrWouldBlock = errors.New("term: would block")

func getTermios(fd int) (*unix.Termios, error) {
	return unix.IoctlGetTermios(fd, unix.TCGETS)
}

func setTermios(fd int, t *unix.Termios) error {
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

// IsTerminal reports whether fd 0 (stdin) refers to a terminal device.
func IsTerminal() bool {
	_, err := getTermios(0)

	return err == nil
}

// SetRawMode puts fd 0 into raw mode (no echo, no line buffering, no
// signal generation from control characters) and returns a restore
// function that puts it back the way it found it.
func SetRawMode() (func(), error) {
	old, err := getTermios(0)
	if err != nil {
		return func() {}, err
	}

	restore := func() {
		_ = setTermios(0, old)
	}

	raw := *old
	raw.Iflag &^= unix.BRKINT | unix.ICRNL | unix.INPCK | unix.ISTRIP | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ICANON | unix.IEXTEN | unix.ISIG
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	return restore, setTermios(0, &raw)
}

// SetCanonicalMode restores fd 0 to standard line-buffered, echoing
// terminal behavior. It is the non-raw counterpart to SetRawMode, for
// ending a raw-mode session outside of the restore closure SetRawMode
// returns; nothing in this module calls it.
func SetCanonicalMode() error {
	t, err := getTermios(0)
	if err != nil {
		return err
	}

	t.Iflag |= unix.BRKINT | unix.ICRNL | unix.INPCK | unix.ISTRIP | unix.IXON
	t.Oflag |= unix.OPOST
	t.Lflag |= unix.ECHO | unix.ICANON | unix.IEXTEN | unix.ISIG

	return setTermios(0, t)
}

// WinSize is the terminal's current dimensions, as reported by
// TIOCGWINSZ.
type WinSize struct {
	Rows uint16
	Cols uint16
}

// GetWinSize queries fd 0's current window size, used by the console
// core's SIGWINCH handler to refresh its (cols, rows) config fields.
func GetWinSize() (WinSize, error) {
	ws, err := unix.IoctlGetWinsize(0, unix.TIOCGWINSZ)
	if err != nil {
		return WinSize{}, err
	}

	return WinSize{Rows: ws.Row, Cols: ws.Col}, nil
}

// SigwinchBridge converts process-wide SIGWINCH delivery (Go can only
// register os/signal.Notify per-signal, not per-fd) into a readable
// eventfd the console device's event loop can register alongside its
// virtqueue kick fds. A goroutine stands in for the signal handler a
// host would normally write the eventfd from, since Go signal handlers
// cannot themselves perform arbitrary fd writes.
type SigwinchBridge struct {
	fd  int
	sig chan os.Signal
	ch  chan struct{}
}

// NewSigwinchBridge registers for SIGWINCH and returns a bridge whose
// FD becomes readable once per delivered signal (coalesced, like any
// level-triggered eventfd).
func NewSigwinchBridge() (*SigwinchBridge, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}

	b := &SigwinchBridge{
		fd:  fd,
		sig: make(chan os.Signal, 1),
		ch:  make(chan struct{}),
	}

	signal.Notify(b.sig, syscall.SIGWINCH)

	go b.pump()

	return b, nil
}

func (b *SigwinchBridge) pump() {
	for range b.sig {
		var one [8]byte
		one[7] = 1

		_, _ = unix.Write(b.fd, one[:])
	}
}

// FD returns the eventfd to register with an event loop.
func (b *SigwinchBridge) FD() int {
	return b.fd
}

// Drain consumes the eventfd's counter after a readability notification.
func (b *SigwinchBridge) Drain() {
	var buf [8]byte
	_, _ = unix.Read(b.fd, buf[:])
}

// Close stops signal delivery and releases the eventfd.
func (b *SigwinchBridge) Close() error {
	signal.Stop(b.sig)
	close(b.sig)

	return unix.Close(b.fd)
}

// FD wraps a raw file descriptor opened non-blocking, giving it the
// Read/Write contract the console core's ports expect: ErrWouldBlock
// when nothing is available, and (0, nil) from a zero-length read of a
// closed peer.
type FD struct {
	fd int
}

// NewFD sets fd non-blocking and wraps it.
func NewFD(fd int) (*FD, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}

	return &FD{fd: fd}, nil
}

// Read implements io.Reader, translating EAGAIN into ErrWouldBlock.
func (f *FD) Read(buf []byte) (int, error) {
	n, err := unix.Read(f.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}

		return 0, err
	}

	return n, nil
}

// Write implements io.Writer.
func (f *FD) Write(buf []byte) (int, error) {
	return unix.Write(f.fd, buf)
}

// RawFD returns the underlying descriptor, for event-loop registration.
func (f *FD) RawFD() int {
	return f.fd
}
