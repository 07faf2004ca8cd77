package cli

import (
	"time"

	"golang.org/x/sys/unix"
)

// newPeriodicTimerFD returns a timerfd that becomes readable every
// period, for driving the transmit-side queue polling no real guest bus
// exists here to kick: a device backend normally learns about new
// descriptors via an ioeventfd the bus writes on notify, but this
// standalone binary has no bus, so it polls its own tx queues instead.
func newPeriodicTimerFD(period time.Duration) (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, 0)
	if err != nil {
		return -1, err
	}

	spec := &unix.ItimerSpec{
		Interval: unix.NsecToTimespec(period.Nanoseconds()),
		Value:    unix.NsecToTimespec(period.Nanoseconds()),
	}

	if err := unix.TimerfdSettime(fd, 0, spec, nil); err != nil {
		_ = unix.Close(fd)

		return -1, err
	}

	return fd, nil
}

// drainTimerFD consumes a timerfd's expiration counter after a
// readiness notification.
func drainTimerFD(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}
