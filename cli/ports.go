package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrMissingConsolePort is returned when no --console-port flag was
// given, since the console device needs at least one port (its first
// is required to be the console port).
var ErrMissingConsolePort = errors.New("cli: at least one --console-port is required")

// portSpec is a parsed --console-port value: name[:path]. An empty path
// means the port is backed by this process's own stdio.
type portSpec struct {
	name string
	path string
}

func parsePortSpec(s string) (portSpec, error) {
	name, path, _ := strings.Cut(s, ":")
	if name == "" {
		return portSpec{}, fmt.Errorf("cli: invalid --console-port %q: name must not be empty", s)
	}

	return portSpec{name: name, path: path}, nil
}

// open returns the input/output streams for this port: its own file if
// path is set, or the process's stdio if not. The bool reports whether
// the port is attached to this process's controlling terminal and
// should therefore be placed in raw mode and tracked for SIGWINCH.
func (p portSpec) open() (*os.File, *os.File, bool, error) {
	if p.path == "" {
		return os.Stdin, os.Stdout, true, nil
	}

	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, false, fmt.Errorf("cli: opening console port %q at %q: %w", p.name, p.path, err)
	}

	return f, f, false, nil
}

func parseMAC(s string) (*[6]byte, error) {
	if s == "" {
		return nil, nil //nolint:nilnil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return nil, fmt.Errorf("cli: invalid --mac %q: expected aa:bb:cc:dd:ee:ff", s)
	}

	var mac [6]byte

	for i, p := range parts {
		var b int
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil {
			return nil, fmt.Errorf("cli: invalid --mac %q: %w", s, err)
		}

		mac[i] = byte(b)
	}

	return &mac, nil
}
