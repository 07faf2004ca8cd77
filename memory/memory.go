// Package memory implements the guest-memory scatter copier that the
// virtqueue and device cores treat as external shared storage: a flat,
// byte-addressed region that can be bounds-checked copied into and out
// of at a physical address.
package memory

import (
	"errors"
	"syscall"
)

// ErrOutOfRange is returned when an access falls outside the backing
// buffer. Callers treat it as a guest memory access error: log, abandon
// the current descriptor head, keep going.
var ErrOutOfRange = errors.New("memory: address out of range")

// Memory is a flat guest-physical address space backed by a single
// anonymous mmap region.
type Memory struct {
	buf []byte
}

// New mmaps an anonymous, zero-filled region of size bytes to back guest
// physical memory. Using mmap rather than a plain make([]byte) mirrors
// how a real VMM obtains RAM it can later register with the hypervisor.
func New(size int) (*Memory, error) {
	buf, err := syscall.Mmap(-1, 0, size, syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	return &Memory{buf: buf}, nil
}

// NewFromBytes wraps an existing buffer, useful for tests that want a
// plain make([]byte) without mmap.
func NewFromBytes(buf []byte) *Memory {
	return &Memory{buf: buf}
}

// Len reports the size of the backing buffer.
func (m *Memory) Len() int {
	return len(m.buf)
}

func (m *Memory) bounds(addr uint64, length int) bool {
	if length == 0 {
		return addr <= uint64(len(m.buf))
	}

	end := addr + uint64(length)

	return end >= addr && end <= uint64(len(m.buf))
}

// ReadAt copies len(dst) bytes starting at addr into dst.
func (m *Memory) ReadAt(addr uint64, dst []byte) error {
	if !m.bounds(addr, len(dst)) {
		return ErrOutOfRange
	}

	copy(dst, m.buf[addr:addr+uint64(len(dst))])

	return nil
}

// WriteAt copies src into the buffer starting at addr.
func (m *Memory) WriteAt(addr uint64, src []byte) error {
	if !m.bounds(addr, len(src)) {
		return ErrOutOfRange
	}

	copy(m.buf[addr:addr+uint64(len(src))], src)

	return nil
}

// Slice returns a bounds-checked window directly into the backing
// buffer, avoiding a copy for callers (the vq package) that only need
// to read a small fixed-layout ring entry.
func (m *Memory) Slice(addr uint64, length int) ([]byte, error) {
	if !m.bounds(addr, length) {
		return nil, ErrOutOfRange
	}

	return m.buf[addr : addr+uint64(length)], nil
}
