package memory_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bobuhiro11/vioports/memory"
)

func TestReadWriteAt(t *testing.T) {
	t.Parallel()

	m := memory.NewFromBytes(make([]byte, 64))

	if err := m.WriteAt(8, []byte("hello")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, 5)
	if err := m.ReadAt(8, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("expected hello, got %q", got)
	}
}

func TestOutOfRange(t *testing.T) {
	t.Parallel()

	m := memory.NewFromBytes(make([]byte, 16))

	if err := m.ReadAt(10, make([]byte, 16)); !errors.Is(err, memory.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}

	if err := m.WriteAt(100, []byte{1}); !errors.Is(err, memory.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}

	if _, err := m.Slice(15, 2); !errors.Is(err, memory.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestSlice(t *testing.T) {
	t.Parallel()

	m := memory.NewFromBytes([]byte("0123456789"))

	s, err := m.Slice(2, 4)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}

	if !bytes.Equal(s, []byte("2345")) {
		t.Fatalf("expected 2345, got %q", s)
	}
}
