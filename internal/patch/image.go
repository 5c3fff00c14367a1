package patch

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrAddress is returned for accesses outside an image.
var ErrAddress = errors.New("address outside image")

// Target is the memory a patch is written to.
type Target interface {
	Write(addr uint32, b []byte) error
}

// Source is the memory a write patch copies from.
type Source interface {
	Read(addr, n uint32) ([]byte, error)
}

// Image is a flat memory image mapped at a fixed base address. It stands in
// for the host's instruction stream.
type Image struct {
	base uint32
	mem  []byte
}

// NewImage returns a zeroed image of size bytes mapped at base.
func NewImage(base uint32, size int) *Image {
	return &Image{base: base, mem: make([]byte, size)}
}

// NewImageFrom maps mem at base. The image aliases mem.
func NewImageFrom(base uint32, mem []byte) *Image {
	return &Image{base: base, mem: mem}
}

// Base returns the address of the first byte.
func (m *Image) Base() uint32 {
	return m.base
}

// Size returns the mapped size in bytes.
func (m *Image) Size() int {
	return len(m.mem)
}

func (m *Image) span(addr, n uint32) (int, error) {
	if addr < m.base {
		return 0, fmt.Errorf("%w: %#08x below base %#08x", ErrAddress, addr, m.base)
	}
	off := uint64(addr - m.base)
	if off+uint64(n) > uint64(len(m.mem)) {
		return 0, fmt.Errorf("%w: [%#08x, +%#x) past end %#08x", ErrAddress, addr, n, uint64(m.base)+uint64(len(m.mem)))
	}
	return int(off), nil
}

// Read returns a copy of n bytes at addr.
func (m *Image) Read(addr, n uint32) ([]byte, error) {
	off, err := m.span(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), m.mem[off:off+int(n)]...), nil
}

// Write copies b to addr.
func (m *Image) Write(addr uint32, b []byte) error {
	off, err := m.span(addr, uint32(len(b)))
	if err != nil {
		return err
	}
	copy(m.mem[off:], b)
	return nil
}

// Word reads the big-endian word at addr.
func (m *Image) Word(addr uint32) (uint32, error) {
	off, err := m.span(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(m.mem[off:]), nil
}
