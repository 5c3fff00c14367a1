package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when a buffer cannot hold the fixed part of a block.
	ErrTruncated = errors.New("payload block truncated")

	// ErrSize is returned when total_size does not fit the buffer.
	ErrSize = errors.New("payload size out of range")

	// ErrInvalidInfo is returned when the info block is malformed.
	ErrInvalidInfo = errors.New("invalid payload info")

	// ErrOutOfBounds is returned by accessors reading outside the block.
	ErrOutOfBounds = errors.New("payload offset out of bounds")
)

// ReadHeader decodes the unsigned header at the start of buf.
func ReadHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("%w: have %d bytes, need %d", ErrTruncated, len(buf), HeaderSize)
	}
	copy(h.Magic[:], buf[offMagic:])
	h.TotalSize = binary.BigEndian.Uint32(buf[offTotalSize:])
	copy(h.Signature[:], buf[offSignature:])
	return h, nil
}

// HasMagic reports whether h carries the fixed magic tag.
func (h Header) HasMagic() bool {
	return string(h.Magic[:]) == Magic
}

// Envelope is a bounds-checked view over a block whose total_size has
// already been checked against the buffer.
type Envelope struct {
	buf []byte
}

// Parse returns a view over buf limited to the block's total_size.
func Parse(buf []byte) (*Envelope, error) {
	if len(buf) < MinSize {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrTruncated, len(buf), MinSize)
	}
	size := binary.BigEndian.Uint32(buf[offTotalSize:])
	if size < MinSize || uint64(size) > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: total_size %#x, buffer %#x", ErrSize, size, len(buf))
	}
	return &Envelope{buf: buf[:size:size]}, nil
}

// Size returns total_size.
func (e *Envelope) Size() uint32 {
	return uint32(len(e.buf))
}

// Bytes returns the whole block. The slice aliases the parsed buffer.
func (e *Envelope) Bytes() []byte {
	return e.buf
}

// Signed returns the region covered by the signature.
func (e *Envelope) Signed() []byte {
	return e.buf[HeaderSize:]
}

// Signature returns the header signature.
func (e *Envelope) Signature() []byte {
	return e.buf[offSignature : offSignature+SignatureSize]
}

// Salt returns the echoed commitment hash.
func (e *Envelope) Salt() [SaltSize]byte {
	var s [SaltSize]byte
	copy(s[:], e.buf[offSalt:])
	return s
}

// Info decodes the info block.
func (e *Envelope) Info() Info {
	u32 := func(off int) uint32 { return binary.BigEndian.Uint32(e.buf[off:]) }
	info := Info{
		FormatVersion:       u32(offFormat),
		FormatVersionCompat: u32(offFormatCompat),
		Name:                cstring(e.buf[offName : offName+nameSize]),
		Version:             u32(offVersion),
		GOTStart:            u32(offGOTStart),
		GOTEnd:              u32(offGOTEnd),
		FixupStart:          u32(offFixupStart),
		FixupEnd:            u32(offFixupEnd),
		PatchListOffset:     u32(offPatchStart),
		PatchListEnd:        u32(offPatchEnd),
		EntryPoint:          u32(offEntry),
		EntryPointNoGOT:     u32(offEntryNoGOT),
		FunctionExec:        u32(offFunctionExec),
		BuildTimestamp:      cstring(e.buf[offTimestamp : offTimestamp+timestampSize]),
	}
	for i := range info.MustBeZero {
		info.MustBeZero[i] = u32(offMustBeZero + 4*i)
	}
	return info
}

// Validate checks the info block for structural consistency. It says
// nothing about authenticity.
func (e *Envelope) Validate() error {
	info := e.Info()

	if info.FormatVersionCompat > FormatVersion {
		return fmt.Errorf("%w: requires format %d, host supports %d",
			ErrInvalidInfo, info.FormatVersionCompat, FormatVersion)
	}
	for i, v := range info.MustBeZero {
		if v != 0 {
			return fmt.Errorf("%w: must_be_zero[%d] = %#x", ErrInvalidInfo, i, v)
		}
	}

	regions := []struct {
		name       string
		start, end uint32
		align      uint32
	}{
		{"got", info.GOTStart, info.GOTEnd, 4},
		{"fixup", info.FixupStart, info.FixupEnd, 4},
		{"patch list", info.PatchListOffset, info.PatchListEnd, PatchSize},
	}
	for _, r := range regions {
		if err := e.checkRegion(r.start, r.end, r.align); err != nil {
			return fmt.Errorf("%w: %s region: %v", ErrInvalidInfo, r.name, err)
		}
	}

	if info.EntryPoint == 0 && info.EntryPointNoGOT == 0 {
		return fmt.Errorf("%w: no entry point", ErrInvalidInfo)
	}
	if info.FunctionExec == 0 {
		return fmt.Errorf("%w: no function_exec", ErrInvalidInfo)
	}
	for name, off := range map[string]uint32{
		"entry_point":        info.EntryPoint,
		"entry_point_no_got": info.EntryPointNoGOT,
		"function_exec":      info.FunctionExec,
	} {
		if off != 0 && (off < MinSize || off >= e.Size()) {
			return fmt.Errorf("%w: %s %#x outside [%#x, %#x)", ErrInvalidInfo, name, off, MinSize, e.Size())
		}
	}
	return nil
}

func (e *Envelope) checkRegion(start, end, align uint32) error {
	if start == 0 && end == 0 {
		return nil
	}
	switch {
	case start < MinSize:
		return fmt.Errorf("start %#x overlaps the info block", start)
	case end < start:
		return fmt.Errorf("end %#x before start %#x", end, start)
	case end > e.Size():
		return fmt.Errorf("end %#x beyond total_size %#x", end, e.Size())
	case (end-start)%align != 0:
		return fmt.Errorf("length %#x not a multiple of %d", end-start, align)
	}
	return nil
}

// Slice returns n bytes at off.
func (e *Envelope) Slice(off, n uint32) ([]byte, error) {
	if uint64(off)+uint64(n) > uint64(len(e.buf)) {
		return nil, fmt.Errorf("%w: [%#x, +%#x) in %#x bytes", ErrOutOfBounds, off, n, len(e.buf))
	}
	return e.buf[off : off+n], nil
}

// Word reads a big-endian word at off.
func (e *Envelope) Word(off uint32) (uint32, error) {
	b, err := e.Slice(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// PutWord writes a big-endian word at off.
func (e *Envelope) PutWord(off, v uint32) error {
	b, err := e.Slice(off, 4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b, v)
	return nil
}

// CString reads a NUL terminated string starting at off.
func (e *Envelope) CString(off uint32) (string, error) {
	if off >= e.Size() {
		return "", fmt.Errorf("%w: string at %#x", ErrOutOfBounds, off)
	}
	rest := e.buf[off:]
	n := bytes.IndexByte(rest, 0)
	if n < 0 {
		return "", fmt.Errorf("%w: string at %#x is not terminated", ErrOutOfBounds, off)
	}
	return string(rest[:n]), nil
}

// GOT returns the global offset table entries.
func (e *Envelope) GOT() ([]uint32, error) {
	info := e.Info()
	return e.words(info.GOTStart, info.GOTEnd)
}

// Fixups returns the offsets of the words that need relocation.
func (e *Envelope) Fixups() ([]uint32, error) {
	info := e.Info()
	return e.words(info.FixupStart, info.FixupEnd)
}

func (e *Envelope) words(start, end uint32) ([]uint32, error) {
	if start == 0 && end == 0 {
		return nil, nil
	}
	if err := e.checkRegion(start, end, 4); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfBounds, err)
	}
	out := make([]uint32, 0, (end-start)/4)
	for off := start; off < end; off += 4 {
		out = append(out, binary.BigEndian.Uint32(e.buf[off:]))
	}
	return out, nil
}

// Patches decodes the patch list.
func (e *Envelope) Patches() ([]Patch, error) {
	info := e.Info()
	if info.PatchListOffset == 0 && info.PatchListEnd == 0 {
		return nil, nil
	}
	if err := e.checkRegion(info.PatchListOffset, info.PatchListEnd, PatchSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfBounds, err)
	}
	out := make([]Patch, 0, (info.PatchListEnd-info.PatchListOffset)/PatchSize)
	for off := info.PatchListOffset; off < info.PatchListEnd; off += PatchSize {
		out = append(out, DecodePatch(e.buf[off:off+PatchSize]))
	}
	return out, nil
}

// SetPatchLevel rewrites the level byte of patch i in place.
func (e *Envelope) SetPatchLevel(i int, level Level) error {
	info := e.Info()
	off := uint64(info.PatchListOffset) + uint64(i)*PatchSize
	if i < 0 || off+PatchSize > uint64(info.PatchListEnd) || info.PatchListEnd > e.Size() {
		return fmt.Errorf("%w: patch %d", ErrOutOfBounds, i)
	}
	e.buf[off] = byte(level)
	return nil
}

func cstring(b []byte) string {
	if n := bytes.IndexByte(b, 0); n >= 0 {
		b = b[:n]
	}
	return string(b)
}
