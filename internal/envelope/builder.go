package envelope

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Builder assembles a payload block. It is used by the pack tool and by
// tests that need well-formed blocks.
//
// The block is laid out as: fixed part, entry chunk, no-GOT entry chunk,
// exec chunk, data, GOT, patch list, fixups. Each chunk is NUL terminated
// and every section after the chunks is word aligned.
type Builder struct {
	Salt                [SaltSize]byte
	Name                string
	Version             uint32
	FormatVersion       uint32
	FormatVersionCompat uint32
	BuildTimestamp      string

	// Entry is the Lua chunk run through entry_point.
	Entry string
	// EntryNoGOT is the Lua chunk run through entry_point_no_got.
	EntryNoGOT string
	// Exec is the Lua chunk that returns the dispatcher function.
	Exec string

	Data    []byte
	GOT     []uint32
	Patches []Patch
	Fixups  []uint32
}

// Layout holds the offsets a Builder will produce.
type Layout struct {
	EntryPoint      uint32
	EntryPointNoGOT uint32
	FunctionExec    uint32
	DataOffset      uint32
	GOTStart        uint32
	GOTEnd          uint32
	PatchListOffset uint32
	PatchListEnd    uint32
	FixupStart      uint32
	FixupEnd        uint32
	TotalSize       uint32
}

// Layout computes the section offsets for the current contents.
func (b *Builder) Layout() Layout {
	var l Layout
	off := uint32(MinSize)
	chunk := func(src string) uint32 {
		if src == "" {
			return 0
		}
		at := off
		off += uint32(len(src)) + 1
		return at
	}
	l.EntryPoint = chunk(b.Entry)
	l.EntryPointNoGOT = chunk(b.EntryNoGOT)
	l.FunctionExec = chunk(b.Exec)

	off = align4(off)
	l.DataOffset = off
	off = align4(off + uint32(len(b.Data)))

	if len(b.GOT) > 0 {
		l.GOTStart = off
		off += uint32(len(b.GOT)) * 4
		l.GOTEnd = off
	}
	if len(b.Patches) > 0 {
		l.PatchListOffset = off
		off += uint32(len(b.Patches)) * PatchSize
		l.PatchListEnd = off
	}
	if len(b.Fixups) > 0 {
		l.FixupStart = off
		off += uint32(len(b.Fixups)) * 4
		l.FixupEnd = off
	}
	l.TotalSize = off
	return l
}

// Build encodes the block with a zero signature.
func (b *Builder) Build() ([]byte, error) {
	l := b.Layout()
	if l.TotalSize > BlockSize {
		return nil, fmt.Errorf("%w: %#x exceeds block size %#x", ErrSize, l.TotalSize, BlockSize)
	}
	if len(b.Name) > nameSize {
		return nil, fmt.Errorf("name %q longer than %d bytes", b.Name, nameSize)
	}
	if len(b.BuildTimestamp) > timestampSize {
		return nil, fmt.Errorf("build timestamp longer than %d bytes", timestampSize)
	}

	buf := make([]byte, l.TotalSize)
	put := func(off int, v uint32) { binary.BigEndian.PutUint32(buf[off:], v) }

	copy(buf[offMagic:], Magic)
	put(offTotalSize, l.TotalSize)
	copy(buf[offSalt:], b.Salt[:])

	format := b.FormatVersion
	if format == 0 {
		format = FormatVersion
	}
	compat := b.FormatVersionCompat
	if compat == 0 {
		compat = FormatVersion
	}
	put(offFormat, format)
	put(offFormatCompat, compat)
	copy(buf[offName:offName+nameSize], b.Name)
	put(offVersion, b.Version)
	put(offGOTStart, l.GOTStart)
	put(offGOTEnd, l.GOTEnd)
	put(offFixupStart, l.FixupStart)
	put(offFixupEnd, l.FixupEnd)
	put(offPatchStart, l.PatchListOffset)
	put(offPatchEnd, l.PatchListEnd)
	put(offEntry, l.EntryPoint)
	put(offEntryNoGOT, l.EntryPointNoGOT)
	put(offFunctionExec, l.FunctionExec)
	copy(buf[offTimestamp:offTimestamp+timestampSize], b.BuildTimestamp)

	if l.EntryPoint != 0 {
		copy(buf[l.EntryPoint:], b.Entry)
	}
	if l.EntryPointNoGOT != 0 {
		copy(buf[l.EntryPointNoGOT:], b.EntryNoGOT)
	}
	if l.FunctionExec != 0 {
		copy(buf[l.FunctionExec:], b.Exec)
	}
	copy(buf[l.DataOffset:], b.Data)
	for i, v := range b.GOT {
		put(int(l.GOTStart)+4*i, v)
	}
	for i, p := range b.Patches {
		p.AppendBinary(buf[int(l.PatchListOffset)+PatchSize*i:][:0])
	}
	for i, v := range b.Fixups {
		put(int(l.FixupStart)+4*i, v)
	}
	return buf, nil
}

// BuildSigned encodes the block and signs it with key.
func (b *Builder) BuildSigned(key *rsa.PrivateKey) ([]byte, error) {
	buf, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := Sign(buf, key); err != nil {
		return nil, err
	}
	return buf, nil
}

// Sign computes the signature over buf[HeaderSize:total_size] and stores it
// in the header.
func Sign(buf []byte, key *rsa.PrivateKey) error {
	e, err := Parse(buf)
	if err != nil {
		return fmt.Errorf("parse block: %w", err)
	}
	digest := sha256.Sum256(e.Signed())
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return fmt.Errorf("sign block: %w", err)
	}
	if len(sig) != SignatureSize {
		return fmt.Errorf("signature is %d bytes, want %d (RSA-2048 key required)", len(sig), SignatureSize)
	}
	copy(buf[offSignature:], sig)
	return nil
}

func align4(v uint32) uint32 {
	return (v + 3) &^ 3
}
