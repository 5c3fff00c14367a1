package envelope

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// Magic is the fixed tag every payload starts with.
	Magic = "WWFC/Payload"

	// BlockSize is the capacity of the payload buffer.
	BlockSize = 0x20000

	// FormatVersion is the payload format this host understands.
	FormatVersion = 2

	// SignatureSize is the size of an RSA-2048 signature.
	SignatureSize = 0x100

	// SaltSize is the size of the echoed commitment hash.
	SaltSize = 32

	// HeaderSize covers magic, total_size and signature. The signed region
	// starts right after it.
	HeaderSize = 0x110

	// MinSize is the size of header, salt and info together.
	MinSize = 0x1A0

	// PatchSize is the encoded size of one patch record.
	PatchSize = 16
)

// Field offsets inside the block.
const (
	offMagic        = 0x000
	offTotalSize    = 0x00C
	offSignature    = 0x010
	offSalt         = 0x110
	offFormat       = 0x130
	offFormatCompat = 0x134
	offName         = 0x138
	offVersion      = 0x144
	offGOTStart     = 0x148
	offGOTEnd       = 0x14C
	offFixupStart   = 0x150
	offFixupEnd     = 0x154
	offPatchStart   = 0x158
	offPatchEnd     = 0x15C
	offEntry        = 0x160
	offEntryNoGOT   = 0x164
	offFunctionExec = 0x168
	offMustBeZero   = 0x16C
	offTimestamp    = 0x180

	nameSize       = 0xC
	mustBeZeroSize = 0x14
	timestampSize  = 0x20
)

// Level is a patch level bit set.
type Level uint8

const (
	// LevelCritical patches are required to connect and always apply.
	LevelCritical Level = 0
	// LevelBugfix patches fix bugs in the host, such as freezes.
	LevelBugfix Level = 1 << 0
	// LevelParity patches keep parity with regular patchers.
	LevelParity Level = 1 << 1
	// LevelFeature patches add optional features.
	LevelFeature Level = 1 << 2
	// LevelSupport patches may be redundant depending on the host patcher.
	LevelSupport Level = 1 << 3
	// LevelDisabled marks a patch that must not be applied.
	LevelDisabled Level = 1 << 4
)

var levelNames = []struct {
	level Level
	name  string
}{
	{LevelBugfix, "bugfix"},
	{LevelParity, "parity"},
	{LevelFeature, "feature"},
	{LevelSupport, "support"},
	{LevelDisabled, "disabled"},
}

// String returns a "|" separated list of the flags set in l.
func (l Level) String() string {
	if l == LevelCritical {
		return "critical"
	}
	var parts []string
	for _, n := range levelNames {
		if l&n.level != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := l &^ (LevelBugfix | LevelParity | LevelFeature | LevelSupport | LevelDisabled); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Disabled reports whether the disabled flag is set.
func (l Level) Disabled() bool {
	return l&LevelDisabled != 0
}

// ParseLevel converts a level name as used in config files.
func ParseLevel(name string) (Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "critical" {
		return LevelCritical, nil
	}
	for _, n := range levelNames {
		if n.name == name {
			return n.level, nil
		}
	}
	return 0, fmt.Errorf("unknown patch level: %q", name)
}

// Type selects how a patch is encoded into the host image.
type Type uint8

const (
	// TypeWrite copies arg1 bytes from address arg0 to address.
	TypeWrite Type = 0
	// TypeBranch writes "b arg0" at address.
	TypeBranch Type = 1
	// TypeBranchHook writes "b arg0" at address and "b address+4" at arg1.
	TypeBranchHook Type = 2
	// TypeCall writes "bl arg0" at address.
	TypeCall Type = 3
	// TypeBranchCTR loads arg0 into register arg1 and branches through CTR.
	TypeBranchCTR Type = 4
	// TypeBranchCTRLink is TypeBranchCTR with link.
	TypeBranchCTRLink Type = 5
	// TypeWritePointer writes the 32-bit value arg0 at address.
	TypeWritePointer Type = 6
)

func (t Type) String() string {
	switch t {
	case TypeWrite:
		return "write"
	case TypeBranch:
		return "branch"
	case TypeBranchHook:
		return "branch_hook"
	case TypeCall:
		return "call"
	case TypeBranchCTR:
		return "branch_ctr"
	case TypeBranchCTRLink:
		return "branch_ctr_link"
	case TypeWritePointer:
		return "write_pointer"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseType converts a patch type name as printed by Type.String.
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t := TypeWrite; t <= TypeWritePointer; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown patch type: %q", name)
}

// Patch is one decoded patch record.
type Patch struct {
	Level   Level
	Type    Type
	Address uint32
	Arg0    uint32
	Arg1    uint32
}

// DecodePatch decodes a record from b, which must hold at least PatchSize bytes.
func DecodePatch(b []byte) Patch {
	_ = b[PatchSize-1]
	return Patch{
		Level:   Level(b[0]),
		Type:    Type(b[1]),
		Address: binary.BigEndian.Uint32(b[4:]),
		Arg0:    binary.BigEndian.Uint32(b[8:]),
		Arg1:    binary.BigEndian.Uint32(b[12:]),
	}
}

// AppendBinary appends the encoded record to b.
func (p Patch) AppendBinary(b []byte) []byte {
	b = append(b, byte(p.Level), byte(p.Type), 0, 0)
	b = binary.BigEndian.AppendUint32(b, p.Address)
	b = binary.BigEndian.AppendUint32(b, p.Arg0)
	return binary.BigEndian.AppendUint32(b, p.Arg1)
}

// Header is the unsigned prefix of a block.
type Header struct {
	Magic     [len(Magic)]byte
	TotalSize uint32
	Signature [SignatureSize]byte
}

// Info is the decoded info block.
type Info struct {
	FormatVersion       uint32
	FormatVersionCompat uint32
	Name                string
	Version             uint32
	GOTStart            uint32
	GOTEnd              uint32
	FixupStart          uint32
	FixupEnd            uint32
	PatchListOffset     uint32
	PatchListEnd        uint32
	EntryPoint          uint32
	EntryPointNoGOT     uint32
	FunctionExec        uint32
	MustBeZero          [mustBeZeroSize / 4]uint32
	BuildTimestamp      string
}
