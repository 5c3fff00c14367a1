// Package patch applies payload patch records to the host image.
//
// The payload decides which records exist; this package decides which of
// them are eligible under the host's policy and how each record type is
// encoded as PowerPC instructions.
package patch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pulsarengine/stage1/internal/envelope"
)

var (
	// ErrNotEligible is returned for records the policy filters out.
	ErrNotEligible = errors.New("patch not eligible")

	// ErrUnknownType is returned for unknown record types.
	ErrUnknownType = errors.New("unknown patch type")

	// ErrBranchRange is returned when a branch target is out of reach.
	ErrBranchRange = errors.New("branch target out of range")

	// ErrRegister is returned for invalid scratch registers.
	ErrRegister = errors.New("invalid register")

	// ErrNoSource is returned when a write patch has nothing to copy from.
	ErrNoSource = errors.New("write patch without source")
)

// Policy selects which non-critical levels apply.
type Policy struct {
	// Filter enables level filtering. Without it every enabled record applies.
	Filter bool
	// Mask lists the levels allowed when Filter is set.
	Mask envelope.Level
}

// DefaultPolicy applies every record that is not disabled.
var DefaultPolicy = Policy{}

// FilteredPolicy only applies critical, bugfix and support records.
var FilteredPolicy = Policy{Filter: true, Mask: envelope.LevelBugfix | envelope.LevelSupport}

// Eligible reports whether a record with the given level may apply.
func (p Policy) Eligible(level envelope.Level) bool {
	if level.Disabled() {
		return false
	}
	if level == envelope.LevelCritical || !p.Filter {
		return true
	}
	return level&p.Mask != 0
}

// MarkDisabled sets the disabled flag on every record of e that the policy
// filters out and returns how many were marked.
func MarkDisabled(e *envelope.Envelope, p Policy) (int, error) {
	patches, err := e.Patches()
	if err != nil {
		return 0, err
	}
	marked := 0
	for i, rec := range patches {
		if rec.Level.Disabled() || p.Eligible(rec.Level) {
			continue
		}
		if err := e.SetPatchLevel(i, rec.Level|envelope.LevelDisabled); err != nil {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

// Patcher writes eligible records into a target.
type Patcher struct {
	Target Target
	Policy Policy
}

// Apply encodes rec into the target. src backs TypeWrite records.
func (p *Patcher) Apply(rec envelope.Patch, src Source) error {
	if !p.Policy.Eligible(rec.Level) {
		return fmt.Errorf("%w: level %v", ErrNotEligible, rec.Level)
	}

	switch rec.Type {
	case envelope.TypeWrite:
		if src == nil {
			return ErrNoSource
		}
		data, err := src.Read(rec.Arg0, rec.Arg1)
		if err != nil {
			return fmt.Errorf("read write source: %w", err)
		}
		return p.Target.Write(rec.Address, data)

	case envelope.TypeBranch, envelope.TypeCall:
		ins, err := Branch(rec.Address, rec.Arg0, rec.Type == envelope.TypeCall)
		if err != nil {
			return err
		}
		return p.putWords(rec.Address, ins)

	case envelope.TypeBranchHook:
		ins, err := Branch(rec.Address, rec.Arg0, false)
		if err != nil {
			return err
		}
		back, err := Branch(rec.Arg1, rec.Address+4, false)
		if err != nil {
			return err
		}
		if err := p.putWords(rec.Address, ins); err != nil {
			return err
		}
		return p.putWords(rec.Arg1, back)

	case envelope.TypeBranchCTR, envelope.TypeBranchCTRLink:
		ins, err := BranchCTR(rec.Arg0, rec.Arg1, rec.Type == envelope.TypeBranchCTRLink)
		if err != nil {
			return err
		}
		return p.putWords(rec.Address, ins...)

	case envelope.TypeWritePointer:
		return p.putWords(rec.Address, rec.Arg0)

	default:
		return fmt.Errorf("%w: %v", ErrUnknownType, rec.Type)
	}
}

func (p *Patcher) putWords(addr uint32, words ...uint32) error {
	b := make([]byte, 0, 4*len(words))
	for _, w := range words {
		b = binary.BigEndian.AppendUint32(b, w)
	}
	return p.Target.Write(addr, b)
}
