package bridge

import (
	"errors"
	"fmt"

	"github.com/pulsarengine/stage1/internal/envelope"
)

// ErrRelocation is returned when a fixup or GOT entry does not point into
// the payload.
var ErrRelocation = errors.New("payload relocation failed")

// relocate rebases every fixup word and GOT entry onto base and returns the
// rebased GOT. Each fixup is the block offset of a word that holds a
// block-relative address.
func relocate(e *envelope.Envelope, base uint32) ([]uint32, error) {
	fixups, err := e.Fixups()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelocation, err)
	}
	for i, off := range fixups {
		if off < envelope.MinSize || off%4 != 0 {
			return nil, fmt.Errorf("%w: fixup %d at %#x", ErrRelocation, i, off)
		}
		v, err := e.Word(off)
		if err != nil {
			return nil, fmt.Errorf("%w: fixup %d: %v", ErrRelocation, i, err)
		}
		if v >= e.Size() {
			return nil, fmt.Errorf("%w: fixup %d value %#x outside payload", ErrRelocation, i, v)
		}
		if err := e.PutWord(off, base+v); err != nil {
			return nil, fmt.Errorf("%w: fixup %d: %v", ErrRelocation, i, err)
		}
	}

	got, err := e.GOT()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelocation, err)
	}
	start := e.Info().GOTStart
	for i, v := range got {
		if v >= e.Size() {
			return nil, fmt.Errorf("%w: GOT entry %d value %#x outside payload", ErrRelocation, i, v)
		}
		got[i] = base + v
		if err := e.PutWord(start+uint32(4*i), got[i]); err != nil {
			return nil, fmt.Errorf("%w: GOT entry %d: %v", ErrRelocation, i, err)
		}
	}
	return got, nil
}
