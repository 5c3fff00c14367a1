package patch

import "fmt"

const (
	opBranch = 0x48000000
	opLis    = 0x3C000000
	opOri    = 0x60000000
	opMtctr  = 0x7C0903A6
	opBctr   = 0x4E800420

	branchMask = 0x03FFFFFC
	branchMin  = -0x2000000
	branchMax  = 0x1FFFFFC
)

// Branch encodes "b dest" (or "bl dest") placed at from.
func Branch(from, dest uint32, link bool) (uint32, error) {
	disp := int64(dest) - int64(from)
	if disp%4 != 0 || disp < branchMin || disp > branchMax {
		return 0, fmt.Errorf("%w: %#08x -> %#08x", ErrBranchRange, from, dest)
	}
	ins := opBranch | uint32(disp)&branchMask
	if link {
		ins |= 1
	}
	return ins, nil
}

// BranchCTR encodes a far branch through the count register using reg as
// scratch: lis reg, dest@h; ori reg, reg, dest@l; mtctr reg; bctr[l].
func BranchCTR(dest, reg uint32, link bool) ([]uint32, error) {
	if reg > 31 {
		return nil, fmt.Errorf("%w: r%d", ErrRegister, reg)
	}
	last := uint32(opBctr)
	if link {
		last |= 1
	}
	return []uint32{
		opLis | reg<<21 | dest>>16,
		opOri | reg<<21 | reg<<16 | dest&0xFFFF,
		opMtctr | reg<<21,
		last,
	}, nil
}
