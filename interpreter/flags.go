package interpreter

import (
	"github.com/colorfulnotion/fragvm/fragerrors"
	"github.com/colorfulnotion/fragvm/i386"
)

func mask(size int) uint32 {
	switch size {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	}
	return 0xFFFFFFFF
}

func signBit(size int) uint32 {
	switch size {
	case 1:
		return 0x80
	case 2:
		return 0x8000
	}
	return 0x80000000
}

// signExtend widens the low size bytes of v to a signed 32-bit value.
func signExtend(v uint32, size int) int32 {
	switch size {
	case 1:
		return int32(int8(v))
	case 2:
		return int32(int16(v))
	}
	return int32(v)
}

func (s *State) setResultFlags(r uint32, size int) {
	s.flags.ZF = r&mask(size) == 0
	s.flags.SF = r&signBit(size) != 0
}

// subFlags sets the flags of r = a - b - borrow.
func (s *State) subFlags(a, b, r uint32, borrow bool, size int) {
	m := mask(size)
	wide := uint64(b & m)
	if borrow {
		wide++
	}
	s.flags.CF = uint64(a&m) < wide
	s.flags.OF = (a^b)&(a^r)&signBit(size) != 0
	s.setResultFlags(r, size)
}

// addFlags sets the flags of r = a + b + carry.
func (s *State) addFlags(a, b, r uint32, carry bool, size int) {
	m := mask(size)
	sum := uint64(a&m) + uint64(b&m)
	if carry {
		sum++
	}
	s.flags.CF = sum > uint64(m)
	s.flags.OF = ^(a^b)&(a^r)&signBit(size) != 0
	s.setResultFlags(r, size)
}

func (s *State) logicFlags(r uint32, size int) {
	s.flags.CF = false
	s.flags.OF = false
	s.setResultFlags(r, size)
}

// flag reads a status flag for a condition. PF is decoded but never tracked.
func (s *State) flag(f i386.Flag) (bool, error) {
	switch f {
	case i386.CF:
		return s.flags.CF, nil
	case i386.OF:
		return s.flags.OF, nil
	case i386.ZF:
		return s.flags.ZF, nil
	case i386.SF:
		return s.flags.SF, nil
	}
	return false, &ExecError{Kind: fragerrors.ErrIUnsupportedFlag, EIP: s.eip(), Detail: "attempted read of " + f.String()}
}
