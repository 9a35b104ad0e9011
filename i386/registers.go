package i386

import (
	"fmt"
	"strings"
)

// Reg names a register together with the width it is accessed at.
type Reg uint8

const (
	RegNone Reg = iota

	EAX
	EBX
	ECX
	EDX
	ESP
	EBP
	ESI
	EDI
	EIP

	SS
	CS
	DS
	ES
	FS

	AX
	BX
	CX
	DX
	SP
	BP
	SI
	DI

	AL
	BL
	CL
	DL

	AH
	BH
	CH
	DH
)

// NumRegisters is the size of the register file: the eight general
// registers, EIP and the segment registers.
const NumRegisters = 14

var regNames = [...]string{
	RegNone: "none",
	EAX:     "EAX", EBX: "EBX", ECX: "ECX", EDX: "EDX", ESP: "ESP", EBP: "EBP", ESI: "ESI", EDI: "EDI", EIP: "EIP",
	SS: "SS", CS: "CS", DS: "DS", ES: "ES", FS: "FS",
	AX: "AX", BX: "BX", CX: "CX", DX: "DX", SP: "SP", BP: "BP", SI: "SI", DI: "DI",
	AL: "AL", BL: "BL", CL: "CL", DL: "DL",
	AH: "AH", BH: "BH", CH: "CH", DH: "DH",
}

// slot of each register in the register file
var regSlots = [...]int{
	RegNone: -1,
	EAX:     0, EBX: 1, ECX: 2, EDX: 3, ESP: 4, EBP: 5, ESI: 6, EDI: 7, EIP: 8,
	SS: 9, CS: 10, DS: 11, ES: 12, FS: 13,
	AX: 0, BX: 1, CX: 2, DX: 3, SP: 4, BP: 5, SI: 6, DI: 7,
	AL: 0, BL: 1, CL: 2, DL: 3,
	AH: 0, BH: 1, CH: 2, DH: 3,
}

// ModRM encoding order
var (
	reg32 = [8]Reg{EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI}
	reg16 = [8]Reg{AX, CX, DX, BX, SP, BP, SI, DI}
	reg8  = [8]Reg{AL, CL, DL, BL, AH, CH, DH, BH}
)

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return "reg?"
}

// Slot is the register file index backing r, or -1 for RegNone.
func (r Reg) Slot() int {
	if int(r) < len(regSlots) {
		return regSlots[r]
	}
	return -1
}

func (r Reg) Is16() bool    { return r >= AX && r <= DI }
func (r Reg) IsLow8() bool  { return r >= AL && r <= DL }
func (r Reg) IsHigh8() bool { return r >= AH && r <= DH }

func (r Reg) IsSegment() bool { return r >= SS && r <= FS }

// Size is the access width in bytes.
func (r Reg) Size() uint8 {
	switch {
	case r.IsLow8() || r.IsHigh8():
		return 1
	case r.Is16():
		return 2
	default:
		return 4
	}
}

// Full returns the 32-bit register containing r.
func (r Reg) Full() Reg {
	if s := r.Slot(); s >= 0 {
		return AllRegisters()[s]
	}
	return RegNone
}

// AllRegisters lists the register file in slot order.
func AllRegisters() []Reg {
	return []Reg{EAX, EBX, ECX, EDX, ESP, EBP, ESI, EDI, EIP, SS, CS, DS, ES, FS}
}

// ParseReg accepts a register name in any case.
func ParseReg(name string) (Reg, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for r, n := range regNames {
		if Reg(r) != RegNone && n == name {
			return Reg(r), true
		}
	}
	return RegNone, false
}

func toggleSize(r Reg, operandSize bool) Reg {
	if !operandSize {
		return r
	}
	switch r {
	case EAX:
		return AX
	case EBX:
		return BX
	case ECX:
		return CX
	case EDX:
		return DX
	case ESP:
		return SP
	case EBP:
		return BP
	case ESI:
		return SI
	case EDI:
		return DI
	}
	return r
}

func (r Reg) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Reg) UnmarshalText(b []byte) error {
	if len(b) == 0 || strings.EqualFold(string(b), "none") {
		*r = RegNone
		return nil
	}
	v, ok := ParseReg(string(b))
	if !ok {
		return fmt.Errorf("unknown register %q", b)
	}
	*r = v
	return nil
}
