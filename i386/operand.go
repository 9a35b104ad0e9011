package i386

import (
	"fmt"
	"strings"
)

type OperandKind uint8

const (
	OperandRegister OperandKind = iota
	OperandImm32
	OperandImm32s
	OperandMemory
)

// MemRef is size PTR segment:[base + index*scale + displacement]. RegNone
// marks an absent segment, base or index.
type MemRef struct {
	Segment      Reg   `json:"segment,omitempty"`
	Base         Reg   `json:"base,omitempty"`
	Index        Reg   `json:"index,omitempty"`
	Scale        uint8 `json:"scale"`
	Displacement int32 `json:"displacement"`
	Size         uint8 `json:"size"`
}

func (m MemRef) String() string {
	var sb strings.Builder
	switch m.Size {
	case 1:
		sb.WriteString("BYTE PTR ")
	case 2:
		sb.WriteString("WORD PTR ")
	default:
		sb.WriteString("DWORD PTR ")
	}
	if m.Segment != RegNone {
		sb.WriteString(m.Segment.String())
		sb.WriteByte(':')
	}
	sb.WriteByte('[')
	terms := 0
	if m.Base != RegNone {
		sb.WriteString(m.Base.String())
		terms++
	}
	if m.Index != RegNone {
		if terms > 0 {
			sb.WriteByte('+')
		}
		fmt.Fprintf(&sb, "%s*%d", m.Index, m.Scale)
		terms++
	}
	switch {
	case terms == 0:
		fmt.Fprintf(&sb, "0x%X", uint32(m.Displacement))
	case m.Displacement < 0:
		fmt.Fprintf(&sb, "-0x%X", -int64(m.Displacement))
	case m.Displacement > 0:
		fmt.Fprintf(&sb, "+0x%X", m.Displacement)
	}
	sb.WriteByte(']')
	return sb.String()
}

// Operand is a register, an unsigned or signed 32-bit immediate, or a memory
// reference.
type Operand struct {
	Kind OperandKind `json:"kind"`
	Reg  Reg         `json:"reg,omitempty"`
	Imm  uint32      `json:"imm,omitempty"` // signed immediates are stored two's complement
	Mem  MemRef      `json:"mem"`
}

func RegOperand(r Reg) Operand { return Operand{Kind: OperandRegister, Reg: r} }
func Imm32(v uint32) Operand { return Operand{Kind: OperandImm32, Imm: v} }
func Imm32s(v int32) Operand { return Operand{Kind: OperandImm32s, Imm: uint32(v)} }
func MemOperand(m MemRef) Operand { return Operand{Kind: OperandMemory, Mem: m} }
func (o Operand) Signed() int32 { return int32(o.Imm) }
func (o Operand) IsImmediate() bool { return o.Kind == OperandImm32 || o.Kind == OperandImm32s }

// Size is the operand width in bytes; immediates count as 4.
func (o Operand) Size() uint8 {
	switch o.Kind {
	case OperandRegister:
		return o.Reg.Size()
	case OperandMemory:
		return o.Mem.Size
	default:
		return 4
	}
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandRegister:
		return o.Reg.String()
	case OperandImm32:
		return fmt.Sprintf("0x%X", o.Imm)
	case OperandImm32s:
		if v := o.Signed(); v < 0 {
			return fmt.Sprintf("-0x%X", -int64(v))
		}
		return fmt.Sprintf("0x%X", o.Imm)
	case OperandMemory:
		return o.Mem.String()
	}
	return "?"
}
