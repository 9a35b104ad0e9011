package i386

import (
	"fmt"
	"sort"
)

// AddressingMethod says where an operand is encoded.
type AddressingMethod uint8

const (
	MethodE   AddressingMethod = iota // ModRM register or memory
	MethodG                           // ModRM reg field
	MethodI                           // immediate
	MethodJ                           // relative branch displacement
	MethodM                           // ModRM memory only
	MethodO                           // absolute disp32, no ModRM
	MethodX                           // DS:ESI
	MethodY                           // ES:EDI
	MethodZ                           // low 3 opcode bits
	MethodImp                         // implicit register or constant
)

var methodNames = [...]string{"E", "G", "I", "J", "M", "O", "X", "Y", "Z", "Imp"}

func (m AddressingMethod) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return "?"
}

// OperandType gives the operand width or names the implicit operand.
type OperandType uint8

const (
	TypeB  OperandType = iota // byte
	TypeBS                    // byte, sign-extended
	TypeV                     // word or dword by operand size
	TypeVS                    // word or dword, sign-extended
	TypeW                     // word
	TypeEAX
	TypeEDX
	TypeAL
	TypeES
	TypeSS
	TypeConst1
)

var typeNames = [...]string{"b", "bs", "v", "vs", "w", "eAX", "eDX", "AL", "ES", "SS", "1"}

func (t OperandType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "?"
}

type OperandSpec struct {
	Method AddressingMethod
	Type   OperandType
}

func (s OperandSpec) String() string {
	if s.Method == MethodImp {
		return s.Type.String()
	}
	return s.Method.String() + s.Type.String()
}

// operand shapes used by the table
var (
	Eb     = OperandSpec{MethodE, TypeB}
	Ev     = OperandSpec{MethodE, TypeV}
	Ew     = OperandSpec{MethodE, TypeW}
	Gb     = OperandSpec{MethodG, TypeB}
	Gv     = OperandSpec{MethodG, TypeV}
	Ib     = OperandSpec{MethodI, TypeB}
	Ibs    = OperandSpec{MethodI, TypeBS}
	Iv     = OperandSpec{MethodI, TypeV}
	Ivs    = OperandSpec{MethodI, TypeVS}
	Jbs    = OperandSpec{MethodJ, TypeBS}
	Jv     = OperandSpec{MethodJ, TypeV}
	Mv     = OperandSpec{MethodM, TypeV}
	Ov     = OperandSpec{MethodO, TypeV}
	Xb     = OperandSpec{MethodX, TypeB}
	Yb     = OperandSpec{MethodY, TypeB}
	Zv     = OperandSpec{MethodZ, TypeV}
	ImpEAX = OperandSpec{MethodImp, TypeEAX}
	ImpEDX = OperandSpec{MethodImp, TypeEDX}
	ImpAL  = OperandSpec{MethodImp, TypeAL}
	ImpES  = OperandSpec{MethodImp, TypeES}
	ImpSS  = OperandSpec{MethodImp, TypeSS}
	Const1 = OperandSpec{MethodImp, TypeConst1}
)

// OpcodeDef is one row of the opcode table. Opcode holds 0x0Fxx for the
// two-byte escape.
type OpcodeDef struct {
	Opcode    uint16
	Ext       uint8
	Mnemonic  Mnemonic
	Condition ConditionCode
	Operands  []OperandSpec
}

func (d *OpcodeDef) String() string {
	key := fmt.Sprintf("%02X", d.Opcode)
	if groupOpcodes[d.Opcode] {
		key += fmt.Sprintf(" /%d", d.Ext)
	}
	name := d.Mnemonic.Asm()
	if d.Mnemonic == ConditionalJump {
		name = "j" + d.Condition.Short
	}
	s := fmt.Sprintf("%-7s %s", key, name)
	for i, op := range d.Operands {
		if i == 0 {
			s += " "
		} else {
			s += ","
		}
		s += op.String()
	}
	return s
}

type opKey struct {
	op  uint16
	ext uint8
}

var opcodeTable = make(map[opKey]*OpcodeDef)

// opcodes whose ModRM reg field selects the operation
var groupOpcodes = map[uint16]bool{
	0x80: true, 0x81: true, 0x82: true, 0x83: true, 0x8F: true,
	0xC0: true, 0xC1: true, 0xC6: true, 0xC7: true,
	0xD0: true, 0xD1: true, 0xD2: true, 0xD3: true,
	0xD8: true, 0xD9: true, 0xDA: true, 0xDB: true, 0xDC: true, 0xDD: true, 0xDE: true, 0xDF: true,
	0xF6: true, 0xF7: true, 0xFE: true, 0xFF: true,
}

// opcode families with the register in the low three bits
var inlineRegOpcodes = map[uint16]bool{0x50: true, 0x58: true, 0xB8: true}

var prefixBytes = map[byte]bool{
	0x26: true, 0x2E: true, 0x36: true, 0x3E: true, 0x64: true, 0x65: true,
	0x66: true, 0x67: true, 0x9B: true, 0xF0: true, 0xF2: true, 0xF3: true,
}

// OpcodeBuilder provides a fluent interface for defining table rows.
type OpcodeBuilder struct {
	def *OpcodeDef
}

func op(opcode uint16) *OpcodeBuilder {
	return &OpcodeBuilder{def: &OpcodeDef{Opcode: opcode}}
}

func (b *OpcodeBuilder) Ext(ext uint8) *OpcodeBuilder {
	b.def.Ext = ext
	return b
}

// Jcc turns the row into a conditional jump on the given nibble.
func (b *OpcodeBuilder) Jcc(nibble byte) *OpcodeBuilder {
	b.def.Mnemonic = ConditionalJump
	b.def.Condition = Condition(nibble)
	return b
}

// Is finishes the row and registers it. A key may only be registered once.
func (b *OpcodeBuilder) Is(m Mnemonic, operands ...OperandSpec) {
	if b.def.Mnemonic != ConditionalJump {
		b.def.Mnemonic = m
	}
	b.def.Operands = operands
	key := opKey{b.def.Opcode, b.def.Ext}
	if _, dup := opcodeTable[key]; dup {
		panic(fmt.Sprintf("i386: duplicate opcode table entry %02X /%d", key.op, key.ext))
	}
	opcodeTable[key] = b.def
}

func init() {
	op(0x00).Is(Add, Eb, Gb)
	op(0x02).Is(Add, Gb, Eb)
	op(0x03).Is(Add, Gv, Ev)
	op(0x05).Is(Add, ImpEAX, Iv)
	op(0x07).Is(Pop, ImpES)
	op(0x0B).Is(Or, Gv, Ev)
	op(0x0D).Is(Or, ImpEAX, Iv)
	op(0x16).Is(Push, ImpSS)
	op(0x22).Is(And, Gb, Eb)
	op(0x25).Is(And, ImpEAX, Iv)
	op(0x2A).Is(Sub, Gb, Eb)
	op(0x2B).Is(Sub, Gv, Ev)
	op(0x2D).Is(Sub, ImpEAX, Iv)
	op(0x32).Is(Xor, Gb, Eb)
	op(0x33).Is(Xor, Gv, Ev)
	op(0x3A).Is(Compare, Gb, Eb)
	op(0x3B).Is(Compare, Gv, Ev)
	op(0x3C).Is(Compare, ImpAL, Ib)
	op(0x3D).Is(Compare, ImpEAX, Iv)
	for r := uint16(0); r < 8; r++ {
		op(0x40 + r).Is(Inc, Zv)
		op(0x48 + r).Is(Dec, Zv)
	}
	op(0x50).Is(Push, Zv)
	op(0x58).Is(Pop, Zv)
	op(0x60).Is(PushAll)
	op(0x61).Is(PopAll)
	op(0x68).Is(Push, Ivs)
	op(0x6B).Is(IMul3, Gv, Ev, Ibs)
	for cc := uint16(0); cc < 16; cc++ {
		op(0x70 + cc).Jcc(byte(cc)).Is(ConditionalJump, Jbs)
	}
	op(0x80).Ext(0).Is(Add, Eb, Ib)
	op(0x80).Ext(2).Is(Adc, Eb, Ib)
	op(0x80).Ext(7).Is(Compare, Eb, Ib)
	op(0x81).Ext(0).Is(Add, Ev, Iv)
	op(0x81).Ext(1).Is(Or, Ev, Iv)
	op(0x81).Ext(4).Is(And, Ev, Iv)
	op(0x81).Ext(7).Is(Compare, Ev, Iv)
	op(0x82).Ext(0).Is(Add, Eb, Ib)
	op(0x83).Ext(0).Is(Add, Ev, Ibs)
	op(0x83).Ext(1).Is(Or, Ev, Ibs)
	op(0x83).Ext(4).Is(And, Ev, Ibs)
	op(0x83).Ext(5).Is(Sub, Ev, Ibs)
	op(0x83).Ext(7).Is(Compare, Ev, Ibs)
	op(0x88).Is(Move, Eb, Gb)
	op(0x89).Is(Move, Ev, Gv)
	op(0x8A).Is(Move, Gb, Eb)
	op(0x8B).Is(Move, Gv, Ev)
	op(0x8D).Is(Lea, Gv, Mv)
	op(0xA1).Is(Move, ImpEAX, Ov)
	op(0xA3).Is(Move, Ov, ImpEAX)
	op(0xA4).Is(MoveString, Yb, Xb)
	op(0xB8).Is(Move, Zv, Iv)
	op(0xC1).Ext(4).Is(ShiftLeft, Ev, Ib)
	op(0xC1).Ext(5).Is(ShiftRight, Ev, Ib)
	op(0xC1).Ext(7).Is(ShiftArithmeticRight, Ev, Ib)
	op(0xC3).Is(Return)
	op(0xC6).Ext(0).Is(Move, Eb, Ib)
	op(0xC7).Ext(0).Is(Move, Ev, Iv)
	op(0xCC).Is(Debugger)
	op(0xD1).Ext(1).Is(RotateCarryRight, Ev, Const1)
	op(0xD1).Ext(4).Is(ShiftLeft, Ev, Const1)
	op(0xD1).Ext(7).Is(ShiftArithmeticRight, Ev, Const1)
	op(0xE8).Is(Call, Jv)
	op(0xE9).Is(Jump, Jv)
	op(0xEB).Is(Jump, Jbs)
	op(0xF7).Ext(0).Is(Test, Ev, Iv)
	op(0xF7).Ext(3).Is(Neg, Ev)
	op(0xF7).Ext(4).Is(Mul, ImpEDX, ImpEAX, Ev)
	op(0xF7).Ext(5).Is(IMul3, ImpEDX, ImpEAX, Ev)
	op(0xF7).Ext(6).Is(Div, ImpEDX, ImpEAX, Ev)
	op(0xF7).Ext(7).Is(IDiv, ImpEDX, ImpEAX, Ev)
	op(0xFC).Is(ClearDirectionFlag)
	op(0xFF).Ext(1).Is(Dec, Ev)
	op(0xFF).Ext(4).Is(Jump, Ev)

	op(0x0F83).Jcc(0x3).Is(ConditionalJump, Jv)
	op(0x0F84).Jcc(0x4).Is(ConditionalJump, Jv)
	op(0x0F85).Jcc(0x5).Is(ConditionalJump, Jv)
	op(0x0FAF).Is(IMul2, Gv, Ev)
	op(0x0FB6).Is(MoveZeroExtend, Gv, Eb)
	op(0x0FB7).Is(MoveZeroExtend, Gv, Ew)
}

func lookupOpcode(opcode uint16, ext uint8) (*OpcodeDef, bool) {
	if d, ok := opcodeTable[opKey{opcode, ext}]; ok {
		return d, true
	}
	if base := opcode &^ 7; inlineRegOpcodes[base] {
		d, ok := opcodeTable[opKey{base, 0}]
		return d, ok
	}
	return nil, false
}

// Opcodes lists the table ordered by opcode and extension.
func Opcodes() []*OpcodeDef {
	out := make([]*OpcodeDef, 0, len(opcodeTable))
	for _, d := range opcodeTable {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Opcode != out[j].Opcode {
			return out[i].Opcode < out[j].Opcode
		}
		return out[i].Ext < out[j].Ext
	})
	return out
}

// IsGroupOpcode reports whether the ModRM reg field selects the operation.
func IsGroupOpcode(opcode uint16) bool { return groupOpcodes[opcode] }
