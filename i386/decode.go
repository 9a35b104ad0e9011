package i386

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/fragvm/log"
)

// Prefixes records the legacy prefix bytes ahead of an opcode.
type Prefixes struct {
	OperandSize bool `json:"operand_size,omitempty"`
	AddressSize bool `json:"address_size,omitempty"`
	Lock        bool `json:"lock,omitempty"`
	Rep         bool `json:"rep,omitempty"`
	RepNE       bool `json:"repne,omitempty"`
	Wait        bool `json:"wait,omitempty"`
	Segment     Reg  `json:"segment,omitempty"`
	GS          bool `json:"gs,omitempty"` // no GS register is modelled
}

func (p *Prefixes) apply(b byte) {
	switch b {
	case 0x26:
		p.Segment = ES
	case 0x2E:
		p.Segment = CS
	case 0x36:
		p.Segment = SS
	case 0x3E:
		p.Segment = DS
	case 0x64:
		p.Segment = FS
	case 0x65:
		p.GS = true
	case 0x66:
		p.OperandSize = true
	case 0x67:
		p.AddressSize = true
	case 0x9B:
		p.Wait = true
	case 0xF0:
		p.Lock = true
	case 0xF2:
		p.RepNE = true
	case 0xF3:
		p.Rep = true
	}
}

type decoder struct {
	code  []byte
	start int
	pos   int
	pfx   Prefixes
	op    uint16
	modrm int // -1 until read
}

func (d *decoder) truncated(phase string) error {
	return &TruncatedError{Offset: d.start, Phase: phase}
}

func (d *decoder) read1(phase string) (byte, error) {
	if d.pos >= len(d.code) {
		return 0, d.truncated(phase)
	}
	b := d.code[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) read2(phase string) (uint16, error) {
	if d.pos+2 > len(d.code) {
		return 0, d.truncated(phase)
	}
	v := binary.LittleEndian.Uint16(d.code[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) read4(phase string) (uint32, error) {
	if d.pos+4 > len(d.code) {
		return 0, d.truncated(phase)
	}
	v := binary.LittleEndian.Uint32(d.code[d.pos:])
	d.pos += 4
	return v, nil
}

func splitModRM(b byte) (mod, reg, rm byte) {
	return b >> 6, (b >> 3) & 7, b & 7
}

// readModRM returns the instruction's ModRM byte, reading it on first use.
func (d *decoder) readModRM() (mod, reg, rm byte, err error) {
	if d.modrm < 0 {
		b, err := d.read1("modrm")
		if err != nil {
			return 0, 0, 0, err
		}
		d.modrm = int(b)
	}
	mod, reg, rm = splitModRM(byte(d.modrm))
	return mod, reg, rm, nil
}

func (d *decoder) unsupported(format string, args ...interface{}) error {
	return &UnsupportedEncodingError{Offset: d.start, Reason: fmt.Sprintf(format, args...)}
}

func (d *decoder) memSize(t OperandType) (uint8, error) {
	switch t {
	case TypeB:
		return 1, nil
	case TypeW:
		return 2, nil
	case TypeV:
		if d.pfx.OperandSize {
			return 2, nil
		}
		return 4, nil
	}
	return 0, d.unsupported("operand type %s cannot address memory", t)
}

func (d *decoder) segment() (Reg, error) {
	if d.pfx.GS {
		return RegNone, d.unsupported("GS segment override")
	}
	return d.pfx.Segment, nil
}

// DecodeOne decodes the instruction starting at code[offset]. Offsets in
// the result and in errors are relative to code.
func DecodeOne(code []byte, offset int) (*Instruction, error) {
	if offset < 0 || offset >= len(code) {
		return nil, &TruncatedError{Offset: offset, Phase: "prefix"}
	}
	d := &decoder{code: code, start: offset, pos: offset, modrm: -1}

	for d.pos < len(code) && prefixBytes[code[d.pos]] {
		d.pfx.apply(code[d.pos])
		d.pos++
	}

	b, err := d.read1("opcode")
	if err != nil {
		return nil, err
	}
	d.op = uint16(b)
	if b == 0x0F {
		b2, err := d.read1("opcode escape")
		if err != nil {
			return nil, err
		}
		d.op = 0x0F00 | uint16(b2)
	}

	var ext uint8
	if groupOpcodes[d.op] {
		if d.pos >= len(code) {
			return nil, d.truncated("opcode extension")
		}
		_, reg, _ := splitModRM(code[d.pos])
		ext = reg
	}

	def, ok := lookupOpcode(d.op, ext)
	if !ok {
		end := offset + 16
		if end > len(code) {
			end = len(code)
		}
		return nil, &UnknownOpcodeError{Offset: offset, Opcode: d.op, Ext: ext, Bytes: append([]byte(nil), code[offset:end]...)}
	}

	// The stack is modelled in 4-byte slots only.
	if d.pfx.OperandSize && isStackOp(def.Mnemonic) {
		return nil, d.unsupported("16-bit %s", def.Mnemonic)
	}

	inst := &Instruction{
		Mnemonic: def.Mnemonic,
		Offset:   offset,
		Prefixes: d.pfx,
		Operands: make([]Operand, 0, len(def.Operands)),
	}
	if def.Mnemonic == ConditionalJump {
		inst.Condition = def.Condition
	}
	for _, spec := range def.Operands {
		o, err := d.operand(spec)
		if err != nil {
			return nil, err
		}
		inst.Operands = append(inst.Operands, o)
	}
	inst.Size = d.pos - offset
	inst.Raw = append([]byte(nil), code[offset:d.pos]...)

	log.Trace(log.DecoderModule, "decoded", "offset", fmt.Sprintf("0x%04X", offset), "instr", inst)
	return inst, nil
}

func (d *decoder) operand(spec OperandSpec) (Operand, error) {
	switch spec.Method {
	case MethodE, MethodM:
		return d.modeE(spec)
	case MethodG:
		return d.modeG(spec)
	case MethodI:
		return d.immediate(spec.Type)
	case MethodJ:
		return d.relative(spec.Type)
	case MethodO:
		return d.modeO(spec)
	case MethodX:
		return d.stringOperand(spec, ESI, DS)
	case MethodY:
		return d.stringOperand(spec, EDI, ES)
	case MethodZ:
		return RegOperand(toggleSize(reg32[d.op&7], d.pfx.OperandSize)), nil
	case MethodImp:
		return d.implicit(spec.Type)
	}
	return Operand{}, d.unsupported("addressing method %s", spec.Method)
}

func (d *decoder) register(t OperandType, n byte) (Operand, error) {
	switch t {
	case TypeB:
		return RegOperand(reg8[n]), nil
	case TypeW:
		return RegOperand(reg16[n]), nil
	case TypeV:
		return RegOperand(toggleSize(reg32[n], d.pfx.OperandSize)), nil
	}
	return Operand{}, d.unsupported("operand type %s cannot name a register", t)
}

func (d *decoder) modeG(spec OperandSpec) (Operand, error) {
	_, reg, _, err := d.readModRM()
	if err != nil {
		return Operand{}, err
	}
	return d.register(spec.Type, reg)
}

func (d *decoder) modeE(spec OperandSpec) (Operand, error) {
	mod, _, rm, err := d.readModRM()
	if err != nil {
		return Operand{}, err
	}
	if mod == 3 {
		if spec.Method == MethodM {
			return Operand{}, d.unsupported("register form of a memory-only operand")
		}
		return d.register(spec.Type, rm)
	}
	if d.pfx.AddressSize {
		return Operand{}, d.unsupported("16-bit addressing")
	}
	size, err := d.memSize(spec.Type)
	if err != nil {
		return Operand{}, err
	}
	seg, err := d.segment()
	if err != nil {
		return Operand{}, err
	}
	m := MemRef{Segment: seg, Scale: 1, Size: size}

	switch {
	case rm == 4:
		sib, err := d.read1("sib")
		if err != nil {
			return Operand{}, err
		}
		scale, index, base := splitModRM(sib)
		m.Scale = 1 << scale
		if index != 4 {
			m.Index = reg32[index]
		}
		if base == 5 && mod == 0 {
			disp, err := d.read4("sib displacement")
			if err != nil {
				return Operand{}, err
			}
			m.Displacement = int32(disp)
			return MemOperand(m), nil
		}
		m.Base = reg32[base]
	case rm == 5 && mod == 0:
		disp, err := d.read4("displacement")
		if err != nil {
			return Operand{}, err
		}
		m.Displacement = int32(disp)
		return MemOperand(m), nil
	default:
		m.Base = reg32[rm]
	}

	switch mod {
	case 1:
		disp, err := d.read1("disp8")
		if err != nil {
			return Operand{}, err
		}
		m.Displacement = int32(int8(disp))
	case 2:
		disp, err := d.read4("disp32")
		if err != nil {
			return Operand{}, err
		}
		m.Displacement = int32(disp)
	}
	return MemOperand(m), nil
}

func (d *decoder) immediate(t OperandType) (Operand, error) {
	switch t {
	case TypeB:
		v, err := d.read1("imm8")
		return Imm32(uint32(v)), err
	case TypeBS:
		v, err := d.read1("imm8")
		return Imm32s(int32(int8(v))), err
	case TypeV, TypeVS:
		if d.pfx.OperandSize {
			v, err := d.read2("imm16")
			if t == TypeVS {
				return Imm32s(int32(int16(v))), err
			}
			return Imm32(uint32(v)), err
		}
		v, err := d.read4("imm32")
		if t == TypeVS {
			return Imm32s(int32(v)), err
		}
		return Imm32(v), err
	}
	return Operand{}, d.unsupported("immediate of type %s", t)
}

func isStackOp(m Mnemonic) bool {
	return m == Push || m == Pop || m == PushAll || m == PopAll
}

// relative decodes a branch displacement; always signed.
func (d *decoder) relative(t OperandType) (Operand, error) {
	switch t {
	case TypeBS, TypeB:
		v, err := d.read1("rel8")
		return Imm32s(int32(int8(v))), err
	case TypeV:
		if d.pfx.OperandSize {
			v, err := d.read2("rel16")
			return Imm32s(int32(int16(v))), err
		}
		v, err := d.read4("rel32")
		return Imm32s(int32(v)), err
	}
	return Operand{}, d.unsupported("branch displacement of type %s", t)
}

func (d *decoder) modeO(spec OperandSpec) (Operand, error) {
	if d.pfx.AddressSize {
		return Operand{}, d.unsupported("16-bit absolute offset")
	}
	size, err := d.memSize(spec.Type)
	if err != nil {
		return Operand{}, err
	}
	seg, err := d.segment()
	if err != nil {
		return Operand{}, err
	}
	disp, err := d.read4("moffs32")
	if err != nil {
		return Operand{}, err
	}
	return MemOperand(MemRef{Segment: seg, Scale: 1, Displacement: int32(disp), Size: size}), nil
}

func (d *decoder) stringOperand(spec OperandSpec, base, seg Reg) (Operand, error) {
	if d.pfx.AddressSize {
		return Operand{}, d.unsupported("16-bit string addressing")
	}
	size, err := d.memSize(spec.Type)
	if err != nil {
		return Operand{}, err
	}
	return MemOperand(MemRef{Segment: seg, Base: base, Scale: 1, Size: size}), nil
}

func (d *decoder) implicit(t OperandType) (Operand, error) {
	switch t {
	case TypeEAX:
		return RegOperand(toggleSize(EAX, d.pfx.OperandSize)), nil
	case TypeEDX:
		return RegOperand(toggleSize(EDX, d.pfx.OperandSize)), nil
	case TypeAL:
		return RegOperand(AL), nil
	case TypeES:
		return RegOperand(ES), nil
	case TypeSS:
		return RegOperand(SS), nil
	case TypeConst1:
		return Imm32(1), nil
	}
	return Operand{}, d.unsupported("implicit operand %s", t)
}
