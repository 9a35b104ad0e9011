package i386

import (
	"fmt"
	"strings"
)

// Instruction is one decoded instruction. Only Annotation may change after
// decoding.
type Instruction struct {
	Mnemonic   Mnemonic      `json:"mnemonic"`
	Condition  ConditionCode `json:"-"`
	Operands   []Operand     `json:"operands"`
	Size       int           `json:"size"`
	Offset     int           `json:"offset"`
	Raw        []byte        `json:"raw"`
	Prefixes   Prefixes      `json:"prefixes"`
	Annotation string        `json:"annotation,omitempty"`
}

// Op returns operand i.
func (in *Instruction) Op(i int) Operand { return in.Operands[i] }

// End is the offset just past the instruction.
func (in *Instruction) End() int { return in.Offset + in.Size }

// IsJump reports relative or absolute control transfers other than return.
func (in *Instruction) IsJump() bool {
	switch in.Mnemonic {
	case Jump, ConditionalJump, Call:
		return true
	}
	return false
}

func (in *Instruction) IsUnconditionalJump() bool { return in.Mnemonic == Jump }

// JumpDelta returns the signed displacement of a relative jump, conditional
// jump or call. ok is false for indirect forms.
func (in *Instruction) JumpDelta() (delta int32, ok bool) {
	if !in.IsJump() || len(in.Operands) == 0 || in.Operands[0].Kind != OperandImm32s {
		return 0, false
	}
	return in.Operands[0].Signed(), true
}

// JumpTarget is the offset a relative jump lands on.
func (in *Instruction) JumpTarget() (int, bool) {
	delta, ok := in.JumpDelta()
	if !ok {
		return 0, false
	}
	return in.End() + int(delta), true
}

// PushedValue returns the immediate of a push imm instruction.
func (in *Instruction) PushedValue() (uint32, bool) {
	if in.Mnemonic != Push || len(in.Operands) != 1 || !in.Operands[0].IsImmediate() {
		return 0, false
	}
	return in.Operands[0].Imm, true
}

// MemoryOperand returns the first memory operand, if any.
func (in *Instruction) MemoryOperand() (MemRef, bool) {
	for _, o := range in.Operands {
		if o.Kind == OperandMemory {
			return o.Mem, true
		}
	}
	return MemRef{}, false
}

// Name is the assembler mnemonic, with rep and condition suffixes applied.
func (in *Instruction) Name() string {
	switch {
	case in.Mnemonic == ConditionalJump:
		return "j" + in.Condition.Short
	case in.Mnemonic == MoveString:
		name := "movsb"
		if len(in.Operands) > 0 && in.Operands[0].Size() == 4 {
			name = "movsd"
		}
		if in.Prefixes.Rep {
			return "rep " + name
		}
		return name
	}
	return in.Mnemonic.Asm()
}

func (in *Instruction) String() string {
	var sb strings.Builder
	sb.WriteString(in.Name())
	for i, o := range in.Operands {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(o.String())
	}
	if target, ok := in.JumpTarget(); ok {
		fmt.Fprintf(&sb, " -> @%04X", target)
	}
	if in.Annotation != "" {
		fmt.Fprintf(&sb, " [%s]", in.Annotation)
	}
	return sb.String()
}

func hexBytes(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	return sb.String()
}
