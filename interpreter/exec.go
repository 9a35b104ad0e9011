package interpreter

import (
	"fmt"

	"github.com/colorfulnotion/fragvm/fragerrors"
	"github.com/colorfulnotion/fragvm/i386"
	"github.com/colorfulnotion/fragvm/log"
)

var (
	eipSlot = i386.EIP.Slot()
	espSlot = i386.ESP.Slot()
	ecxSlot = i386.ECX.Slot()
	esiSlot = i386.ESI.Slot()
	ediSlot = i386.EDI.Slot()
)

func hex32(v uint32) string { return fmt.Sprintf("0x%08X", v) }

// control is how an instruction changes the flow: fall through, jump to
// target, or stop with an outcome.
type control struct {
	jump    bool
	target  uint32
	outcome *Outcome
}

// Interpret runs from entry until a return reaches a registered trampoline
// or execution falls off the end of a block.
func (s *State) Interpret(entry uint32) (*Outcome, error) {
	s.regs[eipSlot] = entry
	bc, idx, err := s.findInstr(entry)
	if err != nil {
		return nil, err
	}
	log.Debug(log.InterpModule, "interpret", "entry", hex32(entry), "block", hex32(bc.StartAddress))

	var executed uint64
	for {
		if idx >= len(bc.Instructions) {
			log.Debug(log.InterpModule, "out of instructions", "eip", hex32(s.eip()), "steps", executed)
			return &Outcome{Kind: OutcomeExhausted, Steps: executed}, nil
		}
		if s.maxSteps > 0 && executed >= s.maxSteps {
			return nil, &StepLimitError{Limit: s.maxSteps, EIP: s.eip()}
		}
		in := bc.Instructions[idx]
		addr := s.eip()
		log.Trace(log.InterpModule, "step", "n", executed, "eip", hex32(addr), "instr", in)
		idx++
		s.regs[eipSlot] = addr + uint32(in.Size)
		s.written = s.written[:0]

		ctl, err := s.execute(in)
		if err != nil {
			return nil, err
		}
		if ctl.jump {
			s.regs[eipSlot] = ctl.target
		}
		executed++
		s.steps++
		if err := s.traceStep(addr, in); err != nil {
			return nil, err
		}

		if ctl.outcome != nil {
			ctl.outcome.Steps = executed
			log.Debug(log.InterpModule, "reached trampoline", "kind", ctl.outcome.Kind, "name", ctl.outcome.Trampoline, "args", ctl.outcome.Args, "steps", executed)
			return ctl.outcome, nil
		}
		if ctl.jump {
			if bc, idx, err = s.findInstr(ctl.target); err != nil {
				return nil, err
			}
		}
	}
}

func (s *State) execute(in *i386.Instruction) (control, error) {
	var err error
	switch in.Mnemonic {
	case i386.PushAll:
		s.pushAll()
	case i386.PopAll:
		err = s.popAll()
	case i386.Push:
		var v uint32
		if v, err = s.get(in.Op(0)); err == nil {
			s.PushStack(v)
		}
	case i386.Pop:
		var v uint32
		if v, err = s.popStack("pop"); err == nil {
			err = s.put(in.Op(0), v)
		}
	case i386.Move, i386.MoveZeroExtend:
		var v uint32
		if v, err = s.get(in.Op(1)); err == nil {
			err = s.put(in.Op(0), v)
		}
	case i386.MoveString:
		err = s.moveString(in)
	case i386.Lea:
		err = s.doLea(in.Op(0), in.Op(1))
	case i386.Add, i386.Adc, i386.Sub, i386.Compare, i386.And, i386.Or, i386.Xor, i386.Test:
		err = s.binary(in)
	case i386.Inc, i386.Dec, i386.Neg:
		err = s.unary(in)
	case i386.Mul:
		err = s.multiply(in, false)
	case i386.IMul2:
		err = s.imul(in.Op(0), in.Op(0), in.Op(1))
	case i386.IMul3:
		if in.Op(2).IsImmediate() {
			err = s.imul(in.Op(0), in.Op(1), in.Op(2))
		} else {
			err = s.multiply(in, true)
		}
	case i386.Div:
		err = s.divide(in, false)
	case i386.IDiv:
		err = s.divide(in, true)
	case i386.ShiftLeft, i386.ShiftRight, i386.ShiftArithmeticRight, i386.RotateCarryRight:
		err = s.shift(in)
	case i386.ClearDirectionFlag:
		s.flags.DF = false
	case i386.Jump:
		var target uint32
		if target, err = s.branchTarget(in.Op(0)); err == nil {
			return control{jump: true, target: target}, nil
		}
	case i386.ConditionalJump:
		return s.conditionalJump(in)
	case i386.Call:
		var target uint32
		if target, err = s.branchTarget(in.Op(0)); err == nil {
			s.PushStack(s.eip())
			return control{jump: true, target: target}, nil
		}
	case i386.Return:
		return s.doReturn()
	default:
		err = &InstructionError{Instruction: in, EIP: s.eip() - uint32(in.Size)}
	}
	return control{}, err
}

// lea computes base + index*scale + displacement with 32-bit wraparound.
func (s *State) lea(m i386.MemRef) uint32 {
	addr := uint32(m.Displacement)
	if m.Base != i386.RegNone {
		addr += s.regs[m.Base.Slot()]
	}
	if m.Index != i386.RegNone {
		addr += s.regs[m.Index.Slot()] * uint32(m.Scale)
	}
	return addr
}

func (s *State) address(o i386.Operand) (uint32, error) {
	if seg := o.Mem.Segment; seg != i386.RegNone && s.regs[seg.Slot()] != 0 {
		return 0, &OperandError{Operand: o, Reason: fmt.Sprintf("non-zero segment register %s", seg), EIP: s.eip()}
	}
	return s.lea(o.Mem), nil
}

func (s *State) get(o i386.Operand) (uint32, error) {
	switch o.Kind {
	case i386.OperandRegister:
		return s.Register(o.Reg), nil
	case i386.OperandImm32, i386.OperandImm32s:
		return o.Imm, nil
	case i386.OperandMemory:
		addr, err := s.address(o)
		if err != nil {
			return 0, err
		}
		return s.Load(addr, int(o.Mem.Size))
	}
	return 0, &OperandError{Operand: o, Reason: "unknown operand kind", EIP: s.eip()}
}

func (s *State) put(o i386.Operand, v uint32) error {
	switch o.Kind {
	case i386.OperandRegister:
		s.SetRegister(o.Reg, v)
		return nil
	case i386.OperandMemory:
		addr, err := s.address(o)
		if err != nil {
			return err
		}
		return s.Store(addr, v, int(o.Mem.Size))
	}
	return &OperandError{Operand: o, Reason: "destination is an immediate", EIP: s.eip()}
}

// pushAll stores the pre-push ESP in the ESP slot.
func (s *State) pushAll() {
	esp := s.regs[espSlot]
	for _, r := range []i386.Reg{i386.EAX, i386.ECX, i386.EDX, i386.EBX} {
		s.PushStack(s.regs[r.Slot()])
	}
	s.PushStack(esp)
	for _, r := range []i386.Reg{i386.EBP, i386.ESI, i386.EDI} {
		s.PushStack(s.regs[r.Slot()])
	}
}

// popAll discards the saved ESP slot.
func (s *State) popAll() error {
	if len(s.stack) < 8 {
		return &ExecError{Kind: fragerrors.ErrIStackUnderflow, EIP: s.eip(), Detail: fmt.Sprintf("popad with %d stack values", len(s.stack))}
	}
	for _, r := range []i386.Reg{i386.EDI, i386.ESI, i386.EBP, i386.ESP, i386.EBX, i386.EDX, i386.ECX, i386.EAX} {
		v, _ := s.popStack("popad")
		if r != i386.ESP {
			s.regs[r.Slot()] = v
		}
	}
	return nil
}

func (s *State) moveString(in *i386.Instruction) error {
	dst, src := in.Op(0), in.Op(1)
	step := uint32(dst.Size())
	once := func() error {
		v, err := s.get(src)
		if err != nil {
			return err
		}
		if err := s.put(dst, v); err != nil {
			return err
		}
		if s.flags.DF {
			s.regs[esiSlot] -= step
			s.regs[ediSlot] -= step
		} else {
			s.regs[esiSlot] += step
			s.regs[ediSlot] += step
		}
		return nil
	}
	if !in.Prefixes.Rep {
		return once()
	}
	for s.regs[ecxSlot] != 0 {
		if err := once(); err != nil {
			return err
		}
		s.regs[ecxSlot]--
	}
	return nil
}

func (s *State) doLea(dst, src i386.Operand) error {
	if src.Kind != i386.OperandMemory {
		return &OperandError{Operand: src, Reason: "lea needs a memory operand", EIP: s.eip()}
	}
	return s.put(dst, s.lea(src.Mem))
}

func (s *State) binary(in *i386.Instruction) error {
	dst, src := in.Op(0), in.Op(1)
	size := int(dst.Size())
	a, err := s.get(dst)
	if err != nil {
		return err
	}
	b, err := s.get(src)
	if err != nil {
		return err
	}
	var r uint32
	switch in.Mnemonic {
	case i386.Add:
		r = a + b
		s.addFlags(a, b, r, false, size)
	case i386.Adc:
		carry := s.flags.CF
		r = a + b
		if carry {
			r++
		}
		s.addFlags(a, b, r, carry, size)
	case i386.Sub, i386.Compare:
		r = a - b
		s.subFlags(a, b, r, false, size)
	case i386.And, i386.Test:
		r = a & b
		s.logicFlags(r, size)
	case i386.Or:
		r = a | b
		s.logicFlags(r, size)
	case i386.Xor:
		r = a ^ b
		s.logicFlags(r, size)
	}
	if in.Mnemonic == i386.Compare || in.Mnemonic == i386.Test {
		log.Trace(log.InterpModule, "compare", "a", hex32(a), "b", hex32(b), "flags", s.flags)
		return nil
	}
	return s.put(dst, r&mask(size))
}

// unary handles inc and dec, which keep CF, and neg.
func (s *State) unary(in *i386.Instruction) error {
	dst := in.Op(0)
	size := int(dst.Size())
	a, err := s.get(dst)
	if err != nil {
		return err
	}
	var r uint32
	carry := s.flags.CF
	switch in.Mnemonic {
	case i386.Inc:
		r = a + 1
		s.addFlags(a, 1, r, false, size)
		s.flags.CF = carry
	case i386.Dec:
		r = a - 1
		s.subFlags(a, 1, r, false, size)
		s.flags.CF = carry
	case i386.Neg:
		r = -a
		s.subFlags(0, a, r, false, size)
	}
	return s.put(dst, r&mask(size))
}

// multiply is the one-operand form: EDX:EAX = EAX * src.
func (s *State) multiply(in *i386.Instruction, signed bool) error {
	hiOp, loOp, srcOp := in.Op(0), in.Op(1), in.Op(2)
	size := int(srcOp.Size())
	bits := uint(size * 8)
	m := mask(size)
	a, err := s.get(loOp)
	if err != nil {
		return err
	}
	b, err := s.get(srcOp)
	if err != nil {
		return err
	}
	var lo, hi uint32
	var overflow bool
	if signed {
		p := int64(signExtend(a, size)) * int64(signExtend(b, size))
		lo, hi = uint32(p)&m, uint32(p>>bits)&m
		overflow = p != int64(signExtend(lo, size))
	} else {
		p := uint64(a&m) * uint64(b&m)
		lo, hi = uint32(p)&m, uint32(p>>bits)&m
		overflow = hi != 0
	}
	s.flags.CF, s.flags.OF = overflow, overflow
	if err := s.put(loOp, lo); err != nil {
		return err
	}
	return s.put(hiOp, hi)
}

// imul is the truncating form: dst = x * y.
func (s *State) imul(dst, x, y i386.Operand) error {
	size := int(dst.Size())
	a, err := s.get(x)
	if err != nil {
		return err
	}
	b, err := s.get(y)
	if err != nil {
		return err
	}
	p := int64(signExtend(a, size)) * int64(signExtend(b, size))
	r := uint32(p) & mask(size)
	overflow := p != int64(signExtend(r, size))
	s.flags.CF, s.flags.OF = overflow, overflow
	return s.put(dst, r)
}

// divide splits EDX:EAX by src into quotient (EAX) and remainder (EDX).
func (s *State) divide(in *i386.Instruction, signed bool) error {
	hiOp, loOp, srcOp := in.Op(0), in.Op(1), in.Op(2)
	size := int(srcOp.Size())
	bits := uint(size * 8)
	m := mask(size)
	hi, err := s.get(hiOp)
	if err != nil {
		return err
	}
	lo, err := s.get(loOp)
	if err != nil {
		return err
	}
	d, err := s.get(srcOp)
	if err != nil {
		return err
	}
	if d&m == 0 {
		return &ExecError{Kind: fragerrors.ErrIDivide, EIP: s.eip(), Detail: "divide by zero"}
	}
	wide := uint64(hi&m)<<bits | uint64(lo&m)
	var q, r uint32
	if signed {
		dividend := int64(wide)
		if size == 2 {
			dividend = int64(int32(uint32(wide)))
		}
		divisor := int64(signExtend(d, size))
		qq, rr := dividend/divisor, dividend%divisor
		if qq != int64(signExtend(uint32(qq)&m, size)) {
			return &ExecError{Kind: fragerrors.ErrIDivide, EIP: s.eip(), Detail: fmt.Sprintf("quotient of %d / %d overflows", dividend, divisor)}
		}
		q, r = uint32(qq)&m, uint32(rr)&m
	} else {
		divisor := uint64(d & m)
		qq := wide / divisor
		if qq > uint64(m) {
			return &ExecError{Kind: fragerrors.ErrIDivide, EIP: s.eip(), Detail: fmt.Sprintf("quotient of 0x%X / 0x%X overflows", wide, divisor)}
		}
		q, r = uint32(qq), uint32(wide%divisor)
	}
	if err := s.put(loOp, q); err != nil {
		return err
	}
	return s.put(hiOp, r)
}

func (s *State) shift(in *i386.Instruction) error {
	dst := in.Op(0)
	size := int(dst.Size())
	bits := uint32(size * 8)
	m := mask(size)
	a, err := s.get(dst)
	if err != nil {
		return err
	}
	c, err := s.get(in.Op(1))
	if err != nil {
		return err
	}
	count := c & 0x1F
	if count == 0 {
		return nil
	}
	a &= m
	var r uint32
	switch in.Mnemonic {
	case i386.ShiftLeft:
		s.flags.CF = count <= bits && (a>>(bits-count))&1 == 1
		r = (a << count) & m
		s.flags.OF = (r&signBit(size) != 0) != s.flags.CF
	case i386.ShiftRight:
		s.flags.CF = (a>>(count-1))&1 == 1
		r = a >> count
		s.flags.OF = a&signBit(size) != 0
	case i386.ShiftArithmeticRight:
		sa := signExtend(a, size)
		s.flags.CF = (sa>>(count-1))&1 == 1
		r = uint32(sa>>count) & m
		s.flags.OF = false
	case i386.RotateCarryRight:
		n := count % (bits + 1)
		cf := s.flags.CF
		for i := uint32(0); i < n; i++ {
			out := a&1 == 1
			a >>= 1
			if cf {
				a |= signBit(size)
			}
			cf = out
		}
		s.flags.CF = cf
		if n == 1 {
			s.flags.OF = (a&signBit(size) != 0) != (a&(signBit(size)>>1) != 0)
		}
		return s.put(dst, a)
	}
	s.setResultFlags(r, size)
	return s.put(dst, r)
}

// branchTarget resolves a relative displacement against the next EIP, or
// reads an absolute target from a register or memory operand.
func (s *State) branchTarget(o i386.Operand) (uint32, error) {
	if o.Kind == i386.OperandImm32s {
		return s.eip() + o.Imm, nil
	}
	return s.get(o)
}

func (s *State) conditionalJump(in *i386.Instruction) (control, error) {
	taken, err := in.Condition.Eval(s.flag)
	if err != nil || !taken {
		return control{}, err
	}
	target, err := s.branchTarget(in.Op(0))
	if err != nil {
		return control{}, err
	}
	log.Trace(log.InterpModule, "jcc taken", "cond", in.Condition, "target", hex32(target))
	return control{jump: true, target: target}, nil
}

func (s *State) doReturn() (control, error) {
	v, err := s.popStack("return")
	if err != nil {
		return control{}, err
	}
	t, ok := s.trampolines[v]
	if !ok {
		log.Trace(log.InterpModule, "ret", "target", hex32(v))
		return control{jump: true, target: v}, nil
	}
	if t.argCount > len(s.stack) {
		return control{}, &ExecError{Kind: fragerrors.ErrIStackUnderflow, EIP: s.eip(),
			Detail: fmt.Sprintf("%s takes %d arguments but the stack holds %d", t.name, t.argCount, len(s.stack))}
	}
	args := make([]uint32, t.argCount)
	for i := range args {
		args[i] = s.stack[len(s.stack)-1-i]
	}
	return control{outcome: &Outcome{Kind: t.kind, Trampoline: t.name, Address: v, Args: args}}, nil
}
