package interpreter

import (
	"errors"
	"testing"

	"github.com/colorfulnotion/fragvm/fragerrors"
	"github.com/colorfulnotion/fragvm/i386"
	"github.com/colorfulnotion/fragvm/internal/asm"
	"github.com/colorfulnotion/fragvm/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const codeBase = uint32(0x00400000)

// load decodes code at codeBase into a fresh state.
func load(t *testing.T, code []byte, opts ...Option) *State {
	t.Helper()
	bc, err := i386.DisassembleAll(0, codeBase, code)
	require.NoError(t, err)
	s := New(opts...)
	require.NoError(t, s.LoadByteCode(bc))
	return s
}

func run(t *testing.T, a *asm.Assembler, setup func(s *State)) (*State, *Outcome, error) {
	t.Helper()
	s := load(t, a.Bytes())
	if setup != nil {
		setup(s)
	}
	out, err := s.Interpret(codeBase)
	return s, out, err
}

func TestCompareFlags(t *testing.T) {
	cases := []struct {
		name           string
		a, b           uint32
		cf, of, zf, sf bool
		less           bool
	}{
		{"equal", 5, 5, false, false, true, false, false},
		{"below", 1, 2, true, false, false, true, true},
		{"above", 2, 1, false, false, false, false, false},
		{"min minus one", 0x80000000, 1, false, true, false, false, true},
		{"max minus minus one", 0x7FFFFFFF, 0xFFFFFFFF, true, true, false, true, false},
		{"zero minus min", 0, 0x80000000, true, true, false, true, false},
		{"minus one vs one", 0xFFFFFFFF, 1, false, false, false, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, out, err := run(t, asm.New().CmpRR(asm.EAX, asm.ECX), func(s *State) {
				s.SetRegister(i386.EAX, tc.a)
				s.SetRegister(i386.ECX, tc.b)
			})
			require.NoError(t, err)
			assert.Equal(t, OutcomeExhausted, out.Kind)
			f := s.Flags()
			assert.Equal(t, tc.cf, f.CF, "CF")
			assert.Equal(t, tc.of, f.OF, "OF")
			assert.Equal(t, tc.zf, f.ZF, "ZF")
			assert.Equal(t, tc.sf, f.SF, "SF")
			assert.Equal(t, tc.a, s.Register(i386.EAX), "cmp must not write back")

			less, err := i386.Condition(asm.CondL).Eval(s.flag)
			require.NoError(t, err)
			assert.Equal(t, tc.less, less, "jl")
		})
	}
}

func TestByteCompare(t *testing.T) {
	a := asm.New().Emit(0x3C, 0x80) // cmp al, 0x80
	s, _, err := run(t, a, func(s *State) { s.SetRegister(i386.EAX, 0x1234007F) })
	require.NoError(t, err)
	f := s.Flags()
	assert.True(t, f.CF)
	assert.True(t, f.OF)
	assert.True(t, f.SF)
	assert.False(t, f.ZF)
}

func TestSubRegisterWrites(t *testing.T) {
	s, _, err := run(t, asm.New().MovR16Imm(asm.EAX, 0xBEEF), func(s *State) {
		s.SetRegister(i386.EAX, 0x12345678)
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1234BEEF), s.Register(i386.EAX))
	assert.Equal(t, uint32(0xBEEF), s.Register(i386.AX))

	s.SetRegister(i386.AH, 0xAB)
	assert.Equal(t, uint32(0x1234ABEF), s.Register(i386.EAX))
	assert.Equal(t, uint32(0xAB), s.Register(i386.AH))
	s.SetRegister(i386.AL, 0x101)
	assert.Equal(t, uint32(0x1234AB01), s.Register(i386.EAX))
}

func TestPushAllPopAll(t *testing.T) {
	a := asm.New().Pusha()
	s, _, err := run(t, a, func(s *State) {
		for i, r := range []i386.Reg{i386.EAX, i386.ECX, i386.EDX, i386.EBX, i386.EBP, i386.ESI, i386.EDI} {
			s.SetRegister(r, uint32(i+1))
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3, 4, InitialESP, 5, 6, 7}, s.Stack())
	assert.Equal(t, InitialESP-32, s.Register(i386.ESP))

	a = asm.New().Pusha().MovRegImm(asm.EAX, 0).MovRegImm(asm.EBP, 0).MovRegImm(asm.ESP, 0x1000).Popa()
	s, out, err := run(t, a, func(s *State) {
		s.SetRegister(i386.EAX, 0xAAAA)
		s.SetRegister(i386.EBP, 0xBBBB)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), out.Steps)
	assert.Equal(t, uint32(0xAAAA), s.Register(i386.EAX))
	assert.Equal(t, uint32(0xBBBB), s.Register(i386.EBP))
	assert.Equal(t, uint32(0x1000+32), s.Register(i386.ESP), "saved ESP slot is skipped")
	assert.Empty(t, s.Stack())

	_, _, err = run(t, asm.New().Popa(), nil)
	assert.ErrorIs(t, err, fragerrors.ErrIStackUnderflow)
}

func TestTrampolineOutcomes(t *testing.T) {
	const tramp = uint32(0xAA000800)
	cases := []struct {
		name     string
		args     int
		kind     OutcomeKind
		want     []uint32
		wantArg0 uint32
	}{
		{"@HARDNumLoaded@8", 1, OutcomeContinuation, []uint32{0x1234}, 0x1234},
		{"do_start_interp", 1, OutcomeInterpreterEntry, []uint32{0x1234}, 0x1234},
		{"_ErrorExit", 0, OutcomeErrorExit, []uint32{}, 0},
		{"finish", 2, OutcomeCallback, []uint32{0x1234, 0x99}, 0x1234},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := asm.New()
			a.PushImm(0x1234)
			a.PushImm(tramp)
			a.Ret()
			s, out, err := run(t, a, func(s *State) {
				s.PushStack(0x99)
				s.AddTrampoline(tramp, tc.name, tc.args)
			})
			require.NoError(t, err)
			assert.Equal(t, tc.kind, out.Kind)
			assert.Equal(t, tc.name, out.Trampoline)
			assert.Equal(t, tramp, out.Address)
			assert.Equal(t, tc.want, out.Args)
			assert.Equal(t, uint64(3), out.Steps)
			assert.Equal(t, tc.wantArg0, out.Arg(0))
			assert.Equal(t, []uint32{0x99, 0x1234}, s.Stack())
		})
	}
}

func TestTrampolineArgumentUnderflow(t *testing.T) {
	a := asm.New()
	a.PushImm(0xAA000800)
	a.Ret()
	_, _, err := run(t, a, func(s *State) { s.AddTrampoline(0xAA000800, "finish", 2) })
	var ee *ExecError
	require.True(t, errors.As(err, &ee))
	assert.ErrorIs(t, err, fragerrors.ErrIStackUnderflow)
}

func TestCallAndReturn(t *testing.T) {
	a := asm.New()
	a.Call(11)                    // 0000 -> 0010
	a.PushImm(0x1234)             // 0005
	a.PushImm(0xAA000808)         // 000A
	a.Ret()                       // 000F
	a.MovRegImm(asm.EAX, 7).Ret() // 0010
	s, out, err := run(t, a, func(s *State) { s.AddTrampoline(0xAA000808, "@HARDEnd@4", 1) })
	require.NoError(t, err)
	assert.Equal(t, OutcomeContinuation, out.Kind)
	assert.Equal(t, []uint32{0x1234}, out.Args)
	assert.Equal(t, uint32(7), s.Register(i386.EAX))
	assert.Equal(t, uint64(6), out.Steps)
}

func TestJumpThroughRegister(t *testing.T) {
	a := asm.New()
	a.MovRegImm(asm.ECX, codeBase+0x0C) // 0000
	a.JmpReg(asm.ECX)                   // 0005
	a.MovRegImm(asm.EAX, 1)             // 0007
	a.MovRegImm(asm.EBX, 2)             // 000C
	s, out, err := run(t, a, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, out.Kind)
	assert.Equal(t, uint32(0), s.Register(i386.EAX))
	assert.Equal(t, uint32(2), s.Register(i386.EBX))
	assert.Equal(t, codeBase+0x11, s.Register(i386.EIP))
}

func TestConditionalLoop(t *testing.T) {
	a := asm.New()
	a.MovRegImm(asm.ECX, 10) // 0000
	a.Inc(asm.EAX)           // 0005
	a.Dec(asm.ECX)           // 0006
	a.Jcc(asm.CondNE, -4)    // 0007 -> 0005
	s, out, err := run(t, a, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), s.Register(i386.EAX))
	assert.Equal(t, uint32(0), s.Register(i386.ECX))
	assert.Equal(t, uint64(1+3*10), out.Steps)
}

func TestStepLimit(t *testing.T) {
	s := load(t, asm.New().JmpShort(-2).Bytes(), WithMaxSteps(100))
	_, err := s.Interpret(codeBase)
	var se *StepLimitError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, uint64(100), se.Limit)
	assert.Equal(t, uint64(100), s.Steps())
	assert.Equal(t, "I5", fragerrors.GetErrorCode(err))
}

func TestJumpErrors(t *testing.T) {
	_, _, err := run(t, asm.New().JmpShort(1).MovRegImm(asm.EAX, 1), nil)
	var je *JumpError
	require.True(t, errors.As(err, &je))
	assert.ErrorIs(t, err, fragerrors.ErrIMisalignedJump)
	assert.Equal(t, codeBase+3, je.Target)

	_, _, err = run(t, asm.New().JmpShort(0x10).Ret(), nil)
	assert.ErrorIs(t, err, fragerrors.ErrINoCode)

	s := New()
	_, err = s.Interpret(0x1000)
	assert.ErrorIs(t, err, fragerrors.ErrINoCode)

	_, _, err = run(t, asm.New().Ret(), nil)
	assert.ErrorIs(t, err, fragerrors.ErrIStackUnderflow)
	_, _, err = run(t, asm.New().PopReg(asm.EAX), nil)
	assert.ErrorIs(t, err, fragerrors.ErrIStackUnderflow)
}

func TestMemoryMap(t *testing.T) {
	_, _, err := run(t, asm.New().MovEAXMoffs(0x5000), nil)
	var me *MemoryError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, uint32(0x5000), me.Address)
	assert.ErrorIs(t, err, fragerrors.ErrIUnmappedAddress)

	ro := []byte{0x78, 0x56, 0x34, 0x12}
	s, _, err := run(t, asm.New().MovEAXMoffs(0x5000), func(s *State) { require.NoError(t, s.MapMemory(0x5000, ro)) })
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), s.Register(i386.EAX))

	_, _, err = run(t, asm.New().MovMoffsEAX(0x5000), func(s *State) { require.NoError(t, s.MapMemory(0x5000, ro)) })
	assert.ErrorIs(t, err, fragerrors.ErrIReadOnlyMemory)

	_, _, err = run(t, asm.New().MovEAXMoffs(0x5002), func(s *State) { require.NoError(t, s.MapMemory(0x5000, ro)) })
	assert.ErrorIs(t, err, fragerrors.ErrIUnmappedAddress, "read straddles the end of the mapping")

	buf := make([]byte, 8)
	s, _, err = run(t, asm.New().MovRegImm(asm.EBX, 0x6000).MovRegImm(asm.EAX, 0xCAFEBABE).MovMR(asm.EBX, 4, asm.EAX), func(s *State) {
		require.NoError(t, s.MapWritable(0x6000, buf))
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0xBE, 0xBA, 0xFE, 0xCA}, buf)
	got, err := s.UnmapWritable(0x6000)
	require.NoError(t, err)
	assert.Equal(t, buf, got)
	_, err = s.UnmapWritable(0x6000)
	assert.ErrorIs(t, err, fragerrors.ErrIUnmappedAddress)
}

func TestOverlappingMaps(t *testing.T) {
	s := New()
	require.NoError(t, s.MapWritable(0x1000, make([]byte, 16)))
	require.NoError(t, s.MapMemory(0x1010, make([]byte, 16)))
	require.NoError(t, s.MapMemory(0x0FF0, make([]byte, 16)))
	assert.ErrorIs(t, s.MapMemory(0x1008, make([]byte, 4)), fragerrors.ErrIOverlappingMap)
	assert.ErrorIs(t, s.MapMemory(0x0FFF, make([]byte, 2)), fragerrors.ErrIOverlappingMap)
	_, err := s.UnmapWritable(0x1010)
	assert.ErrorIs(t, err, fragerrors.ErrIUnmappedAddress, "read-only maps are not unmappable")

	bc, err := i386.DisassembleAll(0, codeBase, asm.New().MovRegImm(asm.EAX, 1).Bytes())
	require.NoError(t, err)
	require.NoError(t, s.LoadByteCode(bc))
	require.NoError(t, s.LoadByteCode(bc))
	inner, err := i386.DisassembleAll(2, codeBase+2, []byte{0x40})
	require.NoError(t, err)
	assert.ErrorIs(t, s.LoadByteCode(inner), fragerrors.ErrIOverlappingMap)
}

func TestPorts(t *testing.T) {
	a := asm.New().MovEAXMoffs(0x7000).MovRegImm(asm.ECX, 0xAA)
	a.Emit(0x88, 0x0D, 0x04, 0x70, 0x00, 0x00) // mov [0x7004], cl
	cell := &ValuePort{Value: 0x11223344}
	s, _, err := run(t, a, func(s *State) {
		s.MapPort(0x7000, PortFunc(func() uint32 { return 42 }))
		s.MapPort(0x7004, cell)
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(42), s.Register(i386.EAX))
	assert.Equal(t, uint32(0x112233AA), cell.Value)

	_, _, err = run(t, asm.New().MovMoffsEAX(0x7000), func(s *State) {
		s.MapPort(0x7000, PortFunc(func() uint32 { return 42 }))
	})
	assert.ErrorIs(t, err, fragerrors.ErrIReadOnlyMemory)

	s = New()
	s.MapPort(0x7000, cell)
	p, ok := s.UnmapPort(0x7000)
	assert.True(t, ok)
	assert.Same(t, cell, p)
}

func TestPortsShadowMemory(t *testing.T) {
	s, _, err := run(t, asm.New().MovEAXMoffs(0x5000), func(s *State) {
		require.NoError(t, s.MapMemory(0x5000, []byte{1, 0, 0, 0}))
		s.MapPort(0x5000, &ValuePort{Value: 9})
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(9), s.Register(i386.EAX))
}

func TestSegmentOverride(t *testing.T) {
	a := asm.New().Emit(0x64).MovEAXMoffs(0x5000) // mov eax, fs:[0x5000]
	_, _, err := run(t, a, func(s *State) {
		require.NoError(t, s.MapMemory(0x5000, make([]byte, 4)))
		s.SetRegister(i386.FS, 1)
	})
	var oe *OperandError
	require.True(t, errors.As(err, &oe))
	assert.ErrorIs(t, err, fragerrors.ErrIUnsupportedOperand)

	s, _, err := run(t, asm.New().Emit(0x16, 0x07), func(s *State) { s.SetRegister(i386.SS, 5) }) // push ss; pop es
	require.NoError(t, err)
	assert.Equal(t, uint32(5), s.Register(i386.ES))
}

func TestUnimplemented(t *testing.T) {
	_, _, err := run(t, asm.New().Int3(), nil)
	var ie *InstructionError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, codeBase, ie.EIP)
	assert.Equal(t, "I3", fragerrors.GetErrorCode(err))
}

func TestParityFlag(t *testing.T) {
	_, _, err := run(t, asm.New().Jcc(0xA, 0), nil)
	assert.ErrorIs(t, err, fragerrors.ErrIUnsupportedFlag)
}

func TestArithmetic(t *testing.T) {
	cases := []struct {
		name   string
		code   *asm.Assembler
		regs   map[i386.Reg]uint32
		flags  Flags
		want   map[i386.Reg]uint32
		wantCF bool
		wantOF bool
	}{
		{"add carry", asm.New().AddRR(asm.EAX, asm.ECX), map[i386.Reg]uint32{i386.EAX: 0xFFFFFFFF, i386.ECX: 2},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 1}, true, false},
		{"add overflow", asm.New().AddRR(asm.EAX, asm.ECX), map[i386.Reg]uint32{i386.EAX: 0x7FFFFFFF, i386.ECX: 1},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0x80000000}, false, true},
		{"adc byte", asm.New().Emit(0x80, 0xD0, 0x05), map[i386.Reg]uint32{i386.EAX: 0x123456FF},
			Flags{CF: true}, map[i386.Reg]uint32{i386.EAX: 0x12345605}, true, false},
		{"sub imm", asm.New().SubRI(asm.EAX, 1), map[i386.Reg]uint32{i386.EAX: 0},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0xFFFFFFFF}, true, false},
		{"neg", asm.New().Neg(asm.EAX), map[i386.Reg]uint32{i386.EAX: 5},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0xFFFFFFFB}, true, false},
		{"neg min", asm.New().Neg(asm.EAX), map[i386.Reg]uint32{i386.EAX: 0x80000000},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0x80000000}, true, true},
		{"inc keeps carry", asm.New().Inc(asm.EAX), map[i386.Reg]uint32{i386.EAX: 0x7FFFFFFF},
			Flags{CF: true}, map[i386.Reg]uint32{i386.EAX: 0x80000000}, true, true},
		{"dec keeps carry", asm.New().Dec(asm.EAX), map[i386.Reg]uint32{i386.EAX: 0},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0xFFFFFFFF}, false, false},
		{"and clears", asm.New().AndRI(asm.EAX, 0xF0), map[i386.Reg]uint32{i386.EAX: 0x1FF},
			Flags{CF: true, OF: true}, map[i386.Reg]uint32{i386.EAX: 0xF0}, false, false},
		{"xor self", asm.New().XorRR(asm.EAX, asm.EAX), map[i386.Reg]uint32{i386.EAX: 0x55},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0}, false, false},
		{"or", asm.New().OrRR(asm.EAX, asm.ECX), map[i386.Reg]uint32{i386.EAX: 0x0F, i386.ECX: 0xF0},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0xFF}, false, false},
		{"test", asm.New().TestRI(asm.EAX, 0x80000000), map[i386.Reg]uint32{i386.EAX: 0x80000001},
			Flags{CF: true}, map[i386.Reg]uint32{i386.EAX: 0x80000001}, false, false},
		{"mul", asm.New().Mul(asm.ECX), map[i386.Reg]uint32{i386.EAX: 0x10000, i386.ECX: 0x10000},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0, i386.EDX: 1}, true, true},
		{"imul one operand", asm.New().Emit(0xF7, 0xE9), map[i386.Reg]uint32{i386.EAX: 0xFFFFFFFE, i386.ECX: 3},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0xFFFFFFFA, i386.EDX: 0xFFFFFFFF}, false, false},
		{"imul2", asm.New().IMulRR(asm.EAX, asm.ECX), map[i386.Reg]uint32{i386.EAX: 0xFFFFFFFD, i386.ECX: 7},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0xFFFFFFEB}, false, false},
		{"imul3 overflow", asm.New().IMulRRI(asm.EAX, asm.ECX, -2), map[i386.Reg]uint32{i386.ECX: 0x40000001},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0x7FFFFFFE}, true, true},
		{"div", asm.New().Div(asm.ECX), map[i386.Reg]uint32{i386.EAX: 100, i386.ECX: 7},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 14, i386.EDX: 2}, false, false},
		{"idiv", asm.New().IDiv(asm.ECX), map[i386.Reg]uint32{i386.EDX: 0xFFFFFFFF, i386.EAX: 0xFFFFFF9C, i386.ECX: 7},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0xFFFFFFF2, i386.EDX: 0xFFFFFFFE}, false, false},
		{"shl", asm.New().ShlRI(asm.EAX, 1), map[i386.Reg]uint32{i386.EAX: 0x80000001},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 2}, true, true},
		{"shr", asm.New().ShrRI(asm.EAX, 5), map[i386.Reg]uint32{i386.EAX: 0x10},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0}, true, false},
		{"sar", asm.New().SarRI(asm.EAX, 4), map[i386.Reg]uint32{i386.EAX: 0xFFFFFFF0},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0xFFFFFFFF}, false, false},
		{"rcr", asm.New().Emit(0xD1, 0xC8), map[i386.Reg]uint32{i386.EAX: 2},
			Flags{CF: true}, map[i386.Reg]uint32{i386.EAX: 0x80000001}, false, true},
		{"lea", asm.New().LeaRM(asm.EAX, asm.EBX, -4), map[i386.Reg]uint32{i386.EBX: 0x1000},
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0xFFC}, false, false},
		{"movzx", asm.New().MovzxB(asm.EAX, asm.ECX), map[i386.Reg]uint32{i386.EAX: 0xFFFFFFFF, i386.ECX: 0x1234}, // movzx eax, cl
			Flags{}, map[i386.Reg]uint32{i386.EAX: 0x34}, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _, err := run(t, tc.code, func(s *State) {
				s.SetFlags(tc.flags)
				for r, v := range tc.regs {
					s.SetRegister(r, v)
				}
			})
			require.NoError(t, err)
			for r, v := range tc.want {
				assert.Equal(t, v, s.Register(r), "%s", r)
			}
			assert.Equal(t, tc.wantCF, s.Flags().CF, "CF")
			assert.Equal(t, tc.wantOF, s.Flags().OF, "OF")
		})
	}
}

func TestDivideErrors(t *testing.T) {
	_, _, err := run(t, asm.New().Div(asm.ECX), func(s *State) { s.SetRegister(i386.EAX, 10) })
	var ee *ExecError
	require.True(t, errors.As(err, &ee))
	assert.ErrorIs(t, err, fragerrors.ErrIDivide)

	_, _, err = run(t, asm.New().Div(asm.ECX), func(s *State) {
		s.SetRegister(i386.EDX, 1)
		s.SetRegister(i386.ECX, 1)
	})
	assert.ErrorIs(t, err, fragerrors.ErrIDivide, "quotient overflow")

	_, _, err = run(t, asm.New().IDiv(asm.ECX), func(s *State) {
		s.SetRegister(i386.EDX, 0xFFFFFFFF)
		s.SetRegister(i386.EAX, 0x80000000)
		s.SetRegister(i386.ECX, 0xFFFFFFFF)
	})
	assert.ErrorIs(t, err, fragerrors.ErrIDivide, "min / -1")
}

func TestRepMovsb(t *testing.T) {
	dst := make([]byte, 8)
	s, out, err := run(t, asm.New().Cld().RepMovsb(), func(s *State) {
		require.NoError(t, s.MapMemory(0x1000, []byte("hello")))
		require.NoError(t, s.MapWritable(0x2000, dst))
		s.SetRegister(i386.ESI, 0x1000)
		s.SetRegister(i386.EDI, 0x2000)
		s.SetRegister(i386.ECX, 5)
		s.SetFlags(Flags{DF: true})
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), out.Steps)
	assert.Equal(t, "hello\x00\x00\x00", string(dst))
	assert.Equal(t, uint32(0), s.Register(i386.ECX))
	assert.Equal(t, uint32(0x1005), s.Register(i386.ESI))
	assert.Equal(t, uint32(0x2005), s.Register(i386.EDI))
	assert.False(t, s.Flags().DF)
}

func TestTracer(t *testing.T) {
	rec := &trace.Recorder{}
	a := asm.New().MovRegImm(asm.EAX, 0x01020304).MovMoffsEAX(0x6000)
	s := load(t, a.Bytes(), WithTracer(rec))
	require.NoError(t, s.MapWritable(0x6000, make([]byte, 4)))
	_, err := s.Interpret(codeBase)
	require.NoError(t, err)

	require.Len(t, rec.Steps, 2)
	first, second := rec.Steps[0], rec.Steps[1]
	assert.Equal(t, uint64(0), first.Index)
	assert.Equal(t, codeBase, first.Address)
	assert.Equal(t, uint32(0x01020304), first.Registers.EAX)
	assert.Equal(t, codeBase+5, first.Registers.EIP)
	assert.Nil(t, first.ChangedMemoryAddr)

	require.NotNil(t, second.ChangedMemoryAddr)
	assert.Equal(t, uint32(0x6000), *second.ChangedMemoryAddr)
	assert.Equal(t, []byte{4, 3, 2, 1}, second.ChangedMemoryBytes)
	assert.Contains(t, second.Instruction, "mov")
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "CF=1 OF=0 ZF=1 SF=0 DF=0", Flags{CF: true, ZF: true}.String())
	assert.Equal(t, "continue", OutcomeContinuation.String())
	assert.Equal(t, "exhausted after 3 steps", (&Outcome{Steps: 3}).String())
}
