// Package interpreter executes decoded fragments against a register file, a
// value stack, a sorted memory map and a table of host ports.
package interpreter

import (
	"fmt"
	"sort"

	"github.com/colorfulnotion/fragvm/config"
	"github.com/colorfulnotion/fragvm/fragerrors"
	"github.com/colorfulnotion/fragvm/i386"
	"github.com/colorfulnotion/fragvm/log"
	"github.com/colorfulnotion/fragvm/segmenter"
	"github.com/colorfulnotion/fragvm/trace"
)

// InitialESP is the stack pointer of a fresh state.
const InitialESP uint32 = 0xFFFFFFFF

type Flags struct {
	CF bool `json:"cf"`
	OF bool `json:"of"`
	ZF bool `json:"zf"`
	SF bool `json:"sf"`
	DF bool `json:"df"`
}

func (f Flags) String() string {
	bit := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	return fmt.Sprintf("CF=%d OF=%d ZF=%d SF=%d DF=%d", bit(f.CF), bit(f.OF), bit(f.ZF), bit(f.SF), bit(f.DF))
}

type trampoline struct {
	name     string
	argCount int
	kind     OutcomeKind
}

// State is one interpretation run. It is not safe for concurrent use.
type State struct {
	regs  [i386.NumRegisters]uint32
	flags Flags
	stack []uint32

	mem   memoryMap
	ports map[uint32]Port
	code  []*i386.ByteCode // sorted by StartAddress

	trampolines map[uint32]trampoline
	vocab       config.Vocabulary
	maxSteps    uint64
	steps       uint64

	tracer    trace.Tracer
	written   []byte
	writtenAt uint32
}

type Option func(*State)

// WithTracer reports every completed step to t.
func WithTracer(t trace.Tracer) Option {
	return func(s *State) { s.tracer = t }
}

// WithMaxSteps bounds a single Interpret call. Zero disables the bound.
func WithMaxSteps(n uint64) Option {
	return func(s *State) { s.maxSteps = n }
}

// WithVocabulary decides which outcome a named trampoline produces.
func WithVocabulary(v config.Vocabulary) Option {
	return func(s *State) { s.vocab = v }
}

func New(opts ...Option) *State {
	s := &State{
		ports:       make(map[uint32]Port),
		trampolines: make(map[uint32]trampoline),
		vocab:       config.DefaultVocabulary(),
		maxSteps:    config.DefaultMaxSteps,
	}
	s.regs[i386.ESP.Slot()] = InitialESP
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *State) eip() uint32 { return s.regs[i386.EIP.Slot()] }

// Register reads r at its own width; high-byte registers yield bits 8..15.
func (s *State) Register(r i386.Reg) uint32 {
	slot := r.Slot()
	if slot < 0 {
		return 0
	}
	v := s.regs[slot]
	switch {
	case r.Is16():
		return v & 0xFFFF
	case r.IsLow8():
		return v & 0xFF
	case r.IsHigh8():
		return (v >> 8) & 0xFF
	}
	return v
}

// SetRegister writes r at its own width, leaving the other bits of the
// containing register alone.
func (s *State) SetRegister(r i386.Reg, v uint32) {
	slot := r.Slot()
	if slot < 0 {
		return
	}
	switch {
	case r.Is16():
		s.regs[slot] = s.regs[slot]&^0xFFFF | v&0xFFFF
	case r.IsLow8():
		s.regs[slot] = s.regs[slot]&^0xFF | v&0xFF
	case r.IsHigh8():
		s.regs[slot] = s.regs[slot]&^0xFF00 | (v&0xFF)<<8
	default:
		s.regs[slot] = v
	}
}

// RegisterFile returns a copy of every register in slot order.
func (s *State) RegisterFile() [i386.NumRegisters]uint32 { return s.regs }

func (s *State) Flags() Flags { return s.flags }

func (s *State) SetFlags(f Flags) { s.flags = f }

// PushStack pushes v and moves ESP down by four.
func (s *State) PushStack(v uint32) {
	s.stack = append(s.stack, v)
	s.regs[i386.ESP.Slot()] -= 4
}

func (s *State) popStack(what string) (uint32, error) {
	if len(s.stack) == 0 {
		return 0, &ExecError{Kind: fragerrors.ErrIStackUnderflow, EIP: s.eip(), Detail: what + " with empty stack"}
	}
	v := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	s.regs[i386.ESP.Slot()] += 4
	return v, nil
}

// Stack returns the stack bottom first.
func (s *State) Stack() []uint32 { return append([]uint32(nil), s.stack...) }

// Steps counts the instructions executed by this state so far.
func (s *State) Steps() uint64 { return s.steps }

// AddTrampoline makes a return to addr end interpretation with the last
// argCount stack values.
func (s *State) AddTrampoline(addr uint32, name string, argCount int) {
	s.trampolines[addr] = trampoline{name: name, argCount: argCount, kind: s.outcomeKind(name)}
}

func (s *State) outcomeKind(name string) OutcomeKind {
	switch {
	case name == s.vocab.InterpreterEntry:
		return OutcomeInterpreterEntry
	case name == s.vocab.ErrorExit:
		return OutcomeErrorExit
	case s.vocab.IsContinuation(name):
		return OutcomeContinuation
	}
	return OutcomeCallback
}

// LoadByteCode makes bc executable at its StartAddress. Loading the same
// block twice is a no-op; partially overlapping blocks are rejected.
func (s *State) LoadByteCode(bc *i386.ByteCode) error {
	i := sort.Search(len(s.code), func(i int) bool { return s.code[i].StartAddress >= bc.StartAddress })
	if i < len(s.code) && s.code[i].StartAddress == bc.StartAddress && s.code[i].Size == bc.Size {
		return nil
	}
	if (i < len(s.code) && s.code[i].StartAddress < bc.EndAddress()) || (i > 0 && s.code[i-1].EndAddress() > bc.StartAddress) {
		return &MemoryError{Kind: fragerrors.ErrIOverlappingMap, Address: bc.StartAddress, Size: bc.Size}
	}
	s.code = append(s.code, nil)
	copy(s.code[i+1:], s.code[i:])
	s.code[i] = bc
	log.Trace(log.InterpModule, "loaded code", "start", fmt.Sprintf("0x%08X", bc.StartAddress), "size", bc.Size)
	return nil
}

// LoadFragment loads every block of f.
func (s *State) LoadFragment(f *segmenter.Fragment) error {
	for _, b := range f.Blocks {
		if err := s.LoadByteCode(b.ByteCode); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) ClearCode() { s.code = nil }

// findInstr locates the block and index of the instruction at addr.
func (s *State) findInstr(addr uint32) (*i386.ByteCode, int, error) {
	i := sort.Search(len(s.code), func(i int) bool { return uint64(s.code[i].StartAddress)+uint64(s.code[i].Size) > uint64(addr) })
	if i < len(s.code) && s.code[i].StartAddress <= addr {
		bc := s.code[i]
		idx, _, aligned := bc.IndexAt(addr)
		if !aligned {
			return nil, 0, &JumpError{Kind: fragerrors.ErrIMisalignedJump, Target: addr, Block: bc.StartAddress}
		}
		return bc, idx, nil
	}
	return nil, 0, &JumpError{Kind: fragerrors.ErrINoCode, Target: addr}
}

func (s *State) debugf(what string, addr uint32, size int, v uint32) {
	log.Trace(log.InterpModule, what, "addr", fmt.Sprintf("0x%08X", addr), "size", size, "value", fmt.Sprintf("0x%X", v))
}

func (s *State) traceStep(addr uint32, in *i386.Instruction) error {
	if s.tracer == nil {
		return nil
	}
	r := s.regs
	step := &trace.Step{
		Index:       s.steps - 1,
		Address:     addr,
		Instruction: in.String(),
		Registers: trace.Registers{
			EAX: r[0], EBX: r[1], ECX: r[2], EDX: r[3],
			ESP: r[4], EBP: r[5], ESI: r[6], EDI: r[7], EIP: r[8],
		},
		Flags:      trace.Flags(s.flags),
		StackDepth: len(s.stack),
	}
	step.SetChangedMemory(s.writtenAt, s.written)
	s.written = s.written[:0]
	if err := s.tracer.WriteStep(step); err != nil {
		return fmt.Errorf("trace step %d: %w", step.Index, err)
	}
	return nil
}
