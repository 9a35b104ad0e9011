package interpreter

import (
	"fmt"

	"github.com/colorfulnotion/fragvm/fragerrors"
	"github.com/colorfulnotion/fragvm/i386"
)

// MemoryError reports an address no port or mapping can serve, a write to a
// read-only mapping, or a mapping that overlaps another.
type MemoryError struct {
	Kind    error
	Address uint32
	Size    int
	EIP     uint32
}

func (e *MemoryError) Error() string {
	switch e.Kind {
	case fragerrors.ErrIReadOnlyMemory:
		return fmt.Sprintf("write of %d bytes to read-only memory at 0x%08X (eip 0x%08X)", e.Size, e.Address, e.EIP)
	case fragerrors.ErrIOverlappingMap:
		return fmt.Sprintf("mapping of %d bytes at 0x%08X overlaps an existing entry", e.Size, e.Address)
	}
	return fmt.Sprintf("no memory or port for %d bytes at 0x%08X (eip 0x%08X)", e.Size, e.Address, e.EIP)
}

func (e *MemoryError) Unwrap() error { return e.Kind }

type InstructionError struct {
	Instruction *i386.Instruction
	EIP         uint32
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("not implemented: %s at 0x%08X", e.Instruction, e.EIP)
}

func (e *InstructionError) Unwrap() error { return fragerrors.ErrIUnimplementedInstruction }

type OperandError struct {
	Operand i386.Operand
	Reason  string
	EIP     uint32
}

func (e *OperandError) Error() string {
	return fmt.Sprintf("unsupported operand %s at 0x%08X: %s", e.Operand, e.EIP, e.Reason)
}

func (e *OperandError) Unwrap() error { return fragerrors.ErrIUnsupportedOperand }

type StepLimitError struct {
	Limit uint64
	EIP   uint32
}

func (e *StepLimitError) Error() string {
	return fmt.Sprintf("step limit %d exceeded at 0x%08X", e.Limit, e.EIP)
}

func (e *StepLimitError) Unwrap() error { return fragerrors.ErrIStepLimitExceeded }

// ExecError covers stack underflow, divide faults and unmodelled flags.
type ExecError struct {
	Kind   error
	EIP    uint32
	Detail string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s at 0x%08X", e.Detail, e.EIP)
}

func (e *ExecError) Unwrap() error { return e.Kind }

// JumpError reports a transfer to an address that is not the start of a
// loaded instruction.
type JumpError struct {
	Kind   error
	Target uint32
	Block  uint32 // start of the enclosing block for misaligned targets
}

func (e *JumpError) Error() string {
	if e.Kind == fragerrors.ErrIMisalignedJump {
		return fmt.Sprintf("attempted to jump to 0x%08X, which is not aligned to any instruction in the block at 0x%08X", e.Target, e.Block)
	}
	return fmt.Sprintf("attempted to jump to 0x%08X, which is not in any code section", e.Target)
}

func (e *JumpError) Unwrap() error { return e.Kind }
