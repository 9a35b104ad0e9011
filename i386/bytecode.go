package i386

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/fragvm/log"
)

// ByteCode is a contiguous run of decoded instructions. Size always equals
// the sum of the instruction sizes.
type ByteCode struct {
	Instructions []*Instruction `json:"instructions"`
	Size         int            `json:"size"`
	StartOffset  int            `json:"start_offset"`
	StartAddress uint32         `json:"start_address"`
}

func (bc *ByteCode) EndOffset() int     { return bc.StartOffset + bc.Size }
func (bc *ByteCode) EndAddress() uint32 { return bc.StartAddress + uint32(bc.Size) }

// Contains reports whether offset lies inside the block.
func (bc *ByteCode) Contains(offset int) bool {
	return offset >= bc.StartOffset && offset < bc.EndOffset()
}

// Address is the load address of an instruction in the block.
func (bc *ByteCode) Address(in *Instruction) uint32 {
	return bc.StartAddress + uint32(in.Offset-bc.StartOffset)
}

// IndexAt returns the index of the instruction starting at addr. aligned is
// false when addr is inside the block but not on an instruction boundary.
func (bc *ByteCode) IndexAt(addr uint32) (index int, inside, aligned bool) {
	if addr < bc.StartAddress || addr >= bc.EndAddress() {
		return 0, false, false
	}
	pos := bc.StartAddress
	for i, in := range bc.Instructions {
		if pos == addr {
			return i, true, true
		}
		pos += uint32(in.Size)
	}
	return 0, true, false
}

// Last returns the final instruction, or nil for an empty block.
func (bc *ByteCode) Last() *Instruction {
	if len(bc.Instructions) == 0 {
		return nil
	}
	return bc.Instructions[len(bc.Instructions)-1]
}

func (bc *ByteCode) String() string {
	var sb strings.Builder
	for _, in := range bc.Instructions {
		fmt.Fprintf(&sb, "  @%04X|%08X: %-24s %s\n", in.Offset, bc.Address(in), hexBytes(in.Raw), in)
	}
	return sb.String()
}

// StopFunc decides after each decoded instruction whether the block ends.
type StopFunc func(decoded []*Instruction, remaining []byte) bool

// DisassembleUntil decodes code from its first byte until stop returns true.
// startOffset and startAddress position code[0] within the container.
func DisassembleUntil(startOffset int, startAddress uint32, code []byte, stop StopFunc) (*ByteCode, error) {
	bc := &ByteCode{StartOffset: startOffset, StartAddress: startAddress}
	pos := 0
	for pos < len(code) {
		in, err := DecodeOne(code, pos)
		if err != nil {
			return nil, rebase(err, startOffset)
		}
		in.Offset += startOffset
		pos += in.Size
		bc.Instructions = append(bc.Instructions, in)
		bc.Size = pos
		if stop(bc.Instructions, code[pos:]) {
			log.Trace(log.DecoderModule, "bounded decode stopped",
				"start", fmt.Sprintf("0x%04X", startOffset), "instructions", len(bc.Instructions), "size", bc.Size)
			return bc, nil
		}
	}
	return nil, &NoTerminatorError{StartOffset: startOffset, Size: pos, Instructions: len(bc.Instructions)}
}

// DisassembleOne decodes a single instruction as a block.
func DisassembleOne(startOffset int, startAddress uint32, code []byte) (*ByteCode, error) {
	return DisassembleUntil(startOffset, startAddress, code, func([]*Instruction, []byte) bool { return true })
}

// DisassembleToReturn decodes up to and including the first ret.
func DisassembleToReturn(startOffset int, startAddress uint32, code []byte) (*ByteCode, error) {
	return DisassembleUntil(startOffset, startAddress, code, func(decoded []*Instruction, _ []byte) bool {
		return decoded[len(decoded)-1].Mnemonic == Return
	})
}

// DisassembleAll decodes every byte of code.
func DisassembleAll(startOffset int, startAddress uint32, code []byte) (*ByteCode, error) {
	if len(code) == 0 {
		return &ByteCode{StartOffset: startOffset, StartAddress: startAddress}, nil
	}
	return DisassembleUntil(startOffset, startAddress, code, func(_ []*Instruction, remaining []byte) bool {
		return len(remaining) == 0
	})
}
