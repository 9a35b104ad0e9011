package i386

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ReferenceInstruction is the x86asm view of an instruction, used as a
// second opinion on lengths and for listings.
type ReferenceInstruction struct {
	Len   int
	Op    string
	Intel string
	GNU   string
}

// ReferenceDecode decodes code[offset:] as 32-bit x86 with x86asm.
func ReferenceDecode(code []byte, offset int, pc uint32) (*ReferenceInstruction, error) {
	if offset < 0 || offset >= len(code) {
		return nil, fmt.Errorf("reference decode: offset 0x%X outside %d bytes", offset, len(code))
	}
	inst, err := x86asm.Decode(code[offset:], 32)
	if err != nil {
		return nil, fmt.Errorf("reference decode at 0x%X: %w", offset, err)
	}
	return &ReferenceInstruction{
		Len:   inst.Len,
		Op:    inst.Op.String(),
		Intel: x86asm.IntelSyntax(inst, uint64(pc), nil),
		GNU:   x86asm.GNUSyntax(inst, uint64(pc), nil),
	}, nil
}

// ReferenceListing disassembles all of code with x86asm, one line per
// instruction, emitting db for undecodable bytes.
func ReferenceListing(code []byte, base uint32) string {
	out := ""
	for offset := 0; offset < len(code); {
		inst, err := x86asm.Decode(code[offset:], 32)
		if err != nil || inst.Len == 0 {
			out += fmt.Sprintf("0x%04x: %-16s db 0x%02x\n", offset, fmt.Sprintf("%02x", code[offset]), code[offset])
			offset++
			continue
		}
		raw := code[offset : offset+inst.Len]
		out += fmt.Sprintf("0x%04x: %-16x %s\n", offset, raw, x86asm.IntelSyntax(inst, uint64(base)+uint64(offset), nil))
		offset += inst.Len
	}
	return out
}
