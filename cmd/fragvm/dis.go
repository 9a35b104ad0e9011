package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/fragvm/i386"
	"github.com/colorfulnotion/fragvm/log"
)

func newDisCmd(o *options) *cobra.Command {
	var (
		count int
		ref   bool
	)
	cmd := &cobra.Command{
		Use:   "dis FILE",
		Short: "Linear disassembly of the code section",
		Args:  cobra.ExactArgs(1),
	}
	entry := entryFlag(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many instructions (0 for all)")
	cmd.Flags().BoolVar(&ref, "ref", false, "show the x86asm decoding next to each instruction and flag length mismatches")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		in, err := o.load(args[0])
		if err != nil {
			return err
		}
		start, err := entry(in)
		if err != nil {
			return err
		}
		return disassemble(cmd.OutOrStdout(), in, start, count, ref)
	}
	return cmd
}

// disassemble prints one line per instruction. Bytes the decoder rejects
// are printed as db and skipped one at a time.
func disassemble(w io.Writer, in *input, start, count int, ref bool) error {
	code := in.c.Code
	mismatches := 0
	for pos, n := start, 0; pos < len(code) && (count == 0 || n < count); n++ {
		addr := in.c.Address(pos)
		instr, err := i386.DecodeOne(code, pos)
		if err != nil {
			log.Debug(log.CLIModule, "undecodable byte", "offset", fmt.Sprintf("@%04X", pos), "err", err)
			fmt.Fprintf(w, "@%04X %08X  %-20s db 0x%02X\n", pos, addr, fmt.Sprintf("%02X", code[pos]), code[pos])
			pos++
			continue
		}
		annotate(in, instr)
		line := fmt.Sprintf("@%04X %08X  %-20X %s", pos, addr, instr.Raw, instr)
		if ref {
			r, err := i386.ReferenceDecode(code, pos, addr)
			switch {
			case err != nil:
				line += fmt.Sprintf("  | x86asm: %v", err)
			case r.Len != instr.Size:
				mismatches++
				line += fmt.Sprintf("  | ! x86asm len %d: %s", r.Len, r.Intel)
			default:
				line += "  | " + r.Intel
			}
		}
		fmt.Fprintln(w, line)
		pos += instr.Size
	}
	if mismatches > 0 {
		return fmt.Errorf("%d length mismatches against x86asm", mismatches)
	}
	return nil
}

// annotate names pushed values and memory operands that are trampolines.
func annotate(in *input, instr *i386.Instruction) {
	if v, ok := instr.PushedValue(); ok {
		if t, ok := in.c.TrampolineForAddress(v); ok {
			instr.Annotation = t.Name
		}
	}
	if mem, ok := instr.MemoryOperand(); ok {
		if t, ok := in.c.TrampolineForAddress(uint32(mem.Displacement)); ok {
			instr.Annotation = t.Name
		}
	}
}
