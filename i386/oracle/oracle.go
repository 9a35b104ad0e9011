//go:build unicorn
// +build unicorn

// Package oracle runs straight-line i386 snippets on the unicorn CPU
// emulator so interpreter results can be checked against a real model.
package oracle

import (
	"fmt"

	"github.com/colorfulnotion/fragvm/i386"
	"github.com/colorfulnotion/fragvm/log"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

const (
	codeBase  = uint64(0x10000)
	codeSize  = uint64(0x1000)
	stackBase = uint64(0x80000)
	stackSize = uint64(0x10000)
	DataBase  = uint32(0x200000)
	dataSize  = uint64(0x10000)
)

// EFLAGS bit positions.
const (
	flagCF = 1 << 0
	flagPF = 1 << 2
	flagZF = 1 << 6
	flagSF = 1 << 7
	flagDF = 1 << 10
	flagOF = 1 << 11
)

var ucRegs = map[i386.Reg]int{
	i386.EAX: uc.X86_REG_EAX,
	i386.EBX: uc.X86_REG_EBX,
	i386.ECX: uc.X86_REG_ECX,
	i386.EDX: uc.X86_REG_EDX,
	i386.ESP: uc.X86_REG_ESP,
	i386.EBP: uc.X86_REG_EBP,
	i386.ESI: uc.X86_REG_ESI,
	i386.EDI: uc.X86_REG_EDI,
}

// Result is the machine state after a snippet ran to its end.
type Result struct {
	Registers map[i386.Reg]uint32
	EFlags    uint32
	Data      []byte
}

// Flag reads one arithmetic flag from EFLAGS.
func (r *Result) Flag(f i386.Flag) bool {
	switch f {
	case i386.CF:
		return r.EFlags&flagCF != 0
	case i386.OF:
		return r.EFlags&flagOF != 0
	case i386.ZF:
		return r.EFlags&flagZF != 0
	case i386.SF:
		return r.EFlags&flagSF != 0
	case i386.PF:
		return r.EFlags&flagPF != 0
	}
	return false
}

// Oracle wraps one unicorn instance in 32-bit protected mode.
type Oracle struct {
	mu uc.Unicorn
}

func New() (*Oracle, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_32)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	for _, region := range []struct {
		name       string
		addr, size uint64
	}{
		{"code", codeBase, codeSize},
		{"stack", stackBase, stackSize},
		{"data", uint64(DataBase), dataSize},
	} {
		if err := mu.MemMap(region.addr, region.size); err != nil {
			mu.Close()
			return nil, fmt.Errorf("map %s: %w", region.name, err)
		}
		if err := mu.MemProtect(region.addr, region.size, uc.PROT_ALL); err != nil {
			mu.Close()
			return nil, fmt.Errorf("protect %s: %w", region.name, err)
		}
	}
	return &Oracle{mu: mu}, nil
}

func (o *Oracle) Close() error {
	return o.mu.Close()
}

// Run executes code with the given initial registers and a zeroed data
// region at DataBase, seeded with data.
func (o *Oracle) Run(code []byte, regs map[i386.Reg]uint32, data []byte) (*Result, error) {
	if uint64(len(code)) > codeSize {
		return nil, fmt.Errorf("snippet of %d bytes exceeds code page", len(code))
	}
	if uint64(len(data)) > dataSize {
		return nil, fmt.Errorf("data of %d bytes exceeds data region", len(data))
	}
	if err := o.mu.MemWrite(codeBase, code); err != nil {
		return nil, fmt.Errorf("write code: %w", err)
	}
	seed := make([]byte, dataSize)
	copy(seed, data)
	if err := o.mu.MemWrite(uint64(DataBase), seed); err != nil {
		return nil, fmt.Errorf("write data: %w", err)
	}
	for _, r := range i386.AllRegisters() {
		id, ok := ucRegs[r]
		if !ok {
			continue
		}
		v := uint64(regs[r])
		if r == i386.ESP {
			if sp, set := regs[r]; !set || sp == 0 {
				v = stackBase + stackSize - 0x100
			}
		}
		if err := o.mu.RegWrite(id, v); err != nil {
			return nil, fmt.Errorf("write %s: %w", r, err)
		}
	}
	if err := o.mu.RegWrite(uc.X86_REG_EFLAGS, 0x2); err != nil {
		return nil, fmt.Errorf("write eflags: %w", err)
	}
	if err := o.mu.Start(codeBase, codeBase+uint64(len(code))); err != nil {
		eip, _ := o.mu.RegRead(uc.X86_REG_EIP)
		return nil, fmt.Errorf("emulate at 0x%X: %w", eip, err)
	}

	res := &Result{Registers: make(map[i386.Reg]uint32, len(ucRegs))}
	for r, id := range ucRegs {
		v, err := o.mu.RegRead(id)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", r, err)
		}
		res.Registers[r] = uint32(v)
	}
	fl, err := o.mu.RegRead(uc.X86_REG_EFLAGS)
	if err != nil {
		return nil, fmt.Errorf("read eflags: %w", err)
	}
	res.EFlags = uint32(fl)
	if res.Data, err = o.mu.MemRead(uint64(DataBase), uint64(len(data))); err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	log.Trace(log.DecoderModule, "oracle run", "bytes", len(code), "eflags", fmt.Sprintf("0x%X", res.EFlags))
	return res, nil
}
