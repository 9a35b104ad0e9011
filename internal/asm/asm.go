// Package asm is a small i386 emitter used to build code fragments in tests
// and tooling.
package asm

import (
	"encoding/binary"
)

// 32-bit register encoding
const (
	EAX = 0
	ECX = 1
	EDX = 2
	EBX = 3
	ESP = 4
	EBP = 5
	ESI = 6
	EDI = 7
)

// Assembler appends machine code to a growable buffer.
type Assembler struct {
	buf []byte
}

func New() *Assembler { return &Assembler{} }

// Offset returns current write position
func (a *Assembler) Offset() int { return len(a.buf) }

// Bytes returns the assembled code
func (a *Assembler) Bytes() []byte { return a.buf }

func (a *Assembler) Emit(b ...byte) *Assembler {
	a.buf = append(a.buf, b...)
	return a
}

func (a *Assembler) emitUint32(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

// PatchUint32 overwrites a previously emitted 32-bit slot.
func (a *Assembler) PatchUint32(off int, v uint32) {
	binary.LittleEndian.PutUint32(a.buf[off:], v)
}

func modrmRR(reg, rm int) byte {
	return 0xC0 | byte(reg&7)<<3 | byte(rm&7)
}

// modrmDisp emits a [base+disp32] or [disp32] memory operand. base < 0 means
// absolute. ESP as base needs a SIB byte.
func (a *Assembler) modrmDisp(reg, base int, disp int32) {
	switch {
	case base < 0:
		a.Emit(byte(reg&7)<<3 | 5)
	case base == ESP:
		a.Emit(0x80|byte(reg&7)<<3|4, 0x24)
	default:
		a.Emit(0x80 | byte(reg&7)<<3 | byte(base&7))
	}
	a.emitUint32(uint32(disp))
}

func (a *Assembler) MovRegImm(reg int, v uint32) *Assembler {
	a.Emit(0xB8 + byte(reg&7))
	a.emitUint32(v)
	return a
}

func (a *Assembler) MovRR(dst, src int) *Assembler {
	return a.Emit(0x89, modrmRR(src, dst))
}

// MovRM is mov dst, [base+disp].
func (a *Assembler) MovRM(dst, base int, disp int32) *Assembler {
	a.Emit(0x8B)
	a.modrmDisp(dst, base, disp)
	return a
}

// MovMR is mov [base+disp], src.
func (a *Assembler) MovMR(base int, disp int32, src int) *Assembler {
	a.Emit(0x89)
	a.modrmDisp(src, base, disp)
	return a
}

// MovEAXMoffs is mov eax, [addr].
func (a *Assembler) MovEAXMoffs(addr uint32) *Assembler {
	a.Emit(0xA1)
	a.emitUint32(addr)
	return a
}

// MovMoffsEAX is mov [addr], eax.
func (a *Assembler) MovMoffsEAX(addr uint32) *Assembler {
	a.Emit(0xA3)
	a.emitUint32(addr)
	return a
}

// MovR16Imm is mov r16, imm16.
func (a *Assembler) MovR16Imm(reg int, v uint16) *Assembler {
	a.Emit(0x66, 0xB8+byte(reg&7))
	a.buf = binary.LittleEndian.AppendUint16(a.buf, v)
	return a
}

func (a *Assembler) AddRR(dst, src int) *Assembler { return a.Emit(0x03, modrmRR(dst, src)) }
func (a *Assembler) SubRR(dst, src int) *Assembler { return a.Emit(0x2B, modrmRR(dst, src)) }
func (a *Assembler) XorRR(dst, src int) *Assembler { return a.Emit(0x33, modrmRR(dst, src)) }
func (a *Assembler) OrRR(dst, src int) *Assembler  { return a.Emit(0x0B, modrmRR(dst, src)) }
func (a *Assembler) CmpRR(x, y int) *Assembler     { return a.Emit(0x3B, modrmRR(x, y)) }

func (a *Assembler) CmpRI(reg int, v int32) *Assembler {
	if v >= -128 && v <= 127 {
		return a.Emit(0x83, modrmRR(7, reg), byte(int8(v)))
	}
	a.Emit(0x81, modrmRR(7, reg))
	a.emitUint32(uint32(v))
	return a
}

func (a *Assembler) AddRI(reg int, v int32) *Assembler {
	if v >= -128 && v <= 127 {
		return a.Emit(0x83, modrmRR(0, reg), byte(int8(v)))
	}
	a.Emit(0x81, modrmRR(0, reg))
	a.emitUint32(uint32(v))
	return a
}

func (a *Assembler) SubRI(reg int, v int8) *Assembler {
	return a.Emit(0x83, modrmRR(5, reg), byte(v))
}

func (a *Assembler) AndRI(reg int, v uint32) *Assembler {
	a.Emit(0x81, modrmRR(4, reg))
	a.emitUint32(v)
	return a
}

func (a *Assembler) TestRI(reg int, v uint32) *Assembler {
	a.Emit(0xF7, modrmRR(0, reg))
	a.emitUint32(v)
	return a
}

func (a *Assembler) Inc(reg int) *Assembler { return a.Emit(0x40 + byte(reg&7)) }
func (a *Assembler) Dec(reg int) *Assembler { return a.Emit(0x48 + byte(reg&7)) }
func (a *Assembler) Neg(reg int) *Assembler { return a.Emit(0xF7, modrmRR(3, reg)) }

func (a *Assembler) Mul(reg int) *Assembler  { return a.Emit(0xF7, modrmRR(4, reg)) }
func (a *Assembler) Div(reg int) *Assembler  { return a.Emit(0xF7, modrmRR(6, reg)) }
func (a *Assembler) IDiv(reg int) *Assembler { return a.Emit(0xF7, modrmRR(7, reg)) }

func (a *Assembler) IMulRR(dst, src int) *Assembler {
	return a.Emit(0x0F, 0xAF, modrmRR(dst, src))
}

func (a *Assembler) IMulRRI(dst, src int, v int8) *Assembler {
	return a.Emit(0x6B, modrmRR(dst, src), byte(v))
}

func (a *Assembler) ShlRI(reg int, n byte) *Assembler { return a.Emit(0xC1, modrmRR(4, reg), n) }
func (a *Assembler) ShrRI(reg int, n byte) *Assembler { return a.Emit(0xC1, modrmRR(5, reg), n) }
func (a *Assembler) SarRI(reg int, n byte) *Assembler { return a.Emit(0xC1, modrmRR(7, reg), n) }

// LeaRM is lea dst, [base+disp].
func (a *Assembler) LeaRM(dst, base int, disp int32) *Assembler {
	a.Emit(0x8D)
	a.modrmDisp(dst, base, disp)
	return a
}

func (a *Assembler) MovzxB(dst, src int) *Assembler {
	return a.Emit(0x0F, 0xB6, modrmRR(dst, src))
}

func (a *Assembler) PushReg(reg int) *Assembler { return a.Emit(0x50 + byte(reg&7)) }
func (a *Assembler) PopReg(reg int) *Assembler  { return a.Emit(0x58 + byte(reg&7)) }

// PushImm emits push imm32 and returns the offset of the immediate.
func (a *Assembler) PushImm(v uint32) int {
	a.Emit(0x68)
	off := len(a.buf)
	a.emitUint32(v)
	return off
}

func (a *Assembler) Pusha() *Assembler { return a.Emit(0x60) }
func (a *Assembler) Popa() *Assembler  { return a.Emit(0x61) }
func (a *Assembler) Ret() *Assembler   { return a.Emit(0xC3) }
func (a *Assembler) Cld() *Assembler   { return a.Emit(0xFC) }
func (a *Assembler) Int3() *Assembler  { return a.Emit(0xCC) }

// RepMovsb is rep movsb.
func (a *Assembler) RepMovsb() *Assembler { return a.Emit(0xF3, 0xA4) }

// JmpShort emits jmp rel8 relative to the end of the instruction.
func (a *Assembler) JmpShort(rel int8) *Assembler { return a.Emit(0xEB, byte(rel)) }

// Jmp emits jmp rel32 and returns the offset of the displacement.
func (a *Assembler) Jmp(rel int32) int {
	a.Emit(0xE9)
	off := len(a.buf)
	a.emitUint32(uint32(rel))
	return off
}

// JmpReg is jmp r32.
func (a *Assembler) JmpReg(reg int) *Assembler { return a.Emit(0xFF, modrmRR(4, reg)) }

// Jcc emits a short conditional jump. cc is the low nibble of 0x70..0x7F.
func (a *Assembler) Jcc(cc byte, rel int8) *Assembler {
	return a.Emit(0x70|cc&0x0F, byte(rel))
}

// JccNear emits 0x0F 0x8x rel32.
func (a *Assembler) JccNear(cc byte, rel int32) *Assembler {
	a.Emit(0x0F, 0x80|cc&0x0F)
	a.emitUint32(uint32(rel))
	return a
}

func (a *Assembler) Call(rel int32) *Assembler {
	a.Emit(0xE8)
	a.emitUint32(uint32(rel))
	return a
}

// Condition nibbles for Jcc.
const (
	CondO  = 0x0
	CondNO = 0x1
	CondB  = 0x2
	CondAE = 0x3
	CondE  = 0x4
	CondNE = 0x5
	CondBE = 0x6
	CondA  = 0x7
	CondS  = 0x8
	CondNS = 0x9
	CondL  = 0xC
	CondGE = 0xD
	CondLE = 0xE
	CondG  = 0xF
)
