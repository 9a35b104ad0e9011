package container

import (
	"encoding/binary"
)

// Builder assembles a container image. Code is laid out right after the
// header, followed by the trampoline table and the relocation list.
type Builder struct {
	ImageBase   uint32
	code        []byte
	trampolines []Trampoline
	relocs      []uint32
}

func NewBuilder(imageBase uint32) *Builder {
	return &Builder{ImageBase: imageBase}
}

// Code appends raw bytes and returns the code offset they start at.
func (b *Builder) Code(code ...byte) int {
	off := len(b.code)
	b.code = append(b.code, code...)
	return off
}

// Pointer appends a 4-byte link-time address and marks it for relocation.
func (b *Builder) Pointer(addr uint32) int {
	off := len(b.code)
	b.code = binary.LittleEndian.AppendUint32(b.code, addr)
	b.relocs = append(b.relocs, uint32(off))
	return off
}

// Relocation marks an already emitted 4-byte slot for relocation.
func (b *Builder) Relocation(offset int) *Builder {
	b.relocs = append(b.relocs, uint32(offset))
	return b
}

func (b *Builder) Trampoline(name string, offset int, memoryLocation uint32) *Builder {
	b.trampolines = append(b.trampolines, Trampoline{Name: name, Offset: offset, MemoryLocation: memoryLocation})
	return b
}

// Len is the current code size.
func (b *Builder) Len() int { return len(b.code) }

// Address is the link-time address of a code offset.
func (b *Builder) Address(offset int) uint32 { return b.ImageBase + uint32(offset) }

// Encode serializes the container.
func (b *Builder) Encode() []byte {
	codeOffset := uint32(HeaderSize)
	trampOffset := codeOffset + uint32(len(b.code))

	var table []byte
	for _, t := range b.trampolines {
		table = append(table, byte(len(t.Name)))
		table = append(table, t.Name...)
		table = binary.LittleEndian.AppendUint32(table, uint32(t.Offset))
		table = binary.LittleEndian.AppendUint32(table, t.MemoryLocation)
	}
	relocOffset := trampOffset + uint32(len(table))

	out := make([]byte, 0, int(relocOffset)+4*len(b.relocs))
	out = append(out, Magic...)
	out = binary.LittleEndian.AppendUint16(out, Version)
	out = binary.LittleEndian.AppendUint16(out, 0)
	out = binary.LittleEndian.AppendUint32(out, b.ImageBase)
	out = binary.LittleEndian.AppendUint32(out, codeOffset)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.code)))
	out = binary.LittleEndian.AppendUint32(out, trampOffset)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.trampolines)))
	out = binary.LittleEndian.AppendUint32(out, relocOffset)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.relocs)))
	out = append(out, b.code...)
	out = append(out, table...)
	for _, r := range b.relocs {
		out = binary.LittleEndian.AppendUint32(out, r)
	}
	return out
}
