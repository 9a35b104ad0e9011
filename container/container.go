// Package container loads relocatable code containers: a code section, a
// table of named trampolines and a list of 32-bit relocation slots.
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/colorfulnotion/fragvm/log"
)

const (
	Magic      = "FRAG"
	Version    = 1
	HeaderSize = 36

	// DefaultLoadBase is where fragments are rebased for analysis.
	DefaultLoadBase uint32 = 0xAA000000
)

// Trampoline is a named external call or data target baked into the container.
type Trampoline struct {
	Name           string `json:"name"`
	Offset         int    `json:"offset"`          // relative to the start of the code section
	MemoryLocation uint32 `json:"memory_location"` // rebased along with the code
}

type Container struct {
	ImageBase   uint32
	LoadBase    uint32
	Code        []byte
	Trampolines []Trampoline
	Relocations []uint32

	relocated bool
	byAddr    map[uint32]int
	byName    map[string]int
}

type header struct {
	ImageBase   uint32
	CodeOffset  uint32
	CodeSize    uint32
	TrampOffset uint32
	TrampCount  uint32
	RelocOffset uint32
	RelocCount  uint32
}

// Load parses data and relocates it to loadBase.
func Load(data []byte, loadBase uint32) (*Container, error) {
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := c.Relocate(loadBase); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes the container layout without relocating it. The returned
// container owns a copy of the code section.
func Parse(data []byte) (*Container, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	codeEnd, err := sectionEnd(data, "code section", h.CodeOffset, uint64(h.CodeSize))
	if err != nil {
		return nil, err
	}
	c := &Container{
		ImageBase: h.ImageBase,
		LoadBase:  h.ImageBase,
		Code:      append([]byte(nil), data[h.CodeOffset:codeEnd]...),
		byAddr:    make(map[uint32]int),
		byName:    make(map[string]int),
	}

	if err := c.parseTrampolines(data, h); err != nil {
		return nil, err
	}
	if err := c.parseRelocations(data, h); err != nil {
		return nil, err
	}

	log.Debug(log.ContainerModule, "parsed container",
		"code", len(c.Code), "trampolines", len(c.Trampolines), "relocations", len(c.Relocations),
		"image_base", fmt.Sprintf("0x%08X", c.ImageBase))
	return c, nil
}

func parseHeader(data []byte) (header, error) {
	var h header
	if len(data) < HeaderSize {
		return h, &FormatError{Field: "header", Offset: 0, Expected: fmt.Sprintf("%d bytes", HeaderSize), Found: fmt.Sprintf("%d bytes", len(data))}
	}
	if !bytes.Equal(data[:4], []byte(Magic)) {
		return h, &FormatError{Field: "magic", Offset: 0, Expected: fmt.Sprintf("%q", Magic), Found: fmt.Sprintf("%q", data[:4])}
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != Version {
		return h, &FormatError{Field: "version", Offset: 4, Expected: fmt.Sprint(Version), Found: fmt.Sprint(v)}
	}
	if f := binary.LittleEndian.Uint16(data[6:8]); f != 0 {
		return h, &FormatError{Field: "flags", Offset: 6, Expected: "0", Found: fmt.Sprintf("0x%04X", f)}
	}
	h.ImageBase = binary.LittleEndian.Uint32(data[8:])
	h.CodeOffset = binary.LittleEndian.Uint32(data[12:])
	h.CodeSize = binary.LittleEndian.Uint32(data[16:])
	h.TrampOffset = binary.LittleEndian.Uint32(data[20:])
	h.TrampCount = binary.LittleEndian.Uint32(data[24:])
	h.RelocOffset = binary.LittleEndian.Uint32(data[28:])
	h.RelocCount = binary.LittleEndian.Uint32(data[32:])
	return h, nil
}

func sectionEnd(data []byte, name string, offset uint32, size uint64) (int, error) {
	end := uint64(offset) + size
	if uint64(offset) < HeaderSize && size > 0 {
		return 0, &FormatError{Field: name, Offset: int(offset), Expected: "offset past header", Found: fmt.Sprintf("0x%X", offset)}
	}
	if end > uint64(len(data)) {
		return 0, &FormatError{Field: name, Offset: int(offset), Expected: fmt.Sprintf("end <= %d", len(data)), Found: fmt.Sprintf("end %d", end)}
	}
	return int(end), nil
}

func (c *Container) parseTrampolines(data []byte, h header) error {
	pos := int(h.TrampOffset)
	if h.TrampCount > 0 && (h.TrampOffset < HeaderSize || uint64(h.TrampOffset) >= uint64(len(data))) {
		return &FormatError{Field: "trampoline table", Offset: pos, Expected: fmt.Sprintf("offset in [%d, %d)", HeaderSize, len(data)), Found: fmt.Sprintf("0x%X", h.TrampOffset)}
	}
	for i := 0; i < int(h.TrampCount); i++ {
		if pos >= len(data) {
			return &FormatError{Field: "trampoline name length", Offset: pos, Found: "end of data"}
		}
		n := int(data[pos])
		pos++
		if n == 0 {
			return &FormatError{Field: "trampoline name", Offset: pos - 1, Expected: "non-empty name", Found: "empty"}
		}
		if pos+n+8 > len(data) {
			return &FormatError{Field: "trampoline entry", Offset: pos - 1, Expected: fmt.Sprintf("%d bytes", n+9), Found: fmt.Sprintf("%d bytes", len(data)-pos+1)}
		}
		name := data[pos : pos+n]
		if !utf8.Valid(name) {
			return &FormatError{Field: "trampoline name", Offset: pos, Expected: "utf-8", Found: fmt.Sprintf("% X", name)}
		}
		pos += n
		off := binary.LittleEndian.Uint32(data[pos:])
		if off > math.MaxInt32 || uint64(h.ImageBase)+uint64(off) > math.MaxUint32 {
			return &FormatError{Field: "trampoline offset", Offset: pos, Expected: "offset inside the 32-bit image", Found: fmt.Sprintf("0x%X from image base 0x%08X", off, h.ImageBase)}
		}
		t := Trampoline{
			Name:           string(name),
			Offset:         int(off),
			MemoryLocation: binary.LittleEndian.Uint32(data[pos+4:]),
		}
		pos += 8
		if err := c.addTrampoline(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) addTrampoline(t Trampoline) error {
	if prev, ok := c.byAddr[t.MemoryLocation]; ok {
		return &FormatError{
			Field:    "trampoline memory location",
			Offset:   t.Offset,
			Expected: "unique location",
			Found:    fmt.Sprintf("0x%08X shared by %s and %s", t.MemoryLocation, c.Trampolines[prev].Name, t.Name),
		}
	}
	c.byAddr[t.MemoryLocation] = len(c.Trampolines)
	if _, ok := c.byName[t.Name]; !ok {
		c.byName[t.Name] = len(c.Trampolines)
	}
	c.Trampolines = append(c.Trampolines, t)
	return nil
}

func (c *Container) parseRelocations(data []byte, h header) error {
	end, err := sectionEnd(data, "relocation list", h.RelocOffset, uint64(h.RelocCount)*4)
	if err != nil {
		return err
	}
	c.Relocations = make([]uint32, 0, h.RelocCount)
	for pos := int(h.RelocOffset); pos < end; pos += 4 {
		off := binary.LittleEndian.Uint32(data[pos:])
		if uint64(off)+4 > uint64(len(c.Code)) {
			return &RelocationError{Index: len(c.Relocations), Offset: off, CodeSize: len(c.Code)}
		}
		c.Relocations = append(c.Relocations, off)
	}
	return checkRelocationSlots(c.Relocations, int(h.RelocOffset))
}

// checkRelocationSlots rejects lists that would rebase a byte twice.
func checkRelocationSlots(relocs []uint32, listOffset int) error {
	sorted := append([]uint32(nil), relocs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i := 1; i < len(sorted); i++ {
		if sorted[i]-sorted[i-1] < 4 {
			return &FormatError{
				Field:    "relocation list",
				Offset:   listOffset,
				Expected: "disjoint 4-byte slots",
				Found:    fmt.Sprintf("slots at 0x%X and 0x%X overlap", sorted[i-1], sorted[i]),
			}
		}
	}
	return nil
}

// RelocationDelta is the signed distance between the link-time and load-time
// base, kept as a direction plus magnitude so it applies with wrapping.
type RelocationDelta struct {
	Down  bool
	Delta uint32
}

func NewRelocationDelta(target, base uint32) RelocationDelta {
	if target >= base {
		return RelocationDelta{Delta: target - base}
	}
	return RelocationDelta{Down: true, Delta: base - target}
}

func (d RelocationDelta) Apply(addr uint32) uint32 {
	if d.Down {
		return addr - d.Delta
	}
	return addr + d.Delta
}

// Relocate rebases every relocation slot and trampoline location from the
// image base to target. It may only run once.
func (c *Container) Relocate(target uint32) error {
	if c.relocated {
		return &FormatError{Field: "relocation state", Offset: 0, Expected: "unrelocated container", Found: fmt.Sprintf("already relocated to 0x%08X", c.LoadBase)}
	}
	delta := NewRelocationDelta(target, c.ImageBase)
	for _, reloc := range c.Relocations {
		slot := c.Code[reloc : reloc+4]
		before := binary.LittleEndian.Uint32(slot)
		binary.LittleEndian.PutUint32(slot, delta.Apply(before))
		log.Trace(log.ContainerModule, "relocating word",
			"offset", fmt.Sprintf("0x%04X", reloc),
			"from", fmt.Sprintf("0x%08X", before),
			"to", fmt.Sprintf("0x%08X", delta.Apply(before)))
	}

	c.byAddr = make(map[uint32]int, len(c.Trampolines))
	for i := range c.Trampolines {
		c.Trampolines[i].MemoryLocation = delta.Apply(c.Trampolines[i].MemoryLocation)
		c.byAddr[c.Trampolines[i].MemoryLocation] = i
	}
	c.LoadBase = target
	c.relocated = true
	return nil
}

// Relocated reports whether Relocate has been applied.
func (c *Container) Relocated() bool { return c.relocated }

// Address converts a code offset into its load address.
func (c *Container) Address(offset int) uint32 {
	return c.LoadBase + uint32(offset)
}

// Offset converts a load address into a code offset. ok is false when the
// address lies outside the code section.
func (c *Container) Offset(addr uint32) (int, bool) {
	rel := addr - c.LoadBase
	if addr < c.LoadBase || uint64(rel) >= uint64(len(c.Code)) {
		return 0, false
	}
	return int(rel), true
}

// RelocatePointer rebases a link-time pointer the same way Relocate rebased
// the code.
func (c *Container) RelocatePointer(addr uint32) uint32 {
	return NewRelocationDelta(c.LoadBase, c.ImageBase).Apply(addr)
}

// TrampolineForAddress finds the trampoline whose memory location is addr.
func (c *Container) TrampolineForAddress(addr uint32) (*Trampoline, bool) {
	i, ok := c.byAddr[addr]
	if !ok {
		return nil, false
	}
	return &c.Trampolines[i], true
}

// TrampolineForOffset finds the trampoline at the given code offset.
func (c *Container) TrampolineForOffset(offset int) (*Trampoline, bool) {
	for i := range c.Trampolines {
		if c.Trampolines[i].Offset == offset {
			return &c.Trampolines[i], true
		}
	}
	return nil, false
}

func (c *Container) TrampolineByName(name string) (*Trampoline, bool) {
	i, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	return &c.Trampolines[i], true
}
