package interpreter

import (
	"encoding/binary"
	"sort"

	"github.com/colorfulnotion/fragvm/fragerrors"
)

type mapping struct {
	start    uint32
	buf      []byte
	writable bool
}

func (m *mapping) end() uint64 { return uint64(m.start) + uint64(len(m.buf)) }

func (m *mapping) contains(addr uint32, size int) bool {
	return addr >= m.start && uint64(addr)+uint64(size) <= m.end()
}

// memoryMap is sorted by start; entries never overlap.
type memoryMap struct {
	entries []*mapping
}

func (mm *memoryMap) insert(m *mapping) error {
	i := sort.Search(len(mm.entries), func(i int) bool { return mm.entries[i].start >= m.start })
	overlaps := (i < len(mm.entries) && uint64(mm.entries[i].start) < m.end()) ||
		(i > 0 && mm.entries[i-1].end() > uint64(m.start))
	if overlaps || len(m.buf) == 0 {
		return &MemoryError{Kind: fragerrors.ErrIOverlappingMap, Address: m.start, Size: len(m.buf)}
	}
	mm.entries = append(mm.entries, nil)
	copy(mm.entries[i+1:], mm.entries[i:])
	mm.entries[i] = m
	return nil
}

func (mm *memoryMap) find(addr uint32) (*mapping, bool) {
	i := sort.Search(len(mm.entries), func(i int) bool { return mm.entries[i].end() > uint64(addr) })
	if i < len(mm.entries) && mm.entries[i].start <= addr {
		return mm.entries[i], true
	}
	return nil, false
}

func (mm *memoryMap) remove(start uint32) (*mapping, bool) {
	i := sort.Search(len(mm.entries), func(i int) bool { return mm.entries[i].start >= start })
	if i == len(mm.entries) || mm.entries[i].start != start {
		return nil, false
	}
	m := mm.entries[i]
	mm.entries = append(mm.entries[:i], mm.entries[i+1:]...)
	return m, true
}

func peek(b []byte, size int) uint32 {
	switch size {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	}
	return binary.LittleEndian.Uint32(b)
}

func poke(b []byte, v uint32, size int) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	default:
		binary.LittleEndian.PutUint32(b, v)
	}
}

// Port is a host value read at a fixed address.
type Port interface {
	Read() uint32
}

// WritablePort additionally accepts stores of 1, 2 or 4 bytes.
type WritablePort interface {
	Port
	Write(v uint32, size int)
}

// PortFunc is a read-only port backed by a callback.
type PortFunc func() uint32

func (f PortFunc) Read() uint32 { return f() }

// ValuePort is a writable 32-bit cell. Narrow writes keep the untouched
// high bits.
type ValuePort struct {
	Value uint32
}

func (p *ValuePort) Read() uint32 { return p.Value }

func (p *ValuePort) Write(v uint32, size int) {
	m := mask(size)
	p.Value = p.Value&^m | v&m
}

// MapMemory maps buf read-only at addr.
func (s *State) MapMemory(addr uint32, buf []byte) error {
	return s.mem.insert(&mapping{start: addr, buf: buf})
}

// MapWritable maps buf read-write at addr. Stores go straight into buf.
func (s *State) MapWritable(addr uint32, buf []byte) error {
	return s.mem.insert(&mapping{start: addr, buf: buf, writable: true})
}

// UnmapWritable removes the writable mapping that starts at addr and returns
// its buffer.
func (s *State) UnmapWritable(addr uint32) ([]byte, error) {
	m, ok := s.mem.find(addr)
	if !ok || m.start != addr || !m.writable {
		return nil, &MemoryError{Kind: fragerrors.ErrIUnmappedAddress, Address: addr, EIP: s.eip()}
	}
	s.mem.remove(addr)
	return m.buf, nil
}

// MapPort installs p at addr. Ports shadow the memory map.
func (s *State) MapPort(addr uint32, p Port) {
	s.ports[addr] = p
}

func (s *State) UnmapPort(addr uint32) (Port, bool) {
	p, ok := s.ports[addr]
	delete(s.ports, addr)
	return p, ok
}

// Load reads size bytes at addr through the ports and the memory map.
func (s *State) Load(addr uint32, size int) (uint32, error) {
	if p, ok := s.ports[addr]; ok {
		v := p.Read() & mask(size)
		s.debugf("read_port", addr, size, v)
		return v, nil
	}
	if m, ok := s.mem.find(addr); ok && m.contains(addr, size) {
		v := peek(m.buf[addr-m.start:], size)
		s.debugf("read_mem", addr, size, v)
		return v, nil
	}
	return 0, &MemoryError{Kind: fragerrors.ErrIUnmappedAddress, Address: addr, Size: size, EIP: s.eip()}
}

// Store writes the low size bytes of v at addr.
func (s *State) Store(addr uint32, v uint32, size int) error {
	if p, ok := s.ports[addr]; ok {
		wp, ok := p.(WritablePort)
		if !ok {
			return &MemoryError{Kind: fragerrors.ErrIReadOnlyMemory, Address: addr, Size: size, EIP: s.eip()}
		}
		wp.Write(v, size)
		s.recordWrite(addr, v, size)
		return nil
	}
	m, ok := s.mem.find(addr)
	if !ok || !m.contains(addr, size) {
		return &MemoryError{Kind: fragerrors.ErrIUnmappedAddress, Address: addr, Size: size, EIP: s.eip()}
	}
	if !m.writable {
		return &MemoryError{Kind: fragerrors.ErrIReadOnlyMemory, Address: addr, Size: size, EIP: s.eip()}
	}
	poke(m.buf[addr-m.start:], v, size)
	s.recordWrite(addr, v, size)
	return nil
}

// recordWrite accumulates the contiguous bytes written during one step.
func (s *State) recordWrite(addr uint32, v uint32, size int) {
	s.debugf("write", addr, size, v)
	if s.tracer == nil {
		return
	}
	if len(s.written) > 0 && addr != s.writtenAt+uint32(len(s.written)) {
		return
	}
	if len(s.written) == 0 {
		s.writtenAt = addr
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.written = append(s.written, b[:size]...)
}
