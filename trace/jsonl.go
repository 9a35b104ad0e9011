package trace

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

// word is a 32-bit value written as eight hex digits, the way listings and
// register dumps print it.
type word uint32

func (w word) MarshalText() ([]byte, error) { return []byte(fmt.Sprintf("%08X", uint32(w))), nil }

func (w *word) UnmarshalText(b []byte) error {
	v, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return fmt.Errorf("trace word %q: %w", b, err)
	}
	*w = word(v)
	return nil
}

type lineRegs struct {
	EAX word `json:"eax"`
	EBX word `json:"ebx"`
	ECX word `json:"ecx"`
	EDX word `json:"edx"`
	ESP word `json:"esp"`
	EBP word `json:"ebp"`
	ESI word `json:"esi"`
	EDI word `json:"edi"`
}

// lineStore is present only on steps that stored to memory. Bytes holds the
// stored bytes, or their blake2b-256 digest for stores longer than 32 bytes.
type lineStore struct {
	Addr  word   `json:"addr"`
	Len   uint32 `json:"len"`
	Bytes string `json:"bytes"`
}

// line is the on-disk form of a Step. EIP is kept apart from the general
// registers and the flags are packed as "COZSD", a '.' marking a clear flag.
type line struct {
	Index uint64     `json:"i"`
	At    word       `json:"at"`
	Insn  string     `json:"insn"`
	EIP   word       `json:"eip"`
	Regs  lineRegs   `json:"regs"`
	Flags string     `json:"flags"`
	Depth int        `json:"depth"`
	Store *lineStore `json:"store,omitempty"`
}

const flagLetters = "COZSD"

func packFlags(f Flags) string {
	set := [5]bool{f.CF, f.OF, f.ZF, f.SF, f.DF}
	b := []byte(".....")
	for i, on := range set {
		if on {
			b[i] = flagLetters[i]
		}
	}
	return string(b)
}

func unpackFlags(s string) (Flags, error) {
	if len(s) != len(flagLetters) {
		return Flags{}, fmt.Errorf("trace flags %q: want %d characters", s, len(flagLetters))
	}
	var set [5]bool
	for i := range set {
		switch s[i] {
		case flagLetters[i]:
			set[i] = true
		case '.':
		default:
			return Flags{}, fmt.Errorf("trace flags %q: bad character %q", s, s[i])
		}
	}
	return Flags{CF: set[0], OF: set[1], ZF: set[2], SF: set[3], DF: set[4]}, nil
}

func toLine(s *Step) *line {
	r := s.Registers
	l := &line{
		Index: s.Index,
		At:    word(s.Address),
		Insn:  s.Instruction,
		EIP:   word(r.EIP),
		Regs: lineRegs{
			EAX: word(r.EAX), EBX: word(r.EBX), ECX: word(r.ECX), EDX: word(r.EDX),
			ESP: word(r.ESP), EBP: word(r.EBP), ESI: word(r.ESI), EDI: word(r.EDI),
		},
		Flags: packFlags(s.Flags),
		Depth: s.StackDepth,
	}
	if s.ChangedMemoryAddr != nil && s.ChangedMemoryLength != nil {
		l.Store = &lineStore{
			Addr:  word(*s.ChangedMemoryAddr),
			Len:   *s.ChangedMemoryLength,
			Bytes: hex.EncodeToString(s.ChangedMemoryBytes),
		}
	}
	return l
}

func (l *line) step() (*Step, error) {
	flags, err := unpackFlags(l.Flags)
	if err != nil {
		return nil, err
	}
	r := l.Regs
	s := &Step{
		Index:       l.Index,
		Address:     uint32(l.At),
		Instruction: l.Insn,
		Registers: Registers{
			EAX: uint32(r.EAX), EBX: uint32(r.EBX), ECX: uint32(r.ECX), EDX: uint32(r.EDX),
			ESP: uint32(r.ESP), EBP: uint32(r.EBP), ESI: uint32(r.ESI), EDI: uint32(r.EDI),
			EIP: uint32(l.EIP),
		},
		Flags:      flags,
		StackDepth: l.Depth,
	}
	if l.Store != nil {
		data, err := hex.DecodeString(l.Store.Bytes)
		if err != nil {
			return nil, fmt.Errorf("trace store bytes: %w", err)
		}
		addr, length := uint32(l.Store.Addr), l.Store.Len
		s.ChangedMemoryAddr, s.ChangedMemoryLength, s.ChangedMemoryBytes = &addr, &length, data
	}
	return s, nil
}

// JSONLTraceWriter writes one line per executed instruction. Steps without
// a store carry no memory record. Safe for concurrent use.
type JSONLTraceWriter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	buf    *bufio.Writer
	closer io.Closer // only set when we own the underlying writer
	closed bool
}

// ErrTraceWriterClosed is returned when WriteStep is called after Close.
var ErrTraceWriterClosed = errors.New("jsonl trace writer is closed")

func newWriter(w io.Writer, size int, closer io.Closer) *JSONLTraceWriter {
	buf := bufio.NewWriterSize(w, size)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &JSONLTraceWriter{enc: enc, buf: buf, closer: closer}
}

// NewJSONLTraceWriter creates a JSONLTraceWriter using the provided io.Writer.
// Close only flushes; w is not closed.
func NewJSONLTraceWriter(w io.Writer) *JSONLTraceWriter {
	return newWriter(w, 64*1024, nil)
}

// NewJSONLTraceWriterFile creates (or truncates) path and returns a writer
// that owns the file.
func NewJSONLTraceWriterFile(path string) (*JSONLTraceWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return newWriter(f, 64*1024, f), nil
}

// NewJSONLTraceWriterStdout uses a small buffer so steps show up promptly.
func NewJSONLTraceWriterStdout() *JSONLTraceWriter {
	return newWriter(os.Stdout, 4*1024, nil)
}

func (w *JSONLTraceWriter) WriteStep(step *Step) error {
	l := toLine(step)
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrTraceWriterClosed
	}
	return w.enc.Encode(l)
}

// Flush forces buffered data to the underlying writer.
func (w *JSONLTraceWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrTraceWriterClosed
	}
	return w.buf.Flush()
}

// Close flushes any buffered data and closes the file if the writer owns it.
func (w *JSONLTraceWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		if w.closer != nil {
			_ = w.closer.Close()
		}
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// ReadSteps decodes a trace written by JSONLTraceWriter.
func ReadSteps(r io.Reader) ([]*Step, error) {
	var steps []*Step
	dec := json.NewDecoder(r)
	for {
		var l line
		err := dec.Decode(&l)
		if errors.Is(err, io.EOF) {
			return steps, nil
		}
		if err != nil {
			return steps, err
		}
		s, err := l.step()
		if err != nil {
			return steps, fmt.Errorf("step %d: %w", len(steps), err)
		}
		steps = append(steps, s)
	}
}
