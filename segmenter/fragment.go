package segmenter

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/colorfulnotion/fragvm/i386"
)

// ReturnKind classifies how a block hands control back.
type ReturnKind int

const (
	ReturnNone      ReturnKind = iota // block ends in an unconditional jump
	ReturnInterp                      // enters the host interpreter
	ReturnErrorExit                   // error exit, message follows the block
	ReturnContinue                    // named continuation, resumes after the block
	ReturnCallback                    // configured host callback
)

var returnKindNames = []string{"jump", "interp", "error", "continue", "callback"}

func (k ReturnKind) String() string {
	if int(k) < len(returnKindNames) {
		return returnKindNames[k]
	}
	return fmt.Sprintf("ReturnKind(%d)", int(k))
}

func (k ReturnKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ReturnKind) UnmarshalText(b []byte) error {
	for i, name := range returnKindNames {
		if name == string(b) {
			*k = ReturnKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown return kind %q", b)
}

// Block is one bounded decode of the fragment.
type Block struct {
	*i386.ByteCode
	Return     ReturnKind `json:"return"`
	Trampoline string     `json:"trampoline,omitempty"`
	Arg0       uint32     `json:"arg0,omitempty"`
}

// Message is the null-terminated diagnostic that follows an error exit.
type Message struct {
	Offset int    `json:"offset"`
	Text   string `json:"text"`
}

// Size includes the terminating zero.
func (m Message) Size() int { return len(m.Text) + 1 }

// Fragment is every block reachable from one entry offset.
type Fragment struct {
	Entry    int       `json:"entry"`
	LoadBase uint32    `json:"load_base"`
	Blocks   []*Block  `json:"blocks"`
	Messages []Message `json:"messages,omitempty"`

	// BackwardTargets are loop heads seen during the jump scan. They are
	// never queued.
	BackwardTargets []int `json:"backward_targets,omitempty"`

	code []byte
}

// ByteCodes returns the decoded blocks in offset order.
func (f *Fragment) ByteCodes() []*i386.ByteCode {
	out := make([]*i386.ByteCode, len(f.Blocks))
	for i, b := range f.Blocks {
		out[i] = b.ByteCode
	}
	return out
}

// BlockAt returns the block covering offset.
func (f *Fragment) BlockAt(offset int) (*Block, bool) {
	i := sort.Search(len(f.Blocks), func(i int) bool { return f.Blocks[i].EndOffset() > offset })
	if i < len(f.Blocks) && f.Blocks[i].Contains(offset) {
		return f.Blocks[i], true
	}
	return nil, false
}

// Covered reports whether offset is the start of a decoded instruction.
func (f *Fragment) Covered(offset int) bool {
	b, ok := f.BlockAt(offset)
	if !ok {
		return false
	}
	for _, in := range b.Instructions {
		if in.Offset == offset {
			return true
		}
	}
	return false
}

// UncoveredBackwardTargets lists backward jump targets that no decoded
// instruction starts at.
func (f *Fragment) UncoveredBackwardTargets() []int {
	var out []int
	for _, t := range f.BackwardTargets {
		if !f.Covered(t) {
			out = append(out, t)
		}
	}
	return out
}

func (f *Fragment) insert(b *Block) {
	i := sort.Search(len(f.Blocks), func(i int) bool { return f.Blocks[i].StartOffset > b.StartOffset })
	f.Blocks = append(f.Blocks, nil)
	copy(f.Blocks[i+1:], f.Blocks[i:])
	f.Blocks[i] = b
}

func (f *Fragment) addBackward(target int) {
	for _, t := range f.BackwardTargets {
		if t == target {
			return
		}
	}
	f.BackwardTargets = append(f.BackwardTargets, target)
	sort.Ints(f.BackwardTargets)
}

// Reads lists the distinct trampolines the fragment reads from memory, in
// order of first use.
func (f *Fragment) Reads() []string {
	var names []string
	seen := make(map[string]bool)
	for _, b := range f.Blocks {
		for _, in := range b.Instructions {
			if in.Annotation == "" || in.Mnemonic == i386.Return || seen[in.Annotation] {
				continue
			}
			seen[in.Annotation] = true
			names = append(names, in.Annotation)
		}
	}
	return names
}

// Calls lists the distinct trampolines the fragment returns through, in
// order of first use.
func (f *Fragment) Calls() []string {
	var names []string
	seen := make(map[string]bool)
	for _, b := range f.Blocks {
		if b.Trampoline == "" || seen[b.Trampoline] {
			continue
		}
		seen[b.Trampoline] = true
		names = append(names, b.Trampoline)
	}
	return names
}

// RegionKind tells code from data in a MemoryView.
type RegionKind int

const (
	RegionCode RegionKind = iota
	RegionMessage
	RegionData
)

func (k RegionKind) String() string {
	switch k {
	case RegionCode:
		return "code"
	case RegionMessage:
		return "message"
	}
	return "data"
}

func (k RegionKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *RegionKind) UnmarshalText(b []byte) error {
	for _, v := range []RegionKind{RegionCode, RegionMessage, RegionData} {
		if v.String() == string(b) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("unknown region kind %q", b)
}

// Region is one contiguous span of the fragment's byte range.
type Region struct {
	Kind    RegionKind `json:"kind"`
	Offset  int        `json:"offset"`
	Size    int        `json:"size"`
	Block   *Block     `json:"-"`
	Message string     `json:"message,omitempty"`
}

func (r Region) End() int { return r.Offset + r.Size }

// MemoryView lays the fragment out as ordered, non-overlapping code, message
// and data regions from the lowest decoded offset to the highest end.
func (f *Fragment) MemoryView() []Region {
	var regions []Region
	for _, b := range f.Blocks {
		regions = append(regions, Region{Kind: RegionCode, Offset: b.StartOffset, Size: b.Size, Block: b})
	}
	for _, m := range f.Messages {
		regions = append(regions, Region{Kind: RegionMessage, Offset: m.Offset, Size: m.Size(), Message: m.Text})
	}
	sort.SliceStable(regions, func(i, j int) bool { return regions[i].Offset < regions[j].Offset })

	var out []Region
	pos := -1
	for _, r := range regions {
		if pos >= 0 && r.Offset > pos {
			out = append(out, Region{Kind: RegionData, Offset: pos, Size: r.Offset - pos})
		}
		out = append(out, r)
		if r.End() > pos {
			pos = r.End()
		}
	}
	return out
}

// Stats summarizes a fragment.
type Stats struct {
	Blocks       int                `json:"blocks"`
	Instructions int                `json:"instructions"`
	CodeBytes    int                `json:"code_bytes"`
	DataBytes    int                `json:"data_bytes"`
	Messages     int                `json:"messages"`
	Mnemonics    map[string]int     `json:"mnemonics"`
	Returns      map[ReturnKind]int `json:"returns"`
	Uncovered    int                `json:"uncovered_backward_targets"`
}

func (f *Fragment) Stats() Stats {
	s := Stats{
		Blocks:    len(f.Blocks),
		Messages:  len(f.Messages),
		Mnemonics: make(map[string]int),
		Returns:   make(map[ReturnKind]int),
		Uncovered: len(f.UncoveredBackwardTargets()),
	}
	for _, b := range f.Blocks {
		s.Instructions += len(b.Instructions)
		s.CodeBytes += b.Size
		s.Returns[b.Return]++
		for _, in := range b.Instructions {
			s.Mnemonics[in.Mnemonic.Asm()]++
		}
	}
	for _, r := range f.MemoryView() {
		if r.Kind == RegionData {
			s.DataBytes += r.Size
		}
	}
	return s
}

// Report is the serializable analysis of a fragment, as cached by the store.
type Report struct {
	Entry                    int       `json:"entry"`
	LoadBase                 uint32    `json:"load_base"`
	Blocks                   []*Block  `json:"blocks"`
	Messages                 []Message `json:"messages,omitempty"`
	Reads                    []string  `json:"reads,omitempty"`
	Calls                    []string  `json:"calls,omitempty"`
	Regions                  []Region  `json:"regions"`
	Stats                    Stats     `json:"stats"`
	BackwardTargets          []int     `json:"backward_targets,omitempty"`
	UncoveredBackwardTargets []int     `json:"uncovered_backward_targets,omitempty"`
}

func (f *Fragment) Report() *Report {
	return &Report{
		Entry:                    f.Entry,
		LoadBase:                 f.LoadBase,
		Blocks:                   f.Blocks,
		Messages:                 f.Messages,
		Reads:                    f.Reads(),
		Calls:                    f.Calls(),
		Regions:                  f.MemoryView(),
		Stats:                    f.Stats(),
		BackwardTargets:          f.BackwardTargets,
		UncoveredBackwardTargets: f.UncoveredBackwardTargets(),
	}
}

func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
