// Package trace records interpreter steps as JSON lines and compares two
// recorded runs.
package trace

import "golang.org/x/crypto/blake2b"

// Registers is the general register file and EIP after a step.
type Registers struct {
	EAX uint32 `json:"eax"`
	EBX uint32 `json:"ebx"`
	ECX uint32 `json:"ecx"`
	EDX uint32 `json:"edx"`
	ESP uint32 `json:"esp"`
	EBP uint32 `json:"ebp"`
	ESI uint32 `json:"esi"`
	EDI uint32 `json:"edi"`
	EIP uint32 `json:"eip"`
}

type Flags struct {
	CF bool `json:"cf"`
	OF bool `json:"of"`
	ZF bool `json:"zf"`
	SF bool `json:"sf"`
	DF bool `json:"df"`
}

// Step is one executed instruction and the machine state after it.
type Step struct {
	Index       uint64    `json:"index"`
	Address     uint32    `json:"address"`
	Instruction string    `json:"instruction"`
	Registers   Registers `json:"registers"`
	Flags       Flags     `json:"flags"`
	StackDepth  int       `json:"stackDepth"`

	ChangedMemoryAddr   *uint32 `json:"changedMemoryAddr,omitempty"`
	ChangedMemoryLength *uint32 `json:"changedMemoryLength,omitempty"`
	ChangedMemoryBytes  []byte  `json:"changedMemoryBytes,omitempty"` // blake2b-256 of the bytes past 32
}

// SetChangedMemory records the bytes a step wrote starting at addr.
func (s *Step) SetChangedMemory(addr uint32, bytes []byte) {
	if len(bytes) == 0 {
		s.ChangedMemoryAddr, s.ChangedMemoryLength, s.ChangedMemoryBytes = nil, nil, nil
		return
	}
	length := uint32(len(bytes))
	s.ChangedMemoryAddr = &addr
	s.ChangedMemoryLength = &length
	if len(bytes) > 32 {
		sum := blake2b.Sum256(bytes)
		s.ChangedMemoryBytes = sum[:]
		return
	}
	s.ChangedMemoryBytes = append([]byte(nil), bytes...)
}

// Tracer receives every step the interpreter completes.
type Tracer interface {
	WriteStep(step *Step) error
}

// Recorder keeps steps in memory.
type Recorder struct {
	Steps []*Step
}

func (r *Recorder) WriteStep(step *Step) error {
	cp := *step
	r.Steps = append(r.Steps, &cp)
	return nil
}

type tee []Tracer

// Tee fans each step out to every tracer, stopping at the first error.
func Tee(tracers ...Tracer) Tracer { return tee(tracers) }

func (t tee) WriteStep(step *Step) error {
	for _, tr := range t {
		if err := tr.WriteStep(step); err != nil {
			return err
		}
	}
	return nil
}
