package interpreter

import "fmt"

type OutcomeKind int

const (
	OutcomeExhausted        OutcomeKind = iota // ran off the end of a block
	OutcomeInterpreterEntry                    // returned into the interpreter entry trampoline
	OutcomeErrorExit
	OutcomeContinuation
	OutcomeCallback // any other registered trampoline
)

var outcomeNames = []string{"exhausted", "interp", "error", "continue", "callback"}

func (k OutcomeKind) String() string {
	if int(k) < len(outcomeNames) {
		return outcomeNames[k]
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

func (k OutcomeKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Outcome is how an Interpret call ended. Args holds the last ArgCount stack
// values, most recent first.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	Trampoline string      `json:"trampoline,omitempty"`
	Address    uint32      `json:"address,omitempty"`
	Args       []uint32    `json:"args,omitempty"`
	Steps      uint64      `json:"steps"`
}

// Arg returns argument i, or zero when the trampoline takes fewer.
func (o *Outcome) Arg(i int) uint32 {
	if i < len(o.Args) {
		return o.Args[i]
	}
	return 0
}

func (o *Outcome) String() string {
	if o.Kind == OutcomeExhausted {
		return fmt.Sprintf("exhausted after %d steps", o.Steps)
	}
	return fmt.Sprintf("%s %s@0x%08X args=%X after %d steps", o.Kind, o.Trampoline, o.Address, o.Args, o.Steps)
}
