package segmenter

import (
	"fmt"

	"github.com/colorfulnotion/fragvm/fragerrors"
)

// ReturnError reports a block whose terminating return cannot be classified.
// Kind is one of the S1, S2, S3 or S5 sentinels.
type ReturnError struct {
	Kind        error
	BlockOffset int
	Target      uint32 // pushed return target
	Name        string // resolved trampoline name, if any
	Arg0        uint32
	BlockEnd    int
}

func (e *ReturnError) Error() string {
	prefix := fmt.Sprintf("segmenter: block @%04X", e.BlockOffset)
	switch e.Kind {
	case fragerrors.ErrSUnresolvedTrampoline:
		return fmt.Sprintf("%s returns to 0x%08X which matches no trampoline", prefix, e.Target)
	case fragerrors.ErrSUnexpectedReturnTarget:
		return fmt.Sprintf("%s returns through unexpected trampoline %s", prefix, e.Name)
	case fragerrors.ErrSContinuationMismatch:
		return fmt.Sprintf("%s continues through %s with arg0 0x%08X, expected block end @%04X", prefix, e.Name, e.Arg0, e.BlockEnd)
	}
	return fmt.Sprintf("%s does not end in push arg0; push target; ret", prefix)
}

func (e *ReturnError) Unwrap() error { return e.Kind }

// DivergedError reports fragment discovery exceeding its block bound.
type DivergedError struct {
	Entry   int
	Blocks  int
	Limit   int
	Pending int
}

func (e *DivergedError) Error() string {
	return fmt.Sprintf("segmenter: fragment @%04X decoded %d blocks (limit %d) with %d targets pending", e.Entry, e.Blocks, e.Limit, e.Pending)
}

func (e *DivergedError) Unwrap() error { return fragerrors.ErrSDiverged }
