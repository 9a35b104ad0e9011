package container

import (
	"fmt"

	"github.com/colorfulnotion/fragvm/fragerrors"
)

// FormatError reports a malformed header or section layout.
type FormatError struct {
	Field    string
	Offset   int
	Expected string
	Found    string
}

func (e *FormatError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("container: bad %s at 0x%X: %s", e.Field, e.Offset, e.Found)
	}
	return fmt.Sprintf("container: bad %s at 0x%X: expected %s, found %s", e.Field, e.Offset, e.Expected, e.Found)
}

func (e *FormatError) Unwrap() error { return fragerrors.ErrCContainerFormat }

// RelocationError reports a relocation slot outside the code section.
type RelocationError struct {
	Index    int
	Offset   uint32
	CodeSize int
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("container: relocation %d at code offset 0x%X does not fit in %d byte code section", e.Index, e.Offset, e.CodeSize)
}

func (e *RelocationError) Unwrap() error { return fragerrors.ErrCRelocationOutOfRange }
