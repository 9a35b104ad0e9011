package i386

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/fragvm/fragerrors"
)

// UnknownOpcodeError reports an opcode/extension pair missing from the table.
type UnknownOpcodeError struct {
	Offset int
	Opcode uint16
	Ext    uint8
	Bytes  []byte // raw bytes starting at Offset
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("unknown opcode 0x%02X /%d at offset 0x%X: % X", e.Opcode, e.Ext, e.Offset, e.Bytes)
}

func (e *UnknownOpcodeError) Unwrap() error { return fragerrors.ErrDUnknownOpcode }

// TruncatedError reports code that ends in the middle of an instruction.
type TruncatedError struct {
	Offset int
	Phase  string
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("instruction at offset 0x%X truncated while reading %s", e.Offset, e.Phase)
}

func (e *TruncatedError) Unwrap() error { return fragerrors.ErrDTruncated }

type UnsupportedEncodingError struct {
	Offset int
	Reason string
}

func (e *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("unsupported encoding at offset 0x%X: %s", e.Offset, e.Reason)
}

func (e *UnsupportedEncodingError) Unwrap() error { return fragerrors.ErrDUnsupportedEncoding }

// NoTerminatorError is returned when bounded decoding consumes all input
// without the stop predicate firing.
type NoTerminatorError struct {
	StartOffset  int
	Size         int
	Instructions int
}

func (e *NoTerminatorError) Error() string {
	return fmt.Sprintf("decoded %d instructions (%d bytes) from offset 0x%X without reaching a stop point", e.Instructions, e.Size, e.StartOffset)
}

func (e *NoTerminatorError) Unwrap() error { return fragerrors.ErrDNoTerminator }

// rebase shifts decode error offsets from snippet-relative to absolute.
func rebase(err error, by int) error {
	switch e := err.(type) {
	case *UnknownOpcodeError:
		e.Offset += by
	case *TruncatedError:
		e.Offset += by
	case *UnsupportedEncodingError:
		e.Offset += by
	}
	return err
}

// HexDump renders up to 16 bytes before and 20 bytes after offset with a
// caret under the byte at offset.
func HexDump(code []byte, offset int) string {
	if offset < 0 {
		offset = 0
	}
	if offset > len(code) {
		offset = len(code)
	}
	start := offset - 16
	if start < 0 {
		start = 0
	}
	end := offset + 20
	if end > len(code) {
		end = len(code)
	}
	var line, caret strings.Builder
	fmt.Fprintf(&line, "%04X: ", start)
	caret.WriteString("      ")
	for i := start; i < end; i++ {
		fmt.Fprintf(&line, "%02X ", code[i])
		if i < offset {
			caret.WriteString("   ")
		} else if i == offset {
			caret.WriteString("^^")
		}
	}
	return line.String() + "\n" + caret.String()
}
