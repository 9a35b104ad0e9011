package fragerrors

import (
	"errors"
	"strings"
)

// Container (C) Errors
var (
	ErrCContainerFormat      = errors.New("C1|ContainerFormat: Container header or section table is malformed.")
	ErrCRelocationOutOfRange = errors.New("C2|RelocationOutOfRange: Relocation slot lies outside the code section.")
)

// Decode (D) Errors
var (
	ErrDUnknownOpcode       = errors.New("D1|UnknownOpcode: No opcode table entry for opcode and ModRM extension.")
	ErrDTruncated           = errors.New("D2|Truncated: Code ends in the middle of an instruction.")
	ErrDUnsupportedEncoding = errors.New("D3|UnsupportedEncoding: Operand encoding is not representable.")
	ErrDNoTerminator        = errors.New("D4|NoTerminator: Decoding ran off the end of the code without reaching a stop point.")
)

// Segmenter (S) Errors
var (
	ErrSUnresolvedTrampoline   = errors.New("S1|UnresolvedTrampoline: Pushed return target matches no trampoline memory location.")
	ErrSUnexpectedReturnTarget = errors.New("S2|UnexpectedReturnTarget: Return hands control to a trampoline outside the vocabulary.")
	ErrSContinuationMismatch   = errors.New("S3|ContinuationMismatch: Continuation argument does not point just after the code block.")
	ErrSDiverged               = errors.New("S4|Diverged: Fragment discovery exceeded its block bound.")
	ErrSMalformedReturn        = errors.New("S5|MalformedReturn: Terminating return is not preceded by push arg0; push target.")
)

// Interpreter (I) Errors
var (
	ErrIUnmappedAddress          = errors.New("I1|UnmappedAddress: Address is not backed by a port or memory map.")
	ErrIReadOnlyMemory           = errors.New("I2|ReadOnlyMemory: Write to a read-only memory map.")
	ErrIUnimplementedInstruction = errors.New("I3|UnimplementedInstruction: Mnemonic is not supported by the interpreter.")
	ErrIUnsupportedOperand       = errors.New("I4|UnsupportedOperand: Operand form is not supported by the interpreter.")
	ErrIStepLimitExceeded        = errors.New("I5|StepLimitExceeded: Interpretation exceeded its step bound.")
	ErrIStackUnderflow           = errors.New("I6|StackUnderflow: Pop or return with an empty stack.")
	ErrIMisalignedJump           = errors.New("I7|MisalignedJump: Jump target is not aligned to an instruction.")
	ErrINoCode                   = errors.New("I8|NoCode: Jump target is outside all loaded code.")
	ErrIDivide                   = errors.New("I9|Divide: Division by zero or quotient overflow.")
	ErrIUnsupportedFlag          = errors.New("I10|UnsupportedFlag: Condition reads a flag the interpreter does not model.")
	ErrIOverlappingMap           = errors.New("I11|OverlappingMap: Memory map overlaps an existing entry.")
)

var known = []error{
	ErrCContainerFormat, ErrCRelocationOutOfRange,
	ErrDUnknownOpcode, ErrDTruncated, ErrDUnsupportedEncoding, ErrDNoTerminator,
	ErrSUnresolvedTrampoline, ErrSUnexpectedReturnTarget, ErrSContinuationMismatch, ErrSDiverged, ErrSMalformedReturn,
	ErrIUnmappedAddress, ErrIReadOnlyMemory, ErrIUnimplementedInstruction, ErrIUnsupportedOperand,
	ErrIStepLimitExceeded, ErrIStackUnderflow, ErrIMisalignedJump, ErrINoCode, ErrIDivide,
	ErrIUnsupportedFlag, ErrIOverlappingMap,
}

// Sentinel returns the coded sentinel wrapped somewhere in err's chain, or err
// itself when no sentinel is found.
func Sentinel(err error) error {
	for _, s := range known {
		if errors.Is(err, s) {
			return s
		}
	}
	return err
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := Sentinel(err).Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

func GetErrorNames(errs []error) []string {
	errStrs := make([]string, len(errs))
	for i, err := range errs {
		errStrs[i] = GetErrorName(err)
	}
	return errStrs
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := Sentinel(err).Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	parts := strings.SplitN(Sentinel(err).Error(), ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}

// Family returns the taxonomy family letter of err ("C", "D", "S" or "I"),
// or "" for errors outside the taxonomy.
func Family(err error) string {
	code := GetErrorCode(err)
	if code == "" {
		return ""
	}
	return code[:1]
}
