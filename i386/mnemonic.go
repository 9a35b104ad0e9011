package i386

import "fmt"

type Mnemonic uint8

const (
	Move Mnemonic = iota
	And
	Compare
	Add
	Adc
	Sub
	Xor
	Or
	Push
	Pop
	PushAll
	PopAll
	Jump
	ConditionalJump
	Call
	Return
	Inc
	Dec
	Lea
	MoveZeroExtend
	MoveString
	ClearDirectionFlag
	Test
	Neg
	Mul
	IMul2
	IMul3
	Div
	IDiv
	RotateCarryRight
	ShiftLeft
	ShiftRight
	ShiftArithmeticRight
	Debugger

	numMnemonics
)

var mnemonicNames = [numMnemonics]struct{ name, asm string }{
	Move:                 {"Move", "mov"},
	And:                  {"And", "and"},
	Compare:              {"Compare", "cmp"},
	Add:                  {"Add", "add"},
	Adc:                  {"Adc", "adc"},
	Sub:                  {"Sub", "sub"},
	Xor:                  {"Xor", "xor"},
	Or:                   {"Or", "or"},
	Push:                 {"Push", "push"},
	Pop:                  {"Pop", "pop"},
	PushAll:              {"PushAll", "pushad"},
	PopAll:               {"PopAll", "popad"},
	Jump:                 {"Jump", "jmp"},
	ConditionalJump:      {"ConditionalJump", "jcc"},
	Call:                 {"Call", "call"},
	Return:               {"Return", "ret"},
	Inc:                  {"Inc", "inc"},
	Dec:                  {"Dec", "dec"},
	Lea:                  {"Lea", "lea"},
	MoveZeroExtend:       {"MoveZeroExtend", "movzx"},
	MoveString:           {"MoveString", "movs"},
	ClearDirectionFlag:   {"ClearDirectionFlag", "cld"},
	Test:                 {"Test", "test"},
	Neg:                  {"Neg", "neg"},
	Mul:                  {"Mul", "mul"},
	IMul2:                {"IMul2", "imul"},
	IMul3:                {"IMul3", "imul"},
	Div:                  {"Div", "div"},
	IDiv:                 {"IDiv", "idiv"},
	RotateCarryRight:     {"RotateCarryRight", "rcr"},
	ShiftLeft:            {"ShiftLeft", "shl"},
	ShiftRight:           {"ShiftRight", "shr"},
	ShiftArithmeticRight: {"ShiftArithmeticRight", "sar"},
	Debugger:             {"Debugger", "int3"},
}

func (m Mnemonic) String() string {
	if m < numMnemonics {
		return mnemonicNames[m].name
	}
	return fmt.Sprintf("Mnemonic(%d)", uint8(m))
}

// Asm is the lowercase assembler spelling.
func (m Mnemonic) Asm() string {
	if m < numMnemonics {
		return mnemonicNames[m].asm
	}
	return "??"
}

func (m Mnemonic) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ParseMnemonic accepts the Go name of a mnemonic.
func ParseMnemonic(s string) (Mnemonic, error) {
	for m := Mnemonic(0); m < numMnemonics; m++ {
		if mnemonicNames[m].name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mnemonic %q", s)
}

func (m *Mnemonic) UnmarshalText(b []byte) error {
	v, err := ParseMnemonic(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Flag is one of the status flags a condition can test.
type Flag uint8

const (
	CF Flag = iota
	OF
	ZF
	SF
	PF
)

func (f Flag) String() string {
	switch f {
	case CF:
		return "CF"
	case OF:
		return "OF"
	case ZF:
		return "ZF"
	case SF:
		return "SF"
	case PF:
		return "PF"
	}
	return "F?"
}

type CheckKind uint8

const (
	CheckFlag     CheckKind = iota // A == Want
	CheckEqual                     // A == B
	CheckNotEqual                  // A != B
)

// Check is a single flag test.
type Check struct {
	Kind CheckKind
	A, B Flag
	Want bool
}

func (c Check) eval(get func(Flag) (bool, error)) (bool, error) {
	a, err := get(c.A)
	if err != nil {
		return false, err
	}
	if c.Kind == CheckFlag {
		return a == c.Want, nil
	}
	b, err := get(c.B)
	if err != nil {
		return false, err
	}
	if c.Kind == CheckEqual {
		return a == b, nil
	}
	return a != b, nil
}

func (c Check) String() string {
	switch c.Kind {
	case CheckEqual:
		return fmt.Sprintf("%s==%s", c.A, c.B)
	case CheckNotEqual:
		return fmt.Sprintf("%s!=%s", c.A, c.B)
	}
	if c.Want {
		return c.A.String() + "=1"
	}
	return c.A.String() + "=0"
}

type Join uint8

const (
	JoinNone Join = iota
	JoinAnd
	JoinOr
)

// ConditionCode is a single check or two checks joined by AND/OR.
type ConditionCode struct {
	Join  Join
	X, Y  Check
	Short string // jcc suffix, e.g. "ne"
}

// Eval tests the condition. get reports an error for flags it cannot supply.
func (cc ConditionCode) Eval(get func(Flag) (bool, error)) (bool, error) {
	x, err := cc.X.eval(get)
	if err != nil || cc.Join == JoinNone {
		return x, err
	}
	if cc.Join == JoinAnd && !x {
		return false, nil
	}
	if cc.Join == JoinOr && x {
		return true, nil
	}
	return cc.Y.eval(get)
}

// Flags lists every flag the condition reads.
func (cc ConditionCode) Flags() []Flag {
	var out []Flag
	add := func(c Check) {
		out = append(out, c.A)
		if c.Kind != CheckFlag {
			out = append(out, c.B)
		}
	}
	add(cc.X)
	if cc.Join != JoinNone {
		add(cc.Y)
	}
	return out
}

func (cc ConditionCode) String() string {
	switch cc.Join {
	case JoinAnd:
		return cc.X.String() + "&&" + cc.Y.String()
	case JoinOr:
		return cc.X.String() + "||" + cc.Y.String()
	}
	return cc.X.String()
}

func flagIs(f Flag, want bool) Check { return Check{Kind: CheckFlag, A: f, Want: want} }
func flagsEq(a, b Flag) Check        { return Check{Kind: CheckEqual, A: a, B: b} }
func flagsNe(a, b Flag) Check        { return Check{Kind: CheckNotEqual, A: a, B: b} }

// conditions indexed by the low nibble of 0x70..0x7F / 0x0F 0x80..0x8F
var conditions = [16]ConditionCode{
	{X: flagIs(OF, true), Short: "o"},
	{X: flagIs(OF, false), Short: "no"},
	{X: flagIs(CF, true), Short: "b"},
	{X: flagIs(CF, false), Short: "ae"},
	{X: flagIs(ZF, true), Short: "e"},
	{X: flagIs(ZF, false), Short: "ne"},
	{Join: JoinOr, X: flagIs(CF, true), Y: flagIs(ZF, true), Short: "be"},
	{Join: JoinAnd, X: flagIs(CF, false), Y: flagIs(ZF, false), Short: "a"},
	{X: flagIs(SF, true), Short: "s"},
	{X: flagIs(SF, false), Short: "ns"},
	{X: flagIs(PF, true), Short: "p"},
	{X: flagIs(PF, false), Short: "np"},
	{X: flagsNe(SF, OF), Short: "l"},
	{X: flagsEq(SF, OF), Short: "ge"},
	{Join: JoinOr, X: flagIs(ZF, true), Y: flagsNe(SF, OF), Short: "le"},
	{Join: JoinAnd, X: flagIs(ZF, false), Y: flagsEq(SF, OF), Short: "g"},
}

// Condition returns the condition for a jcc nibble.
func Condition(nibble byte) ConditionCode { return conditions[nibble&0x0F] }
