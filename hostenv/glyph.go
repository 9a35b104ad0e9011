package hostenv

import (
	"fmt"

	"github.com/colorfulnotion/fragvm/i386"
	"github.com/colorfulnotion/fragvm/interpreter"
)

const (
	GlyphBuffer uint32 = 0x300000
	GlyphFinish uint32 = 0x600000
	GlyphReturn        = "finish"
	GlyphRegion        = "glyph"
)

// GlyphEnvironment is the font renderer's setup: a width x height byte
// plane at GlyphBuffer addressed through EDI, ECX holding the row pitch,
// EAX all ones and a zero-argument "finish" trampoline to return into.
func GlyphEnvironment(width, height int, opts ...interpreter.Option) (*Session, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("glyph plane %dx%d", width, height)
	}
	sess := &Session{
		State:      interpreter.New(opts...),
		Regions:    make(map[string][]byte),
		regionAddr: make(map[string]uint32),
	}
	sess.AddTrampoline(GlyphFinish, GlyphReturn, 0)
	// four bytes of slack for dword stores into the last row
	if err := sess.MapRegion(GlyphRegion, GlyphBuffer, width*height+4, "edi"); err != nil {
		return nil, err
	}
	sess.SetRegister(i386.EAX, 0xFFFFFFFF)
	sess.SetRegister(i386.ECX, uint32(width))
	return sess, nil
}

// DrawGlyph runs one glyph's code into the plane. The caller positions EDI
// before each call when packing several glyphs side by side.
func (s *Session) DrawGlyph(bc *i386.ByteCode) error {
	s.ClearCode()
	if err := s.LoadByteCode(bc); err != nil {
		return err
	}
	s.PushStack(GlyphFinish)
	out, err := s.Interpret(bc.StartAddress)
	if err != nil {
		return err
	}
	if out.Kind != interpreter.OutcomeCallback || out.Trampoline != GlyphReturn {
		return fmt.Errorf("glyph returned %s, expected %s", out, GlyphReturn)
	}
	if len(out.Args) != 0 {
		return fmt.Errorf("glyph returned %d values", len(out.Args))
	}
	return nil
}

// Plane unmaps the glyph buffer and trims the slack.
func (s *Session) Plane(width, height int) ([]byte, error) {
	buf, err := s.Release(GlyphRegion)
	if err != nil {
		return nil, err
	}
	return buf[:width*height], nil
}
