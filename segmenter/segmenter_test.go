package segmenter

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/colorfulnotion/fragvm/config"
	"github.com/colorfulnotion/fragvm/container"
	"github.com/colorfulnotion/fragvm/fragerrors"
	"github.com/colorfulnotion/fragvm/i386"
	"github.com/colorfulnotion/fragvm/internal/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	imageBase = uint32(0x00401000)
	loadBase  = container.DefaultLoadBase

	interpLoc   = imageBase + 0x800
	errorLoc    = imageBase + 0x804
	numLoadLoc  = imageBase + 0x808
	otherLoc    = imageBase + 0x80C
	gearLoc     = imageBase + 0x810
	unknownAddr = imageBase + 0x900
)

// program assembles code whose pointer immediates are relocated on load.
type program struct {
	*asm.Assembler
	relocs []int
}

func newProgram() *program { return &program{Assembler: asm.New()} }

func (p *program) mark(at int) { p.relocs = append(p.relocs, at) }

func (p *program) readGear() {
	p.MovEAXMoffs(gearLoc)
	p.mark(p.Offset() - 4)
}

// exit emits push arg0; push target; ret with both immediates relocated.
func (p *program) exit(arg0, target uint32) {
	p.mark(p.PushImm(arg0))
	p.mark(p.PushImm(target))
	p.Ret()
}

func (p *program) load(t *testing.T) *container.Container {
	b := container.NewBuilder(imageBase)
	b.Code(p.Bytes()...)
	for _, r := range p.relocs {
		b.Relocation(r)
	}
	b.Trampoline("do_start_interp", 0x800, interpLoc)
	b.Trampoline("_ErrorExit", 0x804, errorLoc)
	b.Trampoline("@HARDNumLoaded@8", 0x808, numLoadLoc)
	b.Trampoline("@Other@4", 0x80C, otherLoc)
	b.Trampoline("_PLgearState", 0x810, gearLoc)
	c, err := container.Load(b.Encode(), loadBase)
	require.NoError(t, err)
	return c
}

func segment(t *testing.T, c *container.Container, entry int) (*Fragment, error) {
	t.Helper()
	return New(c, config.DefaultVocabulary(), config.DefaultLimits()).DisassembleFragment(entry)
}

// forwardAndBackward has a loop back to @0005 and a forward jz to @001A past
// a two byte data gap.
func forwardAndBackward() *program {
	p := newProgram()
	p.readGear()                 // 0000
	p.Dec(asm.ECX)               // 0005
	p.Jcc(asm.CondNE, -3)        // 0006 -> 0005
	p.CmpRI(asm.EAX, 0)          // 0008
	p.Jcc(asm.CondE, 13)         // 000B -> 001A
	p.exit(imageBase, interpLoc) // 000D
	p.Emit(0xD6, 0xD6)           // 0018
	p.exit(imageBase, interpLoc) // 001A
	return p
}

func TestForwardAndBackwardBranch(t *testing.T) {
	c := forwardAndBackward().load(t)
	f, err := segment(t, c, 0)
	require.NoError(t, err)

	require.Len(t, f.Blocks, 2)
	assert.Equal(t, 0, f.Blocks[0].StartOffset)
	assert.Equal(t, 0x18, f.Blocks[0].EndOffset())
	assert.Equal(t, 0x1A, f.Blocks[1].StartOffset)
	assert.Equal(t, 0x25, f.Blocks[1].EndOffset())
	assert.Equal(t, loadBase+0x1A, f.Blocks[1].StartAddress)

	assert.Equal(t, []int{5}, f.BackwardTargets)
	assert.Empty(t, f.UncoveredBackwardTargets())

	for _, b := range f.Blocks {
		assert.Equal(t, ReturnInterp, b.Return)
		assert.Equal(t, "do_start_interp", b.Trampoline)
		assert.Equal(t, loadBase, b.Arg0)
		assert.Equal(t, "do_start_interp", b.Last().Annotation)
	}
	assert.Equal(t, "_PLgearState", f.Blocks[0].Instructions[0].Annotation)
	assert.Equal(t, []string{"_PLgearState"}, f.Reads())
	assert.Equal(t, []string{"do_start_interp"}, f.Calls())

	view := f.MemoryView()
	require.Len(t, view, 3)
	assert.Equal(t, Region{Kind: RegionData, Offset: 0x18, Size: 2}, view[1])
	assert.Equal(t, RegionCode, view[0].Kind)
	assert.Equal(t, RegionCode, view[2].Kind)

	stats := f.Stats()
	assert.Equal(t, 2, stats.Blocks)
	assert.Equal(t, 11, stats.Instructions)
	assert.Equal(t, 0x18+11, stats.CodeBytes)
	assert.Equal(t, 2, stats.DataBytes)
	assert.Equal(t, 2, stats.Returns[ReturnInterp])
	assert.Equal(t, 4, stats.Mnemonics["push"])
}

func TestUncoveredBackwardTarget(t *testing.T) {
	p := newProgram()
	p.readGear()
	p.Jcc(asm.CondNE, -4) // lands inside the mov at 0003
	p.exit(imageBase, interpLoc)
	f, err := segment(t, p.load(t), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, f.BackwardTargets)
	assert.Equal(t, []int{3}, f.UncoveredBackwardTargets())
	assert.Contains(t, f.Tree().String(), "uncovered backward targets")
}

func TestContinuationScenario(t *testing.T) {
	p := newProgram()
	p.exit(imageBase+11, numLoadLoc) // 0000..000B
	p.exit(imageBase, interpLoc)     // 000B..0016
	c := p.load(t)

	f, err := segment(t, c, 0)
	require.NoError(t, err)
	require.Len(t, f.Blocks, 2)
	first := f.Blocks[0]
	assert.Equal(t, ReturnContinue, first.Return)
	assert.Equal(t, "@HARDNumLoaded@8", first.Trampoline)
	assert.Equal(t, c.Address(first.EndOffset()), first.Arg0)
	assert.Equal(t, 11, f.Blocks[1].StartOffset)
	assert.Equal(t, ReturnInterp, f.Blocks[1].Return)
	assert.Equal(t, []string{"@HARDNumLoaded@8", "do_start_interp"}, f.Calls())
}

func TestContinuationRawOffset(t *testing.T) {
	p := newProgram()
	p.PushImm(11) // raw block end offset, not relocated
	p.mark(p.PushImm(numLoadLoc))
	p.Ret()
	p.exit(imageBase, interpLoc)

	f, err := segment(t, p.load(t), 0)
	require.NoError(t, err)
	require.Len(t, f.Blocks, 2)
	assert.Equal(t, ReturnContinue, f.Blocks[0].Return)
	assert.Equal(t, uint32(11), f.Blocks[0].Arg0)
}

func TestContinuationMismatch(t *testing.T) {
	p := newProgram()
	p.exit(imageBase+0x40, numLoadLoc)
	p.exit(imageBase, interpLoc)

	_, err := segment(t, p.load(t), 0)
	require.Error(t, err)
	var re *ReturnError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "@HARDNumLoaded@8", re.Name)
	assert.Equal(t, 11, re.BlockEnd)
	assert.Equal(t, "S3", fragerrors.GetErrorCode(err))
}

func TestErrorExitMessage(t *testing.T) {
	p := newProgram()
	p.exit(imageBase, errorLoc)       // 0000..000B
	p.Emit([]byte("bad gear\x00")...) // 000B..0014
	p.exit(imageBase, interpLoc)      // 0014..001F

	f, err := segment(t, p.load(t), 0)
	require.NoError(t, err)
	require.Len(t, f.Blocks, 2)
	assert.Equal(t, ReturnErrorExit, f.Blocks[0].Return)
	assert.Equal(t, []Message{{Offset: 0x0B, Text: "bad gear"}}, f.Messages)
	assert.Equal(t, 0x14, f.Blocks[1].StartOffset)

	view := f.MemoryView()
	require.Len(t, view, 3)
	assert.Equal(t, RegionMessage, view[1].Kind)
	assert.Equal(t, "bad gear", view[1].Message)
	assert.Equal(t, 9, view[1].Size)
	assert.Len(t, f.edges(), 1)
}

func TestErrorExitWithoutTerminator(t *testing.T) {
	p := newProgram()
	p.exit(imageBase, errorLoc)
	p.Emit('o', 'o', 'p', 's')

	_, err := segment(t, p.load(t), 0)
	assert.ErrorIs(t, err, fragerrors.ErrDTruncated)
}

func TestClassifyErrors(t *testing.T) {
	cases := []struct {
		name  string
		build func(p *program)
		kind  error
	}{
		{"unresolved", func(p *program) { p.exit(imageBase, unknownAddr) }, fragerrors.ErrSUnresolvedTrampoline},
		{"unexpected", func(p *program) { p.exit(imageBase, otherLoc) }, fragerrors.ErrSUnexpectedReturnTarget},
		{"malformed", func(p *program) {
			p.PushReg(asm.EAX)
			p.mark(p.PushImm(interpLoc))
			p.Ret()
		}, fragerrors.ErrSMalformedReturn},
		{"too short", func(p *program) { p.Ret() }, fragerrors.ErrSMalformedReturn},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newProgram()
			tc.build(p)
			c := p.load(t)
			bc, err := i386.DisassembleToReturn(0, c.Address(0), c.Code)
			require.NoError(t, err)
			_, err = New(c, config.DefaultVocabulary(), config.DefaultLimits()).Classify(bc)
			assert.ErrorIs(t, err, tc.kind)
			var re *ReturnError
			assert.True(t, errors.As(err, &re))
		})
	}
}

func TestCallbackVocabulary(t *testing.T) {
	p := newProgram()
	p.exit(imageBase, otherLoc)
	c := p.load(t)
	vocab := config.DefaultVocabulary()
	vocab.Callbacks = []string{"@Other@4"}
	f, err := New(c, vocab, config.DefaultLimits()).DisassembleFragment(0)
	require.NoError(t, err)
	require.Len(t, f.Blocks, 1)
	assert.Equal(t, ReturnCallback, f.Blocks[0].Return)
}

func TestJumpEndsBlock(t *testing.T) {
	p := newProgram()
	p.JmpShort(2)                // 0000 -> 0004
	p.Emit(0xD6, 0xD6)           // 0002
	p.exit(imageBase, interpLoc) // 0004
	f, err := segment(t, p.load(t), 0)
	require.NoError(t, err)
	require.Len(t, f.Blocks, 2)
	assert.Equal(t, ReturnNone, f.Blocks[0].Return)
	assert.Equal(t, 2, f.Blocks[0].Size)
	assert.Equal(t, 4, f.Blocks[1].StartOffset)
}

func TestDiverged(t *testing.T) {
	c := forwardAndBackward().load(t)
	_, err := New(c, config.DefaultVocabulary(), config.Limits{MaxBlocks: 1}).DisassembleFragment(0)
	var de *DivergedError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 1, de.Limit)
	assert.ErrorIs(t, err, fragerrors.ErrSDiverged)
}

func TestDecodeFailureIsWrapped(t *testing.T) {
	p := newProgram()
	p.Emit(0x90, 0xD6)
	_, err := segment(t, p.load(t), 1)
	assert.ErrorIs(t, err, fragerrors.ErrDUnknownOpcode)

	_, err = segment(t, p.load(t), 7)
	assert.ErrorIs(t, err, fragerrors.ErrDTruncated)
}

func TestPackageDisassembleFragment(t *testing.T) {
	bcs, err := DisassembleFragment(0, forwardAndBackward().load(t))
	require.NoError(t, err)
	require.Len(t, bcs, 2)
	assert.Equal(t, 0x1A, bcs[1].StartOffset)
}

func TestRenderings(t *testing.T) {
	f, err := segment(t, forwardAndBackward().load(t), 0)
	require.NoError(t, err)

	tree := f.Tree().String()
	assert.Contains(t, tree, "fragment @0000 load 0xAA000000")
	assert.Contains(t, tree, "@001A..@0025 (3 instructions) interp -> do_start_interp")
	assert.Contains(t, tree, "[_PLgearState]")

	links := f.edges()
	require.Len(t, links, 1)
	assert.Equal(t, "@0000", links[0].Source)
	assert.Equal(t, "@001A", links[0].Target)
	assert.NotNil(t, f.Graph())

	var buf bytes.Buffer
	require.NoError(t, f.RenderGraph(&buf))
	assert.Contains(t, buf.String(), "echarts")
}

func TestReportJSON(t *testing.T) {
	f, err := segment(t, forwardAndBackward().load(t), 0)
	require.NoError(t, err)
	data, err := f.Report().JSON()
	require.NoError(t, err)

	var r Report
	require.NoError(t, json.Unmarshal(data, &r))
	assert.Equal(t, 0, r.Entry)
	assert.Equal(t, loadBase, r.LoadBase)
	require.Len(t, r.Blocks, 2)
	assert.Equal(t, ReturnInterp, r.Blocks[0].Return)
	assert.Equal(t, i386.Move, r.Blocks[0].Instructions[0].Mnemonic)
	assert.Equal(t, []string{"_PLgearState"}, r.Reads)
	assert.Equal(t, 2, r.Stats.Returns[ReturnInterp])
	assert.Equal(t, RegionData, r.Regions[1].Kind)
}
