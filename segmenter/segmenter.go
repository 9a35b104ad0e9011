// Package segmenter reconstructs the control flow of a code fragment from
// its entry offset, one bounded decode at a time.
package segmenter

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/colorfulnotion/fragvm/config"
	"github.com/colorfulnotion/fragvm/container"
	"github.com/colorfulnotion/fragvm/fragerrors"
	"github.com/colorfulnotion/fragvm/i386"
	"github.com/colorfulnotion/fragvm/log"
)

type Segmenter struct {
	c      *container.Container
	vocab  config.Vocabulary
	limits config.Limits
}

func New(c *container.Container, vocab config.Vocabulary, limits config.Limits) *Segmenter {
	if limits.MaxBlocks <= 0 {
		limits.MaxBlocks = config.DefaultMaxBlocks
	}
	return &Segmenter{c: c, vocab: vocab, limits: limits}
}

// DisassembleFragment segments the fragment at entry with the default
// vocabulary and limits.
func DisassembleFragment(entryOffset int, c *container.Container) ([]*i386.ByteCode, error) {
	f, err := New(c, config.DefaultVocabulary(), config.DefaultLimits()).DisassembleFragment(entryOffset)
	if err != nil {
		return nil, err
	}
	return f.ByteCodes(), nil
}

// pending is an ordered set of offsets still to decode.
type pending struct {
	offsets []int
}

func (p *pending) add(off int) bool {
	i := sort.SearchInts(p.offsets, off)
	if i < len(p.offsets) && p.offsets[i] == off {
		return false
	}
	p.offsets = append(p.offsets, 0)
	copy(p.offsets[i+1:], p.offsets[i:])
	p.offsets[i] = off
	return true
}

func (p *pending) pop() int {
	off := p.offsets[0]
	p.offsets = p.offsets[1:]
	return off
}

func (p *pending) empty() bool { return len(p.offsets) == 0 }

// DisassembleFragment discovers every block reachable from entryOffset.
// Offsets are processed lowest first; backward jump targets are recorded
// but never queued.
func (s *Segmenter) DisassembleFragment(entryOffset int) (*Fragment, error) {
	code := s.c.Code
	if entryOffset < 0 || entryOffset >= len(code) {
		return nil, &i386.TruncatedError{Offset: entryOffset, Phase: "prefix"}
	}
	f := &Fragment{Entry: entryOffset, LoadBase: s.c.LoadBase, code: code}
	queue := &pending{}
	queue.add(entryOffset)

	for !queue.empty() {
		offset := queue.pop()
		if b, ok := f.BlockAt(offset); ok {
			if !f.Covered(offset) {
				log.Warn(log.SegmenterModule, "jump target inside an instruction", "target", fmt.Sprintf("@%04X", offset), "block", fmt.Sprintf("@%04X", b.StartOffset))
			}
			continue
		}
		if len(f.Blocks) >= s.limits.MaxBlocks {
			return nil, &DivergedError{Entry: entryOffset, Blocks: len(f.Blocks), Limit: s.limits.MaxBlocks, Pending: len(queue.offsets) + 1}
		}

		bc, err := i386.DisassembleUntil(offset, s.c.Address(offset), code[offset:], s.stop)
		if err != nil {
			log.Debug(log.SegmenterModule, "bounded decode failed", "offset", fmt.Sprintf("@%04X", offset), "err", err)
			return nil, fmt.Errorf("decode block @%04X: %w", offset, err)
		}
		s.annotate(bc)
		block := &Block{ByteCode: bc}
		f.insert(block)
		log.Debug(log.SegmenterModule, "decoded block",
			"start", fmt.Sprintf("@%04X", bc.StartOffset), "end", fmt.Sprintf("@%04X", bc.EndOffset()), "instructions", len(bc.Instructions))

		s.scanJumps(f, bc, queue)

		if bc.Last().Mnemonic != i386.Return {
			continue
		}
		if err := s.classify(block); err != nil {
			return nil, err
		}
		switch block.Return {
		case ReturnErrorExit:
			msg, err := readMessage(code, bc.EndOffset())
			if err != nil {
				return nil, err
			}
			f.Messages = append(f.Messages, msg)
			if next := msg.Offset + msg.Size(); next < len(code) {
				queue.add(next)
			}
		case ReturnContinue:
			if bc.EndOffset() < len(code) {
				queue.add(bc.EndOffset())
			}
		}
	}
	if uncovered := f.UncoveredBackwardTargets(); len(uncovered) > 0 {
		log.Warn(log.SegmenterModule, "backward jump targets not covered by any block", "entry", fmt.Sprintf("@%04X", entryOffset), "targets", uncovered)
	}
	return f, nil
}

// stop ends a block on an unconditional jump or on push imm; ret through a
// trampoline in the vocabulary.
func (s *Segmenter) stop(decoded []*i386.Instruction, _ []byte) bool {
	last := decoded[len(decoded)-1]
	if last.Mnemonic == i386.Jump {
		return true
	}
	if last.Mnemonic != i386.Return || len(decoded) < 2 {
		return false
	}
	target, ok := decoded[len(decoded)-2].PushedValue()
	if !ok {
		return false
	}
	t, ok := s.c.TrampolineForAddress(target)
	return ok && s.vocab.Contains(t.Name)
}

// scanJumps queues forward targets past the end of bc and records backward
// ones.
func (s *Segmenter) scanJumps(f *Fragment, bc *i386.ByteCode, queue *pending) {
	for _, in := range bc.Instructions {
		delta, ok := in.JumpDelta()
		if !ok {
			continue
		}
		target := in.End() + int(delta)
		switch {
		case delta < 0:
			log.Trace(log.SegmenterModule, "skipping loop", "at", fmt.Sprintf("@%04X", in.Offset), "bytes", delta)
			f.addBackward(target)
		case target >= bc.EndOffset():
			if target >= len(s.c.Code) {
				log.Warn(log.SegmenterModule, "jump leaves the code section", "at", fmt.Sprintf("@%04X", in.Offset), "target", fmt.Sprintf("@%04X", target))
				continue
			}
			if queue.add(target) {
				log.Trace(log.SegmenterModule, "queued external jump", "target", fmt.Sprintf("@%04X", target))
			}
		}
	}
}

// Classify reads the push arg0; push target; ret tail of a block that ends
// in a return.
func (s *Segmenter) Classify(bc *i386.ByteCode) (*Block, error) {
	b := &Block{ByteCode: bc}
	if err := s.classify(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Segmenter) classify(b *Block) error {
	ins := b.Instructions
	n := len(ins)
	malformed := &ReturnError{Kind: fragerrors.ErrSMalformedReturn, BlockOffset: b.StartOffset, BlockEnd: b.EndOffset()}
	if n < 3 || ins[n-1].Mnemonic != i386.Return {
		return malformed
	}
	target, ok := ins[n-2].PushedValue()
	if !ok {
		return malformed
	}
	arg0, ok := ins[n-3].PushedValue()
	if !ok {
		return malformed
	}
	t, ok := s.c.TrampolineForAddress(target)
	if !ok {
		return &ReturnError{Kind: fragerrors.ErrSUnresolvedTrampoline, BlockOffset: b.StartOffset, Target: target, Arg0: arg0, BlockEnd: b.EndOffset()}
	}
	b.Trampoline = t.Name
	b.Arg0 = arg0
	switch {
	case t.Name == s.vocab.InterpreterEntry:
		b.Return = ReturnInterp
	case t.Name == s.vocab.ErrorExit:
		b.Return = ReturnErrorExit
	case s.vocab.IsContinuation(t.Name):
		if !s.pointsAtEnd(arg0, b.EndOffset()) {
			return &ReturnError{Kind: fragerrors.ErrSContinuationMismatch, BlockOffset: b.StartOffset, Target: target, Name: t.Name, Arg0: arg0, BlockEnd: b.EndOffset()}
		}
		b.Return = ReturnContinue
	case s.vocab.IsCallback(t.Name):
		b.Return = ReturnCallback
	default:
		return &ReturnError{Kind: fragerrors.ErrSUnexpectedReturnTarget, BlockOffset: b.StartOffset, Target: target, Name: t.Name, Arg0: arg0, BlockEnd: b.EndOffset()}
	}
	log.Debug(log.SegmenterModule, "classified return", "block", fmt.Sprintf("@%04X", b.StartOffset), "kind", b.Return, "trampoline", t.Name)
	return nil
}

// pointsAtEnd accepts arg0 as either the load address or the raw offset of
// the block end.
func (s *Segmenter) pointsAtEnd(arg0 uint32, end int) bool {
	if off, ok := s.c.Offset(arg0); ok && off == end {
		return true
	}
	return arg0 == s.c.Address(end) || int64(arg0) == int64(end)
}

// annotate names memory operands and returns that refer to trampolines.
func (s *Segmenter) annotate(bc *i386.ByteCode) {
	var pushed string
	for _, in := range bc.Instructions {
		if mem, ok := in.MemoryOperand(); ok {
			if t, ok := s.c.TrampolineForAddress(uint32(mem.Displacement)); ok {
				in.Annotation = t.Name
			}
		}
		if v, ok := in.PushedValue(); ok {
			pushed = ""
			if t, ok := s.c.TrampolineForAddress(v); ok {
				pushed = t.Name
			}
		}
		if in.Mnemonic == i386.Return && pushed != "" {
			in.Annotation = pushed
		}
	}
}

func readMessage(code []byte, offset int) (Message, error) {
	if offset >= len(code) {
		return Message{}, &i386.TruncatedError{Offset: offset, Phase: "error message"}
	}
	end := bytes.IndexByte(code[offset:], 0)
	if end < 0 {
		return Message{}, &i386.TruncatedError{Offset: offset, Phase: "error message"}
	}
	return Message{Offset: offset, Text: string(code[offset : offset+end])}, nil
}
