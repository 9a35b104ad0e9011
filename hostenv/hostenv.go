// Package hostenv prepares interpreter states the way a host program would:
// trampolines, ports, scratch regions, initial registers and stack.
package hostenv

import (
	"fmt"

	"github.com/colorfulnotion/fragvm/config"
	"github.com/colorfulnotion/fragvm/container"
	"github.com/colorfulnotion/fragvm/i386"
	"github.com/colorfulnotion/fragvm/interpreter"
	"github.com/colorfulnotion/fragvm/log"
	"github.com/colorfulnotion/fragvm/segmenter"
)

// HostEnv binds one relocated container to a configuration.
type HostEnv struct {
	c   *container.Container
	cfg *config.Config
}

// Session is a prepared state plus the scratch regions mapped into it.
type Session struct {
	*interpreter.State
	Regions map[string][]byte
	Scripts []*ScriptPort

	regionAddr map[string]uint32
}

func New(c *container.Container, cfg *config.Config) *HostEnv {
	if cfg == nil {
		cfg = config.Default()
	}
	return &HostEnv{c: c, cfg: cfg}
}

func (h *HostEnv) Container() *container.Container { return h.c }

func (h *HostEnv) Config() *config.Config { return h.cfg }

// resolve returns the relocated memory location of a named container
// trampoline.
func (h *HostEnv) resolve(name string) (uint32, error) {
	t, ok := h.c.TrampolineByName(name)
	if !ok {
		return 0, fmt.Errorf("container has no trampoline %q", name)
	}
	return t.MemoryLocation, nil
}

// Prepare builds a fresh state. Extra options are applied after the ones
// derived from the configuration.
func (h *HostEnv) Prepare(opts ...interpreter.Option) (*Session, error) {
	vocab := h.cfg.Vocabulary
	base := []interpreter.Option{
		interpreter.WithVocabulary(vocab),
		interpreter.WithMaxSteps(uint64(h.cfg.Limits.MaxSteps)),
	}
	sess := &Session{
		State:      interpreter.New(append(base, opts...)...),
		Regions:    make(map[string][]byte),
		regionAddr: make(map[string]uint32),
	}

	for _, t := range h.c.Trampolines {
		if vocab.Contains(t.Name) {
			sess.AddTrampoline(t.MemoryLocation, t.Name, vocab.ArgCount(t.Name))
		}
	}
	for _, t := range h.cfg.Trampolines {
		addr := uint32(t.Address)
		if addr == 0 {
			var err error
			if addr, err = h.resolve(t.Name); err != nil {
				return nil, err
			}
		}
		sess.AddTrampoline(addr, t.Name, t.Args)
	}

	for i, p := range h.cfg.Ports {
		if err := h.mapPort(sess, p); err != nil {
			return nil, fmt.Errorf("port %d: %w", i, err)
		}
	}

	for _, r := range h.cfg.Writable {
		if err := sess.MapRegion(r.Name, uint32(r.Address), r.Size, r.Register); err != nil {
			return nil, err
		}
	}

	for name, v := range h.cfg.Registers {
		reg, ok := i386.ParseReg(name)
		if !ok {
			return nil, fmt.Errorf("unknown register %q", name)
		}
		sess.SetRegister(reg, uint32(v))
	}
	for _, v := range h.cfg.Stack {
		sess.PushStack(uint32(v))
	}
	log.Debug(log.HostModule, "prepared state", "trampolines", len(h.c.Trampolines)+len(h.cfg.Trampolines),
		"ports", len(h.cfg.Ports), "regions", len(h.cfg.Writable))
	return sess, nil
}

func (h *HostEnv) mapPort(sess *Session, p config.Port) error {
	addr := uint32(p.Address)
	if p.Trampoline != "" {
		var err error
		if addr, err = h.resolve(p.Trampoline); err != nil {
			return err
		}
	}
	switch {
	case p.Script != "":
		sp, err := NewScriptPort(p.Script)
		if err != nil {
			return err
		}
		sess.MapPort(addr, sp)
		sess.Scripts = append(sess.Scripts, sp)
	case p.Writable:
		sess.MapPort(addr, &interpreter.ValuePort{Value: uint32(p.Value)})
	default:
		sess.MapPort(addr, Const(uint32(p.Value)))
	}
	log.Trace(log.HostModule, "mapped port", "addr", fmt.Sprintf("0x%08X", addr), "trampoline", p.Trampoline)
	return nil
}

// Const is a read-only port that always yields v.
func Const(v uint32) interpreter.Port {
	return interpreter.PortFunc(func() uint32 { return v })
}

// MapRegion maps a zero-filled writable buffer and, when reg is non-empty,
// points that register at it.
func (s *Session) MapRegion(name string, addr uint32, size int, reg string) error {
	buf := make([]byte, size)
	if err := s.MapWritable(addr, buf); err != nil {
		return fmt.Errorf("region %q: %w", name, err)
	}
	if reg != "" {
		r, ok := i386.ParseReg(reg)
		if !ok {
			return fmt.Errorf("region %q: unknown register %q", name, reg)
		}
		s.SetRegister(r, addr)
	}
	s.Regions[name] = buf
	s.regionAddr[name] = addr
	return nil
}

// Release unmaps a region and returns its final contents.
func (s *Session) Release(name string) ([]byte, error) {
	addr, ok := s.regionAddr[name]
	if !ok {
		return nil, fmt.Errorf("no region %q", name)
	}
	buf, err := s.UnmapWritable(addr)
	if err != nil {
		return nil, err
	}
	delete(s.Regions, name)
	delete(s.regionAddr, name)
	return buf, nil
}

// ScriptErr returns the first error raised by a scripted port.
func (s *Session) ScriptErr() error {
	for _, sp := range s.Scripts {
		if err := sp.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Run segments the fragment at entry, loads it and interprets from its
// first instruction.
func (h *HostEnv) Run(sess *Session, entry int) (*segmenter.Fragment, *interpreter.Outcome, error) {
	limits := h.cfg.Limits
	f, err := segmenter.New(h.c, h.cfg.Vocabulary, limits).DisassembleFragment(entry)
	if err != nil {
		return nil, nil, err
	}
	if err := sess.LoadFragment(f); err != nil {
		return f, nil, err
	}
	out, err := sess.Interpret(h.c.Address(entry))
	if err != nil {
		return f, nil, err
	}
	if err := sess.ScriptErr(); err != nil {
		return f, out, err
	}
	log.Info(log.HostModule, "fragment finished", "entry", entry, "outcome", out.String())
	return f, out, nil
}
