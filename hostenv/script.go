package hostenv

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/colorfulnotion/fragvm/log"
)

// ScriptPort serves reads by evaluating a JavaScript expression. The
// expression sees `reads`, the number of earlier reads of this port, and
// any globals set through Set.
type ScriptPort struct {
	src   string
	vm    *goja.Runtime
	prog  *goja.Program
	reads uint32
	err   error
}

func NewScriptPort(src string) (*ScriptPort, error) {
	prog, err := goja.Compile("port", src, true)
	if err != nil {
		return nil, fmt.Errorf("compile port script: %w", err)
	}
	return &ScriptPort{src: src, vm: goja.New(), prog: prog}, nil
}

// Set exposes a Go value to the script.
func (p *ScriptPort) Set(name string, v interface{}) error {
	return p.vm.Set(name, v)
}

// Read evaluates the script. A script error yields zero and is kept for Err.
func (p *ScriptPort) Read() uint32 {
	if err := p.vm.Set("reads", p.reads); err != nil {
		p.fail(err)
		return 0
	}
	p.reads++
	v, err := p.vm.RunProgram(p.prog)
	if err != nil {
		p.fail(err)
		return 0
	}
	return uint32(v.ToInteger())
}

func (p *ScriptPort) fail(err error) {
	log.Warn(log.HostModule, "port script failed", "script", p.src, "err", err)
	if p.err == nil {
		p.err = fmt.Errorf("port script %q: %w", p.src, err)
	}
}

// Reads counts evaluations so far.
func (p *ScriptPort) Reads() uint32 { return p.reads }

func (p *ScriptPort) Err() error { return p.err }
