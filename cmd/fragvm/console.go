package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/dop251/goja"
	"github.com/spf13/cobra"

	"github.com/colorfulnotion/fragvm/hostenv"
	"github.com/colorfulnotion/fragvm/i386"
	"github.com/colorfulnotion/fragvm/log"
)

func newConsoleCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "console FILE",
		Short: "JavaScript console over a loaded container",
		Long: `Interactive JavaScript console. Bindings:
  fragment(entry)   analysis report as an object
  tree(entry)       block tree as text
  dis(offset, n)    linear disassembly
  run(entry)        interpret in the current session, returns the outcome
  reset()           fresh session from the configuration
  reg(name)         read a register; setreg(name, value) writes one
  stack(), flags()  current stack and flags
  port(addr, value) map a constant port
  print(...)        print values`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := o.load(args[0])
			if err != nil {
				return err
			}
			con, err := newConsole(in, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return con.loop()
		},
	}
}

type console struct {
	in   *input
	env  *hostenv.HostEnv
	sess *hostenv.Session
	vm   *goja.Runtime
	out  io.Writer
}

func newConsole(in *input, out io.Writer) (*console, error) {
	c := &console{in: in, env: hostenv.New(in.c, in.cfg), vm: goja.New(), out: out}
	if err := c.reset(); err != nil {
		return nil, err
	}
	bindings := map[string]interface{}{
		"print": func(args ...goja.Value) {
			for _, a := range args {
				fmt.Fprintln(c.out, a.Export())
			}
		},
		"reset":    c.reset,
		"fragment": c.fragment,
		"tree":     c.tree,
		"dis":      c.dis,
		"run":      c.run,
		"reg":      c.reg,
		"setreg":   c.setreg,
		"stack":    func() []uint32 { return c.sess.Stack() },
		"flags":    func() map[string]bool { f := c.sess.Flags(); return map[string]bool{"cf": f.CF, "of": f.OF, "zf": f.ZF, "sf": f.SF, "df": f.DF} },
		"port":     func(addr, v uint32) { c.sess.MapPort(addr, hostenv.Const(v)) },
	}
	for name, fn := range bindings {
		if err := c.vm.Set(name, fn); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *console) reset() error {
	sess, err := c.env.Prepare()
	if err != nil {
		return err
	}
	c.sess = sess
	return nil
}

func (c *console) fragment(entry int) (interface{}, error) {
	f, err := c.in.segment(entry)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(f.Report())
	if err != nil {
		return nil, err
	}
	var v interface{}
	err = json.Unmarshal(data, &v)
	return v, err
}

func (c *console) tree(entry int) (string, error) {
	f, err := c.in.segment(entry)
	if err != nil {
		return "", err
	}
	return f.Tree().String(), nil
}

func (c *console) dis(offset, n int) (string, error) {
	var sb strings.Builder
	err := disassemble(&sb, c.in, offset, n, false)
	return sb.String(), err
}

func (c *console) run(entry int) (map[string]interface{}, error) {
	_, out, err := c.env.Run(c.sess, entry)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"kind":       out.Kind.String(),
		"trampoline": out.Trampoline,
		"args":       out.Args,
		"steps":      out.Steps,
	}, nil
}

func (c *console) reg(name string) (uint32, error) {
	r, ok := i386.ParseReg(name)
	if !ok {
		return 0, fmt.Errorf("unknown register %q", name)
	}
	return c.sess.Register(r), nil
}

func (c *console) setreg(name string, v uint32) error {
	r, ok := i386.ParseReg(name)
	if !ok {
		return fmt.Errorf("unknown register %q", name)
	}
	c.sess.SetRegister(r, v)
	return nil
}

// eval runs one line and formats its value; undefined yields "".
func (c *console) eval(line string) (string, error) {
	v, err := c.vm.RunString(line)
	if err != nil {
		return "", err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", nil
	}
	if s, ok := v.Export().(string); ok {
		return s, nil
	}
	data, err := json.MarshalIndent(v.Export(), "", "  ")
	if err != nil {
		return v.String(), nil
	}
	return string(data), nil
}

func (c *console) loop() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "fragvm> ",
		HistoryFile: filepath.Join(os.TempDir(), "fragvm_console_history"),
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	fmt.Fprintf(c.out, "%s: %d code bytes, %d trampolines. exit to quit.\n", c.in.path, len(c.in.c.Code), len(c.in.c.Trampolines))
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		out, err := c.eval(line)
		if err != nil {
			log.Debug(log.CLIModule, "console error", "line", line, "err", err)
			fmt.Fprintln(c.out, "error:", err)
			continue
		}
		if out != "" {
			fmt.Fprintln(c.out, out)
		}
	}
}
