package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/colorfulnotion/fragvm/container"
	"github.com/colorfulnotion/fragvm/internal/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	imageBase = uint32(0x00401000)
	gearLoc   = imageBase + 0x810
)

// writeFixture writes a gear-branching container and a config mapping the
// gear to value, returning both paths.
func writeFixture(t *testing.T, gear int) (string, string) {
	t.Helper()
	a := asm.New()
	var relocs []int
	a.MovEAXMoffs(gearLoc)
	relocs = append(relocs, a.Offset()-4)
	a.CmpRI(asm.EAX, 0)
	a.Jcc(asm.CondE, 13)
	relocs = append(relocs, a.PushImm(imageBase), a.PushImm(imageBase+0x804))
	a.Ret()
	a.Emit('x', 0)
	relocs = append(relocs, a.PushImm(imageBase), a.PushImm(imageBase+0x800))
	a.Ret()

	b := container.NewBuilder(imageBase)
	b.Code(a.Bytes()...)
	for _, r := range relocs {
		b.Relocation(r)
	}
	b.Trampoline("do_start_interp", 0x800, imageBase+0x800)
	b.Trampoline("_ErrorExit", 0x804, imageBase+0x804)
	b.Trampoline("_PLgearState", 0x810, gearLoc)

	dir := t.TempDir()
	file := filepath.Join(dir, "gear.frag")
	require.NoError(t, os.WriteFile(file, b.Encode(), 0o644))
	cfg := filepath.Join(dir, "env.yaml")
	yaml := "ports:\n  - trampoline: _PLgearState\n    value: " + string(rune('0'+gear)) + "\n"
	require.NoError(t, os.WriteFile(cfg, []byte(yaml), 0o644))
	return file, cfg
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseOffset(t *testing.T) {
	for in, want := range map[string]int{"17": 17, "0x11": 17, "@0011": 17, " @11 ": 17} {
		got, err := parseOffset(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseOffset("-1")
	assert.Error(t, err)
	_, err = parseOffset("@zz")
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	file, cfg := writeFixture(t, 0)
	out, err := execute(t, "run", file, "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "interp do_start_interp@0xAA000800 args=[AA000000] after 6 steps")
	assert.Contains(t, out, "EAX=00000000")

	file, cfg = writeFixture(t, 1)
	out, err = execute(t, "run", file, "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "error _ErrorExit")

	_, err = execute(t, "run", file)
	assert.Error(t, err, "the gear is unmapped without a config")
}

func TestRunTraceAndExpect(t *testing.T) {
	file, cfg := writeFixture(t, 0)
	tracePath := filepath.Join(t.TempDir(), "run.jsonl")
	_, err := execute(t, "run", file, "-c", cfg, "--trace", tracePath)
	require.NoError(t, err)
	data, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	assert.Equal(t, 6, strings.Count(string(data), "\n"))

	out, err := execute(t, "run", file, "-c", cfg, "--expect", tracePath)
	require.NoError(t, err)
	assert.Contains(t, out, "trace matches")

	other, otherCfg := writeFixture(t, 1)
	out, err = execute(t, "run", other, "-c", otherCfg, "--expect", tracePath)
	assert.EqualError(t, err, "trace diverged")
	assert.Contains(t, out, "traces diverge at step 0")
}

func TestDisWithReference(t *testing.T) {
	file, _ := writeFixture(t, 0)
	out, err := execute(t, "dis", file, "--ref")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "@0000 AA000000 A1100800AA", strings.Join(strings.Fields(lines[0])[:3], " "))
	assert.Contains(t, lines[0], "_PLgearState")
	assert.Contains(t, out, "do_start_interp")

	out, err = execute(t, "dis", file, "-e", "@0017", "-n", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.True(t, strings.HasPrefix(out, "@0017"))
}

func TestFragmentAndCache(t *testing.T) {
	file, _ := writeFixture(t, 0)
	out, err := execute(t, "fragment", file)
	require.NoError(t, err)
	assert.Contains(t, out, "2 blocks")
	assert.Contains(t, out, `"x"`)

	db := filepath.Join(t.TempDir(), "cache")
	out, err = execute(t, "fragment", file, "--json", "--cache", db)
	require.NoError(t, err)
	assert.Contains(t, out, `"entry": 0`)

	out, err = execute(t, "cache", "--db", db, "list", file)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "@0000/0xAA000000")

	out, err = execute(t, "cache", "--db", db, "show", file)
	require.NoError(t, err)
	assert.Contains(t, out, `"do_start_interp"`)

	_, err = execute(t, "cache", "--db", db, "rm", file)
	require.NoError(t, err)
	_, err = execute(t, "cache", "--db", db, "show", file)
	assert.ErrorContains(t, err, "no cached report")
}

func TestGraph(t *testing.T) {
	file, _ := writeFixture(t, 0)
	html := filepath.Join(t.TempDir(), "g.html")
	out, err := execute(t, "graph", file, "-o", html)
	require.NoError(t, err)
	assert.Contains(t, out, "2 blocks")
	data, err := os.ReadFile(html)
	require.NoError(t, err)
	assert.Contains(t, string(data), "@0017")
}

func TestConsoleEval(t *testing.T) {
	file, cfg := writeFixture(t, 0)
	o := &options{configPath: cfg, logLevel: "warn"}
	in, err := o.load(file)
	require.NoError(t, err)
	var buf bytes.Buffer
	con, err := newConsole(in, &buf)
	require.NoError(t, err)

	got, err := con.eval(`run(0).kind`)
	require.NoError(t, err)
	assert.Equal(t, "interp", got)

	got, err = con.eval(`fragment(0).blocks.length`)
	require.NoError(t, err)
	assert.Equal(t, "2", got)

	_, err = con.eval(`setreg("eax", 0x1234)`)
	require.NoError(t, err)
	got, err = con.eval(`reg("ax")`)
	require.NoError(t, err)
	assert.Equal(t, "4660", got)

	got, err = con.eval(`dis(0, 1)`)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "@0000"))

	_, err = con.eval(`reg("rax")`)
	assert.ErrorContains(t, err, "rax")

	_, err = con.eval(`print("hi")`)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", buf.String())
}
