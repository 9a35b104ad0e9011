package trace

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSteps() []*Step {
	return []*Step{
		{Index: 0, Address: 0xAA000000, Instruction: "mov eax, 0x1", Registers: Registers{EAX: 1, EIP: 0xAA000005}, StackDepth: 0},
		{Index: 1, Address: 0xAA000005, Instruction: "cmp eax, 0x1", Registers: Registers{EAX: 1, EIP: 0xAA000008}, Flags: Flags{ZF: true}},
	}
}

func TestJSONLRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLTraceWriter(&buf)
	for _, s := range sampleSteps() {
		require.NoError(t, w.WriteStep(s))
	}
	require.NoError(t, w.Close())
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\n")))

	steps, err := ReadSteps(&buf)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.True(t, steps[1].Flags.ZF)
	assert.Equal(t, "cmp eax, 0x1", steps[1].Instruction)
}

func TestWriteAfterClose(t *testing.T) {
	w := NewJSONLTraceWriter(&bytes.Buffer{})
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteStep(&Step{}), ErrTraceWriterClosed)
	assert.ErrorIs(t, w.Flush(), ErrTraceWriterClosed)
}

func TestConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLTraceWriter(&buf)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = w.WriteStep(&Step{Index: uint64(i*100 + j)})
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Close())
	steps, err := ReadSteps(&buf)
	require.NoError(t, err)
	assert.Len(t, steps, 400)
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	w, err := NewJSONLTraceWriterFile(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteStep(sampleSteps()[0]))
	require.NoError(t, w.Close())
}

func TestChangedMemory(t *testing.T) {
	var s Step
	s.SetChangedMemory(0x300000, []byte{1, 2, 3, 4})
	require.NotNil(t, s.ChangedMemoryAddr)
	assert.Equal(t, uint32(0x300000), *s.ChangedMemoryAddr)
	assert.Equal(t, uint32(4), *s.ChangedMemoryLength)
	assert.Equal(t, []byte{1, 2, 3, 4}, s.ChangedMemoryBytes)

	s.SetChangedMemory(0x300000, make([]byte, 64))
	assert.Equal(t, uint32(64), *s.ChangedMemoryLength)
	assert.Len(t, s.ChangedMemoryBytes, 32)

	s.SetChangedMemory(0, nil)
	assert.Nil(t, s.ChangedMemoryAddr)
}

func TestDiff(t *testing.T) {
	d, err := Diff(sampleSteps(), sampleSteps(), false)
	require.NoError(t, err)
	assert.Nil(t, d)

	actual := sampleSteps()
	actual[1].Flags.ZF = false
	d, err = Diff(sampleSteps(), actual, false)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Index)
	assert.Contains(t, d.Report, "zf")
	assert.Contains(t, d.String(), "step 1")

	d, err = Diff(sampleSteps(), sampleSteps()[:1], false)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Index)
	assert.NotNil(t, d.Expected)
	assert.Nil(t, d.Actual)
	assert.Contains(t, d.Report, "expected 2 steps, got 1")
}

func TestRecorderCopies(t *testing.T) {
	var r Recorder
	s := &Step{Index: 1}
	require.NoError(t, r.WriteStep(s))
	s.Index = 2
	assert.Equal(t, uint64(1), r.Steps[0].Index)
}

func TestTee(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLTraceWriter(&buf)
	rec := &Recorder{}
	tr := Tee(rec, w)
	for _, s := range sampleSteps() {
		require.NoError(t, tr.WriteStep(s))
	}
	require.NoError(t, w.Flush())
	assert.Len(t, rec.Steps, 2)
	got, err := ReadSteps(&buf)
	require.NoError(t, err)
	assert.Equal(t, rec.Steps, got)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, Tee(w, rec).WriteStep(sampleSteps()[0]), ErrTraceWriterClosed)
	assert.Len(t, rec.Steps, 2)
}

func TestJSONLLineFormat(t *testing.T) {
	steps := sampleSteps()
	steps[1].Flags = Flags{CF: true, ZF: true, DF: true}
	steps[1].SetChangedMemory(0x300004, []byte{0xDE, 0xAD})

	var buf bytes.Buffer
	w := NewJSONLTraceWriter(&buf)
	for _, s := range steps {
		require.NoError(t, w.WriteStep(s))
	}
	require.NoError(t, w.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"at":"AA000000"`)
	assert.Contains(t, lines[0], `"eip":"AA000005"`)
	assert.Contains(t, lines[0], `"eax":"00000001"`)
	assert.Contains(t, lines[0], `"flags":"....."`)
	assert.NotContains(t, lines[0], "store", "no store record without a memory write")
	assert.Contains(t, lines[1], `"flags":"C.Z.D"`)
	assert.Contains(t, lines[1], `"store":{"addr":"00300004","len":2,"bytes":"dead"}`)

	got, err := ReadSteps(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, steps, got)
}

func TestReadStepsRejectsBadLines(t *testing.T) {
	_, err := ReadSteps(strings.NewReader(`{"i":0,"at":"XYZ","flags":"....."}`))
	assert.ErrorContains(t, err, "trace word")

	steps, err := ReadSteps(strings.NewReader(`{"i":0,"at":"00000000","flags":"....."}` + "\n" + `{"i":1,"at":"00000000","flags":"CZ"}`))
	assert.ErrorContains(t, err, "step 1")
	assert.Len(t, steps, 1)
}
