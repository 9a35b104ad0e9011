package trace

import (
	"encoding/json"
	"fmt"

	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Divergence is the first step at which two traces disagree. Expected or
// Actual is nil when one trace ends early.
type Divergence struct {
	Index    int
	Expected *Step
	Actual   *Step
	Report   string
}

func (d *Divergence) String() string {
	return fmt.Sprintf("traces diverge at step %d\n%s", d.Index, d.Report)
}

// Diff returns the first diverging step, or nil when both traces agree.
func Diff(expected, actual []*Step, coloring bool) (*Divergence, error) {
	n := len(expected)
	if len(actual) < n {
		n = len(actual)
	}
	differ := gojsondiff.New()
	for i := 0; i < n; i++ {
		expJSON, err := json.Marshal(expected[i])
		if err != nil {
			return nil, err
		}
		actJSON, err := json.Marshal(actual[i])
		if err != nil {
			return nil, err
		}
		delta, err := differ.Compare(expJSON, actJSON)
		if err != nil {
			return nil, fmt.Errorf("diff step %d: %w", i, err)
		}
		if !delta.Modified() {
			continue
		}
		var leftObj interface{}
		if err := json.Unmarshal(expJSON, &leftObj); err != nil {
			return nil, err
		}
		asciiFmt := formatter.NewAsciiFormatter(leftObj, formatter.AsciiFormatterConfig{
			ShowArrayIndex: true,
			Coloring:       coloring,
		})
		report, err := asciiFmt.Format(delta)
		if err != nil {
			return nil, fmt.Errorf("format step %d: %w", i, err)
		}
		return &Divergence{Index: i, Expected: expected[i], Actual: actual[i], Report: report}, nil
	}
	if len(expected) == len(actual) {
		return nil, nil
	}
	d := &Divergence{Index: n, Report: fmt.Sprintf("expected %d steps, got %d", len(expected), len(actual))}
	if n < len(expected) {
		d.Expected = expected[n]
	}
	if n < len(actual) {
		d.Actual = actual[n]
	}
	return d, nil
}
