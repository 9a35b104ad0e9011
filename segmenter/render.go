package segmenter

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	"github.com/xlab/treeprint"
)

func blockLabel(b *Block) string {
	label := fmt.Sprintf("@%04X..@%04X (%d instructions)", b.StartOffset, b.EndOffset(), len(b.Instructions))
	if b.Trampoline != "" {
		label += fmt.Sprintf(" %s -> %s", b.Return, b.Trampoline)
	} else {
		label += " " + b.Return.String()
	}
	return label
}

// Tree renders the fragment as blocks with their instructions, followed by
// error messages and uncovered loop targets.
func (f *Fragment) Tree() treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("fragment @%04X load 0x%08X", f.Entry, f.LoadBase))
	for _, b := range f.Blocks {
		branch := tree.AddBranch(blockLabel(b))
		for _, in := range b.Instructions {
			branch.AddNode(fmt.Sprintf("@%04X %s", in.Offset, in))
		}
	}
	if len(f.Messages) > 0 {
		msgs := tree.AddBranch("messages")
		for _, m := range f.Messages {
			msgs.AddNode(fmt.Sprintf("@%04X %q", m.Offset, m.Text))
		}
	}
	if uncovered := f.UncoveredBackwardTargets(); len(uncovered) > 0 {
		loops := tree.AddBranch("uncovered backward targets")
		for _, t := range uncovered {
			loops.AddNode(fmt.Sprintf("@%04X", t))
		}
	}
	return tree
}

func nodeName(b *Block) string { return fmt.Sprintf("@%04X", b.StartOffset) }

// edges returns source/target block pairs: relative jumps that land in a
// block, plus continuations and error exits that resume after a block.
func (f *Fragment) edges() []opts.GraphLink {
	var links []opts.GraphLink
	seen := make(map[[2]int]bool)
	link := func(from, to *Block) {
		key := [2]int{from.StartOffset, to.StartOffset}
		if seen[key] {
			return
		}
		seen[key] = true
		links = append(links, opts.GraphLink{Source: nodeName(from), Target: nodeName(to)})
	}
	for _, b := range f.Blocks {
		for _, in := range b.Instructions {
			if target, ok := in.JumpTarget(); ok {
				if to, ok := f.BlockAt(target); ok && to != b {
					link(b, to)
				}
			}
		}
		next := -1
		switch b.Return {
		case ReturnContinue:
			next = b.EndOffset()
		case ReturnErrorExit:
			for _, m := range f.Messages {
				if m.Offset == b.EndOffset() {
					next = m.Offset + m.Size()
				}
			}
		}
		if to, ok := f.BlockAt(next); ok && next >= 0 {
			link(b, to)
		}
	}
	return links
}

// Graph builds a force-directed control-flow chart of the fragment.
func (f *Fragment) Graph() *charts.Graph {
	g := charts.NewGraph()
	g.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Fragment @%04X", f.Entry),
			Subtitle: fmt.Sprintf("%d blocks, load base 0x%08X", len(f.Blocks), f.LoadBase),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)

	nodes := make([]opts.GraphNode, 0, len(f.Blocks))
	for _, b := range f.Blocks {
		color := "steelblue"
		switch b.Return {
		case ReturnErrorExit:
			color = "red"
		case ReturnInterp:
			color = "green"
		case ReturnContinue, ReturnCallback:
			color = "orange"
		}
		nodes = append(nodes, opts.GraphNode{
			Name:  nodeName(b),
			Value: float32(len(b.Instructions)),
			Tooltip: &opts.Tooltip{
				Show:      opts.Bool(true),
				Formatter: types.FuncStr(fmt.Sprintf("'%s'", blockLabel(b))),
			},
			ItemStyle: &opts.ItemStyle{Color: color},
		})
	}
	g.AddSeries("blocks", nodes, f.edges()).SetSeriesOptions(
		charts.WithGraphChartOpts(opts.GraphChart{
			Force:              &opts.GraphForce{Repulsion: 800, Gravity: 0.2, EdgeLength: 80},
			Layout:             "force",
			Roam:               opts.Bool(true),
			EdgeSymbol:         []string{"none", "arrow"},
			FocusNodeAdjacency: opts.Bool(true),
		}),
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "right", Formatter: "{b}"}),
	)
	return g
}

// RenderGraph writes the control-flow chart as a standalone HTML page.
func (f *Fragment) RenderGraph(w io.Writer) error {
	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("fragment @%04X", f.Entry)
	page.AddCharts(f.Graph())
	return page.Render(w)
}
