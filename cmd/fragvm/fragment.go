package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/fragvm/log"
	"github.com/colorfulnotion/fragvm/segmenter"
	"github.com/colorfulnotion/fragvm/store"
)

func newFragmentCmd(o *options) *cobra.Command {
	var (
		asJSON  bool
		cacheDB string
	)
	cmd := &cobra.Command{
		Use:   "fragment FILE",
		Short: "Discover every block reachable from an entry offset",
		Args:  cobra.ExactArgs(1),
	}
	entry := entryFlag(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the analysis report as JSON instead of a tree")
	cmd.Flags().StringVar(&cacheDB, "cache", "", "LevelDB directory to read and store JSON reports")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		in, err := o.load(args[0])
		if err != nil {
			return err
		}
		off, err := entry(in)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if !asJSON {
			f, err := in.segment(off)
			if err != nil {
				return err
			}
			fmt.Fprint(w, f.Tree().String())
			s := f.Stats()
			fmt.Fprintf(w, "%d blocks, %d instructions, %d code bytes, %d data bytes\n", s.Blocks, s.Instructions, s.CodeBytes, s.DataBytes)
			return nil
		}

		var r *segmenter.Report
		build := func() (*segmenter.Fragment, error) { return in.segment(off) }
		if cacheDB != "" {
			cache, err := store.Open(cacheDB)
			if err != nil {
				return err
			}
			defer cache.Close()
			if r, err = cache.Analyze(store.NewKey(in.data, off, in.c.LoadBase), build); err != nil {
				return err
			}
		} else {
			f, err := build()
			if err != nil {
				return err
			}
			r = f.Report()
		}
		data, err := r.JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	return cmd
}

func newGraphCmd(o *options) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "graph FILE",
		Short: "Render the fragment's control flow as an HTML chart",
		Args:  cobra.ExactArgs(1),
	}
	entry := entryFlag(cmd)
	cmd.Flags().StringVarP(&out, "output", "o", "fragment.html", "HTML file to write")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		in, err := o.load(args[0])
		if err != nil {
			return err
		}
		off, err := entry(in)
		if err != nil {
			return err
		}
		f, err := in.segment(off)
		if err != nil {
			return err
		}
		fh, err := os.Create(out)
		if err != nil {
			return err
		}
		if err := f.RenderGraph(fh); err != nil {
			fh.Close()
			return err
		}
		if err := fh.Close(); err != nil {
			return err
		}
		log.Info(log.CLIModule, "wrote graph", "path", out, "blocks", len(f.Blocks))
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d blocks)\n", out, len(f.Blocks))
		return nil
	}
	return cmd
}
