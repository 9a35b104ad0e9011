package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/fragvm/store"
)

func newCacheCmd(o *options) *cobra.Command {
	var db string
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the fragment report cache",
	}
	cmd.PersistentFlags().StringVar(&db, "db", "fragvm.cache", "LevelDB directory")

	open := func() (*store.Cache, error) { return store.Open(db) }

	list := &cobra.Command{
		Use:   "list [FILE]",
		Short: "List cached reports, optionally only those of one container",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := open()
			if err != nil {
				return err
			}
			defer cache.Close()
			var prefix []byte
			if len(args) == 1 {
				in, err := o.load(args[0])
				if err != nil {
					return err
				}
				h := store.ContainerHash(in.data)
				prefix = h[:]
			}
			keys, err := cache.List(prefix)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}

	keyed := func(use, short string, fn func(cmd *cobra.Command, cache *store.Cache, in *input, k store.Key) error) *cobra.Command {
		c := &cobra.Command{Use: use + " FILE", Short: short, Args: cobra.ExactArgs(1)}
		entry := entryFlag(c)
		c.RunE = func(cmd *cobra.Command, args []string) error {
			in, err := o.load(args[0])
			if err != nil {
				return err
			}
			off, err := entry(in)
			if err != nil {
				return err
			}
			cache, err := open()
			if err != nil {
				return err
			}
			defer cache.Close()
			return fn(cmd, cache, in, store.NewKey(in.data, off, in.c.LoadBase))
		}
		return c
	}

	put := keyed("put", "Analyze a fragment and store its report", func(cmd *cobra.Command, cache *store.Cache, in *input, k store.Key) error {
		f, err := in.segment(int(k.Entry))
		if err != nil {
			return err
		}
		if err := cache.Put(k, f.Report()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "stored", k)
		return nil
	})
	show := keyed("show", "Print a cached report", func(cmd *cobra.Command, cache *store.Cache, in *input, k store.Key) error {
		r, ok, err := cache.Get(k)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no cached report for %s", k)
		}
		data, err := r.JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	})
	rm := keyed("rm", "Delete a cached report", func(cmd *cobra.Command, cache *store.Cache, in *input, k store.Key) error {
		return cache.Delete(k)
	})

	cmd.AddCommand(list, put, show, rm)
	return cmd
}
