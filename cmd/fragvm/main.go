// fragvm inspects and runs relocatable x86 fragment containers.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/fragvm/config"
	"github.com/colorfulnotion/fragvm/container"
	"github.com/colorfulnotion/fragvm/log"
	"github.com/colorfulnotion/fragvm/segmenter"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type options struct {
	configPath string
	loadBase   string
	logLevel   string
	logJSON    bool
	debug      string
}

func (o *options) initLogging() error {
	if o.logJSON {
		if err := log.InitJSONLogger(os.Stderr, o.logLevel); err != nil {
			return err
		}
	} else {
		if _, err := log.ParseLevel(o.logLevel); err != nil {
			return err
		}
		log.InitLogger(o.logLevel)
	}
	log.EnableModules(o.debug)
	return nil
}

// input is a loaded container together with the configuration it was
// loaded under.
type input struct {
	path string
	data []byte
	c    *container.Container
	cfg  *config.Config
}

func (o *options) load(path string) (*input, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.loadBase != "" {
		a, err := config.ParseAddress(o.loadBase)
		if err != nil {
			return nil, err
		}
		cfg.LoadBase = a
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := container.Load(data, uint32(cfg.LoadBase))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info(log.CLIModule, "loaded container", "path", path, "code", len(c.Code),
		"trampolines", len(c.Trampolines), "relocations", len(c.Relocations), "load_base", cfg.LoadBase)
	return &input{path: path, data: data, c: c, cfg: cfg}, nil
}

func (in *input) segment(entry int) (*segmenter.Fragment, error) {
	return segmenter.New(in.c, in.cfg.Vocabulary, in.cfg.Limits).DisassembleFragment(entry)
}

// parseOffset accepts decimal, 0x-prefixed hex, or @-prefixed hex as the
// listings print it.
func parseOffset(s string) (int, error) {
	s = strings.TrimSpace(s)
	base := 0
	if strings.HasPrefix(s, "@") {
		s, base = s[1:], 16
	}
	v, err := strconv.ParseInt(s, base, 32)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	return int(v), nil
}

// entryFlag binds --entry and returns a resolver for its value. An empty
// value falls back to the configured entry.
func entryFlag(cmd *cobra.Command) func(in *input) (int, error) {
	var raw string
	cmd.Flags().StringVarP(&raw, "entry", "e", "", "entry offset (decimal, 0x hex or @hex; default from config)")
	return func(in *input) (int, error) {
		if raw == "" {
			return in.cfg.Entry, nil
		}
		return parseOffset(raw)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	rootCmd := &cobra.Command{
		Use:           "fragvm",
		Short:         "Decode, segment and interpret relocatable x86 fragments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.initLogging()
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "YAML or TOML configuration file")
	pf.StringVar(&o.loadBase, "load-base", "", "override the configured load base")
	pf.StringVar(&o.logLevel, "log-level", "warn", "trace, debug, info, warn, error or crit")
	pf.BoolVar(&o.logJSON, "log-json", false, "log JSON to stderr")
	pf.StringVar(&o.debug, "debug", "", "comma separated modules to trace: container,decoder,segmenter,interp,store,hostenv,cli")

	rootCmd.AddCommand(
		newDisCmd(o),
		newFragmentCmd(o),
		newRunCmd(o),
		newGraphCmd(o),
		newConsoleCmd(o),
		newCacheCmd(o),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "fragvm %s (commit %s, built %s)\n", Version, Commit, BuildTime)
			},
		},
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
