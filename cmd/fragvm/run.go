package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/fragvm/hostenv"
	"github.com/colorfulnotion/fragvm/i386"
	"github.com/colorfulnotion/fragvm/interpreter"
	"github.com/colorfulnotion/fragvm/log"
	"github.com/colorfulnotion/fragvm/trace"
)

func newRunCmd(o *options) *cobra.Command {
	var (
		tracePath  string
		expectPath string
		color      bool
		maxSteps   uint64
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Segment a fragment and interpret it in the configured host environment",
		Args:  cobra.ExactArgs(1),
	}
	entry := entryFlag(cmd)
	cmd.Flags().StringVar(&tracePath, "trace", "", "write every step as JSON lines to this file (- for stdout)")
	cmd.Flags().StringVar(&expectPath, "expect", "", "compare the run against a recorded JSONL trace")
	cmd.Flags().BoolVar(&color, "color", false, "color the divergence report")
	cmd.Flags().Uint64Var(&maxSteps, "max-steps", 0, "override the configured step limit")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		in, err := o.load(args[0])
		if err != nil {
			return err
		}
		off, err := entry(in)
		if err != nil {
			return err
		}

		var tracers []trace.Tracer
		var writer *trace.JSONLTraceWriter
		switch tracePath {
		case "":
		case "-":
			writer = trace.NewJSONLTraceWriterStdout()
		default:
			if writer, err = trace.NewJSONLTraceWriterFile(tracePath); err != nil {
				return err
			}
		}
		if writer != nil {
			defer writer.Close()
			tracers = append(tracers, writer)
		}
		rec := &trace.Recorder{}
		if expectPath != "" {
			tracers = append(tracers, rec)
		}

		var opts []interpreter.Option
		if len(tracers) > 0 {
			opts = append(opts, interpreter.WithTracer(trace.Tee(tracers...)))
		}
		if maxSteps > 0 {
			opts = append(opts, interpreter.WithMaxSteps(maxSteps))
		}
		env := hostenv.New(in.c, in.cfg)
		sess, err := env.Prepare(opts...)
		if err != nil {
			return err
		}
		_, out, runErr := env.Run(sess, off)
		w := cmd.OutOrStdout()
		if out != nil {
			fmt.Fprintln(w, out)
		}
		printState(w, sess.State)
		if runErr != nil {
			return runErr
		}
		if writer != nil {
			if err := writer.Flush(); err != nil {
				return err
			}
		}
		if expectPath != "" {
			return compareTrace(w, expectPath, rec.Steps, color)
		}
		return nil
	}
	return cmd
}

func printState(w io.Writer, s *interpreter.State) {
	for _, r := range []i386.Reg{i386.EAX, i386.EBX, i386.ECX, i386.EDX, i386.ESP, i386.EBP, i386.ESI, i386.EDI, i386.EIP} {
		fmt.Fprintf(w, "%s=%08X ", r, s.Register(r))
	}
	fmt.Fprintf(w, "\n%s steps=%d stack=%X\n", s.Flags(), s.Steps(), s.Stack())
}

func compareTrace(w io.Writer, path string, actual []*trace.Step, color bool) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	expected, err := trace.ReadSteps(fh)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	d, err := trace.Diff(expected, actual, color)
	if err != nil {
		return err
	}
	if d != nil {
		fmt.Fprintln(w, d)
		return errors.New("trace diverged")
	}
	log.Info(log.CLIModule, "trace matches", "steps", len(actual))
	fmt.Fprintf(w, "trace matches %s (%d steps)\n", path, len(actual))
	return nil
}
