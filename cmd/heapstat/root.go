// The heapstat tool inspects a Windows user-mode heap captured in a
// minidump file, the way the original yoichi/HeapStat WinDbg extension
// inspects a live debuggee: by-caller and by-size allocation summaries,
// UMDH-format leak-diff output, and raw UST stack dumps. Run
// "heapstat help" for the command list, or "heapstat" with no
// arguments for an interactive shell.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime/pprof"

	"github.com/spf13/cobra"

	"github.com/wdbg/heapstat/internal/heapwalk"
	"github.com/wdbg/heapstat/internal/minidump"
	"github.com/wdbg/heapstat/internal/target"
)

var (
	flagVerbose bool
	flagProf    string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "heapstat",
		Short: "Windows user-mode heap post-mortem analyzer",
		Long: `heapstat inspects a Windows user-mode heap captured in a minidump file.

Run a subcommand against a dump, or run heapstat with no arguments
for an interactive shell that keeps the dump open across commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL()
		},
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "print segment-discovery trace in addition to warnings")
	root.PersistentFlags().StringVar(&flagProf, "prof", "", "write a CPU profile of heapstat itself to this file (for heapstat's own developers)")

	root.AddCommand(
		newByCallerCmd(),
		newBySizeCmd(),
		newUMDHCmd(),
		newUSTCmd(),
		newOverviewCmd(),
	)
	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "heapstat: %v\n", err)
		os.Exit(1)
	}
}

func startProfile() func() {
	if flagProf == "" {
		return func() {}
	}
	f, err := os.Create(flagProf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "heapstat: can't open profile file: %v\n", err)
		return func() {}
	}
	pprof.StartCPUProfile(f)
	return func() {
		pprof.StopCPUProfile()
		f.Close()
	}
}

// session opens a minidump and probes its environment, the shared
// first step every subcommand (and the REPL's "open" command) needs
// before it can walk a heap.
type session struct {
	reader *minidump.Reader
	env    *target.Env
}

func openSession(corefile string) (*session, error) {
	r, err := minidump.Core(corefile)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", corefile, err)
	}
	env, err := target.NewEnv(r)
	if err != nil {
		return nil, fmt.Errorf("probing process environment: %w", err)
	}
	return &session{reader: r, env: env}, nil
}

func (s *session) tracer(out io.Writer) heapwalk.Tracer {
	return heapwalk.NewLogTracer(out, flagVerbose)
}
