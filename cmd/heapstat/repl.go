package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/wdbg/heapstat/internal/aggregate"
	"github.com/wdbg/heapstat/internal/heapwalk"
	"github.com/wdbg/heapstat/internal/target"
	"github.com/wdbg/heapstat/internal/ust"
)

// runREPL replays the four debugger-extension commands (heapstat,
// bysize, umdh, ust) against a single open dump across multiple
// lines, a local stand-in for the original tool's per-command
// invocation from inside a live debugger session. "open <corefile>"
// loads the dump once; it stays open until "open" is called again or
// the REPL exits.
func runREPL() error {
	rl, err := readline.New("heapstat> ")
	if err != nil {
		return fmt.Errorf("starting interactive shell: %w", err)
	}
	defer rl.Close()

	var s *session
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if err := dispatchREPL(rl.Stdout(), &s, fields[0], fields[1:]); err != nil {
			if err == io.EOF {
				return nil
			}
			fmt.Fprintf(rl.Stderr(), "heapstat: %v\n", err)
		}
	}
}

func dispatchREPL(out io.Writer, s **session, cmd string, args []string) error {
	switch cmd {
	case "help":
		fmt.Fprintln(out, "commands: open <corefile> | heapstat [-k prefix] | bysize [size] | umdh <path> | ust <address> | quit")
		return nil
	case "quit", "exit":
		return io.EOF
	case "open":
		if len(args) != 1 {
			return fmt.Errorf("usage: open <corefile>")
		}
		opened, err := openSession(args[0])
		if err != nil {
			return err
		}
		*s = opened
		fmt.Fprintf(out, "opened %s\n", args[0])
		return nil
	}

	if *s == nil {
		return fmt.Errorf("no dump open; run \"open <corefile>\" first")
	}
	cur := *s

	switch cmd {
	case "heapstat":
		var prefix string
		if len(args) >= 2 && args[0] == "-k" {
			prefix = args[1]
		}
		cs := aggregate.NewCallerSummary(cur.reader)
		cs.SymbolPrefixFilter = prefix
		if err := heapwalk.Walk(cur.reader, cur.env, cs, walkOptions(cur.tracer(out))); err != nil {
			return err
		}
		printCallerSummary(out, cs)
		return nil
	case "bysize":
		ss := aggregate.NewSizeSummary()
		if err := heapwalk.Walk(cur.reader, cur.env, ss, walkOptions(cur.tracer(out))); err != nil {
			return err
		}
		if len(args) == 1 {
			size, err := strconv.ParseInt(args[0], 0, 64)
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", args[0], err)
			}
			for _, a := range ss.Addresses(size) {
				fmt.Fprintln(out, a)
			}
			return nil
		}
		fmt.Fprintln(out, "count, size")
		for _, r := range ss.Rows() {
			fmt.Fprintln(out, r.String())
		}
		return nil
	case "umdh":
		if len(args) != 1 {
			return fmt.Errorf("usage: umdh <output-path>")
		}
		if !cur.env.USTEnabled() && !cur.env.PageHeapEnabled() {
			return fmt.Errorf("%w: umdh requires a UST- or page-heap-instrumented process", target.ErrModeUnavailable)
		}
		w := aggregate.NewUMDHWriter(cur.reader)
		w.Newline = umdhNewline()
		if err := heapwalk.Walk(cur.reader, cur.env, w, walkOptions(cur.tracer(out))); err != nil {
			return err
		}
		return w.WriteFile(args[0])
	case "ust":
		if len(args) != 1 {
			return fmt.Errorf("usage: ust <address>")
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", args[0], err)
		}
		rec, err := ust.Read(cur.reader, target.Address(addr), cur.env.Bitness())
		if err != nil {
			return err
		}
		frames, _ := ust.Symbolize(cur.reader, rec)
		fmt.Fprintf(out, "depth: %d\n", rec.Depth)
		for _, f := range frames {
			fmt.Fprintln(out, formatFrame(f))
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q (try \"help\")", cmd)
	}
}
